package proxy

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/relaymesh/usage-gateway/internal/dialect"
)

// ExtractedStreamData accumulates everything billing cares about from a
// stream of SSE events. All fields follow first-non-empty-wins: once set by
// an event, later events never overwrite them. Text is the exception and is
// append-only.
type ExtractedStreamData struct {
	Text       string
	MessageID  string
	StopReason string
	Created    int64
	Model      string

	InputTokens         int
	OutputTokens        int
	CacheReadTokens     int
	CacheCreationTokens int
}

// StreamResult is the completion payload delivered exactly once per stream.
// It replaces closure-captured completion state with a first-class value.
type StreamResult struct {
	Data ExtractedStreamData

	// FirstContent is the time-to-first-content latency, valid only when
	// HasFirstContent is true.
	FirstContent    time.Duration
	HasFirstContent bool

	// Latency is the total stream duration measured at finalize.
	Latency time.Duration

	// ResponseBody is the raw upstream byte sequence, recorded regardless
	// of parse success. Audit fallback when nothing was extracted.
	ResponseBody string

	// Synthesized is a normalized JSON rendition of the extracted data,
	// empty when no text was extracted.
	Synthesized string
}

// Usage returns the normalized token-usage snapshot of the result.
func (r StreamResult) Usage() dialect.TokenUsage {
	return dialect.TokenUsage{
		InputTokens:         r.Data.InputTokens,
		OutputTokens:        r.Data.OutputTokens,
		CacheReadTokens:     r.Data.CacheReadTokens,
		CacheCreationTokens: r.Data.CacheCreationTokens,
		Model:               r.Data.Model,
	}
}

// Collector accumulates usage data from SSE events pushed by the streaming
// engine. It is safe for concurrent use; Finish delivers the completion value
// at most once even when an error path and the normal end race.
type Collector struct {
	mu              sync.Mutex
	text            strings.Builder
	data            ExtractedStreamData
	firstContent    time.Duration
	hasFirstContent bool
	responseBody    string
	hasResponseBody bool

	start      time.Time
	finished   atomic.Bool
	onComplete func(StreamResult)
}

// NewCollector creates a collector. onComplete runs synchronously on the
// terminal step of the stream and must be cheap and non-blocking; the
// production wiring enqueues onto the usage log worker's bounded queue.
func NewCollector(start time.Time, onComplete func(StreamResult)) *Collector {
	return &Collector{start: start, onComplete: onComplete}
}

// Push extracts data from one decoded SSE event. Events must be pushed in
// arrival order. raw must be valid JSON.
func (c *Collector) Push(raw []byte) {
	event := gjson.ParseBytes(raw)
	elapsed := time.Since(c.start)

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasFirstContent && isContentEvent(event) {
		c.firstContent = elapsed
		c.hasFirstContent = true
	}
	c.appendTextLocked(event)
	c.extractMetadataLocked(event)
}

// isContentEvent reports whether the event carries user-visible content for
// time-to-first-content purposes: an explicitly typed delta event, or the
// header-less shape with choices[0].delta.content present.
func isContentEvent(event gjson.Result) bool {
	typ := event.Get("type")
	switch typ.String() {
	case "content_block_delta", "thinking_delta":
		return true
	}
	return !typ.Exists() && event.Get("choices.0.delta.content").Exists()
}

// appendTextLocked scans every known shape that might carry text, in fixed
// order, and appends all matches. The scan is deliberately shape-agnostic:
// real payloads mix vendor shapes rather than cleanly separating by dialect.
func (c *Collector) appendTextLocked(event gjson.Result) {
	if delta := event.Get("delta"); delta.Exists() {
		c.appendString(delta.Get("text"))
		c.appendString(delta.Get("thinking"))
		c.appendString(delta.Get("partial_json"))
		// delta.signature is deliberately not extracted
	}

	event.Get("choices").ForEach(func(_, choice gjson.Result) bool {
		c.appendString(choice.Get("delta.content"))
		return true
	})

	c.appendString(event.Get("text"))

	content := event.Get("content")
	if content.IsArray() {
		content.ForEach(func(_, item gjson.Result) bool {
			c.appendString(item.Get("text"))
			c.appendString(item.Get("thinking"))
			return true
		})
	} else {
		c.appendString(content)
	}

	if msgContent := event.Get("message.content"); msgContent.IsArray() {
		msgContent.ForEach(func(_, item gjson.Result) bool {
			c.appendString(item.Get("text"))
			c.appendString(item.Get("thinking"))
			return true
		})
	}
}

func (c *Collector) appendString(v gjson.Result) {
	if v.Type == gjson.String {
		c.text.WriteString(v.String())
	}
}

// extractMetadataLocked applies the per-dialect field paths,
// first-non-empty-wins for strings and first-non-zero-wins for counters.
func (c *Collector) extractMetadataLocked(event gjson.Result) {
	switch event.Get("type").String() {
	case "message_start":
		setString(&c.data.MessageID, event.Get("message.id"))
		setInt64(&c.data.Created, event.Get("message.created"))
		setString(&c.data.Model, event.Get("message.model"))
		setCount(&c.data.InputTokens, event.Get("message.usage.input_tokens"))
		setCount(&c.data.CacheReadTokens, event.Get("message.usage.cache_read_input_tokens"))
		setCount(&c.data.CacheCreationTokens, event.Get("message.usage.cache_creation_input_tokens"))

	case "content_block_start":
		setString(&c.data.Model, event.Get("message.model"))

	case "message_delta":
		setString(&c.data.StopReason, event.Get("delta.stop_reason"))
		setString(&c.data.Model, event.Get("usage.model"))
		setCount(&c.data.OutputTokens, event.Get("usage.output_tokens"))

	default:
		// Header-less shape. Also reached by other typed events, which may
		// carry these fields in mixed payloads.
		setString(&c.data.MessageID, event.Get("id"))
		setInt64(&c.data.Created, event.Get("created"))
		setString(&c.data.StopReason, event.Get("choices.0.finish_reason"))
		setCount(&c.data.InputTokens, event.Get("usage.prompt_tokens"))
		setCount(&c.data.OutputTokens, event.Get("usage.completion_tokens"))
		setCount(&c.data.CacheReadTokens, event.Get("usage.prompt_tokens_details.cached_tokens"))
	}
}

func setString(dst *string, v gjson.Result) {
	if *dst == "" && v.Type == gjson.String && v.String() != "" {
		*dst = v.String()
	}
}

func setInt64(dst *int64, v gjson.Result) {
	if *dst == 0 && v.Type == gjson.Number {
		*dst = v.Int()
	}
}

func setCount(dst *int, v gjson.Result) {
	if *dst == 0 && v.Int() > 0 {
		*dst = int(v.Int())
	}
}

// SetResponseBody stores the final raw upstream body. Called once from the
// terminal path; later calls are ignored.
func (c *Collector) SetResponseBody(body string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasResponseBody {
		c.responseBody = body
		c.hasResponseBody = true
	}
}

// Finish takes ownership of the accumulated data, computes latencies and
// delivers the StreamResult. At most one call has effect; racing callers
// (error path vs normal end) resolve via compare-and-swap.
func (c *Collector) Finish() {
	if !c.finished.CompareAndSwap(false, true) {
		return
	}

	c.mu.Lock()
	data := c.data
	data.Text = c.text.String()
	c.data = ExtractedStreamData{}
	c.text.Reset()
	res := StreamResult{
		Data:            data,
		FirstContent:    c.firstContent,
		HasFirstContent: c.hasFirstContent,
		Latency:         time.Since(c.start),
		ResponseBody:    c.responseBody,
	}
	c.mu.Unlock()

	res.Synthesized = synthesizeBody(res)
	if c.onComplete != nil {
		c.onComplete(res)
	}
}

// synthesizeBody renders the extracted data as a normalized JSON document for
// persistence, embedding usage counters and first-content latency when
// available. Returns "" when no text was extracted; callers fall back to the
// raw upstream body.
func synthesizeBody(res StreamResult) string {
	data := res.Data
	if data.Text == "" {
		return ""
	}

	body := "{}"
	body, _ = sjson.Set(body, "text", data.Text)
	if data.MessageID != "" {
		body, _ = sjson.Set(body, "id", data.MessageID)
	}
	if data.StopReason != "" {
		body, _ = sjson.Set(body, "stop_reason", data.StopReason)
	}
	if data.Created != 0 {
		body, _ = sjson.Set(body, "created", data.Created)
	}
	if data.Model != "" {
		body, _ = sjson.Set(body, "model", data.Model)
	}
	if res.Usage().HasTokens() {
		body, _ = sjson.Set(body, "usage.input_tokens", data.InputTokens)
		body, _ = sjson.Set(body, "usage.output_tokens", data.OutputTokens)
		body, _ = sjson.Set(body, "usage.cache_read_tokens", data.CacheReadTokens)
		body, _ = sjson.Set(body, "usage.cache_creation_tokens", data.CacheCreationTokens)
	}
	if res.HasFirstContent {
		body, _ = sjson.Set(body, "first_token_ms", res.FirstContent.Milliseconds())
	}
	return body
}
