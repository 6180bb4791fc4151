package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/relaymesh/usage-gateway/internal/config"
	"github.com/relaymesh/usage-gateway/internal/usagelog"
)

type streamChunk struct {
	data []byte
	err  error
}

// handleStreaming forwards upstream chunks to the client verbatim as they
// arrive while feeding complete SSE events to the collector. Forwarding never
// waits on parsing. The collector is finalized exactly once on every terminal
// path: upstream EOF, upstream error, timeout, or context cancellation.
func (p *Processor) handleStreaming(ctx context.Context, w http.ResponseWriter, resp *http.Response, rctx *RequestContext) {
	log.Debug().
		Str("tag", rctx.Tag).
		Int("status", resp.StatusCode).
		Msg("received upstream streaming response")

	col := NewCollector(rctx.StartTime, p.streamCompletion(rctx, resp.StatusCode))

	copyHeaders(w, resp.Header)
	w.WriteHeader(resp.StatusCode)
	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		log.Warn().Str("tag", rctx.Tag).Msg("response writer does not support flushing")
	}

	// The reader goroutine pumps chunks so the engine can select on the
	// active timeout. Closing done (and the body, via defer) releases it.
	done := make(chan struct{})
	defer close(done)
	defer func() { _ = resp.Body.Close() }()
	chunks := make(chan streamChunk, 1)
	go readChunks(resp.Body, chunks, done)

	var raw bytes.Buffer // every upstream byte, audit fallback
	var parseBuf []byte  // event-parse buffer, trailing partial event kept
	firstChunk := true

	finalize := func() {
		col.SetResponseBody(raw.String())
		col.Finish()
	}

	for {
		timeout := rctx.Timeouts.Idle
		if firstChunk {
			timeout = rctx.Timeouts.FirstByte
		}
		var timer *time.Timer
		var timeoutCh <-chan time.Time
		if timeout > 0 {
			timer = time.NewTimer(timeout)
			timeoutCh = timer.C
		}

		select {
		case chunk := <-chunks:
			if timer != nil {
				timer.Stop()
			}
			if chunk.err != nil {
				if chunk.err == io.EOF {
					finalize()
					return
				}
				log.Error().Err(chunk.err).Str("tag", rctx.Tag).Msg("upstream stream error")
				writeStreamError(w, flusher, "upstream stream error")
				finalize()
				return
			}

			if firstChunk {
				log.Debug().
					Str("tag", rctx.Tag).
					Int("bytes", len(chunk.data)).
					Msg("received first upstream chunk")
			}
			firstChunk = false
			raw.Write(chunk.data)

			// Forward before parsing: the primary byte path never waits
			// on the side channel.
			if _, werr := w.Write(chunk.data); werr != nil {
				log.Debug().Err(werr).Str("tag", rctx.Tag).Msg("client disconnected")
				finalize()
				return
			}
			if canFlush {
				flusher.Flush()
			}

			parseBuf = append(parseBuf, chunk.data...)
			parseBuf = drainEvents(parseBuf, col, rctx.Tag)

		case <-timeoutCh:
			phase := "idle"
			if firstChunk {
				phase = "first-byte"
			}
			log.Error().
				Str("tag", rctx.Tag).
				Str("phase", phase).
				Dur("timeout", timeout).
				Msg("streaming response timed out")
			writeStreamError(w, flusher, fmt.Sprintf("streaming %s timeout", phase))
			finalize()
			return

		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			log.Debug().Str("tag", rctx.Tag).Msg("request canceled mid-stream")
			finalize()
			return
		}
	}
}

// readChunks pumps upstream bytes into out until read error or done closes.
func readChunks(body io.Reader, out chan<- streamChunk, done <-chan struct{}) {
	buf := make([]byte, config.DefaultBufferSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case out <- streamChunk{data: data}:
			case <-done:
				return
			}
		}
		if err != nil {
			select {
			case out <- streamChunk{err: err}:
			case <-done:
			}
			return
		}
	}
}

// drainEvents extracts complete events at blank-line boundaries, handing each
// to handleEvent, and returns the unconsumed remainder (a trailing partial
// event stays buffered for the next chunk).
func drainEvents(buf []byte, col *Collector, tag string) []byte {
	for {
		event, rest, ok := nextEvent(buf)
		if !ok {
			return buf
		}
		buf = rest
		handleEvent(event, col, tag)
	}
}

func nextEvent(buf []byte) (event, rest []byte, ok bool) {
	if idx := bytes.Index(buf, []byte("\r\n\r\n")); idx >= 0 {
		return buf[:idx], buf[idx+4:], true
	}
	if idx := bytes.Index(buf, []byte("\n\n")); idx >= 0 {
		return buf[:idx], buf[idx+2:], true
	}
	return nil, buf, false
}

// handleEvent inspects every "data:" line of one event. The "[DONE]"
// sentinel is recognized and dropped without JSON parsing; malformed JSON is
// dropped at debug severity and never fatal.
func handleEvent(event []byte, col *Collector, tag string) {
	for _, line := range bytes.Split(event, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if len(payload) == 0 {
			continue
		}
		if bytes.Equal(payload, []byte("[DONE]")) {
			log.Debug().Str("tag", tag).Msg("sse: [DONE]")
			continue
		}
		if !gjson.ValidBytes(payload) {
			log.Debug().Str("tag", tag).Msg("sse: dropping malformed data line")
			continue
		}
		col.Push(payload)
	}
}

// writeStreamError emits a terminating error event into the client-visible
// stream. The raw-body accumulator records upstream bytes only, so this is
// never recorded.
func writeStreamError(w http.ResponseWriter, flusher http.Flusher, msg string) {
	_, _ = fmt.Fprintf(w, "event: error\ndata: {\"error\":{\"message\":%q,\"type\":\"gateway_error\"}}\n\n", msg)
	if flusher != nil {
		flusher.Flush()
	}
}

// streamCompletion builds the completion func wired into each stream's
// collector. It converts the StreamResult into a usage job and enqueues it;
// enqueueing is non-blocking by contract.
func (p *Processor) streamCompletion(rctx *RequestContext, statusCode int) func(StreamResult) {
	return func(res StreamResult) {
		usage := res.Usage()
		model := res.Data.Model
		if model == "" {
			model = rctx.RequestModel
		}
		body := res.Synthesized
		if body == "" {
			body = res.ResponseBody
		}

		if !usage.HasTokens() {
			log.Debug().Str("tag", rctx.Tag).Msg("stream reported no usage")
		}

		p.usage.Enqueue(usagelog.Job{
			ProviderID:      rctx.ProviderID,
			DialectTag:      rctx.Dialect.Tag,
			Model:           model,
			RequestModel:    rctx.RequestModel,
			Usage:           usage,
			Latency:         res.Latency,
			FirstContent:    res.FirstContent,
			HasFirstContent: res.HasFirstContent,
			StatusCode:      statusCode,
			SessionID:       rctx.SessionID,
			Streaming:       true,
			RequestBody:     rctx.RequestBody,
			ResponseBody:    body,
		})
	}
}
