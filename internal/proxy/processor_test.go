package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/usage-gateway/internal/dialect"
)

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func testContext(d dialect.Dialect, requestModel string) *RequestContext {
	return &RequestContext{
		Tag:          "test-req",
		ProviderID:   "prov",
		RequestModel: requestModel,
		StartTime:    time.Now(),
		Dialect:      d,
	}
}

func TestIsSSEResponse(t *testing.T) {
	tests := []struct {
		contentType string
		want        bool
	}{
		{"text/event-stream", true},
		{"text/event-stream; charset=utf-8", true},
		{"application/json", false},
		{"", false},
	}
	for _, tt := range tests {
		resp := &http.Response{Header: http.Header{"Content-Type": []string{tt.contentType}}}
		assert.Equal(t, tt.want, IsSSEResponse(resp), "content type %q", tt.contentType)
	}
}

func TestProcessResponse_DispatchesOnContentType(t *testing.T) {
	sink := &captureSink{}
	p := NewProcessor(sink, 0)

	// SSE branch: passes through and records a streaming job.
	w := httptest.NewRecorder()
	stream := "data: [DONE]\n\n"
	p.ProcessResponse(context.Background(), w, sseResponse(strings.NewReader(stream)), streamContext(StreamingTimeoutConfig{}))
	require.Len(t, sink.all(), 1)
	assert.True(t, sink.all()[0].Streaming)

	// JSON branch: buffers and records a non-streaming job.
	w = httptest.NewRecorder()
	p.ProcessResponse(context.Background(), w, jsonResponse(200, `{"model":"m","usage":{"input_tokens":1}}`), testContext(dialect.Anthropic, ""))
	require.Len(t, sink.all(), 2)
	assert.False(t, sink.all()[1].Streaming)
}

func TestHandleNonStreaming_ModelPrecedence(t *testing.T) {
	tests := []struct {
		name         string
		body         string
		requestModel string
		wantModel    string
	}{
		{
			name:      "usage-embedded model wins",
			body:      `{"model":"top-level","usage":{"input_tokens":1,"model":"claude-z"}}`,
			wantModel: "claude-z",
		},
		{
			name:      "top-level model when usage has none",
			body:      `{"model":"gpt-x","usage":{"prompt_tokens":5}}`,
			wantModel: "gpt-x",
		},
		{
			name:         "request model as last resort",
			body:         `{"usage":{"prompt_tokens":5}}`,
			requestModel: "requested",
			wantModel:    "requested",
		},
		{
			name:         "no usage at all falls back to extract",
			body:         `{"model":"seen"}`,
			requestModel: "requested",
			wantModel:    "seen",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &captureSink{}
			p := NewProcessor(sink, 0)
			w := httptest.NewRecorder()

			d := dialect.OpenAI
			if strings.Contains(tt.body, "input_tokens") {
				d = dialect.Anthropic
			}
			p.handleNonStreaming(w, jsonResponse(200, tt.body), testContext(d, tt.requestModel))

			jobs := sink.all()
			require.Len(t, jobs, 1)
			assert.Equal(t, tt.wantModel, jobs[0].Model)
		})
	}
}

func TestHandleNonStreaming_ForwardsVerbatim(t *testing.T) {
	sink := &captureSink{}
	p := NewProcessor(sink, 0)
	w := httptest.NewRecorder()

	body := `{"id":"m1","model":"claude-3","usage":{"input_tokens":12,"output_tokens":7}}`
	resp := jsonResponse(200, body)
	resp.Header.Set("X-Upstream", "yes")
	p.handleNonStreaming(w, resp, testContext(dialect.Anthropic, ""))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, body, w.Body.String())
	assert.Equal(t, "yes", w.Header().Get("X-Upstream"))

	jobs := sink.all()
	require.Len(t, jobs, 1)
	assert.Equal(t, 12, jobs[0].Usage.InputTokens)
	assert.Equal(t, 7, jobs[0].Usage.OutputTokens)
	assert.Equal(t, body, jobs[0].ResponseBody)
}

func TestHandleNonStreaming_ErrorStatusStillForwarded(t *testing.T) {
	sink := &captureSink{}
	p := NewProcessor(sink, 0)
	w := httptest.NewRecorder()

	body := `{"error":{"message":"rate limited"}}`
	p.handleNonStreaming(w, jsonResponse(429, body), testContext(dialect.Anthropic, "req"))

	assert.Equal(t, 429, w.Code)
	assert.Equal(t, body, w.Body.String())
	jobs := sink.all()
	require.Len(t, jobs, 1)
	assert.Equal(t, 429, jobs[0].StatusCode)
	assert.False(t, jobs[0].Usage.HasTokens())
}

func TestHandleNonStreaming_NonJSONBody(t *testing.T) {
	sink := &captureSink{}
	p := NewProcessor(sink, 0)
	w := httptest.NewRecorder()

	resp := &http.Response{
		StatusCode: 502,
		Header:     http.Header{"Content-Type": []string{"text/html"}},
		Body:       io.NopCloser(strings.NewReader("<html>bad gateway</html>")),
	}
	p.handleNonStreaming(w, resp, testContext(dialect.OpenAI, "req-model"))

	// Forwarded untouched; the record carries zero counts and the raw text.
	assert.Equal(t, 502, w.Code)
	assert.Equal(t, "<html>bad gateway</html>", w.Body.String())
	jobs := sink.all()
	require.Len(t, jobs, 1)
	assert.False(t, jobs[0].Usage.HasTokens())
	assert.Equal(t, "req-model", jobs[0].Model)
	assert.Equal(t, "<html>bad gateway</html>", jobs[0].ResponseBody)
}

func TestHandleNonStreaming_BodyCap(t *testing.T) {
	sink := &captureSink{}
	p := NewProcessor(sink, 16)
	w := httptest.NewRecorder()

	p.handleNonStreaming(w, jsonResponse(200, strings.Repeat("x", 64)), testContext(dialect.OpenAI, ""))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "too large")
	assert.Empty(t, sink.all(), "oversized responses are not recorded")
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, "boom", http.StatusBadGateway)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), `"boom"`)
	assert.Contains(t, w.Body.String(), "gateway_error")
}
