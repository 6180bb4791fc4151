// Package proxy is the response-processing core of the gateway.
//
// DESIGN: Response flow:
//   - ProcessResponse():      dispatch on upstream Content-Type
//   - handleStreaming():      pass-through SSE with side-channel extraction
//   - handleNonStreaming():   buffer, parse once, forward verbatim
//
// Usage extraction and persistence are a side channel: they never delay or
// alter the primary byte path. Only transport failures, timeouts and
// response-build failures are client-visible.
package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/relaymesh/usage-gateway/internal/usagelog"
)

// UsageSink receives completed usage jobs. Enqueue must not block.
type UsageSink interface {
	Enqueue(job usagelog.Job) bool
}

// Processor turns upstream responses into client responses while extracting
// usage on the side.
type Processor struct {
	usage            UsageSink
	maxResponseBytes int64
}

// NewProcessor creates a processor. maxResponseBytes caps buffered
// non-streaming bodies; 0 means unbounded.
func NewProcessor(usage UsageSink, maxResponseBytes int64) *Processor {
	return &Processor{usage: usage, maxResponseBytes: maxResponseBytes}
}

// IsSSEResponse reports whether the upstream reply is an event stream. Only
// the Content-Type header is inspected; the body is never read before
// branching.
func IsSSEResponse(resp *http.Response) bool {
	return strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream")
}

// ProcessResponse dispatches the upstream response to streaming or
// non-streaming handling and closes resp.Body when done.
func (p *Processor) ProcessResponse(ctx context.Context, w http.ResponseWriter, resp *http.Response, rctx *RequestContext) {
	if IsSSEResponse(resp) {
		p.handleStreaming(ctx, w, resp, rctx)
	} else {
		p.handleNonStreaming(w, resp, rctx)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{"message": msg, "type": "gateway_error"},
	})
}

// copyHeaders copies HTTP headers from source to destination.
func copyHeaders(w http.ResponseWriter, src http.Header) {
	for k, v := range src {
		w.Header()[k] = v
	}
}
