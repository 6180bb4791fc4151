package proxy

import (
	"time"

	"github.com/relaymesh/usage-gateway/internal/dialect"
)

// StreamingTimeoutConfig bounds waits on the upstream chunk sequence.
// A zero value disables the corresponding timeout.
type StreamingTimeoutConfig struct {
	// FirstByte applies while waiting for the first upstream chunk.
	FirstByte time.Duration

	// Idle applies between subsequent chunks.
	Idle time.Duration
}

// RequestContext carries per-request state from the forwarding layer into
// response processing. It is read-only once handed to the processor.
type RequestContext struct {
	// Tag is a short identifier prefixing this request's log lines.
	Tag string

	ProviderID   string
	SessionID    string
	RequestModel string

	// RequestBody is the client request body, kept for the usage record.
	RequestBody string

	StartTime time.Time
	Timeouts  StreamingTimeoutConfig
	Dialect   dialect.Dialect
}

// Latency returns the elapsed time since the request started.
func (rc *RequestContext) Latency() time.Duration {
	return time.Since(rc.StartTime)
}
