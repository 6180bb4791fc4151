// Package usagelog persists billing-relevant token usage extracted from
// upstream responses.
//
// DESIGN: The response path never talks to storage directly. It enqueues a
// Job on a bounded queue consumed by a single worker goroutine, so persistence
// latency and failures can never reach the client. Close() is the drain point
// at shutdown.
package usagelog

import (
	"context"
	"time"

	"github.com/relaymesh/usage-gateway/internal/dialect"
)

// Pricing model sources. The flag selects which model name drives billing.
const (
	ModelSourceRequest  = "request"
	ModelSourceResponse = "response"
)

// Job is the completion payload handed to the worker by the response path.
type Job struct {
	ProviderID      string
	DialectTag      string
	Model           string // observed model (response-derived)
	RequestModel    string // model the client asked for
	Usage           dialect.TokenUsage
	Latency         time.Duration
	FirstContent    time.Duration // valid only when HasFirstContent
	HasFirstContent bool
	StatusCode      int
	SessionID       string
	Streaming       bool
	RequestBody     string
	ResponseBody    string
}

// Record is one persisted usage row.
type Record struct {
	ID                    string
	ProviderID            string
	DialectTag            string
	Model                 string
	RequestModel          string
	PricingModel          string
	InputTokens           int
	OutputTokens          int
	CacheReadTokens       int
	CacheCreationTokens   int
	EstimatedOutputTokens int // informational, never billed
	CostMultiplier        float64
	LatencyMs             int64
	FirstTokenMs          *int64
	StatusCode            int
	SessionID             string
	Streaming             bool
	RequestBody           string
	ResponseBody          string
	CreatedAt             time.Time
}

// Store is the persistence collaborator for usage records.
type Store interface {
	// ResolvePricing returns the cost multiplier and pricing model source
	// ("request" or "response") configured for a provider/dialect pair.
	ResolvePricing(ctx context.Context, providerID, dialectTag string) (multiplier float64, modelSource string)

	// Insert persists one usage record.
	Insert(ctx context.Context, rec *Record) error

	Close() error
}
