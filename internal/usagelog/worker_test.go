package usagelog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/usage-gateway/internal/dialect"
)

// memStore is an in-memory Store for worker tests.
type memStore struct {
	mu         sync.Mutex
	records    []*Record
	multiplier float64
	source     string
	insertErr  error
}

func newMemStore() *memStore {
	return &memStore{multiplier: 1.0, source: ModelSourceResponse}
}

func (s *memStore) ResolvePricing(ctx context.Context, providerID, dialectTag string) (float64, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.multiplier, s.source
}

func (s *memStore) Insert(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) all() []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Record(nil), s.records...)
}

func TestWorker_ProcessesJob(t *testing.T) {
	store := newMemStore()
	w := NewWorker(store, 8, false)

	ms := 80 * time.Millisecond
	ok := w.Enqueue(Job{
		ProviderID:   "prov",
		DialectTag:   "anthropic",
		Model:        "claude-3",
		RequestModel: "claude-3-requested",
		Usage: dialect.TokenUsage{
			InputTokens:  10,
			OutputTokens: 3,
		},
		Latency:         1200 * time.Millisecond,
		FirstContent:    ms,
		HasFirstContent: true,
		StatusCode:      200,
		SessionID:       "sess",
		Streaming:       true,
	})
	require.True(t, ok)
	w.Close()

	recs := store.all()
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "prov", rec.ProviderID)
	assert.Equal(t, "claude-3", rec.Model)
	assert.Equal(t, "claude-3", rec.PricingModel, "response source bills the observed model")
	assert.Equal(t, 10, rec.InputTokens)
	assert.Equal(t, 3, rec.OutputTokens)
	assert.Equal(t, int64(1200), rec.LatencyMs)
	require.NotNil(t, rec.FirstTokenMs)
	assert.Equal(t, int64(80), *rec.FirstTokenMs)
	assert.Equal(t, 1.0, rec.CostMultiplier)
	assert.Equal(t, 0, rec.EstimatedOutputTokens, "no estimate when usage was reported")
}

func TestWorker_PricingModelFromRequest(t *testing.T) {
	store := newMemStore()
	store.multiplier = 1.5
	store.source = ModelSourceRequest
	w := NewWorker(store, 8, false)

	w.Enqueue(Job{
		ProviderID:   "prov",
		DialectTag:   "openai",
		Model:        "gpt-observed",
		RequestModel: "gpt-requested",
		Usage:        dialect.TokenUsage{OutputTokens: 1},
	})
	w.Close()

	recs := store.all()
	require.Len(t, recs, 1)
	assert.Equal(t, "gpt-observed", recs[0].Model)
	assert.Equal(t, "gpt-requested", recs[0].PricingModel)
	assert.Equal(t, 1.5, recs[0].CostMultiplier)
}

func TestWorker_EstimatesOutputWhenNoUsage(t *testing.T) {
	if _, err := tiktoken.GetEncoding("cl100k_base"); err != nil {
		t.Skipf("tokenizer unavailable: %v", err)
	}

	store := newMemStore()
	w := NewWorker(store, 8, true)

	w.Enqueue(Job{
		ProviderID:   "prov",
		DialectTag:   "openai",
		ResponseBody: "The quick brown fox jumps over the lazy dog.",
	})
	w.Enqueue(Job{
		ProviderID:   "prov",
		DialectTag:   "openai",
		Usage:        dialect.TokenUsage{OutputTokens: 5},
		ResponseBody: "Counted upstream, no estimate needed.",
	})
	w.Close()

	recs := store.all()
	require.Len(t, recs, 2)
	assert.Greater(t, recs[0].EstimatedOutputTokens, 0)
	assert.Equal(t, 0, recs[0].OutputTokens, "estimates never land in billed counters")
	assert.Equal(t, 0, recs[1].EstimatedOutputTokens)
}

func TestWorker_CloseDrainsQueue(t *testing.T) {
	store := newMemStore()
	w := NewWorker(store, 64, false)

	for i := 0; i < 20; i++ {
		require.True(t, w.Enqueue(Job{ProviderID: "prov", DialectTag: "openai"}))
	}
	w.Close()

	assert.Len(t, store.all(), 20, "pending jobs persist before shutdown")
}

func TestWorker_EnqueueNeverBlocksWhenFull(t *testing.T) {
	store := newMemStore()
	// Unstarted worker channel of size 1: fill it, then overflow.
	w := &Worker{store: store, jobs: make(chan Job, 1)}

	assert.True(t, w.Enqueue(Job{}))
	done := make(chan bool, 1)
	go func() { done <- w.Enqueue(Job{}) }()

	select {
	case ok := <-done:
		assert.False(t, ok, "overflow drops the record")
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}
}

func TestWorker_CloseIsIdempotent(t *testing.T) {
	w := NewWorker(newMemStore(), 1, false)
	w.Close()
	assert.NotPanics(t, func() { w.Close() })
}

func TestWorker_InsertFailureIsSwallowed(t *testing.T) {
	store := newMemStore()
	store.insertErr = context.DeadlineExceeded
	w := NewWorker(store, 4, false)

	assert.True(t, w.Enqueue(Job{ProviderID: "prov", DialectTag: "openai"}))
	assert.NotPanics(t, w.Close)
}
