package usagelog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"
)

const insertTimeout = 10 * time.Second

// Worker consumes usage jobs from a bounded queue and persists them.
// Enqueue never blocks; when the queue is full the record is dropped with a
// warning, keeping the response path isolated from storage backpressure.
type Worker struct {
	store          Store
	jobs           chan Job
	estimateTokens bool

	encOnce sync.Once
	enc     *tiktoken.Tiktoken

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewWorker starts a worker draining into store. queueSize bounds the number
// of pending records.
func NewWorker(store Store, queueSize int, estimateTokens bool) *Worker {
	if queueSize <= 0 {
		queueSize = 1
	}
	w := &Worker{
		store:          store,
		jobs:           make(chan Job, queueSize),
		estimateTokens: estimateTokens,
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Enqueue hands a job to the worker. Returns false when the queue is full and
// the job was dropped.
func (w *Worker) Enqueue(job Job) bool {
	select {
	case w.jobs <- job:
		return true
	default:
		log.Warn().
			Str("provider", job.ProviderID).
			Str("dialect", job.DialectTag).
			Msg("usagelog: queue full, dropping record")
		return false
	}
}

// Close drains remaining jobs and stops the worker.
func (w *Worker) Close() {
	w.closeOnce.Do(func() {
		close(w.jobs)
	})
	w.wg.Wait()
}

func (w *Worker) run() {
	defer w.wg.Done()
	for job := range w.jobs {
		w.process(job)
	}
}

func (w *Worker) process(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()

	multiplier, source := w.store.ResolvePricing(ctx, job.ProviderID, job.DialectTag)
	pricingModel := job.Model
	if source == ModelSourceRequest {
		pricingModel = job.RequestModel
	}

	rec := &Record{
		ID:                  uuid.New().String(),
		ProviderID:          job.ProviderID,
		DialectTag:          job.DialectTag,
		Model:               job.Model,
		RequestModel:        job.RequestModel,
		PricingModel:        pricingModel,
		InputTokens:         job.Usage.InputTokens,
		OutputTokens:        job.Usage.OutputTokens,
		CacheReadTokens:     job.Usage.CacheReadTokens,
		CacheCreationTokens: job.Usage.CacheCreationTokens,
		CostMultiplier:      multiplier,
		LatencyMs:           job.Latency.Milliseconds(),
		StatusCode:          job.StatusCode,
		SessionID:           job.SessionID,
		Streaming:           job.Streaming,
		RequestBody:         job.RequestBody,
		ResponseBody:        job.ResponseBody,
		CreatedAt:           time.Now(),
	}
	if job.HasFirstContent {
		ms := job.FirstContent.Milliseconds()
		rec.FirstTokenMs = &ms
	}
	if !job.Usage.HasTokens() {
		rec.EstimatedOutputTokens = w.estimateOutput(job.ResponseBody)
	}

	log.Debug().
		Str("id", rec.ID).
		Str("provider", rec.ProviderID).
		Str("dialect", rec.DialectTag).
		Str("model", rec.Model).
		Str("pricing_model", rec.PricingModel).
		Bool("streaming", rec.Streaming).
		Int("status", rec.StatusCode).
		Int64("latency_ms", rec.LatencyMs).
		Int("input", rec.InputTokens).
		Int("output", rec.OutputTokens).
		Int("cache_read", rec.CacheReadTokens).
		Int("cache_creation", rec.CacheCreationTokens).
		Msg("usagelog: recording request")

	if err := w.store.Insert(ctx, rec); err != nil {
		log.Warn().Err(err).Str("id", rec.ID).Msg("usagelog: failed to record usage")
	}
}

// estimateOutput counts tokens in text with a tokenizer, for streams that
// never reported usage. The tokenizer is loaded on first use; on failure
// estimation stays disabled for the worker's lifetime.
func (w *Worker) estimateOutput(text string) int {
	if !w.estimateTokens || text == "" {
		return 0
	}
	w.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			log.Warn().Err(err).Msg("usagelog: tokenizer unavailable, disabling estimates")
			return
		}
		w.enc = enc
	})
	if w.enc == nil {
		return 0
	}
	return len(w.enc.Encode(text, nil, nil))
}
