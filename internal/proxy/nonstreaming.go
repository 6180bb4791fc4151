package proxy

import (
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/relaymesh/usage-gateway/internal/config"
	"github.com/relaymesh/usage-gateway/internal/usagelog"
	"github.com/relaymesh/usage-gateway/internal/utils"
)

// handleNonStreaming buffers the full upstream body, parses it once for
// usage, and forwards status, headers and body verbatim. The usage record is
// always issued, even for non-JSON replies (zero counts, raw text preserved
// as audit trail), and its outcome never reaches the client.
func (p *Processor) handleNonStreaming(w http.ResponseWriter, resp *http.Response, rctx *RequestContext) {
	defer func() { _ = resp.Body.Close() }()

	var reader io.Reader = resp.Body
	if p.maxResponseBytes > 0 {
		reader = io.LimitReader(resp.Body, p.maxResponseBytes+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		log.Error().Err(err).Str("tag", rctx.Tag).Msg("failed to read upstream response")
		writeError(w, "failed to read upstream response", http.StatusBadGateway)
		return
	}
	if p.maxResponseBytes > 0 && int64(len(body)) > p.maxResponseBytes {
		log.Error().
			Str("tag", rctx.Tag).
			Int64("limit", p.maxResponseBytes).
			Msg("upstream response exceeds body cap")
		writeError(w, "upstream response too large", http.StatusBadGateway)
		return
	}

	log.Debug().
		Str("tag", rctx.Tag).
		Int("status", resp.StatusCode).
		Int("bytes", len(body)).
		Msg("received upstream response body")

	job := usagelog.Job{
		ProviderID:   rctx.ProviderID,
		DialectTag:   rctx.Dialect.Tag,
		RequestModel: rctx.RequestModel,
		Latency:      rctx.Latency(),
		StatusCode:   resp.StatusCode,
		SessionID:    rctx.SessionID,
		Streaming:    false,
		RequestBody:  rctx.RequestBody,
		ResponseBody: string(body),
	}

	switch {
	case !gjson.ValidBytes(body):
		log.Debug().
			Str("tag", rctx.Tag).
			Int("bytes", len(body)).
			Str("body", utils.Truncate(string(body), config.MaxErrorBodyLogLen)).
			Msg("non-JSON response body")
		job.Model = rctx.RequestModel

	default:
		if usage := rctx.Dialect.ParseUsage(body); usage != nil {
			job.Usage = *usage
			// Billed model precedence: usage payload, then the response's
			// top-level model field, then the client-requested model.
			model := usage.Model
			if model == "" {
				model = gjson.GetBytes(body, "model").String()
			}
			if model == "" {
				model = rctx.RequestModel
			}
			job.Model = model
		} else {
			job.Model = rctx.Dialect.ExtractModel(body, rctx.RequestModel)
			log.Debug().Str("tag", rctx.Tag).Msg("no usage in response, recording zero counts")
		}
	}

	// Detached: persistence happens on the worker, independent of the
	// client-facing response below.
	p.usage.Enqueue(job)

	copyHeaders(w, resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(body); err != nil {
		log.Debug().Err(err).Str("tag", rctx.Tag).Msg("client disconnected")
	}
}
