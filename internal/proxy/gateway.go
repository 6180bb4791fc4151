package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/relaymesh/usage-gateway/internal/config"
	"github.com/relaymesh/usage-gateway/internal/dialect"
	"github.com/relaymesh/usage-gateway/internal/utils"
)

// forwardedHeaders are the client headers passed through to upstream.
var forwardedHeaders = []string{
	"Content-Type", "Accept", "Authorization", "x-api-key", "x-goog-api-key",
	"api-key", "anthropic-version", "anthropic-beta",
}

// HeaderSessionID carries an optional client-supplied session identifier
// used to correlate usage records.
const HeaderSessionID = "X-Session-Id"

// Gateway forwards client requests to the configured upstream and runs the
// response processor on the reply. Provider selection, failover and
// authentication policy stay with the caller's deployment; this layer only
// forwards and reports.
type Gateway struct {
	cfg       *config.Config
	processor *Processor
	client    *http.Client
	dialect   dialect.Dialect
}

// NewGateway creates a gateway around processor.
func NewGateway(cfg *config.Config, processor *Processor) *Gateway {
	return &Gateway{
		cfg:       cfg,
		processor: processor,
		dialect:   dialect.ForName(cfg.Upstream.Dialect),
		client: &http.Client{
			// No overall timeout: streaming responses are long-lived.
			// The dial timeout bounds connection establishment instead.
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: config.DefaultDialTimeout}).DialContext,
			},
		},
	}
}

// Routes returns the gateway's HTTP mux.
func (g *Gateway) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", g.handleHealth)
	mux.HandleFunc("/", g.handleProxy)
	return mux
}

// handleHealth returns gateway health status.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// handleProxy forwards the request upstream and processes the response.
func (g *Gateway) handleProxy(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	r.Body = http.MaxBytesReader(w, r.Body, config.MaxRequestBodySize)
	body, err := readAll(r)
	if err != nil {
		writeError(w, "failed to read request", http.StatusBadRequest)
		return
	}

	requestID := uuid.New().String()
	tag := g.dialect.Tag + "-" + requestID[:8]

	rctx := &RequestContext{
		Tag:          tag,
		ProviderID:   g.cfg.Upstream.ProviderID,
		SessionID:    r.Header.Get(HeaderSessionID),
		RequestModel: gjson.GetBytes(body, "model").String(),
		RequestBody:  string(body),
		StartTime:    startTime,
		Timeouts: StreamingTimeoutConfig{
			FirstByte: g.cfg.Proxy.FirstByteTimeoutDuration(),
			Idle:      g.cfg.Proxy.IdleTimeoutDuration(),
		},
		Dialect: g.dialect,
	}

	resp, err := g.forward(r, body)
	if err != nil {
		log.Error().Err(err).Str("tag", tag).Msg("upstream request failed")
		writeError(w, "upstream request failed", http.StatusBadGateway)
		return
	}

	g.processor.ProcessResponse(r.Context(), w, resp, rctx)
}

// forward sends the request body to the configured upstream, preserving the
// request path and the relevant client headers.
func (g *Gateway) forward(r *http.Request, body []byte) (*http.Response, error) {
	target := strings.TrimRight(g.cfg.Upstream.BaseURL, "/") + r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	for _, h := range forwardedHeaders {
		if v := r.Header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}

	log.Debug().
		Str("target", target).
		Str("x-api-key", utils.MaskKey(r.Header.Get("x-api-key"))).
		Str("authorization", utils.MaskKey(r.Header.Get("Authorization"))).
		Msg("forwarding request")

	return g.client.Do(req)
}

func readAll(r *http.Request) ([]byte, error) {
	defer func() { _ = r.Body.Close() }()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
