// Package api exposes the engine over HTTP: evaluation, administration,
// statistics, threat intelligence and a live escalation feed.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/KanavDutta/threatfence/core"
	"github.com/KanavDutta/threatfence/pkg/threatfence"
)

// Options configure a Handler.
type Options struct {
	Logger *slog.Logger

	// AdminToken, when set, is required as a bearer token on /v1/admin.
	AdminToken string

	// AdminRate and AdminBurst throttle admin calls per client address.
	AdminRate  rate.Limit
	AdminBurst int

	// ConfigPath is re-read by POST /v1/admin/reload when the call
	// carries no configuration body.
	ConfigPath string
}

// Handler serves the HTTP API for one engine.
type Handler struct {
	engine *threatfence.Engine
	logger *slog.Logger

	adminToken string
	configPath string
	throttle   *throttle
	feed       *Feed
	started    time.Time
}

// NewHandler creates the API and subscribes its feed to the engine's
// escalations.
func NewHandler(engine *threatfence.Engine, opts Options) (*Handler, error) {
	if engine == nil {
		return nil, errors.New("api: engine is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.AdminRate == 0 {
		opts.AdminRate = 5
	}
	if opts.AdminBurst == 0 {
		opts.AdminBurst = 10
	}

	th, err := newThrottle(opts.AdminRate, opts.AdminBurst, defaultThrottleClients)
	if err != nil {
		return nil, err
	}

	h := &Handler{
		engine:     engine,
		logger:     opts.Logger,
		adminToken: opts.AdminToken,
		configPath: opts.ConfigPath,
		throttle:   th,
		feed:       NewFeed(opts.Logger),
		started:    time.Now(),
	}
	engine.OnEscalation(h.feed.Publish)
	return h, nil
}

// Feed returns the escalation feed hub.
func (h *Handler) Feed() *Feed {
	return h.feed
}

// Routes returns the API mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/evaluate", h.Evaluate)
	mux.HandleFunc("GET /v1/stats", h.Stats)
	mux.HandleFunc("GET /v1/threat-intel", h.ThreatIntel)
	mux.HandleFunc("POST /v1/challenge", h.IssueChallenge)
	mux.HandleFunc("POST /v1/challenge/verify", h.VerifyChallenge)
	mux.Handle("GET /v1/feed", h.feed)
	mux.HandleFunc("GET /health", h.Health)

	admin := http.NewServeMux()
	admin.HandleFunc("POST /v1/admin/sinkhole", h.AddToSinkhole)
	admin.HandleFunc("POST /v1/admin/blackhole", h.AddToBlackhole)
	admin.HandleFunc("POST /v1/admin/quarantine", h.Quarantine)
	admin.HandleFunc("POST /v1/admin/quarantine/lift", h.LiftQuarantine)
	admin.HandleFunc("POST /v1/admin/release", h.Release)
	admin.HandleFunc("POST /v1/admin/whitelist", h.Whitelist)
	admin.HandleFunc("POST /v1/admin/blacklist", h.Blacklist)
	admin.HandleFunc("POST /v1/admin/unlist", h.Unlist)
	admin.HandleFunc("POST /v1/admin/cleanup", h.Cleanup)
	admin.HandleFunc("POST /v1/admin/reload", h.Reload)
	admin.HandleFunc("GET /v1/admin/identities/{identity}", h.Inspect)
	mux.Handle("/v1/admin/", h.adminGate(admin))

	if m := h.engine.Metrics(); m != nil {
		mux.Handle("GET /metrics", m.Handler())
		mux.Handle("GET /v1/metrics", NewMetricsHandler(m))
	}
	return mux
}

// EvaluateRequest is the body of POST /v1/evaluate.
type EvaluateRequest struct {
	Identity       string `json:"identity"`
	Path           string `json:"path,omitempty"`
	Method         string `json:"method,omitempty"`
	UserAgent      string `json:"user_agent,omitempty"`
	Accept         string `json:"accept,omitempty"`
	AcceptLanguage string `json:"accept_language,omitempty"`
	AcceptEncoding string `json:"accept_encoding,omitempty"`
}

// EvaluateResponse is the verdict plus the HTTP status a proxy should use.
type EvaluateResponse struct {
	threatfence.Verdict
	StatusCode   int   `json:"status_code"`
	RetryAfterMs int64 `json:"retry_after_ms,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Evaluate handles POST /v1/evaluate. The response status mirrors the
// verdict's so simple callers can branch on it alone.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	if req.Identity == "" {
		h.sendError(w, http.StatusBadRequest, threatfence.ReasonMissingIdentity, "identity is required")
		return
	}

	verdict := h.engine.Evaluate(threatfence.Request{
		Identity: req.Identity,
		Fingerprint: core.FingerprintInputs{
			UserAgent:      req.UserAgent,
			Accept:         req.Accept,
			AcceptLanguage: req.AcceptLanguage,
			AcceptEncoding: req.AcceptEncoding,
		},
		Path:      req.Path,
		Method:    req.Method,
		Timestamp: time.Now(),
	})

	resp := EvaluateResponse{
		Verdict:      verdict,
		StatusCode:   verdict.StatusCode(),
		RetryAfterMs: verdict.RetryAfter.Milliseconds(),
	}
	h.sendJSON(w, resp.StatusCode, resp)
}

// Stats handles GET /v1/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, http.StatusOK, h.engine.GetStatistics())
}

// ThreatIntel handles GET /v1/threat-intel.
func (h *Handler) ThreatIntel(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, http.StatusOK, h.engine.ExportThreatIntelligence())
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"feed_clients":   h.feed.ClientCount(),
	})
}

const maxBodyBytes = 64 << 10

func (h *Handler) sendJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("response_encode_failed", "component", "api", "error", err)
	}
}

func (h *Handler) sendError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	h.sendJSON(w, statusCode, ErrorResponse{
		Error:   errorCode,
		Message: message,
	})
}
