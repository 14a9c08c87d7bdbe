// Package middleware applies threatfence verdicts to HTTP traffic.
package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/KanavDutta/threatfence/pkg/threatfence"
)

// Response headers set on every non-decoy response.
const (
	HeaderOutcome   = "X-Threatfence-Outcome"
	HeaderReason    = "X-Threatfence-Reason"
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
)

// Evaluator produces a verdict for an HTTP request. *threatfence.Engine
// satisfies it.
type Evaluator interface {
	EvaluateHTTP(r *http.Request) (threatfence.Verdict, error)
}

// Config for creating a Guard.
type Config struct {
	Engine Evaluator
	Logger *slog.Logger

	// SkipDecoyDelay writes sinkhole decoys immediately instead of
	// waiting out their advisory delay.
	SkipDecoyDelay bool

	// Now is used for the reset header. Defaults to time.Now.
	Now func() time.Time
}

// Guard is HTTP middleware that admits, denies or deceives each request
// according to the engine's verdict.
type Guard struct {
	engine    Evaluator
	logger    *slog.Logger
	skipDelay bool
	now       func() time.Time
}

// NewGuard creates the middleware. Engine is required.
func NewGuard(config Config) (*Guard, error) {
	if config.Engine == nil {
		return nil, errors.New("middleware: engine is required")
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Guard{
		engine:    config.Engine,
		logger:    config.Logger,
		skipDelay: config.SkipDecoyDelay,
		now:       config.Now,
	}, nil
}

// Middleware wraps next. Only allowed requests reach it.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		verdict, err := g.engine.EvaluateHTTP(r)
		if err != nil {
			g.logger.Debug("identity_unresolved",
				"component", "middleware",
				"path", r.URL.Path,
				"error", err,
			)
			writeError(w, http.StatusBadRequest, threatfence.ReasonMissingIdentity, "Unable to identify client.", 0)
			return
		}

		if verdict.Outcome == threatfence.OutcomeSinkhole {
			g.serveDecoy(w, r, verdict)
			return
		}

		h := w.Header()
		h.Set(HeaderOutcome, string(verdict.Outcome))
		if verdict.Context != nil && verdict.Context.IdentityLimit > 0 {
			limit := int(verdict.Context.IdentityLimit)
			remaining := limit - verdict.Context.IdentityCount
			if verdict.Allowed() {
				remaining--
			}
			h.Set(HeaderLimit, strconv.Itoa(limit))
			h.Set(HeaderRemaining, strconv.Itoa(max(remaining, 0)))
		}

		if verdict.Allowed() {
			next.ServeHTTP(w, r)
			return
		}

		h.Set(HeaderReason, verdict.Reason)
		if verdict.RetryAfter > 0 {
			h.Set("Retry-After", strconv.Itoa(retrySeconds(verdict.RetryAfter)))
			h.Set(HeaderReset, strconv.FormatInt(g.now().Add(verdict.RetryAfter).Unix(), 10))
		}
		g.logger.Info("request_rejected",
			"component", "middleware",
			"identity", verdict.Identity,
			"outcome", verdict.Outcome,
			"reason", verdict.Reason,
			"path", r.URL.Path,
		)
		writeError(w, verdict.StatusCode(), verdict.Reason, messageFor(verdict), verdict.RetryAfter)
	})
}

// serveDecoy waits out the decoy delay, or until the client goes away,
// then writes the fake response. No threatfence headers are added so the
// decoy passes for a real answer.
func (g *Guard) serveDecoy(w http.ResponseWriter, r *http.Request, verdict threatfence.Verdict) {
	decoy := verdict.Decoy
	if decoy == nil {
		http.Error(w, http.StatusText(http.StatusOK), http.StatusOK)
		return
	}

	if !g.skipDelay && decoy.Delay > 0 {
		timer := time.NewTimer(decoy.Delay)
		select {
		case <-r.Context().Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	if decoy.ContentType != "" {
		w.Header().Set("Content-Type", decoy.ContentType)
	}
	if decoy.Location != "" {
		w.Header().Set("Location", decoy.Location)
	}
	w.WriteHeader(verdict.StatusCode())
	if decoy.Body != "" {
		_, _ = w.Write([]byte(decoy.Body))
	}
}

func retrySeconds(d time.Duration) int {
	return max(int(math.Ceil(d.Seconds())), 1)
}

func messageFor(v threatfence.Verdict) string {
	switch {
	case v.Outcome == threatfence.OutcomeQuarantine:
		return "Client is temporarily quarantined. Please try again later."
	case v.StatusCode() == http.StatusTooManyRequests:
		return "Too many requests. Please try again later."
	default:
		return "Access denied."
	}
}

func writeError(w http.ResponseWriter, status int, code, message string, retryAfter time.Duration) {
	body := map[string]any{
		"error":   code,
		"message": message,
	}
	if retryAfter > 0 {
		body["retryAfterMs"] = retryAfter.Milliseconds()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
