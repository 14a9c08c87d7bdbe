package api

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/KanavDutta/threatfence/escalation"
	"github.com/KanavDutta/threatfence/pkg/threatfence"
)

// defaultThrottleClients bounds how many admin clients are throttled
// individually; the least recently seen is forgotten first.
const defaultThrottleClients = 1024

// throttle is a per-client token bucket for admin calls.
type throttle struct {
	limit    rate.Limit
	burst    int
	limiters *lru.Cache[string, *rate.Limiter]
}

func newThrottle(limit rate.Limit, burst, clients int) (*throttle, error) {
	cache, err := lru.New[string, *rate.Limiter](clients)
	if err != nil {
		return nil, fmt.Errorf("api: admin throttle: %w", err)
	}
	return &throttle{limit: limit, burst: burst, limiters: cache}, nil
}

func (t *throttle) allow(client string) bool {
	lim, ok := t.limiters.Get(client)
	if !ok {
		lim = rate.NewLimiter(t.limit, t.burst)
		// Racing first calls may each add a limiter; the last one wins.
		t.limiters.Add(client, lim)
	}
	return lim.Allow()
}

// adminGate checks the bearer token and throttles each client.
func (h *Handler) adminGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.adminToken != "" {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) != 1 {
				h.sendError(w, http.StatusUnauthorized, "unauthorized", "A valid admin token is required")
				return
			}
		}

		client, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			client = r.RemoteAddr
		}
		if !h.throttle.allow(client) {
			w.Header().Set("Retry-After", "1")
			h.sendError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Too many admin requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AdminRequest is the body of every admin call. Type defaults to
// identity; Duration applies to quarantine only.
type AdminRequest struct {
	Target   string `json:"target"`
	Type     string `json:"type,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// AdminResponse reports whether an admin call changed anything.
type AdminResponse struct {
	Action  string                     `json:"action"`
	Target  string                     `json:"target"`
	Type    escalation.TargetType      `json:"type"`
	Changed bool                       `json:"changed"`
	Tier    string                     `json:"tier,omitempty"`
	Report  *threatfence.CleanupReport `json:"report,omitempty"`
}

func (h *Handler) decodeAdmin(w http.ResponseWriter, r *http.Request) (AdminRequest, escalation.TargetType, bool) {
	var req AdminRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return req, "", false
	}
	if strings.TrimSpace(req.Target) == "" {
		h.sendError(w, http.StatusBadRequest, "missing_target", "target is required")
		return req, "", false
	}
	typ, err := escalation.ParseTargetType(req.Type)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "unsupported_target", err.Error())
		return req, "", false
	}
	return req, typ, true
}

// decodeIdentity is decodeAdmin for actions that only apply to identities.
func (h *Handler) decodeIdentity(w http.ResponseWriter, r *http.Request, verb string) (AdminRequest, escalation.TargetType, bool) {
	req, typ, ok := h.decodeAdmin(w, r)
	if !ok {
		return req, typ, false
	}
	if typ != escalation.TargetIdentity {
		h.sendError(w, http.StatusBadRequest, "unsupported_target",
			fmt.Sprintf("only identities can be %s, got %s", verb, typ))
		return req, typ, false
	}
	return req, typ, true
}

func (h *Handler) finishAdmin(w http.ResponseWriter, action string, req AdminRequest, typ escalation.TargetType, changed bool, err error) {
	if err != nil {
		switch {
		case errors.Is(err, threatfence.ErrInvalidTarget):
			h.sendError(w, http.StatusBadRequest, "invalid_target", err.Error())
		case errors.Is(err, threatfence.ErrUnsupportedTarget):
			h.sendError(w, http.StatusBadRequest, "unsupported_target", err.Error())
		default:
			h.sendError(w, http.StatusInternalServerError, "internal_error", err.Error())
		}
		return
	}

	h.logger.Info("admin_action",
		"component", "api",
		"action", action,
		"target", req.Target,
		"type", string(typ),
		"changed", changed,
	)
	resp := AdminResponse{Action: action, Target: req.Target, Type: typ, Changed: changed}
	if typ == escalation.TargetIdentity {
		resp.Tier = h.engine.Tier(req.Target).String()
	}
	h.sendJSON(w, http.StatusOK, resp)
}

// AddToSinkhole handles POST /v1/admin/sinkhole.
func (h *Handler) AddToSinkhole(w http.ResponseWriter, r *http.Request) {
	req, typ, ok := h.decodeAdmin(w, r)
	if !ok {
		return
	}
	changed, err := h.engine.AddToSinkhole(req.Target, typ, req.Reason)
	h.finishAdmin(w, "sinkhole", req, typ, changed, err)
}

// AddToBlackhole handles POST /v1/admin/blackhole.
func (h *Handler) AddToBlackhole(w http.ResponseWriter, r *http.Request) {
	req, typ, ok := h.decodeAdmin(w, r)
	if !ok {
		return
	}
	changed, err := h.engine.AddToBlackhole(req.Target, typ, req.Reason)
	h.finishAdmin(w, "blackhole", req, typ, changed, err)
}

// Quarantine handles POST /v1/admin/quarantine. Duration accepts Go
// duration strings or whole seconds.
func (h *Handler) Quarantine(w http.ResponseWriter, r *http.Request) {
	req, typ, ok := h.decodeIdentity(w, r, "quarantined")
	if !ok {
		return
	}
	duration, err := parseDuration(req.Duration)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid_duration", err.Error())
		return
	}
	changed, err := h.engine.Quarantine(req.Target, duration, req.Reason)
	h.finishAdmin(w, "quarantine", req, typ, changed, err)
}

// LiftQuarantine handles POST /v1/admin/quarantine/lift.
func (h *Handler) LiftQuarantine(w http.ResponseWriter, r *http.Request) {
	req, typ, ok := h.decodeIdentity(w, r, "released from quarantine")
	if !ok {
		return
	}
	h.finishAdmin(w, "lift_quarantine", req, typ, h.engine.LiftQuarantine(req.Target), nil)
}

// Release handles POST /v1/admin/release.
func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	req, typ, ok := h.decodeAdmin(w, r)
	if !ok {
		return
	}
	changed, err := h.engine.Release(req.Target, typ)
	h.finishAdmin(w, "release", req, typ, changed, err)
}

// Whitelist handles POST /v1/admin/whitelist.
func (h *Handler) Whitelist(w http.ResponseWriter, r *http.Request) {
	req, typ, ok := h.decodeIdentity(w, r, "whitelisted")
	if !ok {
		return
	}
	h.finishAdmin(w, "whitelist", req, typ, true, h.engine.Whitelist(req.Target))
}

// Blacklist handles POST /v1/admin/blacklist.
func (h *Handler) Blacklist(w http.ResponseWriter, r *http.Request) {
	req, typ, ok := h.decodeIdentity(w, r, "blacklisted")
	if !ok {
		return
	}
	h.finishAdmin(w, "blacklist", req, typ, true, h.engine.Blacklist(req.Target))
}

// Unlist handles POST /v1/admin/unlist.
func (h *Handler) Unlist(w http.ResponseWriter, r *http.Request) {
	req, typ, ok := h.decodeIdentity(w, r, "unlisted")
	if !ok {
		return
	}
	h.finishAdmin(w, "unlist", req, typ, h.engine.Unlist(req.Target), nil)
}

// Cleanup handles POST /v1/admin/cleanup by running one maintenance pass.
func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	report := h.engine.Cleanup()
	h.sendJSON(w, http.StatusOK, AdminResponse{Action: "cleanup", Changed: true, Report: &report})
}

// Reload handles POST /v1/admin/reload. A YAML body is applied as the new
// configuration; an empty body re-reads the server's configuration file.
// An invalid configuration leaves the running one in place.
func (h *Handler) Reload(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid_request", "Unreadable body")
		return
	}

	source := "request"
	if len(bytes.TrimSpace(body)) > 0 {
		var config *threatfence.Config
		if config, err = threatfence.ParseConfig(body); err == nil {
			err = h.engine.Reconfigure(config)
		}
	} else if h.configPath != "" {
		source = h.configPath
		err = h.engine.ReloadConfig(h.configPath)
	} else {
		h.sendError(w, http.StatusBadRequest, "no_config_source", "Send a YAML body or start the server with a config file")
		return
	}
	if err != nil {
		if errors.Is(err, threatfence.ErrInvalidConfig) || errors.Is(err, threatfence.ErrInvalidSeverity) {
			h.sendError(w, http.StatusBadRequest, "invalid_config", err.Error())
			return
		}
		h.sendError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	h.logger.Info("admin_action", "component", "api", "action", "reload", "source", source)
	h.sendJSON(w, http.StatusOK, AdminResponse{Action: "reload", Target: source, Changed: true})
}

// Inspect handles GET /v1/admin/identities/{identity}.
func (h *Handler) Inspect(w http.ResponseWriter, r *http.Request) {
	identity := r.PathValue("identity")
	if strings.TrimSpace(identity) == "" {
		h.sendError(w, http.StatusBadRequest, "missing_target", "identity is required")
		return
	}
	h.sendJSON(w, http.StatusOK, h.engine.Inspect(identity))
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("duration %q: %w", s, err)
	}
	return d, nil
}
