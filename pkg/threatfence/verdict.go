package threatfence

import (
	"net/http"
	"time"

	"github.com/KanavDutta/threatfence/core"
	"github.com/KanavDutta/threatfence/escalation"
	"github.com/KanavDutta/threatfence/limiter"
	"github.com/KanavDutta/threatfence/reputation"
)

// Request is one inbound request record.
type Request struct {
	Identity    string                 `json:"identity"`
	Fingerprint core.FingerprintInputs `json:"fingerprint_inputs"`
	Path        string                 `json:"path"`
	Method      string                 `json:"method,omitempty"`
	// Timestamp is when the request arrived. It is carried through to the
	// verdict; counters always use the engine clock.
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// Outcome is the admission result.
type Outcome string

const (
	OutcomeAllow      Outcome = "allow"
	OutcomeDeny       Outcome = "deny"
	OutcomeQuarantine Outcome = "quarantine"
	OutcomeSinkhole   Outcome = "sinkhole"
	OutcomeBlackhole  Outcome = "blackhole"
)

// Layer names the pipeline stage that produced a verdict.
type Layer string

const (
	LayerRequest     Layer = "request"
	LayerEscalation  Layer = "escalation"
	LayerReputation  Layer = "reputation"
	LayerRateLimiter Layer = "rate_limiter"
)

// Verdict reasons produced by the pipeline itself. Rate limiter denials
// carry the limiter reason codes.
const (
	ReasonAllowed         = limiter.ReasonAllowed
	ReasonWhitelisted     = "whitelisted"
	ReasonLowReputation   = "ip_reputation"
	ReasonMissingIdentity = "missing_identity"
	ReasonInternalError   = "internal_error"
)

// Verdict is the single result of Evaluate.
type Verdict struct {
	Outcome     Outcome `json:"outcome"`
	Layer       Layer   `json:"layer,omitempty"`
	Reason      string  `json:"reason"`
	Identity    string  `json:"identity"`
	Fingerprint string  `json:"fingerprint,omitempty"`

	// Decoy is set for sinkhole verdicts. Its Delay is advisory.
	Decoy *escalation.Decoy `json:"decoy,omitempty"`

	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Until      time.Time     `json:"until,omitzero"`
	Timestamp  time.Time     `json:"timestamp,omitzero"`

	Reputation *reputation.Reputation `json:"reputation,omitempty"`
	Context    *limiter.Context       `json:"context,omitempty"`
}

// Allowed reports whether the request should be forwarded.
func (v Verdict) Allowed() bool {
	return v.Outcome == OutcomeAllow
}

// StatusCode maps the verdict to the HTTP status the client sees.
func (v Verdict) StatusCode() int {
	switch v.Outcome {
	case OutcomeAllow:
		return http.StatusOK
	case OutcomeDeny:
		switch v.Layer {
		case LayerReputation:
			return http.StatusForbidden
		case LayerRequest:
			return http.StatusBadRequest
		default:
			return http.StatusTooManyRequests
		}
	case OutcomeQuarantine:
		return http.StatusTooManyRequests
	case OutcomeBlackhole:
		return http.StatusForbidden
	case OutcomeSinkhole:
		if v.Decoy != nil && v.Decoy.Status != 0 {
			return v.Decoy.Status
		}
		return http.StatusOK
	default:
		return http.StatusForbidden
	}
}
