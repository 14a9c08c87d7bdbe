package threatfence

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KanavDutta/threatfence/behavior"
	"github.com/KanavDutta/threatfence/core"
	"github.com/KanavDutta/threatfence/escalation"
	"github.com/KanavDutta/threatfence/limiter"
	"github.com/KanavDutta/threatfence/metrics"
	"github.com/KanavDutta/threatfence/reputation"
	"github.com/KanavDutta/threatfence/store"
)

// Engine is the admission pipeline. It owns one instance of every
// component; each component guards its own state and the engine never
// holds two component locks at once.
type Engine struct {
	config atomic.Pointer[Config]

	reputation *reputation.Store
	behavior   *behavior.Analyzer
	limiter    *limiter.Limiter
	escalation *escalation.Engine
	challenges *challengePool

	store        store.Store
	metrics      *metrics.Metrics
	keyExtractor KeyExtractor

	clock  core.Clock
	logger *slog.Logger

	cleanupMu   sync.Mutex
	stopMu      sync.Mutex
	stopCleanup func()
	closed      atomic.Bool
	closeOnce   sync.Once
	closeErr    error
}

// New creates an Engine with the given options.
// If no options are provided, it uses sensible defaults.
//
// Example:
//
//	engine, err := New(
//	    WithConfigFile("threatfence.yaml"),
//	    WithLogger(logger),
//	)
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		clock: core.SystemClock,
	}
	e.config.Store(NewConfig())

	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	if e.logger == nil {
		e.logger = slog.New(slog.DiscardHandler)
	}

	cfg := e.config.Load()

	// Set key extractor if not explicitly provided via option
	if e.keyExtractor == nil {
		name := cfg.KeyExtractor
		if name == "" {
			name = "ip"
		}
		extractor, err := ParseKeyExtractorConfig(name)
		if err != nil {
			return nil, fmt.Errorf("failed to parse key extractor config: %w", err)
		}
		e.keyExtractor = extractor
	}

	var err error
	e.reputation = reputation.New(cfg.Reputation, e.clock, e.logger)
	if e.behavior, err = behavior.New(cfg.Behavior, e.clock, e.logger); err != nil {
		return nil, fmt.Errorf("%w: behavior: %v", ErrInvalidConfig, err)
	}
	if e.limiter, err = limiter.New(cfg.limiterConfig(), e.behavior, e.clock, e.logger); err != nil {
		return nil, fmt.Errorf("%w: limiter: %v", ErrInvalidConfig, err)
	}
	if e.escalation, err = escalation.New(cfg.escalationConfig(), e.clock, e.logger); err != nil {
		return nil, fmt.Errorf("%w: escalation: %v", ErrInvalidConfig, err)
	}

	if e.challenges, err = newChallengePool(cfg.Challenge.MaxPending); err != nil {
		return nil, fmt.Errorf("%w: challenge: %v", ErrInvalidConfig, err)
	}

	e.escalation.OnEscalation(e.onEscalation)
	return e, nil
}

// Config returns a copy of the active configuration.
func (e *Engine) Config() *Config {
	return e.config.Load().Clone()
}

// Evaluate runs the admission pipeline for one request. It always returns
// exactly one verdict and never blocks: a sinkhole decoy's delay is for
// the caller to apply.
func (e *Engine) Evaluate(req Request) Verdict {
	start := time.Now()
	v := e.evaluate(req)
	if e.metrics != nil {
		e.metrics.RecordVerdict(v.Identity, string(v.Outcome), v.Reason, time.Since(start))
	}
	return v
}

// EvaluateHTTP extracts the request record with the configured key
// extractor and evaluates it.
func (e *Engine) EvaluateHTTP(r *http.Request) (Verdict, error) {
	req, err := RequestFromHTTP(r, e.keyExtractor)
	if err != nil {
		return Verdict{}, fmt.Errorf("key extraction failed: %w", err)
	}
	req.Timestamp = e.clock()
	return e.Evaluate(req), nil
}

func (e *Engine) evaluate(req Request) (v Verdict) {
	fingerprint := core.Fingerprint(req.Fingerprint)
	base := Verdict{
		Identity:    req.Identity,
		Fingerprint: fingerprint,
		Timestamp:   req.Timestamp,
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("evaluate_panic",
				"component", "pipeline",
				"identity", req.Identity,
				"panic", r,
			)
			v = base
			v.Outcome = OutcomeDeny
			v.Layer = LayerEscalation
			v.Reason = ReasonInternalError
		}
	}()

	if req.Identity == "" {
		v = base
		v.Outcome = OutcomeDeny
		v.Layer = LayerRequest
		v.Reason = ReasonMissingIdentity
		return v
	}

	sev := e.config.Load().Severities

	// Escalation veto: O(1) lookups and the most authoritative answer.
	decision := e.escalation.CheckRequest(escalation.Lookup{
		Identity:    req.Identity,
		Fingerprint: fingerprint,
		UserAgent:   req.Fingerprint.UserAgent,
		Path:        req.Path,
	})
	switch decision.Action {
	case escalation.ActionAllow:
	case escalation.ActionSinkhole:
		v = base
		v.Outcome = OutcomeSinkhole
		v.Layer = LayerEscalation
		v.Reason = reasonOr(decision.Reason, string(decision.Action))
		v.Decoy = decision.Decoy
		return v
	case escalation.ActionQuarantine:
		e.reputation.RecordViolation(req.Identity, KindVeto, sev.Veto)
		v = base
		v.Outcome = OutcomeQuarantine
		v.Layer = LayerEscalation
		v.Reason = reasonOr(decision.Reason, string(decision.Action))
		v.Until = decision.Until
		if wait := decision.Until.Sub(e.clock()); wait > 0 {
			v.RetryAfter = wait
		}
		return v
	default:
		// Blackhole, or an action this build does not know: deny.
		e.reputation.RecordViolation(req.Identity, KindVeto, sev.Veto)
		v = base
		v.Outcome = OutcomeBlackhole
		v.Layer = LayerEscalation
		v.Reason = reasonOr(decision.Reason, string(escalation.ActionBlackhole))
		return v
	}

	lreq := limiter.Request{
		Identity:    req.Identity,
		Fingerprint: fingerprint,
		UserAgent:   req.Fingerprint.UserAgent,
		Path:        req.Path,
	}

	rep := e.reputation.GetReputation(req.Identity)
	if rep.Whitelisted {
		e.limiter.Track(lreq)
		v = base
		v.Outcome = OutcomeAllow
		v.Reason = ReasonWhitelisted
		v.Reputation = &rep
		return v
	}
	if !rep.Allowed {
		e.recordViolation(req.Identity, KindLowReputation, sev.LowReputation)
		v = base
		v.Outcome = OutcomeDeny
		v.Layer = LayerReputation
		v.Reason = ReasonLowReputation
		v.Reputation = &rep
		return v
	}

	d := e.limiter.Evaluate(lreq)
	if !d.Allowed {
		e.recordViolation(req.Identity, d.Reason, sev.For(d.Reason))
		v = base
		v.Outcome = OutcomeDeny
		v.Layer = LayerRateLimiter
		v.Reason = d.Reason
		v.RetryAfter = d.RetryAfter
		v.Context = &d.Context
		return v
	}

	v = base
	v.Outcome = OutcomeAllow
	v.Reason = ReasonAllowed
	v.Context = &d.Context
	return v
}

// recordViolation feeds a denial into reputation and escalation, in that
// order, one component lock at a time.
func (e *Engine) recordViolation(identity, kind string, severity int) {
	e.reputation.RecordViolation(identity, kind, severity)
	e.escalation.RecordViolation(identity, kind, severity)
}

func (e *Engine) onEscalation(ev escalation.Escalation) {
	target := ev.Key
	if ev.Target == escalation.TargetFingerprint {
		target = core.ShortFingerprint(target)
	}
	e.logger.Info("tier_changed",
		"component", "pipeline",
		"target_type", ev.Target,
		"target", target,
		"from", ev.From,
		"to", ev.To,
		"score", ev.Score,
		"reason", ev.Reason,
	)
	if e.metrics != nil {
		e.metrics.RecordEscalation(ev.From.String(), ev.To.String())
	}
}

// OnEscalation registers fn for every tier change. fn runs on the
// goroutine that caused the change, without any engine lock held.
func (e *Engine) OnEscalation(fn func(escalation.Escalation)) {
	e.escalation.OnEscalation(fn)
}

// KeyExtractor returns the configured identity extractor.
func (e *Engine) KeyExtractor() KeyExtractor {
	return e.keyExtractor
}

// Metrics returns the attached metrics, or nil.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// Reputation reports the identity's current reputation.
func (e *Engine) Reputation(identity string) reputation.Reputation {
	return e.reputation.GetReputation(identity)
}

// Tier reports the identity's escalation tier.
func (e *Engine) Tier(identity string) escalation.Tier {
	return e.escalation.Tier(identity)
}

// Reconfigure validates config and applies it to every component.
// Current counters, scores and tiers are kept.
func (e *Engine) Reconfigure(config *Config) error {
	if config == nil {
		return fmt.Errorf("%w: config cannot be nil", ErrInvalidConfig)
	}
	if err := config.Validate(); err != nil {
		return err
	}
	config = config.Clone()

	if err := e.behavior.Reconfigure(config.Behavior); err != nil {
		return fmt.Errorf("%w: behavior: %v", ErrInvalidConfig, err)
	}
	if err := e.limiter.Reconfigure(config.limiterConfig()); err != nil {
		return fmt.Errorf("%w: limiter: %v", ErrInvalidConfig, err)
	}
	if err := e.escalation.Reconfigure(config.escalationConfig()); err != nil {
		return fmt.Errorf("%w: escalation: %v", ErrInvalidConfig, err)
	}
	e.reputation.Reconfigure(config.Reputation)
	e.challenges.resize(config.Challenge.MaxPending)
	e.config.Store(config)

	e.logger.Info("config_applied", "component", "pipeline")
	return nil
}

func reasonOr(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}
