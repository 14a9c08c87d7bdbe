// Package limiter evaluates a request against layered rate limits: a
// global token bucket, sliding windows per identity, subnet and
// fingerprint, a long-window anomaly count of every attempt, the behavior
// analyzer's suspicion score and a fair-queue check that delays noisy
// identities while global capacity is scarce.
package limiter

import (
	"log/slog"
	"sync"
	"time"

	"github.com/KanavDutta/threatfence/behavior"
	"github.com/KanavDutta/threatfence/core"
)

// Reason codes, one per layer, in evaluation order.
const (
	ReasonAllowed     = "allowed"
	ReasonGlobal      = "global_rate_limit"
	ReasonIdentity    = "ip_rate_limit"
	ReasonSubnet      = "subnet_rate_limit"
	ReasonFingerprint = "fingerprint_rate_limit"
	ReasonAnomaly     = "anomaly_detected"
	ReasonSuspicious  = "suspicious_behavior"
	ReasonFairQueue   = "fair_queue_delay"
)

// Reasons lists every denial reason in evaluation order.
var Reasons = []string{
	ReasonGlobal,
	ReasonIdentity,
	ReasonSubnet,
	ReasonFingerprint,
	ReasonAnomaly,
	ReasonSuspicious,
	ReasonFairQueue,
}

const globalKey = "*"

// Request is the limiter's view of an inbound request.
type Request struct {
	Identity    string
	Fingerprint string
	UserAgent   string
	Path        string
	// At is the arrival time. Zero means now.
	At time.Time
}

// Context carries the counters a decision was made from.
type Context struct {
	Subnet            string   `json:"subnet"`
	GlobalUtilization float64  `json:"global_utilization"`
	IdentityCount     int      `json:"identity_count"`
	IdentityLimit     float64  `json:"identity_limit"`
	SubnetCount       int      `json:"subnet_count"`
	SubnetLimit       float64  `json:"subnet_limit"`
	FingerprintCount  int      `json:"fingerprint_count"`
	FingerprintLimit  float64  `json:"fingerprint_limit"`
	Attempts          int      `json:"attempts,omitempty"`
	Suspicion         float64  `json:"suspicion"`
	SuspicionReasons  []string `json:"suspicion_reasons,omitempty"`
	Pending           int      `json:"pending"`
}

// Decision is the outcome of Evaluate.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Reason     string        `json:"reason"`
	RetryAfter time.Duration `json:"retry_after"`
	Context    Context       `json:"context"`
}

// Stats summarises limiter activity.
type Stats struct {
	Allowed            uint64            `json:"allowed"`
	Tracked            uint64            `json:"tracked"`
	Blocked            map[string]uint64 `json:"blocked"`
	ActiveIdentities   int               `json:"active_identities"`
	ActiveSubnets      int               `json:"active_subnets"`
	ActiveFingerprints int               `json:"active_fingerprints"`
	GlobalUtilization  float64           `json:"global_utilization"`
}

// Limiter is the multi-key rate limiter.
type Limiter struct {
	mu     sync.Mutex
	config Config

	global       *core.KeyedBuckets
	identities   *core.SlidingWindow
	subnets      *core.SlidingWindow
	fingerprints *core.SlidingWindow
	pending      *core.SlidingWindow
	attempts     *core.SlidingWindow

	analyzer *behavior.Analyzer

	allowed uint64
	tracked uint64
	blocked map[string]uint64

	clock  core.Clock
	logger *slog.Logger
}

// New creates a limiter. A nil analyzer disables the behavior layer.
func New(config Config, analyzer *behavior.Analyzer, clock core.Clock, logger *slog.Logger) (*Limiter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = core.SystemClock
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Limiter{
		config:       config,
		global:       core.NewKeyedBuckets(globalBucket(config)),
		identities:   core.NewSlidingWindow(clock),
		subnets:      core.NewSlidingWindow(clock),
		fingerprints: core.NewSlidingWindow(clock),
		pending:      core.NewSlidingWindow(clock),
		attempts:     core.NewSlidingWindow(clock),
		analyzer:     analyzer,
		blocked:      make(map[string]uint64, len(Reasons)),
		clock:        clock,
		logger:       logger,
	}, nil
}

func globalBucket(config Config) core.Config {
	return core.Config{
		Capacity:     config.Global.Ceiling(config.BurstMultiplier),
		RefillPerSec: config.Global.Rate,
	}
}

// Config returns the active policy.
func (l *Limiter) Config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.config
}

// Reconfigure swaps the policy. Recorded events are kept.
func (l *Limiter) Reconfigure(config Config) error {
	if err := config.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.config = config
	l.global.Reconfigure(globalBucket(config))
	return nil
}

// Evaluate runs the layers in order and stops at the first violation.
// Every attempt is observed by the behavior analyzer and counted for
// anomaly detection, admitted or not. An allowed request is recorded into
// every counter before the limiter lock is released, so concurrent
// evaluations never overshoot a ceiling.
func (l *Limiter) Evaluate(req Request) Decision {
	now := l.now(req)
	subnet := core.SubnetOf(req.Identity)

	// The analyzer has its own lock and must not run under ours.
	var res behavior.Result
	if l.analyzer != nil {
		res = l.observe(req, now)
	}

	l.mu.Lock()
	if l.config.Anomaly.Threshold > 0 {
		l.attempts.Add(req.Identity, now)
	}
	d := l.checkLayers(req, subnet, now)
	d.Context.Suspicion = res.Score
	d.Context.SuspicionReasons = res.Reasons
	if d.Allowed && l.analyzer != nil && res.Score >= l.config.SuspicionThreshold {
		d = deny(d, ReasonSuspicious, 0)
	}
	if d.Allowed {
		l.fairQueue(&d, req.Identity, now)
	}
	if d.Allowed {
		l.commit(req, subnet, now)
		l.allowed++
	}
	l.mu.Unlock()

	if !d.Allowed {
		l.reject(req.Identity, d)
	}
	return d
}

// Track records the request into every counter without checking any
// limit. It keeps statistics accurate for identities that bypass the
// limiter.
func (l *Limiter) Track(req Request) {
	now := l.now(req)
	subnet := core.SubnetOf(req.Identity)

	l.mu.Lock()
	l.commit(req, subnet, now)
	l.tracked++
	l.mu.Unlock()

	if l.analyzer != nil {
		l.observe(req, now)
	}
}

func (l *Limiter) observe(req Request, now time.Time) behavior.Result {
	return l.analyzer.Observe(behavior.Observation{
		Identity:    req.Identity,
		At:          now,
		UserAgent:   req.UserAgent,
		Fingerprint: req.Fingerprint,
		Path:        req.Path,
	})
}

func (l *Limiter) now(req Request) time.Time {
	if req.At.IsZero() {
		return l.clock()
	}
	return req.At
}

// checkLayers evaluates the global, identity, subnet, fingerprint and
// anomaly layers without recording anything. Must be called with l.mu held.
func (l *Limiter) checkLayers(req Request, subnet string, now time.Time) Decision {
	cfg := l.config
	burst := cfg.BurstMultiplier
	d := Decision{Allowed: true, Reason: ReasonAllowed, Context: Context{Subnet: subnet}}

	g := l.global.PeekAt(globalKey, 1, now)
	d.Context.GlobalUtilization = utilization(g)
	if !g.Allowed {
		return deny(d, ReasonGlobal, g.RetryAfter())
	}

	d.Context.IdentityLimit = cfg.Identity.Ceiling(burst)
	d.Context.IdentityCount = l.identities.CountAt(req.Identity, cfg.Identity.Window, now)
	if exceeds(d.Context.IdentityCount, d.Context.IdentityLimit) {
		return deny(d, ReasonIdentity, l.identities.RetryAfter(req.Identity, cfg.Identity.Window, now))
	}

	// Identities that are not addresses have no meaningful subnet.
	if subnet != core.UnknownSubnet {
		d.Context.SubnetLimit = cfg.Subnet.Ceiling(burst)
		d.Context.SubnetCount = l.subnets.CountAt(subnet, cfg.Subnet.Window, now)
		if exceeds(d.Context.SubnetCount, d.Context.SubnetLimit) {
			return deny(d, ReasonSubnet, l.subnets.RetryAfter(subnet, cfg.Subnet.Window, now))
		}
	}

	if req.Fingerprint != "" {
		d.Context.FingerprintLimit = cfg.Fingerprint.Ceiling(burst)
		d.Context.FingerprintCount = l.fingerprints.CountAt(req.Fingerprint, cfg.Fingerprint.Window, now)
		if exceeds(d.Context.FingerprintCount, d.Context.FingerprintLimit) {
			return deny(d, ReasonFingerprint, l.fingerprints.RetryAfter(req.Fingerprint, cfg.Fingerprint.Window, now))
		}
	}

	if an := cfg.Anomaly; an.Threshold > 0 {
		d.Context.Attempts = l.attempts.CountAt(req.Identity, an.Window, now)
		if d.Context.Attempts > an.Threshold {
			return deny(d, ReasonAnomaly, l.attempts.RetryAfter(req.Identity, an.Window, now))
		}
	}

	return d
}

// fairQueue delays identities with too many pending requests while the
// global bucket is under pressure. Must be called with l.mu held.
func (l *Limiter) fairQueue(d *Decision, identity string, now time.Time) {
	fq := l.config.FairQueue
	pending := l.pending.CountAt(identity, fq.Window, now)
	d.Context.Pending = pending

	if d.Context.GlobalUtilization < fq.EngageAt || pending <= fq.Threshold {
		return
	}
	delay := time.Duration(float64(pending) * fq.Weight * float64(fq.Unit))
	*d = deny(*d, ReasonFairQueue, delay)
}

// commit records an admitted request. Must be called with l.mu held.
func (l *Limiter) commit(req Request, subnet string, now time.Time) {
	l.global.AllowAt(globalKey, 1, now)
	l.identities.Add(req.Identity, now)
	if subnet != core.UnknownSubnet {
		l.subnets.Add(subnet, now)
	}
	if req.Fingerprint != "" {
		l.fingerprints.Add(req.Fingerprint, now)
	}
	l.pending.Add(req.Identity, now)
}

func (l *Limiter) reject(identity string, d Decision) {
	l.mu.Lock()
	l.blocked[d.Reason]++
	l.mu.Unlock()

	l.logger.Debug("request_rate_limited",
		"component", "limiter",
		"identity", identity,
		"reason", d.Reason,
		"retry_after", d.RetryAfter,
	)
}

// Stats returns counters and active key counts.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	cfg := l.config
	stats := Stats{
		Allowed: l.allowed,
		Tracked: l.tracked,
		Blocked: make(map[string]uint64, len(Reasons)),
	}
	for _, reason := range Reasons {
		stats.Blocked[reason] = l.blocked[reason]
	}
	now := l.clock()
	stats.GlobalUtilization = utilization(l.global.PeekAt(globalKey, 1, now))
	l.mu.Unlock()

	stats.ActiveIdentities = l.identities.ActiveSince(now.Add(-cfg.Identity.Window))
	stats.ActiveSubnets = l.subnets.ActiveSince(now.Add(-cfg.Subnet.Window))
	stats.ActiveFingerprints = l.fingerprints.ActiveSince(now.Add(-cfg.Fingerprint.Window))
	return stats
}

// Cleanup drops counters for keys idle since before start minus the
// retention period (never less than the key's window). Returns the number
// of keys removed.
func (l *Limiter) Cleanup(start time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg := l.config
	cutoff := func(window time.Duration) time.Time {
		return start.Add(-max(cfg.Retention, window))
	}

	removed := l.identities.Cleanup(cutoff(cfg.Identity.Window))
	removed += l.subnets.Cleanup(cutoff(cfg.Subnet.Window))
	removed += l.fingerprints.Cleanup(cutoff(cfg.Fingerprint.Window))
	removed += l.pending.Cleanup(cutoff(cfg.FairQueue.Window))
	removed += l.attempts.Cleanup(cutoff(cfg.Anomaly.Window))
	removed += l.global.Cleanup(cutoff(cfg.Global.Window))
	return removed
}

func deny(d Decision, reason string, retryAfter time.Duration) Decision {
	d.Allowed = false
	d.Reason = reason
	d.RetryAfter = retryAfter
	return d
}

// exceeds reports whether admitting one more request would pass the ceiling.
func exceeds(count int, ceiling float64) bool {
	return float64(count)+1 > ceiling
}

// utilization is the consumed share of the global bucket.
func utilization(peek core.CheckResult) float64 {
	if peek.Limit <= 0 {
		return 0
	}
	tokens := peek.Remaining
	if peek.Allowed {
		tokens++
	}
	return 1 - tokens/peek.Limit
}
