// Package escalation tracks per-identity threat tiers (quarantine,
// sinkhole, blackhole), promotes identities as violations accumulate and
// generates decoy responses for sinkholed traffic.
package escalation

import (
	"log/slog"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/KanavDutta/threatfence/core"
)

// Severity bounds for RecordViolation.
const (
	MinSeverity = 1
	MaxSeverity = 50
)

// ReasonCoordinated is the reason recorded when a subnet is sinkholed by
// aggregate analysis.
const ReasonCoordinated = "coordinated_activity"

// recentViolations is how many violations per identity Intel exposes.
const recentViolations = 10

type record struct {
	tier          Tier
	reason        string
	since         time.Time
	until         time.Time
	violations    []Violation
	lastUserAgent string
	lastTouch     time.Time
}

type listing struct {
	tier   Tier
	reason string
	since  time.Time
}

// Engine owns all escalation state behind one lock. Hooks registered
// with OnEscalation run after the lock is released.
type Engine struct {
	mu           sync.Mutex
	config       Config
	records      map[string]*record
	subnets      map[string]*listing
	fingerprints map[string]*listing
	subnetHits   *core.SlidingWindow

	hooks []func(Escalation)

	escalations uint64
	actions     map[Action]uint64
	decoys      map[DecoyKind]uint64

	clock  core.Clock
	logger *slog.Logger
}

// New creates an engine. The config must be valid.
func New(config Config, clock core.Clock, logger *slog.Logger) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = core.SystemClock
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		config:       config,
		records:      make(map[string]*record),
		subnets:      make(map[string]*listing),
		fingerprints: make(map[string]*listing),
		subnetHits:   core.NewSlidingWindow(clock),
		actions:      make(map[Action]uint64),
		decoys:       make(map[DecoyKind]uint64),
		clock:        clock,
		logger:       logger,
	}, nil
}

// Reconfigure swaps thresholds. Current tiers are kept.
func (e *Engine) Reconfigure(config Config) error {
	if err := config.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.config = config
	return nil
}

// OnEscalation registers fn to be called for every tier change.
func (e *Engine) OnEscalation(fn func(Escalation)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = append(e.hooks, fn)
}

func (e *Engine) emit(hooks []func(Escalation), events []Escalation) {
	for _, ev := range events {
		for _, fn := range hooks {
			fn(ev)
		}
	}
}

// CheckRequest returns the veto for a request. Blackholes win over
// quarantine, which wins over sinkholes; identity listings are checked
// before subnet and fingerprint listings.
func (e *Engine) CheckRequest(p Lookup) Decision {
	e.mu.Lock()

	now := e.clock()
	rec := e.records[p.Identity]
	if p.UserAgent != "" {
		if rec == nil {
			rec = &record{}
			e.records[p.Identity] = rec
		}
		rec.lastUserAgent = p.UserAgent
		rec.lastTouch = now
	}

	var events []Escalation
	if ev, ok := e.expireQuarantine(p.Identity, rec, now); ok {
		events = append(events, ev)
	}

	decision := e.decide(p, rec, now)
	e.actions[decision.Action]++

	var agent string
	if rec != nil {
		agent = rec.lastUserAgent
	}
	band := e.config.Decoy
	agents := e.config.Agents
	hooks := e.hooks
	e.mu.Unlock()

	if decision.Action == ActionSinkhole {
		decoy := buildDecoy(DecoyKindFor(agent, p.Path, agents), p.Identity, band)
		decision.Decoy = &decoy

		e.mu.Lock()
		e.decoys[decoy.Kind]++
		e.mu.Unlock()
	}

	e.emit(hooks, events)
	return decision
}

// decide applies the veto priority. Must be called with e.mu held.
func (e *Engine) decide(p Lookup, rec *record, now time.Time) Decision {
	subnet := core.SubnetOf(p.Identity)
	sub := e.subnets[subnet]

	if rec != nil && rec.tier == Blackholed {
		return Decision{Action: ActionBlackhole, Reason: rec.reason, Source: TargetIdentity}
	}
	if sub != nil && sub.tier == Blackholed {
		return Decision{Action: ActionBlackhole, Reason: sub.reason, Source: TargetSubnet}
	}
	if rec != nil && rec.tier == Quarantined && now.Before(rec.until) {
		return Decision{Action: ActionQuarantine, Reason: rec.reason, Source: TargetIdentity, Until: rec.until}
	}
	if rec != nil && rec.tier == Sinkholed {
		return Decision{Action: ActionSinkhole, Reason: rec.reason, Source: TargetIdentity}
	}
	if sub != nil && sub.tier == Sinkholed {
		return Decision{Action: ActionSinkhole, Reason: sub.reason, Source: TargetSubnet}
	}
	if p.Fingerprint != "" {
		if fp := e.fingerprints[p.Fingerprint]; fp != nil {
			return Decision{Action: ActionSinkhole, Reason: fp.reason, Source: TargetFingerprint}
		}
	}
	return Decision{Action: ActionAllow}
}

// expireQuarantine demotes an expired quarantine to Normal. Must be
// called with e.mu held.
func (e *Engine) expireQuarantine(identity string, rec *record, now time.Time) (Escalation, bool) {
	if rec == nil || rec.tier != Quarantined || now.Before(rec.until) {
		return Escalation{}, false
	}

	ev := Escalation{
		Target: TargetIdentity,
		Key:    identity,
		From:   Quarantined,
		To:     Normal,
		Reason: "quarantine_expired",
		At:     now,
	}
	rec.tier = Normal
	rec.until = time.Time{}
	rec.since = now
	e.logger.Info("quarantine_expired", "component", "escalation", "identity", identity)
	return ev, true
}

// RecordViolation adds severity to the identity's rolling score and
// promotes it when a threshold is crossed. Tiers never move down here.
func (e *Engine) RecordViolation(identity, kind string, severity int) Escalation {
	if clamped := min(max(severity, MinSeverity), MaxSeverity); clamped != severity {
		e.logger.Warn("severity_clamped",
			"component", "escalation",
			"identity", identity,
			"kind", kind,
			"severity", severity,
			"clamped", clamped,
		)
		severity = clamped
	}

	e.mu.Lock()

	now := e.clock()
	cfg := e.config
	rec := e.records[identity]
	if rec == nil {
		rec = &record{since: now}
		e.records[identity] = rec
	}

	var events []Escalation
	if ev, ok := e.expireQuarantine(identity, rec, now); ok {
		events = append(events, ev)
	}

	rec.violations = append(rec.violations, Violation{Kind: kind, Severity: severity, At: now})
	rec.lastTouch = now
	score := rollingScore(rec.violations, now.Add(-cfg.ScoreWindow))

	target := Normal
	switch {
	case score >= cfg.BlackholeThreshold:
		target = Blackholed
	case score >= cfg.SinkholeThreshold:
		target = Sinkholed
	case score >= cfg.QuarantineThreshold:
		target = Quarantined
	}

	result := Escalation{
		Target: TargetIdentity,
		Key:    identity,
		From:   rec.tier,
		To:     rec.tier,
		Score:  score,
		Reason: kind,
		At:     now,
	}

	switch {
	case target > rec.tier:
		rec.tier = target
		rec.reason = kind
		rec.since = now
		rec.until = time.Time{}
		if target == Quarantined {
			rec.until = now.Add(cfg.QuarantineDuration)
		}
		result.To = target
		result.Until = rec.until
		events = append(events, result)
		e.escalations++
		e.logger.Warn("identity_escalated",
			"component", "escalation",
			"identity", identity,
			"from", result.From.String(),
			"to", result.To.String(),
			"score", score,
			"reason", kind,
		)
	case target == Quarantined && rec.tier == Quarantined:
		rec.until = now.Add(cfg.QuarantineDuration)
		result.Until = rec.until
	}

	if ev, ok := e.recordSubnetHit(identity, now, cfg); ok {
		events = append(events, ev)
	}

	hooks := e.hooks
	e.mu.Unlock()

	e.emit(hooks, events)
	return result
}

// recordSubnetHit counts a violation against the identity's subnet and
// sinkholes the subnet when the aggregate crosses SubnetThreshold. Must
// be called with e.mu held.
func (e *Engine) recordSubnetHit(identity string, now time.Time, cfg Config) (Escalation, bool) {
	subnet := core.SubnetOf(identity)
	if subnet == core.UnknownSubnet {
		return Escalation{}, false
	}

	e.subnetHits.Add(subnet, now)
	count := e.subnetHits.CountAt(subnet, cfg.ScoreWindow, now)
	if count < cfg.SubnetThreshold {
		return Escalation{}, false
	}
	if l := e.subnets[subnet]; l != nil && l.tier >= Sinkholed {
		return Escalation{}, false
	}

	e.subnets[subnet] = &listing{tier: Sinkholed, reason: ReasonCoordinated, since: now}
	e.escalations++
	e.logger.Warn("subnet_sinkholed",
		"component", "escalation",
		"subnet", subnet,
		"violations", count,
	)
	return Escalation{
		Target: TargetSubnet,
		Key:    subnet,
		From:   Normal,
		To:     Sinkholed,
		Score:  count,
		Reason: ReasonCoordinated,
		At:     now,
	}, true
}

func rollingScore(violations []Violation, since time.Time) int {
	score := 0
	for i := len(violations) - 1; i >= 0; i-- {
		if violations[i].At.Before(since) {
			break
		}
		score += violations[i].Severity
	}
	return score
}

// GenerateDecoyResponse builds a decoy for the identity. The kind follows
// userAgent, falling back to the identity's last observed agent. The
// fingerprint keys the delay when there is no identity.
func (e *Engine) GenerateDecoyResponse(identity, fingerprint, userAgent string) Decoy {
	e.mu.Lock()
	if userAgent == "" {
		if rec := e.records[identity]; rec != nil {
			userAgent = rec.lastUserAgent
		}
	}
	band := e.config.Decoy
	agents := e.config.Agents
	e.mu.Unlock()

	key := identity
	if key == "" {
		key = fingerprint
	}
	return buildDecoy(DecoyKindFor(userAgent, "", agents), key, band)
}

// Tier returns the identity's current tier.
func (e *Engine) Tier(identity string) Tier {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec := e.records[identity]
	if rec == nil {
		return Normal
	}
	if rec.tier == Quarantined && !e.clock().Before(rec.until) {
		return Normal
	}
	return rec.tier
}

// Score returns the identity's rolling violation score.
func (e *Engine) Score(identity string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec := e.records[identity]
	if rec == nil {
		return 0
	}
	return rollingScore(rec.violations, e.clock().Add(-e.config.ScoreWindow))
}

// AddToSinkhole lists target as sinkholed. It reports false when the
// target is already at or above that tier.
func (e *Engine) AddToSinkhole(target string, typ TargetType, reason string) (bool, error) {
	return e.list(target, typ, Sinkholed, reason)
}

// AddToBlackhole lists target as blackholed. Fingerprints cannot be
// blackholed.
func (e *Engine) AddToBlackhole(target string, typ TargetType, reason string) (bool, error) {
	if typ == TargetFingerprint {
		return false, ErrUnsupportedTarget
	}
	return e.list(target, typ, Blackholed, reason)
}

func (e *Engine) list(target string, typ TargetType, tier Tier, reason string) (bool, error) {
	key, err := normalizeTarget(target, typ)
	if err != nil {
		return false, err
	}
	if reason == "" {
		reason = "manual"
	}

	e.mu.Lock()

	now := e.clock()
	ev := Escalation{Target: typ, Key: key, To: tier, Reason: reason, At: now}

	switch typ {
	case TargetIdentity:
		rec := e.records[key]
		if rec == nil {
			rec = &record{}
			e.records[key] = rec
		}
		e.expireQuarantine(key, rec, now)
		if rec.tier >= tier {
			e.mu.Unlock()
			return false, nil
		}
		ev.From = rec.tier
		rec.tier, rec.reason, rec.since, rec.until = tier, reason, now, time.Time{}
		rec.lastTouch = now
	case TargetSubnet, TargetFingerprint:
		m := e.subnets
		if typ == TargetFingerprint {
			m = e.fingerprints
		}
		if l := m[key]; l != nil {
			if l.tier >= tier {
				e.mu.Unlock()
				return false, nil
			}
			ev.From = l.tier
		}
		m[key] = &listing{tier: tier, reason: reason, since: now}
	}

	e.escalations++
	hooks := e.hooks
	e.mu.Unlock()

	e.logger.Info("target_listed",
		"component", "escalation",
		"target", key,
		"type", string(typ),
		"tier", tier.String(),
		"reason", reason,
	)
	e.emit(hooks, []Escalation{ev})
	return true, nil
}

// Quarantine denies identity until now+duration. A non-positive duration
// uses the configured default. Identities already sinkholed or
// blackholed are left alone and false is returned.
func (e *Engine) Quarantine(identity string, duration time.Duration, reason string) (bool, error) {
	if strings.TrimSpace(identity) == "" {
		return false, ErrInvalidTarget
	}
	if reason == "" {
		reason = "manual"
	}

	e.mu.Lock()

	now := e.clock()
	if duration <= 0 {
		duration = e.config.QuarantineDuration
	}
	rec := e.records[identity]
	if rec == nil {
		rec = &record{}
		e.records[identity] = rec
	}
	if rec.tier > Quarantined {
		e.mu.Unlock()
		return false, nil
	}

	ev := Escalation{
		Target: TargetIdentity,
		Key:    identity,
		From:   rec.tier,
		To:     Quarantined,
		Reason: reason,
		Until:  now.Add(duration),
		At:     now,
	}
	if rec.tier != Quarantined {
		rec.since = now
	}
	rec.tier, rec.reason, rec.until = Quarantined, reason, ev.Until
	rec.lastTouch = now
	e.escalations++
	hooks := e.hooks
	e.mu.Unlock()

	e.logger.Info("identity_quarantined",
		"component", "escalation",
		"identity", identity,
		"until", ev.Until,
		"reason", reason,
	)
	e.emit(hooks, []Escalation{ev})
	return true, nil
}

// LiftQuarantine ends a quarantine early. It reports false when the
// identity is not quarantined.
func (e *Engine) LiftQuarantine(identity string) bool {
	e.mu.Lock()

	rec := e.records[identity]
	if rec == nil || rec.tier != Quarantined {
		e.mu.Unlock()
		return false
	}
	now := e.clock()
	rec.tier, rec.until, rec.since = Normal, time.Time{}, now
	rec.violations = nil
	hooks := e.hooks
	e.mu.Unlock()

	e.emit(hooks, []Escalation{{
		Target: TargetIdentity,
		Key:    identity,
		From:   Quarantined,
		To:     Normal,
		Reason: "quarantine_lifted",
		At:     now,
	}})
	return true
}

// Release resets a target to Normal and forgets its violation history.
// It is the only way out of Sinkholed and Blackholed. It reports false
// when the target was not listed.
func (e *Engine) Release(target string, typ TargetType) (bool, error) {
	key, err := normalizeTarget(target, typ)
	if err != nil {
		return false, err
	}

	e.mu.Lock()

	now := e.clock()
	ev := Escalation{Target: typ, Key: key, To: Normal, Reason: "released", At: now}

	switch typ {
	case TargetIdentity:
		rec := e.records[key]
		if rec == nil || rec.tier == Normal {
			e.mu.Unlock()
			return false, nil
		}
		ev.From = rec.tier
		rec.tier, rec.reason, rec.until, rec.since = Normal, "", time.Time{}, now
		rec.violations = nil
	case TargetSubnet:
		l := e.subnets[key]
		if l == nil {
			e.mu.Unlock()
			return false, nil
		}
		ev.From = l.tier
		delete(e.subnets, key)
		e.subnetHits.Delete(key)
	case TargetFingerprint:
		l := e.fingerprints[key]
		if l == nil {
			e.mu.Unlock()
			return false, nil
		}
		ev.From = l.tier
		delete(e.fingerprints, key)
	}
	hooks := e.hooks
	e.mu.Unlock()

	e.logger.Info("target_released",
		"component", "escalation",
		"target", key,
		"type", string(typ),
		"from", ev.From.String(),
	)
	e.emit(hooks, []Escalation{ev})
	return true, nil
}

// normalizeTarget validates target for typ. Subnets accept a CIDR or a
// bare address, which is widened to its /24 or /64.
func normalizeTarget(target string, typ TargetType) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", ErrInvalidTarget
	}

	switch typ {
	case TargetIdentity, TargetFingerprint:
		return target, nil
	case TargetSubnet:
		if prefix, err := netip.ParsePrefix(target); err == nil {
			return prefix.Masked().String(), nil
		}
		if subnet := core.SubnetOf(target); subnet != core.UnknownSubnet {
			return subnet, nil
		}
		return "", ErrInvalidTarget
	default:
		return "", ErrUnsupportedTarget
	}
}

// Cleanup expires quarantines, trims violation history older than the
// retention window and drops idle Normal identities. start bounds the
// pass so entries touched during it survive.
func (e *Engine) Cleanup(start time.Time) CleanupResult {
	e.mu.Lock()

	cutoff := start.Add(-e.config.Retention)
	var (
		res    CleanupResult
		events []Escalation
	)

	for identity, rec := range e.records {
		if ev, ok := e.expireQuarantine(identity, rec, start); ok {
			res.ExpiredQuarantines++
			events = append(events, ev)
		}

		i := 0
		for i < len(rec.violations) && rec.violations[i].At.Before(cutoff) {
			i++
		}
		if i > 0 {
			res.TrimmedViolations += i
			rec.violations = slices.Clone(rec.violations[i:])
		}

		if rec.tier == Normal && len(rec.violations) == 0 && rec.lastTouch.Before(cutoff) {
			delete(e.records, identity)
			res.RemovedIdentities++
		}
	}
	res.RemovedSubnetKeys = e.subnetHits.Cleanup(start.Add(-e.config.ScoreWindow))
	hooks := e.hooks
	e.mu.Unlock()

	e.emit(hooks, events)
	return res
}

// Stats returns tier counts and action counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock()
	s := Stats{
		TrackedIdentities: len(e.records),
		Escalations:       e.escalations,
		Actions:           make(map[Action]uint64, len(e.actions)),
		Decoys:            make(map[DecoyKind]uint64, len(e.decoys)),
	}
	for _, rec := range e.records {
		switch {
		case rec.tier == Blackholed:
			s.Blackholed++
		case rec.tier == Sinkholed:
			s.Sinkholed++
		case rec.tier == Quarantined && now.Before(rec.until):
			s.Quarantined++
		}
	}
	for _, l := range e.subnets {
		if l.tier == Blackholed {
			s.BlackholedSubnets++
		} else {
			s.SinkholedSubnets++
		}
	}
	s.SinkholedFingerprints = len(e.fingerprints)
	for k, v := range e.actions {
		s.Actions[k] = v
	}
	for k, v := range e.decoys {
		s.Decoys[k] = v
	}
	return s
}

// Snapshot copies every listed target. Unlisted identities are omitted.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock()
	snap := Snapshot{TakenAt: now}
	for identity, rec := range e.records {
		if rec.tier == Normal || (rec.tier == Quarantined && !now.Before(rec.until)) {
			continue
		}
		snap.Identities = append(snap.Identities, Listing{
			Target: identity,
			Type:   TargetIdentity,
			Tier:   rec.tier,
			Reason: rec.reason,
			Since:  rec.since,
			Until:  rec.until,
		})
	}
	for subnet, l := range e.subnets {
		snap.Subnets = append(snap.Subnets, Listing{
			Target: subnet, Type: TargetSubnet, Tier: l.tier, Reason: l.reason, Since: l.since,
		})
	}
	for fp, l := range e.fingerprints {
		snap.Fingerprints = append(snap.Fingerprints, Listing{
			Target: fp, Type: TargetFingerprint, Tier: l.tier, Reason: l.reason, Since: l.since,
		})
	}

	byTarget := func(a, b Listing) int { return strings.Compare(a.Target, b.Target) }
	slices.SortFunc(snap.Identities, byTarget)
	slices.SortFunc(snap.Subnets, byTarget)
	slices.SortFunc(snap.Fingerprints, byTarget)
	return snap
}

// Restore merges a snapshot into the engine. Listings only ever raise a
// target's tier; expired quarantines are skipped. Returns the number of
// listings applied.
func (e *Engine) Restore(snap Snapshot) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock()
	applied := 0
	for _, l := range snap.Identities {
		if l.Tier == Normal || (l.Tier == Quarantined && !now.Before(l.Until)) {
			continue
		}
		rec := e.records[l.Target]
		if rec == nil {
			rec = &record{}
			e.records[l.Target] = rec
		}
		if rec.tier >= l.Tier {
			continue
		}
		rec.tier, rec.reason, rec.since, rec.until = l.Tier, l.Reason, l.Since, l.Until
		rec.lastTouch = now
		applied++
	}
	for _, group := range []struct {
		in []Listing
		m  map[string]*listing
	}{
		{snap.Subnets, e.subnets},
		{snap.Fingerprints, e.fingerprints},
	} {
		for _, l := range group.in {
			if cur := group.m[l.Target]; cur != nil && cur.tier >= l.Tier {
				continue
			}
			group.m[l.Target] = &listing{tier: l.Tier, reason: l.Reason, since: l.Since}
			applied++
		}
	}
	return applied
}

// Intel returns listed targets and each identity's most recent violations.
func (e *Engine) Intel() Intel {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock()
	intel := Intel{
		Blackholed:            []string{},
		Sinkholed:             []string{},
		Quarantined:           []string{},
		BlackholedSubnets:     []string{},
		SinkholedSubnets:      []string{},
		SinkholedFingerprints: []string{},
		RecentViolations:      make(map[string][]Violation),
	}

	for identity, rec := range e.records {
		switch {
		case rec.tier == Blackholed:
			intel.Blackholed = append(intel.Blackholed, identity)
		case rec.tier == Sinkholed:
			intel.Sinkholed = append(intel.Sinkholed, identity)
		case rec.tier == Quarantined && now.Before(rec.until):
			intel.Quarantined = append(intel.Quarantined, identity)
		}
		if n := len(rec.violations); n > 0 {
			intel.RecentViolations[identity] = slices.Clone(rec.violations[max(0, n-recentViolations):])
		}
	}
	for subnet, l := range e.subnets {
		if l.tier == Blackholed {
			intel.BlackholedSubnets = append(intel.BlackholedSubnets, subnet)
		} else {
			intel.SinkholedSubnets = append(intel.SinkholedSubnets, subnet)
		}
	}
	for fp := range e.fingerprints {
		intel.SinkholedFingerprints = append(intel.SinkholedFingerprints, fp)
	}

	for _, list := range [][]string{
		intel.Blackholed, intel.Sinkholed, intel.Quarantined,
		intel.BlackholedSubnets, intel.SinkholedSubnets, intel.SinkholedFingerprints,
	} {
		slices.Sort(list)
	}
	return intel
}
