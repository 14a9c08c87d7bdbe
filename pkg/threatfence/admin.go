package threatfence

import (
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"

	"github.com/KanavDutta/threatfence/behavior"
	"github.com/KanavDutta/threatfence/escalation"
	"github.com/KanavDutta/threatfence/limiter"
	"github.com/KanavDutta/threatfence/metrics"
	"github.com/KanavDutta/threatfence/reputation"
)

// intelFalsePositiveRate is the target error rate of the exported filter.
const intelFalsePositiveRate = 0.001

// AddToSinkhole serves decoys to target from now on. typ is identity,
// subnet or fingerprint. It reports false when the target is already
// sinkholed or blackholed.
func (e *Engine) AddToSinkhole(target string, typ escalation.TargetType, reason string) (bool, error) {
	return e.escalation.AddToSinkhole(target, typ, reason)
}

// AddToBlackhole denies target until released. typ is identity or subnet.
func (e *Engine) AddToBlackhole(target string, typ escalation.TargetType, reason string) (bool, error) {
	return e.escalation.AddToBlackhole(target, typ, reason)
}

// Quarantine denies identity for duration. A non-positive duration uses
// the configured quarantine_duration.
func (e *Engine) Quarantine(identity string, duration time.Duration, reason string) (bool, error) {
	return e.escalation.Quarantine(identity, duration, reason)
}

// LiftQuarantine ends a quarantine early. It reports false when the
// identity was not quarantined.
func (e *Engine) LiftQuarantine(identity string) bool {
	return e.escalation.LiftQuarantine(identity)
}

// Release returns target to Normal. For identities it also restores full
// reputation and forgets the behavior profile, so the released client is
// judged afresh on its next request.
func (e *Engine) Release(target string, typ escalation.TargetType) (bool, error) {
	released, err := e.escalation.Release(target, typ)
	if err != nil || !released {
		return released, err
	}
	if typ == escalation.TargetIdentity {
		e.reputation.RecordGoodBehavior(target, reputation.MaxScore)
		e.behavior.Evict(target)
	}
	return true, nil
}

// Whitelist makes identity bypass reputation and rate limits.
func (e *Engine) Whitelist(identity string) error {
	if identity == "" {
		return ErrInvalidTarget
	}
	e.reputation.Whitelist(identity)
	return nil
}

// Blacklist makes the reputation layer deny identity.
func (e *Engine) Blacklist(identity string) error {
	if identity == "" {
		return ErrInvalidTarget
	}
	e.reputation.Blacklist(identity)
	return nil
}

// Unlist removes identity from the whitelist and blacklist.
func (e *Engine) Unlist(identity string) bool {
	return e.reputation.Unlist(identity)
}

// Statistics is the combined view returned by GetStatistics.
type Statistics struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Reputation  reputation.Stats  `json:"reputation"`
	Limiter     limiter.Stats     `json:"limiter"`
	Escalation  escalation.Stats  `json:"escalation"`
	Behavior    BehaviorStats     `json:"behavior"`
	Challenges  ChallengeStats    `json:"challenges"`
	Verdicts    *metrics.Snapshot `json:"verdicts,omitempty"`
}

// BehaviorStats summarises the analyzer.
type BehaviorStats struct {
	Profiles int `json:"profiles"`
}

// GetStatistics gathers every component's counters. Each component is
// read under its own lock, so the parts are not a single atomic cut.
func (e *Engine) GetStatistics() Statistics {
	s := Statistics{
		GeneratedAt: e.clock(),
		Reputation:  e.reputation.Stats(),
		Limiter:     e.limiter.Stats(),
		Escalation:  e.escalation.Stats(),
		Behavior:    BehaviorStats{Profiles: e.behavior.Len()},
		Challenges:  e.challenges.stats(),
	}
	if e.metrics != nil {
		s.Verdicts = e.metrics.GetSnapshot()
	}
	return s
}

// IdentityReport is everything the engine holds about one identity.
type IdentityReport struct {
	Identity        string                 `json:"identity"`
	Reputation      reputation.Reputation  `json:"reputation"`
	Violations      []reputation.Violation `json:"violations"`
	Tier            escalation.Tier        `json:"tier"`
	EscalationScore int                    `json:"escalation_score"`
	Behavior        *behavior.Profile      `json:"behavior,omitempty"`
}

// Inspect reports identity's reputation, recent violations, tier, rolling
// escalation score and behavior profile. It creates no state.
func (e *Engine) Inspect(identity string) IdentityReport {
	report := IdentityReport{
		Identity:        identity,
		Reputation:      e.reputation.GetReputation(identity),
		Violations:      e.reputation.Violations(identity),
		Tier:            e.escalation.Tier(identity),
		EscalationScore: e.escalation.Score(identity),
	}
	if p, ok := e.behavior.Profile(identity); ok {
		report.Behavior = &p
	}
	return report
}

// ThreatIntel is the shareable export of current threats.
type ThreatIntel struct {
	ExportID   string    `json:"export_id"`
	ExportedAt time.Time `json:"exported_at"`

	escalation.Intel

	Blacklisted []string `json:"blacklisted"`

	// Blocked is a Bloom filter over every blocked identity, subnet and
	// fingerprint, for compact distribution to edge nodes.
	Blocked      *bloom.BloomFilter `json:"blocked_filter"`
	BlockedCount int                `json:"blocked_count"`

	Statistics Statistics `json:"statistics"`
}

// MayBeBlocked tests key against the exported filter. False positives
// are possible; false negatives are not.
func (t *ThreatIntel) MayBeBlocked(key string) bool {
	if t.Blocked == nil {
		return false
	}
	return t.Blocked.TestString(key)
}

// ExportThreatIntelligence returns the blocked sets, each identity's
// last violations and the current statistics.
func (e *Engine) ExportThreatIntelligence() ThreatIntel {
	intel := e.escalation.Intel()
	_, blacklisted := e.reputation.Overrides()
	if blacklisted == nil {
		blacklisted = []string{}
	}

	blocked := make([]string, 0,
		len(intel.Blackholed)+len(intel.Sinkholed)+len(intel.Quarantined)+
			len(intel.BlackholedSubnets)+len(intel.SinkholedSubnets)+
			len(intel.SinkholedFingerprints)+len(blacklisted))
	for _, set := range [][]string{
		intel.Blackholed,
		intel.Sinkholed,
		intel.Quarantined,
		intel.BlackholedSubnets,
		intel.SinkholedSubnets,
		intel.SinkholedFingerprints,
		blacklisted,
	} {
		blocked = append(blocked, set...)
	}

	filter := bloom.NewWithEstimates(uint(max(len(blocked), 1)), intelFalsePositiveRate)
	for _, key := range blocked {
		filter.AddString(key)
	}

	out := ThreatIntel{
		ExportID:     uuid.NewString(),
		ExportedAt:   e.clock(),
		Intel:        intel,
		Blacklisted:  blacklisted,
		Blocked:      filter,
		BlockedCount: len(blocked),
		Statistics:   e.GetStatistics(),
	}
	e.logger.Info("threat_intel_exported",
		"component", "pipeline",
		"export_id", out.ExportID,
		"blocked", out.BlockedCount,
	)
	return out
}
