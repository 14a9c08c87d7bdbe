// Package reputation keeps a per-identity trust score with violation
// history, passive recovery and explicit whitelist/blacklist overrides.
package reputation

import (
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/KanavDutta/threatfence/core"
)

// Score bounds.
const (
	MaxScore = 100
	MinScore = 0

	MinSeverity = 1
	MaxSeverity = 50
)

// Status is the qualitative band a score falls into.
type Status string

const (
	StatusTrusted     Status = "trusted"
	StatusNeutral     Status = "neutral"
	StatusSuspicious  Status = "suspicious"
	StatusMalicious   Status = "malicious"
	StatusWhitelisted Status = "whitelisted"
	StatusBlacklisted Status = "blacklisted"
)

// StatusFor maps a score to its band: >=80 trusted, >=50 neutral,
// >=30 suspicious, otherwise malicious.
func StatusFor(score int) Status {
	switch {
	case score >= 80:
		return StatusTrusted
	case score >= 50:
		return StatusNeutral
	case score >= 30:
		return StatusSuspicious
	default:
		return StatusMalicious
	}
}

// Config tunes the store.
type Config struct {
	// AllowAbove is the score an identity must exceed to be allowed.
	AllowAbove int `yaml:"allow_above" json:"allow_above"`

	// RecoveryPoints are credited per RecoveryInterval without a new
	// violation. Zero disables passive recovery.
	RecoveryPoints   int           `yaml:"recovery_points" json:"recovery_points"`
	RecoveryInterval time.Duration `yaml:"recovery_interval" json:"recovery_interval"`

	// IdleRetention is how long an untouched record survives cleanup.
	IdleRetention time.Duration `yaml:"idle_retention" json:"idle_retention"`

	// HistoryRetention bounds how far back violation history is kept.
	HistoryRetention time.Duration `yaml:"history_retention" json:"history_retention"`
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		AllowAbove:       30,
		RecoveryPoints:   1,
		RecoveryInterval: time.Minute,
		IdleRetention:    24 * time.Hour,
		HistoryRetention: 24 * time.Hour,
	}
}

// Violation is one recorded offence.
type Violation struct {
	Kind     string    `json:"kind"`
	Severity int       `json:"severity"`
	At       time.Time `json:"at"`
}

// Reputation is the read model returned by GetReputation.
type Reputation struct {
	Identity    string `json:"identity"`
	Score       int    `json:"score"`
	Status      Status `json:"status"`
	Allowed     bool   `json:"allowed"`
	Whitelisted bool   `json:"whitelisted,omitempty"`
	Blacklisted bool   `json:"blacklisted,omitempty"`
}

// Stats summarises the store.
type Stats struct {
	TrackedIdentities int `json:"tracked_identities"`
	Whitelisted       int `json:"whitelisted"`
	Blacklisted       int `json:"blacklisted"`
	TotalViolations   int `json:"total_violations"`
}

type record struct {
	score      int
	violations []Violation
	lastTouch  time.Time
	// recoveredAt is the instant passive recovery was last credited up
	// to. Every violation resets it.
	recoveredAt time.Time
}

// Store owns every reputation record behind one lock.
type Store struct {
	mu        sync.Mutex
	config    Config
	records   map[string]*record
	whitelist map[string]struct{}
	blacklist map[string]struct{}
	clock     core.Clock
	logger    *slog.Logger
}

// New creates an empty store. A nil clock uses the wall clock and a nil
// logger discards output.
func New(config Config, clock core.Clock, logger *slog.Logger) *Store {
	if clock == nil {
		clock = core.SystemClock
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{
		config:    config,
		records:   make(map[string]*record),
		whitelist: make(map[string]struct{}),
		blacklist: make(map[string]struct{}),
		clock:     clock,
		logger:    logger,
	}
}

// Reconfigure replaces the tuning parameters.
func (s *Store) Reconfigure(config Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = config
}

// GetReputation reports the identity's score and whether it may pass.
// Overrides win over the computed score.
func (s *Store) GetReputation(identity string) Reputation {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.whitelist[identity]; ok {
		return Reputation{Identity: identity, Score: MaxScore, Status: StatusWhitelisted, Allowed: true, Whitelisted: true}
	}
	if _, ok := s.blacklist[identity]; ok {
		return Reputation{Identity: identity, Score: MinScore, Status: StatusBlacklisted, Allowed: false, Blacklisted: true}
	}

	score := MaxScore
	if rec, ok := s.records[identity]; ok {
		s.recover(rec, s.clock())
		score = rec.score
	}
	return Reputation{
		Identity: identity,
		Score:    score,
		Status:   StatusFor(score),
		Allowed:  score > s.config.AllowAbove,
	}
}

// RecordViolation lowers the score by severity and appends to history.
// Severity is clamped to [MinSeverity, MaxSeverity]. Returns the new score.
func (s *Store) RecordViolation(identity, kind string, severity int) int {
	if clamped := clampSeverity(severity); clamped != severity {
		s.logger.Warn("severity_clamped",
			"component", "reputation",
			"identity", identity,
			"kind", kind,
			"severity", severity,
			"clamped", clamped,
		)
		severity = clamped
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	rec := s.touch(identity, now)
	old := rec.score
	rec.score = clampScore(rec.score - severity)
	rec.violations = append(rec.violations, Violation{Kind: kind, Severity: severity, At: now})
	rec.recoveredAt = now

	s.logger.Debug("violation_recorded",
		"component", "reputation",
		"identity", identity,
		"kind", kind,
		"severity", severity,
		"old_score", old,
		"new_score", rec.score,
	)
	return rec.score
}

// RecordGoodBehavior raises the score by amount, capped at MaxScore.
// Non-positive amounts are ignored. Returns the new score.
func (s *Store) RecordGoodBehavior(identity string, amount int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.touch(identity, s.clock())
	if amount > 0 {
		rec.score = clampScore(rec.score + amount)
	}
	return rec.score
}

// Violations returns a copy of the identity's history, oldest first.
func (s *Store) Violations(identity string) []Violation {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[identity]
	if !ok {
		return nil
	}
	out := make([]Violation, len(rec.violations))
	copy(out, rec.violations)
	return out
}

// Whitelist marks identity as always allowed and clears any blacklist entry.
func (s *Store) Whitelist(identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.blacklist, identity)
	s.whitelist[identity] = struct{}{}
	s.logger.Info("identity_whitelisted", "component", "reputation", "identity", identity)
}

// Blacklist marks identity as always denied and clears any whitelist entry.
func (s *Store) Blacklist(identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.whitelist, identity)
	s.blacklist[identity] = struct{}{}
	s.logger.Info("identity_blacklisted", "component", "reputation", "identity", identity)
}

// Unlist removes identity from both override lists. Returns false when
// it was on neither.
func (s *Store) Unlist(identity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, white := s.whitelist[identity]
	_, black := s.blacklist[identity]
	delete(s.whitelist, identity)
	delete(s.blacklist, identity)
	return white || black
}

// Overrides returns the whitelisted and blacklisted identities, sorted.
func (s *Store) Overrides() (whitelist, blacklist []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	whitelist = slices.Sorted(maps.Keys(s.whitelist))
	blacklist = slices.Sorted(maps.Keys(s.blacklist))
	return whitelist, blacklist
}

// Cleanup trims history older than HistoryRetention and drops records
// untouched since before start-IdleRetention. Override lists are kept.
// Returns the number of records removed.
func (s *Store) Cleanup(start time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	idleCutoff := start.Add(-s.config.IdleRetention)
	historyCutoff := start.Add(-s.config.HistoryRetention)
	removed := 0

	for identity, rec := range s.records {
		if rec.lastTouch.Before(idleCutoff) {
			delete(s.records, identity)
			removed++
			continue
		}

		keep := rec.violations[:0]
		for _, v := range rec.violations {
			if !v.At.Before(historyCutoff) {
				keep = append(keep, v)
			}
		}
		rec.violations = keep
	}
	return removed
}

// Stats returns counts for dashboards.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, rec := range s.records {
		total += len(rec.violations)
	}
	return Stats{
		TrackedIdentities: len(s.records),
		Whitelisted:       len(s.whitelist),
		Blacklisted:       len(s.blacklist),
		TotalViolations:   total,
	}
}

// touch returns the record for identity, creating it lazily, and applies
// passive recovery up to now. Must be called with s.mu held.
func (s *Store) touch(identity string, now time.Time) *record {
	rec, ok := s.records[identity]
	if !ok {
		rec = &record{score: MaxScore, recoveredAt: now}
		s.records[identity] = rec
	} else {
		s.recover(rec, now)
	}
	rec.lastTouch = now
	return rec
}

// recover credits passive recovery for whole intervals elapsed since the
// record was last credited or last violated. Must be called with s.mu held.
func (s *Store) recover(rec *record, now time.Time) {
	if s.config.RecoveryPoints <= 0 || s.config.RecoveryInterval <= 0 {
		rec.recoveredAt = now
		return
	}
	elapsed := now.Sub(rec.recoveredAt)
	if elapsed < s.config.RecoveryInterval {
		return
	}
	intervals := int(elapsed / s.config.RecoveryInterval)
	rec.recoveredAt = rec.recoveredAt.Add(time.Duration(intervals) * s.config.RecoveryInterval)
	if rec.score < MaxScore {
		gain := intervals * s.config.RecoveryPoints
		if gain > MaxScore {
			gain = MaxScore
		}
		rec.score = clampScore(rec.score + gain)
	}
}

func clampScore(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

func clampSeverity(severity int) int {
	if severity < MinSeverity {
		return MinSeverity
	}
	if severity > MaxSeverity {
		return MaxSeverity
	}
	return severity
}
