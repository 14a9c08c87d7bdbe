package reputation

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestStore(t *testing.T, cfg Config) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	return New(cfg, clock.Now, nil), clock
}

func noRecovery() Config {
	cfg := DefaultConfig()
	cfg.RecoveryPoints = 0
	return cfg
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		score int
		want  Status
	}{
		{100, StatusTrusted},
		{80, StatusTrusted},
		{79, StatusNeutral},
		{50, StatusNeutral},
		{49, StatusSuspicious},
		{30, StatusSuspicious},
		{29, StatusMalicious},
		{0, StatusMalicious},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.score), "score %d", tt.score)
	}
}

func TestGetReputation_UnknownIdentity(t *testing.T) {
	s, _ := newTestStore(t, noRecovery())

	rep := s.GetReputation("10.0.0.1")
	assert.Equal(t, MaxScore, rep.Score)
	assert.Equal(t, StatusTrusted, rep.Status)
	assert.True(t, rep.Allowed)
	assert.Equal(t, 0, s.Stats().TrackedIdentities, "reads must not create records")
}

func TestRecordViolation_LowersScoreAndDenies(t *testing.T) {
	s, _ := newTestStore(t, noRecovery())

	for i := 0; i < 14; i++ {
		s.RecordViolation("10.0.0.1", "ip_rate_limit", 5)
	}
	rep := s.GetReputation("10.0.0.1")
	assert.Equal(t, 30, rep.Score)
	assert.False(t, rep.Allowed, "score must exceed allow_above")

	history := s.Violations("10.0.0.1")
	require.Len(t, history, 14)
	assert.Equal(t, "ip_rate_limit", history[0].Kind)
	assert.Equal(t, 5, history[0].Severity)
}

func TestRecordViolation_ClampsSeverity(t *testing.T) {
	s, _ := newTestStore(t, noRecovery())

	assert.Equal(t, 50, s.RecordViolation("a", "huge", 500))
	assert.Equal(t, 49, s.RecordViolation("a", "tiny", -3))

	history := s.Violations("a")
	require.Len(t, history, 2)
	assert.Equal(t, MaxSeverity, history[0].Severity)
	assert.Equal(t, MinSeverity, history[1].Severity)
}

func TestScoreStaysInBounds(t *testing.T) {
	s, _ := newTestStore(t, noRecovery())
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 2000; i++ {
		var score int
		if rng.Intn(2) == 0 {
			score = s.RecordViolation("x", "random", rng.Intn(80)-10)
		} else {
			score = s.RecordGoodBehavior("x", rng.Intn(80)-10)
		}
		require.GreaterOrEqual(t, score, MinScore)
		require.LessOrEqual(t, score, MaxScore)
	}
}

func TestRecordGoodBehavior_CapsAtMax(t *testing.T) {
	s, _ := newTestStore(t, noRecovery())

	s.RecordViolation("a", "x", 20)
	assert.Equal(t, 90, s.RecordGoodBehavior("a", 10))
	assert.Equal(t, MaxScore, s.RecordGoodBehavior("a", 50))
	assert.Equal(t, MaxScore, s.RecordGoodBehavior("a", -5))
}

func TestWhitelist_AlwaysAllowed(t *testing.T) {
	s, _ := newTestStore(t, noRecovery())

	s.Whitelist("friend")
	for i := 0; i < 10; i++ {
		s.RecordViolation("friend", "ip_rate_limit", 50)
	}

	rep := s.GetReputation("friend")
	assert.True(t, rep.Allowed)
	assert.True(t, rep.Whitelisted)
	assert.Equal(t, StatusWhitelisted, rep.Status)
	assert.Equal(t, MaxScore, rep.Score)
}

func TestBlacklist_OverridesAndExcludesWhitelist(t *testing.T) {
	s, _ := newTestStore(t, noRecovery())

	s.Whitelist("foe")
	s.Blacklist("foe")

	rep := s.GetReputation("foe")
	assert.False(t, rep.Allowed)
	assert.True(t, rep.Blacklisted)
	assert.False(t, rep.Whitelisted)

	assert.True(t, s.Unlist("foe"))
	assert.False(t, s.Unlist("foe"))
	assert.True(t, s.GetReputation("foe").Allowed)

	stats := s.Stats()
	assert.Zero(t, stats.Whitelisted)
	assert.Zero(t, stats.Blacklisted)
}

func TestPassiveRecovery(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RecoveryPoints = 2
	cfg.RecoveryInterval = time.Minute
	s, clock := newTestStore(t, cfg)

	s.RecordViolation("a", "x", 30)
	assert.Equal(t, 70, s.GetReputation("a").Score)

	clock.Advance(59 * time.Second)
	assert.Equal(t, 70, s.GetReputation("a").Score, "partial interval credits nothing")

	clock.Advance(time.Second)
	assert.Equal(t, 72, s.GetReputation("a").Score)

	clock.Advance(10 * time.Minute)
	assert.Equal(t, 92, s.GetReputation("a").Score)

	clock.Advance(time.Hour)
	assert.Equal(t, MaxScore, s.GetReputation("a").Score)
}

func TestPassiveRecovery_RestartsOnViolation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RecoveryPoints = 5
	cfg.RecoveryInterval = time.Minute
	s, clock := newTestStore(t, cfg)

	s.RecordViolation("a", "x", 20)
	clock.Advance(59 * time.Second)
	s.RecordViolation("a", "x", 20)
	assert.Equal(t, 60, s.GetReputation("a").Score)

	clock.Advance(time.Second)
	assert.Equal(t, 60, s.GetReputation("a").Score, "a minute since the first violation is not a quiet minute")

	clock.Advance(59 * time.Second)
	assert.Equal(t, 65, s.GetReputation("a").Score)

	clock.Advance(30 * time.Second)
	s.RecordViolation("a", "x", 5)
	clock.Advance(30 * time.Second)
	assert.Equal(t, 60, s.GetReputation("a").Score, "partial quiet interval is dropped by a new violation")
}

func TestCleanup(t *testing.T) {
	cfg := noRecovery()
	cfg.IdleRetention = time.Hour
	cfg.HistoryRetention = 30 * time.Minute
	s, clock := newTestStore(t, cfg)

	s.RecordViolation("old", "x", 5)
	s.RecordViolation("busy", "x", 5)
	clock.Advance(45 * time.Minute)
	s.RecordViolation("busy", "y", 5)
	clock.Advance(30 * time.Minute)

	removed := s.Cleanup(clock.Now())
	assert.Equal(t, 1, removed)
	assert.Nil(t, s.Violations("old"))

	history := s.Violations("busy")
	require.Len(t, history, 1)
	assert.Equal(t, "y", history[0].Kind)
	assert.Equal(t, 90, s.GetReputation("busy").Score, "trimming history keeps the score")

	before := s.Stats()
	assert.Zero(t, s.Cleanup(clock.Now()))
	assert.Equal(t, before, s.Stats(), "cleanup is idempotent")
}

func TestCleanup_KeepsRecordsTouchedAfterStart(t *testing.T) {
	cfg := noRecovery()
	cfg.IdleRetention = time.Minute
	s, clock := newTestStore(t, cfg)

	start := clock.Now()
	clock.Advance(time.Hour)
	s.RecordViolation("fresh", "x", 5)

	assert.Zero(t, s.Cleanup(start))
	assert.Len(t, s.Violations("fresh"), 1)
}

func TestOverrides(t *testing.T) {
	s, _ := newTestStore(t, noRecovery())

	s.Whitelist("b")
	s.Whitelist("a")
	s.Blacklist("z")

	white, black := s.Overrides()
	assert.Equal(t, []string{"a", "b"}, white)
	assert.Equal(t, []string{"z"}, black)
}
