package threatfence

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func easyChallenges(cfg *Config) {
	cfg.Challenge.Difficulty = 2
	cfg.Challenge.TTL = time.Minute
	cfg.Challenge.Reward = 10
}

func TestVerifyChallenge(t *testing.T) {
	tests := []struct {
		name     string
		solution func(c Challenge) string
		wait     time.Duration
		wantErr  error
		wantRep  int
		pending  bool
	}{
		{
			name:     "valid solution credits reputation",
			solution: func(c Challenge) string { return SolveChallenge(c.Nonce, c.Difficulty) },
			wantRep:  90,
		},
		{
			name:     "wrong solution keeps challenge",
			solution: func(c Challenge) string { return wrongSolution(c) },
			wantErr:  ErrChallengeFailed,
			wantRep:  80,
			pending:  true,
		},
		{
			name:     "empty solution",
			solution: func(Challenge) string { return "" },
			wantErr:  ErrChallengeFailed,
			wantRep:  80,
			pending:  true,
		},
		{
			name:     "expired challenge",
			solution: func(c Challenge) string { return SolveChallenge(c.Nonce, c.Difficulty) },
			wait:     time.Minute,
			wantErr:  ErrChallengeExpired,
			wantRep:  80,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, clock := newTestEngine(t, easyChallenges)
			e.reputation.RecordViolation("10.0.0.7", "test", 20)

			c, err := e.IssueChallenge("10.0.0.7")
			require.NoError(t, err)
			assert.Equal(t, ChallengeType, c.Type)
			assert.Equal(t, 2, c.Difficulty)
			assert.Len(t, c.Nonce, 32)
			assert.Equal(t, clock.Now().Add(time.Minute), c.ExpiresAt)

			clock.Advance(tt.wait)
			res, err := e.VerifyChallenge(c.ID, tt.solution(c))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, "10.0.0.7", res.Identity)
				assert.Equal(t, tt.wantRep, res.Reputation)
			}
			assert.Equal(t, tt.wantRep, e.Reputation("10.0.0.7").Score)

			want := 0
			if tt.pending {
				want = 1
			}
			assert.Equal(t, want, e.GetStatistics().Challenges.Pending)
		})
	}
}

func TestVerifyChallenge_SolvedOnlyOnce(t *testing.T) {
	e, _ := newTestEngine(t, easyChallenges)
	e.reputation.RecordViolation("c", "test", 30)

	c, err := e.IssueChallenge("c")
	require.NoError(t, err)
	solution := SolveChallenge(c.Nonce, c.Difficulty)

	_, err = e.VerifyChallenge(c.ID, solution)
	require.NoError(t, err)
	_, err = e.VerifyChallenge(c.ID, solution)
	assert.ErrorIs(t, err, ErrChallengeNotFound)
	assert.Equal(t, 80, e.Reputation("c").Score)

	_, err = e.VerifyChallenge("no-such-id", solution)
	assert.ErrorIs(t, err, ErrChallengeNotFound)

	stats := e.GetStatistics().Challenges
	assert.Equal(t, uint64(1), stats.Issued)
	assert.Equal(t, uint64(1), stats.Verified)
}

func TestVerifyChallenge_RewardCappedAtMax(t *testing.T) {
	e, _ := newTestEngine(t, easyChallenges)

	c, err := e.IssueChallenge("fresh")
	require.NoError(t, err)
	res, err := e.VerifyChallenge(c.ID, SolveChallenge(c.Nonce, c.Difficulty))
	require.NoError(t, err)
	assert.Equal(t, 100, res.Reputation)
}

func TestIssueChallenge_EmptyIdentity(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	_, err := e.IssueChallenge("")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestIssueChallenge_UsesConfiguredDifficulty(t *testing.T) {
	e, _ := newTestEngine(t, easyChallenges)

	cfg := e.Config()
	cfg.Challenge.Difficulty = 3
	require.NoError(t, e.Reconfigure(cfg))

	c, err := e.IssueChallenge("d")
	require.NoError(t, err)
	assert.Equal(t, 3, c.Difficulty)
}

func TestCleanup_DropsExpiredChallenges(t *testing.T) {
	e, clock := newTestEngine(t, easyChallenges)

	_, err := e.IssueChallenge("a")
	require.NoError(t, err)
	clock.Advance(30 * time.Second)
	_, err = e.IssueChallenge("b")
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	report := e.Cleanup()
	assert.Equal(t, 1, report.Challenges)

	stats := e.GetStatistics().Challenges
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, uint64(1), stats.Expired)
}

func TestChallengeConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ChallengeConfig)
	}{
		{"zero difficulty", func(c *ChallengeConfig) { c.Difficulty = 0 }},
		{"difficulty past digest", func(c *ChallengeConfig) { c.Difficulty = 65 }},
		{"zero ttl", func(c *ChallengeConfig) { c.TTL = 0 }},
		{"negative reward", func(c *ChallengeConfig) { c.Reward = -1 }},
		{"zero max pending", func(c *ChallengeConfig) { c.MaxPending = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(&cfg.Challenge)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
	require.NoError(t, DefaultChallengeConfig().validate())
}

func TestSolveChallenge(t *testing.T) {
	solution := SolveChallenge("abc", 3)
	assert.True(t, solves("abc", solution, 3))
	assert.False(t, solves("abc", "", 1))
}

// wrongSolution returns a string that does not meet c's difficulty.
func wrongSolution(c Challenge) string {
	for i := 0; ; i++ {
		s := "x" + strconv.Itoa(i)
		if !solves(c.Nonce, s, c.Difficulty) {
			return s
		}
	}
}
