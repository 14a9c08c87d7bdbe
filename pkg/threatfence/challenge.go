package threatfence

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// ChallengeType is the only challenge kind issued.
const ChallengeType = "proof_of_work"

// maxDifficulty is the number of hex digits in a SHA-256 digest.
const maxDifficulty = 64

// ChallengeConfig tunes proof-of-work challenges.
type ChallengeConfig struct {
	// Difficulty is the number of leading zero hex digits a solution's
	// digest must have.
	Difficulty int           `yaml:"difficulty" json:"difficulty"`
	TTL        time.Duration `yaml:"ttl" json:"ttl"`
	// Reward is the reputation credited for a solved challenge.
	Reward int `yaml:"reward" json:"reward"`
	// MaxPending bounds outstanding challenges. The least recently
	// issued are dropped first.
	MaxPending int `yaml:"max_pending" json:"max_pending"`
}

// DefaultChallengeConfig returns four hex zeros, a five minute TTL and a
// reward of 10.
func DefaultChallengeConfig() ChallengeConfig {
	return ChallengeConfig{
		Difficulty: 4,
		TTL:        5 * time.Minute,
		Reward:     10,
		MaxPending: 10000,
	}
}

func (c ChallengeConfig) validate() error {
	if c.Difficulty < 1 || c.Difficulty > maxDifficulty {
		return fmt.Errorf("difficulty must be between 1 and %d", maxDifficulty)
	}
	if c.TTL <= 0 {
		return errors.New("ttl must be positive")
	}
	if c.Reward < 0 {
		return errors.New("reward cannot be negative")
	}
	if c.MaxPending <= 0 {
		return errors.New("max_pending must be positive")
	}
	return nil
}

// Challenge is what a client must solve: find a string s such that the
// hex SHA-256 of Nonce+s starts with Difficulty zeros.
type Challenge struct {
	ID         string    `json:"challenge_id"`
	Type       string    `json:"type"`
	Nonce      string    `json:"nonce"`
	Difficulty int       `json:"difficulty"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ChallengeResult is returned for a solved challenge.
type ChallengeResult struct {
	Identity   string `json:"identity"`
	Reputation int    `json:"reputation"`
}

// ChallengeStats counts challenge outcomes since start.
type ChallengeStats struct {
	Pending  int    `json:"pending"`
	Issued   uint64 `json:"issued"`
	Verified uint64 `json:"verified"`
	Failed   uint64 `json:"failed"`
	Expired  uint64 `json:"expired"`
}

type pendingChallenge struct {
	identity   string
	nonce      string
	difficulty int
	expires    time.Time
}

// challengePool holds outstanding challenges by ID.
type challengePool struct {
	pending *lru.Cache[string, *pendingChallenge]

	issued   atomic.Uint64
	verified atomic.Uint64
	failed   atomic.Uint64
	expired  atomic.Uint64
}

func newChallengePool(size int) (*challengePool, error) {
	cache, err := lru.New[string, *pendingChallenge](size)
	if err != nil {
		return nil, fmt.Errorf("create challenge cache: %w", err)
	}
	return &challengePool{pending: cache}, nil
}

func (p *challengePool) resize(size int) {
	p.pending.Resize(size)
}

// cleanup drops challenges that expired before start.
func (p *challengePool) cleanup(start time.Time) int {
	removed := 0
	for _, id := range p.pending.Keys() {
		c, ok := p.pending.Peek(id)
		if !ok || c.expires.After(start) {
			continue
		}
		if p.pending.Remove(id) {
			p.expired.Add(1)
			removed++
		}
	}
	return removed
}

func (p *challengePool) stats() ChallengeStats {
	return ChallengeStats{
		Pending:  p.pending.Len(),
		Issued:   p.issued.Load(),
		Verified: p.verified.Load(),
		Failed:   p.failed.Load(),
		Expired:  p.expired.Load(),
	}
}

// IssueChallenge creates a challenge for identity. Solving it with
// VerifyChallenge credits the identity's reputation.
func (e *Engine) IssueChallenge(identity string) (Challenge, error) {
	if identity == "" {
		return Challenge{}, ErrInvalidKey
	}
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return Challenge{}, fmt.Errorf("generate nonce: %w", err)
	}

	cfg := e.config.Load().Challenge
	pc := &pendingChallenge{
		identity:   identity,
		nonce:      hex.EncodeToString(nonce),
		difficulty: cfg.Difficulty,
		expires:    e.clock().Add(cfg.TTL),
	}
	id := uuid.NewString()
	e.challenges.pending.Add(id, pc)
	e.challenges.issued.Add(1)

	e.logger.Debug("challenge_issued",
		"component", "challenge",
		"identity", identity,
		"challenge_id", id,
		"difficulty", pc.difficulty,
	)
	return Challenge{
		ID:         id,
		Type:       ChallengeType,
		Nonce:      pc.nonce,
		Difficulty: pc.difficulty,
		ExpiresAt:  pc.expires,
	}, nil
}

// VerifyChallenge checks solution against challenge id. A correct
// solution consumes the challenge and credits the issuing identity with
// the configured reward. A wrong one leaves the challenge pending until
// it expires.
func (e *Engine) VerifyChallenge(id, solution string) (ChallengeResult, error) {
	pc, ok := e.challenges.pending.Peek(id)
	if !ok {
		return ChallengeResult{}, ErrChallengeNotFound
	}
	if !e.clock().Before(pc.expires) {
		if e.challenges.pending.Remove(id) {
			e.challenges.expired.Add(1)
		}
		return ChallengeResult{}, ErrChallengeExpired
	}
	if !solves(pc.nonce, solution, pc.difficulty) {
		e.challenges.failed.Add(1)
		e.logger.Debug("challenge_failed",
			"component", "challenge",
			"identity", pc.identity,
			"challenge_id", id,
		)
		return ChallengeResult{}, ErrChallengeFailed
	}
	// Concurrent verifiers race on Remove; only the winner is credited.
	if !e.challenges.pending.Remove(id) {
		return ChallengeResult{}, ErrChallengeNotFound
	}
	e.challenges.verified.Add(1)

	score := e.reputation.RecordGoodBehavior(pc.identity, e.config.Load().Challenge.Reward)
	e.logger.Info("challenge_verified",
		"component", "challenge",
		"identity", pc.identity,
		"challenge_id", id,
		"reputation", score,
	)
	return ChallengeResult{Identity: pc.identity, Reputation: score}, nil
}

// SolveChallenge brute-forces a solution for nonce at difficulty. It is
// what a cooperating client runs.
func SolveChallenge(nonce string, difficulty int) string {
	for i := 0; ; i++ {
		s := strconv.Itoa(i)
		if solves(nonce, s, difficulty) {
			return s
		}
	}
}

func solves(nonce, solution string, difficulty int) bool {
	if solution == "" {
		return false
	}
	sum := sha256.Sum256([]byte(nonce + solution))
	return strings.HasPrefix(hex.EncodeToString(sum[:]), strings.Repeat("0", difficulty))
}
