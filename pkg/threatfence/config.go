package threatfence

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/KanavDutta/threatfence/behavior"
	"github.com/KanavDutta/threatfence/escalation"
	"github.com/KanavDutta/threatfence/limiter"
	"github.com/KanavDutta/threatfence/reputation"
	"github.com/KanavDutta/threatfence/store"
)

// Config holds the whole admission policy. Every section is optional in
// YAML; missing fields keep their defaults.
type Config struct {
	// Limits are the steady-state rates for each rate-limit layer.
	Limits Limits `yaml:"limits" json:"limits"`

	// BurstMultiplier is the allowed short-term overshoot above each rate.
	BurstMultiplier float64 `yaml:"burst_multiplier" json:"burst_multiplier"`

	// SuspicionThreshold is the behavior score at which requests are denied.
	SuspicionThreshold float64 `yaml:"suspicion_threshold" json:"suspicion_threshold"`

	Anomaly    limiter.AnomalyConfig   `yaml:"anomaly" json:"anomaly"`
	FairQueue  limiter.FairQueueConfig `yaml:"fair_queue" json:"fair_queue"`
	Reputation reputation.Config       `yaml:"reputation" json:"reputation"`
	Behavior   behavior.Config         `yaml:"behavior" json:"behavior"`
	Escalation escalation.Config       `yaml:"escalation" json:"escalation"`

	// Decoy bounds the advisory delay attached to sinkhole responses.
	// escalation.decoy is accepted as an alias; setting both to different
	// bands is rejected.
	Decoy escalation.DecoyConfig `yaml:"decoy" json:"decoy"`

	// Challenge configures proof-of-work challenges.
	Challenge ChallengeConfig `yaml:"challenge" json:"challenge"`

	// Severities maps each denial cause to the violation weight recorded
	// into reputation and escalation.
	Severities Severities `yaml:"severities" json:"severities"`

	// CleanupInterval is how often the background cleanup task runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`

	// Retention is how long idle rate-limit counters are kept.
	Retention time.Duration `yaml:"retention" json:"retention"`

	// KeyExtractor specifies how to identify clients
	// Examples: "ip", "ip-proxy", "header:X-API-Key", "bearer"
	KeyExtractor string `yaml:"key_extractor,omitempty" json:"key_extractor,omitempty"`

	// Redis enables the Redis threat store when Addr is set.
	Redis store.RedisConfig `yaml:"redis,omitempty" json:"-"`

	// StateKey names the saved threat state in the store.
	StateKey string `yaml:"state_key,omitempty" json:"state_key,omitempty"`
}

// Limits groups the per-layer rates.
type Limits struct {
	Global      limiter.Limit `yaml:"global" json:"global"`
	Identity    limiter.Limit `yaml:"identity" json:"identity"`
	Subnet      limiter.Limit `yaml:"subnet" json:"subnet"`
	Fingerprint limiter.Limit `yaml:"fingerprint" json:"fingerprint"`
}

// Severities are the violation weights per denial cause.
type Severities struct {
	Global        int `yaml:"global_rate_limit" json:"global_rate_limit"`
	Identity      int `yaml:"ip_rate_limit" json:"ip_rate_limit"`
	Subnet        int `yaml:"subnet_rate_limit" json:"subnet_rate_limit"`
	Fingerprint   int `yaml:"fingerprint_rate_limit" json:"fingerprint_rate_limit"`
	Anomaly       int `yaml:"anomaly_detected" json:"anomaly_detected"`
	Suspicious    int `yaml:"suspicious_behavior" json:"suspicious_behavior"`
	FairQueue     int `yaml:"fair_queue_delay" json:"fair_queue_delay"`
	LowReputation int `yaml:"low_reputation" json:"low_reputation"`
	Veto          int `yaml:"veto" json:"veto"`
}

// Violation kinds recorded by the pipeline besides the limiter reasons.
const (
	KindLowReputation = "low_reputation"
	KindVeto          = "veto"
)

// For returns the severity configured for a denial reason. Unknown
// reasons weigh the minimum.
func (s Severities) For(reason string) int {
	switch reason {
	case limiter.ReasonGlobal:
		return s.Global
	case limiter.ReasonIdentity:
		return s.Identity
	case limiter.ReasonSubnet:
		return s.Subnet
	case limiter.ReasonFingerprint:
		return s.Fingerprint
	case limiter.ReasonAnomaly:
		return s.Anomaly
	case limiter.ReasonSuspicious:
		return s.Suspicious
	case limiter.ReasonFairQueue:
		return s.FairQueue
	case KindLowReputation:
		return s.LowReputation
	case KindVeto:
		return s.Veto
	default:
		return reputation.MinSeverity
	}
}

func (s Severities) validate() error {
	for name, v := range map[string]int{
		limiter.ReasonGlobal:      s.Global,
		limiter.ReasonIdentity:    s.Identity,
		limiter.ReasonSubnet:      s.Subnet,
		limiter.ReasonFingerprint: s.Fingerprint,
		limiter.ReasonAnomaly:     s.Anomaly,
		limiter.ReasonSuspicious:  s.Suspicious,
		limiter.ReasonFairQueue:   s.FairQueue,
		KindLowReputation:         s.LowReputation,
		KindVeto:                  s.Veto,
	} {
		if v < reputation.MinSeverity || v > reputation.MaxSeverity {
			return fmt.Errorf("%w: %s=%d", ErrInvalidSeverity, name, v)
		}
	}
	return nil
}

// DefaultSeverities returns the default weights.
func DefaultSeverities() Severities {
	return Severities{
		Global:        1,
		Identity:      5,
		Subnet:        3,
		Fingerprint:   3,
		Anomaly:       20,
		Suspicious:    10,
		FairQueue:     1,
		LowReputation: 5,
		Veto:          1,
	}
}

// NewConfig creates a new Config with sensible defaults.
func NewConfig() *Config {
	lim := limiter.DefaultConfig()
	esc := escalation.DefaultConfig()
	decoy := esc.Decoy
	esc.Decoy = escalation.DecoyConfig{}
	return &Config{
		Limits: Limits{
			Global:      lim.Global,
			Identity:    lim.Identity,
			Subnet:      lim.Subnet,
			Fingerprint: lim.Fingerprint,
		},
		BurstMultiplier:    lim.BurstMultiplier,
		SuspicionThreshold: lim.SuspicionThreshold,
		Anomaly:            lim.Anomaly,
		FairQueue:          lim.FairQueue,
		Reputation:         reputation.DefaultConfig(),
		Behavior:           behavior.DefaultConfig(),
		Escalation:         esc,
		Decoy:              decoy,
		Challenge:          DefaultChallengeConfig(),
		Severities:         DefaultSeverities(),
		CleanupInterval:    5 * time.Minute,
		Retention:          lim.Retention,
		KeyExtractor:       "ip",
		StateKey:           "state",
	}
}

// ParseConfig decodes YAML on top of the defaults and validates the result.
func ParseConfig(data []byte) (*Config, error) {
	config := NewConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("%w: failed to parse YAML: %v", ErrInvalidConfig, err)
	}

	var present struct {
		Decoy      *yaml.Node `yaml:"decoy"`
		Escalation struct {
			Decoy *yaml.Node `yaml:"decoy"`
		} `yaml:"escalation"`
	}
	if err := yaml.Unmarshal(data, &present); err != nil {
		return nil, fmt.Errorf("%w: failed to parse YAML: %v", ErrInvalidConfig, err)
	}
	// escalation.decoy is an alias for decoy. Alone it layers onto the
	// default band; next to decoy it must agree with it.
	if present.Decoy == nil && present.Escalation.Decoy != nil {
		if err := present.Escalation.Decoy.Decode(&config.Decoy); err != nil {
			return nil, fmt.Errorf("%w: escalation.decoy: %v", ErrInvalidConfig, err)
		}
		config.Escalation.Decoy = config.Decoy
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadConfigFromFile loads configuration from a YAML file.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config file: %v", ErrInvalidConfig, err)
	}
	return ParseConfig(data)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := c.limiterConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.Behavior.Validate(); err != nil {
		return fmt.Errorf("%w: behavior: %v", ErrInvalidConfig, err)
	}
	if nested := c.Escalation.Decoy; nested != (escalation.DecoyConfig{}) && nested != c.Decoy {
		return fmt.Errorf("%w: decoy band set both at top level %v-%v and under escalation %v-%v",
			ErrInvalidConfig, c.Decoy.MinDelay, c.Decoy.MaxDelay, nested.MinDelay, nested.MaxDelay)
	}
	if err := c.escalationConfig().Validate(); err != nil {
		return fmt.Errorf("%w: escalation: %v", ErrInvalidConfig, err)
	}
	if err := c.Challenge.validate(); err != nil {
		return fmt.Errorf("%w: challenge: %v", ErrInvalidConfig, err)
	}

	rep := c.Reputation
	if rep.AllowAbove < reputation.MinScore || rep.AllowAbove >= reputation.MaxScore {
		return fmt.Errorf("%w: reputation allow_above must be in [0,100), got %d", ErrInvalidConfig, rep.AllowAbove)
	}
	if rep.RecoveryPoints < 0 {
		return fmt.Errorf("%w: reputation recovery_points must be non-negative", ErrInvalidConfig)
	}
	if rep.RecoveryPoints > 0 && rep.RecoveryInterval <= 0 {
		return fmt.Errorf("%w: reputation recovery_interval must be positive", ErrInvalidConfig)
	}

	if err := c.Severities.validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("%w: cleanup_interval must be positive, got %v", ErrInvalidConfig, c.CleanupInterval)
	}
	if c.KeyExtractor != "" {
		if _, err := ParseKeyExtractorConfig(c.KeyExtractor); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) limiterConfig() limiter.Config {
	return limiter.Config{
		Global:             c.Limits.Global,
		Identity:           c.Limits.Identity,
		Subnet:             c.Limits.Subnet,
		Fingerprint:        c.Limits.Fingerprint,
		BurstMultiplier:    c.BurstMultiplier,
		SuspicionThreshold: c.SuspicionThreshold,
		Anomaly:            c.Anomaly,
		FairQueue:          c.FairQueue,
		Retention:          c.Retention,
	}
}

func (c *Config) escalationConfig() escalation.Config {
	esc := c.Escalation
	esc.Decoy = c.Decoy
	esc.Agents = escalation.Agents{
		Bots:     c.Behavior.BotSignatures,
		Browsers: c.Behavior.BrowserSignatures,
	}
	return esc
}

// Clone returns a deep enough copy for Reconfigure to own.
func (c *Config) Clone() *Config {
	out := *c
	out.Behavior.BotSignatures = append([]string(nil), c.Behavior.BotSignatures...)
	out.Behavior.BrowserSignatures = append([]string(nil), c.Behavior.BrowserSignatures...)
	out.Behavior.BrowserPaths = append([]string(nil), c.Behavior.BrowserPaths...)
	return &out
}
