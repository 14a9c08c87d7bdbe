package threatfence

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KanavDutta/threatfence/limiter"
)

func TestNewConfig(t *testing.T) {
	config := NewConfig()

	if config.Limits.Identity.Rate != 10 || config.Limits.Identity.Window != time.Second {
		t.Errorf("identity limit = %+v, want 10/s", config.Limits.Identity)
	}
	if config.BurstMultiplier != 1.5 {
		t.Errorf("BurstMultiplier = %v, want 1.5", config.BurstMultiplier)
	}
	if config.Escalation.QuarantineThreshold != 5 ||
		config.Escalation.SinkholeThreshold != 10 ||
		config.Escalation.BlackholeThreshold != 50 {
		t.Errorf("escalation thresholds = %+v", config.Escalation)
	}
	if config.CleanupInterval != 5*time.Minute {
		t.Errorf("CleanupInterval = %v, want 5m", config.CleanupInterval)
	}
	if config.KeyExtractor != "ip" {
		t.Errorf("KeyExtractor = %q, want ip", config.KeyExtractor)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestParseConfig(t *testing.T) {
	yaml := `
limits:
  identity:
    rate: 100
    window: 30s
burst_multiplier: 2
escalation:
  quarantine_threshold: 8
  sinkhole_threshold: 16
  blackhole_threshold: 64
  quarantine_duration: 15m
decoy:
  min_delay: 2s
  max_delay: 4s
severities:
  ip_rate_limit: 7
cleanup_interval: 1m
key_extractor: "header:X-API-Key"
`
	config, err := ParseConfig([]byte(yaml))
	require.NoError(t, err)

	assert.Equal(t, limiter.Limit{Rate: 100, Window: 30 * time.Second}, config.Limits.Identity)
	assert.Equal(t, 2.0, config.BurstMultiplier)
	assert.Equal(t, 8, config.Escalation.QuarantineThreshold)
	assert.Equal(t, 15*time.Minute, config.Escalation.QuarantineDuration)
	assert.Equal(t, 2*time.Second, config.Decoy.MinDelay)
	assert.Equal(t, 4*time.Second, config.Decoy.MaxDelay)
	assert.Equal(t, 7, config.Severities.Identity)
	assert.Equal(t, time.Minute, config.CleanupInterval)
	assert.Equal(t, "header:X-API-Key", config.KeyExtractor)

	defaults := NewConfig()
	assert.Equal(t, defaults.Limits.Global, config.Limits.Global, "missing sections keep defaults")
	assert.Equal(t, defaults.Severities.Subnet, config.Severities.Subnet)
	assert.Equal(t, defaults.Reputation, config.Reputation)
}

func TestParseConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"malformed", "limits: [unclosed"},
		{"thresholds out of order", "escalation:\n  sinkhole_threshold: 3\n"},
		{"severity too high", "severities:\n  veto: 51\n"},
		{"severity zero", "severities:\n  ip_rate_limit: 0\n"},
		{"bad key extractor", "key_extractor: magic\n"},
		{"zero cleanup interval", "cleanup_interval: 0s\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("err = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"defaults", func(*Config) {}, nil},
		{"negative rate", func(c *Config) { c.Limits.Identity.Rate = -1 }, ErrInvalidConfig},
		{"zero window", func(c *Config) { c.Limits.Subnet.Window = 0 }, ErrInvalidConfig},
		{"burst below one", func(c *Config) { c.BurstMultiplier = 0.5 }, ErrInvalidConfig},
		{"allow_above at max", func(c *Config) { c.Reputation.AllowAbove = 100 }, ErrInvalidConfig},
		{"negative recovery", func(c *Config) { c.Reputation.RecoveryPoints = -1 }, ErrInvalidConfig},
		{"recovery without interval", func(c *Config) {
			c.Reputation.RecoveryPoints = 1
			c.Reputation.RecoveryInterval = 0
		}, ErrInvalidConfig},
		{"severity out of range", func(c *Config) { c.Severities.Suspicious = 99 }, ErrInvalidSeverity},
		{"decoy delays inverted", func(c *Config) {
			c.Decoy.MinDelay = 10 * time.Second
			c.Decoy.MaxDelay = time.Second
		}, ErrInvalidConfig},
		{"empty key extractor uses default", func(c *Config) { c.KeyExtractor = "" }, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := NewConfig()
			tt.mutate(config)
			err := config.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSeverities_For(t *testing.T) {
	s := DefaultSeverities()

	assert.Equal(t, 5, s.For(limiter.ReasonIdentity))
	assert.Equal(t, 3, s.For(limiter.ReasonSubnet))
	assert.Equal(t, 10, s.For(limiter.ReasonSuspicious))
	assert.Equal(t, 5, s.For(KindLowReputation))
	assert.Equal(t, 1, s.For(KindVeto))
	assert.Equal(t, 1, s.For("something_else"))
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "threatfence.yaml")
	require.NoError(t, os.WriteFile(path, []byte("limits:\n  global:\n    rate: 500\n    window: 1s\n"), 0o600))

	config, err := LoadConfigFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 500.0, config.Limits.Global.Rate)

	_, err = LoadConfigFromFile(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestClone_IsIndependent(t *testing.T) {
	config := NewConfig()
	clone := config.Clone()

	clone.Behavior.BotSignatures[0] = "changed"
	clone.Limits.Identity.Rate = 1

	assert.NotEqual(t, "changed", config.Behavior.BotSignatures[0])
	assert.Equal(t, 10.0, config.Limits.Identity.Rate)
}

func TestParseConfig_DecoyBand(t *testing.T) {
	t.Run("nested only", func(t *testing.T) {
		config, err := ParseConfig([]byte("escalation:\n  decoy:\n    min_delay: 3s\n    max_delay: 6s\n"))
		require.NoError(t, err)
		assert.Equal(t, 3*time.Second, config.Decoy.MinDelay)
		assert.Equal(t, 6*time.Second, config.Decoy.MaxDelay)
		assert.Equal(t, config.Decoy, config.escalationConfig().Decoy)

		config, err = ParseConfig([]byte("escalation:\n  decoy:\n    max_delay: 9s\n"))
		require.NoError(t, err)
		assert.Equal(t, NewConfig().Decoy.MinDelay, config.Decoy.MinDelay)
		assert.Equal(t, 9*time.Second, config.Decoy.MaxDelay)
	})

	t.Run("both equal", func(t *testing.T) {
		yaml := `
decoy:
  min_delay: 2s
  max_delay: 4s
escalation:
  decoy:
    min_delay: 2s
    max_delay: 4s
`
		config, err := ParseConfig([]byte(yaml))
		require.NoError(t, err)
		assert.Equal(t, 2*time.Second, config.escalationConfig().Decoy.MinDelay)
	})

	t.Run("both different", func(t *testing.T) {
		yaml := `
decoy:
  min_delay: 2s
  max_delay: 4s
escalation:
  decoy:
    min_delay: 1s
    max_delay: 9s
`
		_, err := ParseConfig([]byte(yaml))
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("top level only", func(t *testing.T) {
		config, err := ParseConfig([]byte("decoy:\n  min_delay: 1s\n  max_delay: 2s\n"))
		require.NoError(t, err)
		assert.Equal(t, time.Second, config.escalationConfig().Decoy.MinDelay)
	})
}

func TestParseConfig_AnomalyAndChallenge(t *testing.T) {
	yaml := `
anomaly:
  threshold: 40
  window: 30s
severities:
  anomaly_detected: 12
challenge:
  difficulty: 5
  ttl: 2m
  reward: 15
  max_pending: 50
`
	config, err := ParseConfig([]byte(yaml))
	require.NoError(t, err)

	assert.Equal(t, limiter.AnomalyConfig{Threshold: 40, Window: 30 * time.Second}, config.Anomaly)
	assert.Equal(t, config.Anomaly, config.limiterConfig().Anomaly)
	assert.Equal(t, 12, config.Severities.For(limiter.ReasonAnomaly))
	assert.Equal(t, ChallengeConfig{Difficulty: 5, TTL: 2 * time.Minute, Reward: 15, MaxPending: 50}, config.Challenge)

	assert.Equal(t, 20, NewConfig().Severities.For(limiter.ReasonAnomaly))
}

func TestEscalationConfig_CarriesAgentSignatures(t *testing.T) {
	config := NewConfig()
	config.Behavior.BotSignatures = []string{"harvester"}

	esc := config.escalationConfig()
	assert.Equal(t, []string{"harvester"}, esc.Agents.Bots)
	assert.Equal(t, config.Behavior.BrowserSignatures, esc.Agents.Browsers)
}
