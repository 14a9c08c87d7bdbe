package escalation

import (
	"fmt"
	"time"

	"github.com/KanavDutta/threatfence/behavior"
)

// Config holds escalation thresholds. Thresholds are rolling severity
// sums over ScoreWindow, except SubnetThreshold which counts violations.
type Config struct {
	QuarantineThreshold int `yaml:"quarantine_threshold" json:"quarantine_threshold"`
	SinkholeThreshold   int `yaml:"sinkhole_threshold" json:"sinkhole_threshold"`
	BlackholeThreshold  int `yaml:"blackhole_threshold" json:"blackhole_threshold"`
	SubnetThreshold     int `yaml:"subnet_threshold" json:"subnet_threshold"`

	QuarantineDuration time.Duration `yaml:"quarantine_duration" json:"quarantine_duration"`
	ScoreWindow        time.Duration `yaml:"score_window" json:"score_window"`
	Retention          time.Duration `yaml:"retention" json:"retention"`

	Decoy DecoyConfig `yaml:"decoy,omitempty" json:"decoy,omitzero"`

	// Agents classify user agents when choosing a decoy kind.
	Agents Agents `yaml:"-" json:"-"`
}

// Agents are lower- or mixed-case substrings matched against a client's
// user agent.
type Agents struct {
	Bots     []string
	Browsers []string
}

// DecoyConfig bounds the advisory delay attached to decoy responses.
type DecoyConfig struct {
	MinDelay time.Duration `yaml:"min_delay" json:"min_delay"`
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		QuarantineThreshold: 5,
		SinkholeThreshold:   10,
		BlackholeThreshold:  50,
		SubnetThreshold:     20,
		QuarantineDuration:  time.Hour,
		ScoreWindow:         time.Hour,
		Retention:           24 * time.Hour,
		Decoy: DecoyConfig{
			MinDelay: time.Second,
			MaxDelay: 30 * time.Second,
		},
		Agents: Agents{
			Bots:     behavior.DefaultBotSignatures,
			Browsers: behavior.DefaultBrowserSignatures,
		},
	}
}

// Validate checks threshold ordering and durations.
func (c Config) Validate() error {
	if c.QuarantineThreshold <= 0 {
		return fmt.Errorf("quarantine_threshold must be positive, got %d", c.QuarantineThreshold)
	}
	if c.SinkholeThreshold <= c.QuarantineThreshold {
		return fmt.Errorf("sinkhole_threshold (%d) must exceed quarantine_threshold (%d)",
			c.SinkholeThreshold, c.QuarantineThreshold)
	}
	if c.BlackholeThreshold <= c.SinkholeThreshold {
		return fmt.Errorf("blackhole_threshold (%d) must exceed sinkhole_threshold (%d)",
			c.BlackholeThreshold, c.SinkholeThreshold)
	}
	if c.SubnetThreshold <= 0 {
		return fmt.Errorf("subnet_threshold must be positive, got %d", c.SubnetThreshold)
	}
	if c.QuarantineDuration <= 0 {
		return fmt.Errorf("quarantine_duration must be positive, got %v", c.QuarantineDuration)
	}
	if c.ScoreWindow <= 0 {
		return fmt.Errorf("score_window must be positive, got %v", c.ScoreWindow)
	}
	if c.Retention < c.ScoreWindow {
		return fmt.Errorf("retention (%v) must be at least score_window (%v)", c.Retention, c.ScoreWindow)
	}
	if c.Decoy.MinDelay < 0 || c.Decoy.MaxDelay < c.Decoy.MinDelay {
		return fmt.Errorf("decoy delay band [%v, %v] is invalid", c.Decoy.MinDelay, c.Decoy.MaxDelay)
	}
	return nil
}
