package limiter

import (
	"errors"
	"fmt"
	"time"
)

// Limit is a steady-state rate over a window. The effective ceiling is
// Rate * Window * burst.
type Limit struct {
	Rate   float64       `yaml:"rate" json:"rate"`
	Window time.Duration `yaml:"window" json:"window"`
}

// Ceiling returns the number of requests admitted per window.
func (l Limit) Ceiling(burst float64) float64 {
	return l.Rate * l.Window.Seconds() * burst
}

func (l Limit) validate(name string) error {
	if l.Rate <= 0 {
		return fmt.Errorf("%s rate must be positive, got %v", name, l.Rate)
	}
	if l.Window <= 0 {
		return fmt.Errorf("%s window must be positive, got %v", name, l.Window)
	}
	return nil
}

// FairQueueConfig controls the synthetic queueing delay applied to noisy
// identities while the global limit is under pressure.
type FairQueueConfig struct {
	// Threshold is the pending count an identity may have before it is delayed.
	Threshold int `yaml:"threshold" json:"threshold"`
	// Weight scales the delay per pending request.
	Weight float64 `yaml:"weight" json:"weight"`
	// Window is how long a request counts as pending.
	Window time.Duration `yaml:"window" json:"window"`
	// EngageAt is the global utilisation (0..1) at which fair queueing starts.
	EngageAt float64 `yaml:"engage_at" json:"engage_at"`
	// Unit is the delay charged per pending request before weighting.
	Unit time.Duration `yaml:"unit" json:"unit"`
}

// AnomalyConfig flags an identity whose attempts over Window, admitted
// or not, exceed Threshold. Zero Threshold disables the layer.
type AnomalyConfig struct {
	Threshold int           `yaml:"threshold" json:"threshold"`
	Window    time.Duration `yaml:"window" json:"window"`
}

// Config is the limiter policy.
type Config struct {
	Global      Limit `yaml:"global" json:"global"`
	Identity    Limit `yaml:"identity" json:"identity"`
	Subnet      Limit `yaml:"subnet" json:"subnet"`
	Fingerprint Limit `yaml:"fingerprint" json:"fingerprint"`

	BurstMultiplier    float64 `yaml:"burst_multiplier" json:"burst_multiplier"`
	SuspicionThreshold float64 `yaml:"suspicion_threshold" json:"suspicion_threshold"`

	Anomaly   AnomalyConfig   `yaml:"anomaly" json:"anomaly"`
	FairQueue FairQueueConfig `yaml:"fair_queue" json:"fair_queue"`

	// Retention is how long an idle key's counters are kept.
	Retention time.Duration `yaml:"retention" json:"retention"`
}

// DefaultConfig returns the default per-layer limits.
func DefaultConfig() Config {
	return Config{
		Global:             Limit{Rate: 1000, Window: time.Second},
		Identity:           Limit{Rate: 10, Window: time.Second},
		Subnet:             Limit{Rate: 50, Window: time.Second},
		Fingerprint:        Limit{Rate: 20, Window: time.Second},
		BurstMultiplier:    1.5,
		SuspicionThreshold: 0.7,
		Anomaly:            AnomalyConfig{Threshold: 100, Window: time.Minute},
		FairQueue: FairQueueConfig{
			Threshold: 5,
			Weight:    0.8,
			Window:    time.Second,
			EngageAt:  0.8,
			Unit:      100 * time.Millisecond,
		},
		Retention: time.Hour,
	}
}

// Validate checks the policy for values the limiter cannot run with.
func (c Config) Validate() error {
	for _, l := range []struct {
		name  string
		limit Limit
	}{
		{"global", c.Global},
		{"identity", c.Identity},
		{"subnet", c.Subnet},
		{"fingerprint", c.Fingerprint},
	} {
		if err := l.limit.validate(l.name); err != nil {
			return err
		}
	}

	if c.BurstMultiplier < 1 {
		return fmt.Errorf("burst_multiplier must be >= 1, got %v", c.BurstMultiplier)
	}
	if c.SuspicionThreshold <= 0 || c.SuspicionThreshold > 1 {
		return fmt.Errorf("suspicion_threshold must be in (0,1], got %v", c.SuspicionThreshold)
	}

	if c.Anomaly.Threshold < 0 {
		return fmt.Errorf("anomaly threshold must be non-negative, got %d", c.Anomaly.Threshold)
	}
	if c.Anomaly.Threshold > 0 && c.Anomaly.Window <= 0 {
		return fmt.Errorf("anomaly window must be positive, got %v", c.Anomaly.Window)
	}

	fq := c.FairQueue
	if fq.Threshold < 0 {
		return fmt.Errorf("fair_queue threshold must be non-negative, got %d", fq.Threshold)
	}
	if fq.Weight < 0 || fq.Weight > 1 {
		return fmt.Errorf("fair_queue weight must be in [0,1], got %v", fq.Weight)
	}
	if fq.Window <= 0 {
		return errors.New("fair_queue window must be positive")
	}
	if fq.EngageAt < 0 || fq.EngageAt > 1 {
		return fmt.Errorf("fair_queue engage_at must be in [0,1], got %v", fq.EngageAt)
	}
	if fq.Unit < 0 {
		return fmt.Errorf("fair_queue unit must be non-negative, got %v", fq.Unit)
	}
	if c.Retention < 0 {
		return fmt.Errorf("retention must be non-negative, got %v", c.Retention)
	}
	return nil
}
