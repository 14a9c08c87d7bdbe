package threatfence

import (
	"fmt"
	"log/slog"

	"github.com/KanavDutta/threatfence/core"
	"github.com/KanavDutta/threatfence/metrics"
	"github.com/KanavDutta/threatfence/store"
)

// Option is a functional option for configuring an Engine.
type Option func(*Engine) error

// WithConfig sets the configuration for the engine.
func WithConfig(config *Config) Option {
	return func(e *Engine) error {
		if config == nil {
			return fmt.Errorf("%w: config cannot be nil", ErrInvalidConfig)
		}
		if err := config.Validate(); err != nil {
			return err
		}
		e.config.Store(config.Clone())
		return nil
	}
}

// WithConfigFile loads configuration from a YAML file.
func WithConfigFile(path string) Option {
	return func(e *Engine) error {
		config, err := LoadConfigFromFile(path)
		if err != nil {
			return err
		}
		e.config.Store(config)
		return nil
	}
}

// WithLogger sets the structured logger. Components log with a
// "component" attribute.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) error {
		if logger == nil {
			return fmt.Errorf("%w: logger cannot be nil", ErrInvalidConfig)
		}
		e.logger = logger
		return nil
	}
}

// WithClock injects the time source, mostly for tests.
func WithClock(clock core.Clock) Option {
	return func(e *Engine) error {
		if clock == nil {
			return fmt.Errorf("%w: clock cannot be nil", ErrInvalidConfig)
		}
		e.clock = clock
		return nil
	}
}

// WithThreatStore persists escalation listings and overrides in s.
func WithThreatStore(s store.Store) Option {
	return func(e *Engine) error {
		if s == nil {
			return fmt.Errorf("%w: store cannot be nil", ErrInvalidConfig)
		}
		e.store = s
		return nil
	}
}

// WithMetrics records every verdict and escalation into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) error {
		if m == nil {
			return fmt.Errorf("%w: metrics cannot be nil", ErrInvalidConfig)
		}
		e.metrics = m
		return nil
	}
}

// WithKeyExtractor sets a custom key extractor function.
func WithKeyExtractor(extractor KeyExtractor) Option {
	return func(e *Engine) error {
		if extractor == nil {
			return fmt.Errorf("%w: key extractor cannot be nil", ErrInvalidConfig)
		}
		e.keyExtractor = extractor
		return nil
	}
}
