// Package threatfence re-exports the engine and HTTP middleware so that
// simple integrations need a single import.
package threatfence

import (
	"github.com/KanavDutta/threatfence/middleware"
	engine "github.com/KanavDutta/threatfence/pkg/threatfence"
)

// Re-export main types for convenience
type (
	Engine  = engine.Engine
	Config  = engine.Config
	Option  = engine.Option
	Request = engine.Request
	Verdict = engine.Verdict
	Outcome = engine.Outcome

	Guard       = middleware.Guard
	GuardConfig = middleware.Config
)

var (
	// New creates an engine.
	New = engine.New
	// NewGuard creates HTTP middleware around an engine.
	NewGuard = middleware.NewGuard

	WithConfig      = engine.WithConfig
	WithConfigFile  = engine.WithConfigFile
	WithLogger      = engine.WithLogger
	WithMetrics     = engine.WithMetrics
	WithThreatStore = engine.WithThreatStore
)
