// Package store persists threat state (listed targets and reputation
// overrides) so an engine can restart without forgetting who it blocked.
package store

import (
	"context"
	"time"

	"github.com/KanavDutta/threatfence/escalation"
)

// State is the persisted portion of an engine.
type State struct {
	SavedAt    time.Time           `json:"saved_at"`
	Escalation escalation.Snapshot `json:"escalation"`
	Whitelist  []string            `json:"whitelist,omitempty"`
	Blacklist  []string            `json:"blacklist,omitempty"`
}

// Store saves and loads State under a key. Load returns (nil, nil) when
// nothing has been saved for the key.
type Store interface {
	Load(ctx context.Context, key string) (*State, error)
	Save(ctx context.Context, key string, state *State) error
	Delete(ctx context.Context, key string) error
	Close() error
}
