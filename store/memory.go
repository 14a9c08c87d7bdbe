package store

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore keeps state in process memory. It is useful for tests and
// for sharing state between engines in one process.
type MemoryStore struct {
	states sync.Map // map[string]*State
}

// Ensure MemoryStore implements Store interface
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns a copy of the state saved under key.
func (s *MemoryStore) Load(_ context.Context, key string) (*State, error) {
	val, ok := s.states.Load(key)
	if !ok {
		return nil, nil
	}
	return clone(val.(*State)), nil
}

// Save stores a copy of state under key.
func (s *MemoryStore) Save(_ context.Context, key string, state *State) error {
	s.states.Store(key, clone(state))
	return nil
}

// Delete removes the state for key.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.states.Delete(key)
	return nil
}

// Clear removes all saved states.
func (s *MemoryStore) Clear() {
	s.states.Range(func(key, _ any) bool {
		s.states.Delete(key)
		return true
	})
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func clone(st *State) *State {
	if st == nil {
		return nil
	}
	out := *st
	out.Escalation.Identities = slices.Clone(st.Escalation.Identities)
	out.Escalation.Subnets = slices.Clone(st.Escalation.Subnets)
	out.Escalation.Fingerprints = slices.Clone(st.Escalation.Fingerprints)
	out.Whitelist = slices.Clone(st.Whitelist)
	out.Blacklist = slices.Clone(st.Blacklist)
	return &out
}
