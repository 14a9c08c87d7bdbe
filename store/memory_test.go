package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KanavDutta/threatfence/escalation"
)

func sampleState() *State {
	now := time.Unix(1_700_000_000, 0).UTC()
	return &State{
		SavedAt: now,
		Escalation: escalation.Snapshot{
			TakenAt: now,
			Identities: []escalation.Listing{{
				Target: "203.0.113.9",
				Type:   escalation.TargetIdentity,
				Tier:   escalation.Blackholed,
				Reason: "manual",
				Since:  now,
			}},
		},
		Whitelist: []string{"10.0.0.1"},
		Blacklist: []string{"10.0.0.66"},
	}
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	got, err := s.Load(ctx, "default")
	require.NoError(t, err)
	assert.Nil(t, got)

	state := sampleState()
	require.NoError(t, s.Save(ctx, "default", state))

	got, err = s.Load(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, state, got)

	require.NoError(t, s.Delete(ctx, "default"))
	got, err = s.Load(ctx, "default")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryStore_CopiesState(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	state := sampleState()
	require.NoError(t, s.Save(ctx, "default", state))
	state.Whitelist[0] = "mutated"
	state.Escalation.Identities[0].Tier = escalation.Normal

	got, err := s.Load(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", got.Whitelist[0])
	assert.Equal(t, escalation.Blackholed, got.Escalation.Identities[0].Tier)

	got.Blacklist = nil
	again, err := s.Load(ctx, "default")
	require.NoError(t, err)
	assert.Len(t, again.Blacklist, 1)
}

func TestMemoryStore_Clear(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, s.Save(ctx, key, sampleState()))
	}
	s.Clear()

	for _, key := range []string{"a", "b", "c"} {
		got, err := s.Load(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, got)
	}
}
