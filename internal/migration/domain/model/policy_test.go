package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhaseTransitions(t *testing.T) {
	cases := []struct {
		from    Phase
		to      Phase
		allowed bool
	}{
		{PhaseNotStarted, PhaseVerifying, true},
		{PhaseVerifying, PhaseDualSchema, true},
		{PhaseDualSchema, PhaseBackfilling, true},
		{PhaseBackfilling, PhaseCutover, true},
		{PhaseNotStarted, PhaseDualSchema, false},
		{PhaseVerifying, PhaseBackfilling, false},
		{PhaseCutover, PhaseDualSchema, false},
		{PhaseDualSchema, PhaseRolledBack, true},
		{PhaseBackfilling, PhaseRolledBack, true},
		{PhaseCutover, PhaseRolledBack, true},
		{PhaseNotStarted, PhaseRolledBack, false},
		{PhaseRolledBack, PhaseVerifying, false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.allowed, tc.from.CanTransitionTo(tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestRegistryStateDefaults(t *testing.T) {
	state := NewRegistryState("trades", "conversations")

	assert.Equal(t, PhaseNotStarted, state.Phase)
	require.Len(t, state.Policies, 2)
	assert.Equal(t, SchemaVersionLegacy, state.Policy("trades").WriteSchema)
	assert.Equal(t, ReadPreferenceLegacyFirst, state.Policy("trades").ReadPreference)

	// Untracked collections fall back to the pre-migration default.
	assert.Equal(t, DefaultCollectionPolicy(), state.Policy("reviews"))
}

func TestRegistryStateDualSchemaActive(t *testing.T) {
	state := NewRegistryState("trades")
	assert.False(t, state.DualSchemaActive())

	state.Phase = PhaseDualSchema
	assert.True(t, state.DualSchemaActive())
	state.Phase = PhaseBackfilling
	assert.True(t, state.DualSchemaActive())
	state.Phase = PhaseCutover
	assert.False(t, state.DualSchemaActive())
}

func TestRegistryStateCloneIsDeep(t *testing.T) {
	state := NewRegistryState("trades")
	state.LastVerification = &VerificationResult{Ready: true}

	clone := state.Clone()
	clone.Policies["trades"] = CollectionPolicy{WriteSchema: SchemaVersionNew}
	clone.LastVerification.Ready = false

	assert.Equal(t, SchemaVersionLegacy, state.Policy("trades").WriteSchema)
	assert.True(t, state.LastVerification.Ready)
}

func TestMigrationProgressResumable(t *testing.T) {
	p := &MigrationProgress{State: RunStateRunning, Cursor: "doc-4500"}
	assert.True(t, p.Resumable())

	p.State = RunStatePaused
	assert.True(t, p.Resumable())
	p.State = RunStateFailed
	assert.True(t, p.Resumable())

	p.State = RunStateCompleted
	assert.False(t, p.Resumable())

	p.State = RunStateRunning
	p.Cursor = ""
	assert.False(t, p.Resumable())
}
