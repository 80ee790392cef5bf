package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"tradeya-migration/internal/migration/adapter/persistence/memory"
	"tradeya-migration/internal/migration/domain/model"
	"tradeya-migration/internal/shared/errors"
	"tradeya-migration/internal/shared/eventbus"
	"tradeya-migration/internal/shared/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNotifier struct {
	mu      sync.Mutex
	reasons []string
	ch      chan string
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{ch: make(chan string, 16)}
}

func (f *fakeNotifier) PublishInvalidation(ctx context.Context, reason string) error {
	f.mu.Lock()
	f.reasons = append(f.reasons, reason)
	f.mu.Unlock()
	return nil
}

func (f *fakeNotifier) SubscribeInvalidations(ctx context.Context) (<-chan string, error) {
	return f.ch, nil
}

func (f *fakeNotifier) published() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reasons...)
}

func newTestRegistry(t *testing.T) (*Registry, *memory.PolicyStore, *fakeNotifier) {
	t.Helper()
	store := memory.NewPolicyStore()
	notifier := newFakeNotifier()
	log := logger.NewLogger()
	reg := NewRegistry(store, notifier, eventbus.NewEventBus(log), log, time.Minute)
	require.NoError(t, reg.Initialize(context.Background(), "trades", "conversations"))
	return reg, store, notifier
}

func TestInitializeCreatesState(t *testing.T) {
	reg, store, _ := newTestRegistry(t)

	assert.Equal(t, model.PhaseNotStarted, reg.Phase())
	assert.Equal(t, model.SchemaVersionLegacy, reg.Policy("trades").WriteSchema)
	assert.Equal(t, 1, store.SaveCalls)
}

func TestInitializeIsIdempotent(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	require.NoError(t, reg.Initialize(context.Background(), "trades", "conversations"))
	assert.Equal(t, 1, store.SaveCalls, "re-initialization must not rewrite unchanged state")
}

func TestPolicyLookupsDoNotHitStore(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	loadsAfterInit := store.LoadCalls

	for i := 0; i < 1000; i++ {
		_ = reg.Policy("trades")
		_ = reg.Phase()
	}
	assert.Equal(t, loadsAfterInit, store.LoadCalls, "cached lookups must not touch the store")
}

func TestSetPhaseForward(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.SetPhase(ctx, model.PhaseVerifying))
	assert.Equal(t, model.PhaseVerifying, reg.Phase())
}

func TestSetPhaseRejectsIllegalTransition(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	err := reg.SetPhase(context.Background(), model.PhaseBackfilling)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidPhase)
	assert.Equal(t, model.PhaseNotStarted, reg.Phase())
}

func TestDualSchemaGatedOnVerification(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, reg.SetPhase(ctx, model.PhaseVerifying))

	// No verification on record: blocked.
	err := reg.SetPhase(ctx, model.PhaseDualSchema)
	require.Error(t, err)
	assert.True(t, errors.IsVerificationFailure(err))

	// A failing verification keeps the gate closed.
	require.NoError(t, reg.RecordVerification(ctx, &model.VerificationResult{Ready: false}))
	err = reg.SetPhase(ctx, model.PhaseDualSchema)
	require.Error(t, err)

	// A passing one opens it.
	require.NoError(t, reg.RecordVerification(ctx, &model.VerificationResult{Ready: true}))
	require.NoError(t, reg.SetPhase(ctx, model.PhaseDualSchema))
	assert.True(t, reg.DualSchemaActive())
}

func TestSetWriteSchemaPersistsAndPublishes(t *testing.T) {
	reg, store, notifier := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.SetWriteSchema(ctx, "trades", model.SchemaVersionNew))
	assert.Equal(t, model.SchemaVersionNew, reg.Policy("trades").WriteSchema)

	persisted, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.SchemaVersionNew, persisted.Policy("trades").WriteSchema)
	assert.Contains(t, notifier.published(), "write-schema:trades")
}

func TestRollbackRevertsAllPolicies(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.SetPhase(ctx, model.PhaseVerifying))
	require.NoError(t, reg.RecordVerification(ctx, &model.VerificationResult{Ready: true}))
	require.NoError(t, reg.SetPhase(ctx, model.PhaseDualSchema))
	require.NoError(t, reg.SetWriteSchema(ctx, "trades", model.SchemaVersionNew))
	require.NoError(t, reg.SetReadPreference(ctx, "trades", model.ReadPreferenceNewFirst))

	require.NoError(t, reg.Rollback(ctx, "error rate crossed threshold"))

	assert.Equal(t, model.PhaseRolledBack, reg.Phase())
	for _, collection := range []string{"trades", "conversations"} {
		p := reg.Policy(collection)
		assert.Equal(t, model.SchemaVersionLegacy, p.WriteSchema)
		assert.Equal(t, model.ReadPreferenceLegacyFirst, p.ReadPreference)
	}
}

func TestRollbackBeforeStartRejected(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	err := reg.Rollback(context.Background(), "nothing to roll back")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidPhase)
}

func TestRefreshPicksUpExternalChange(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	ctx := context.Background()

	// Another process mutates the persisted state directly.
	external, err := store.Load(ctx)
	require.NoError(t, err)
	external.Phase = model.PhaseVerifying
	require.NoError(t, store.Save(ctx, external))

	assert.Equal(t, model.PhaseNotStarted, reg.Phase(), "cache is stale until refresh")
	require.NoError(t, reg.Refresh(ctx))
	assert.Equal(t, model.PhaseVerifying, reg.Phase())
}

func TestCurrentReturnsACopy(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	state := reg.Current()
	state.Policies["trades"] = model.CollectionPolicy{WriteSchema: model.SchemaVersionNew}

	assert.Equal(t, model.SchemaVersionLegacy, reg.Policy("trades").WriteSchema)
}
