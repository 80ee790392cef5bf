package compat

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

type fakePolicies struct {
	phase  model.Phase
	policy model.CollectionPolicy
}

func (f *fakePolicies) Phase() model.Phase { return f.phase }

func (f *fakePolicies) Policy(string) model.CollectionPolicy { return f.policy }

func (f *fakePolicies) DualSchemaActive() bool {
	return f.phase == model.PhaseDualSchema || f.phase == model.PhaseBackfilling
}

type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *eventRecorder) record(ctx context.Context, event eventbus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event.Type())
	return nil
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func newTradeFixture(phase model.Phase, policy model.CollectionPolicy) (*TradeAdapter, *memory.DocumentStore, *eventRecorder) {
	store := memory.NewDocumentStore()
	log := logger.NewLogger()
	bus := eventbus.NewEventBus(log)
	recorder := &eventRecorder{}
	bus.Subscribe(eventbus.EventTypeTradeCompleted, recorder.record)
	bus.Subscribe(eventbus.EventTypeTradeUpdated, recorder.record)

	adapter := NewTradeAdapter(store, &fakePolicies{phase: phase, policy: policy}, bus, NewMetrics(time.Minute), log)
	return adapter, store, recorder
}

func legacyTradeDoc(id, creator string) model.RawDocument {
	return model.RawDocument{
		"_id":                           id,
		model.TradeFieldCreatorID:       creator,
		model.TradeFieldParticipantID:   "user-2",
		model.TradeFieldOfferedSkills:   []interface{}{"design"},
		model.TradeFieldRequestedSkills: []interface{}{"guitar"},
		model.TradeFieldStatus:          "open",
		model.TradeFieldCreatedAt:       time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
		model.TradeFieldUpdatedAt:       time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
	}
}

func newTradeDoc(id, creator string, createdAt time.Time) model.RawDocument {
	return model.RawDocument{
		"_id":                    id,
		model.SchemaVersionField: string(model.SchemaVersionNew),
		model.TradeFieldParticipants: map[string]interface{}{
			"creator":     creator,
			"participant": "user-2",
		},
		model.TradeFieldSkillsOffered: []interface{}{
			map[string]interface{}{"name": "design", "level": "expert"},
		},
		model.TradeFieldSkillsWanted: []interface{}{
			map[string]interface{}{"name": "guitar", "level": "unspecified"},
		},
		model.TradeFieldStatus:    "open",
		model.TradeFieldCreatedAt: createdAt,
		model.TradeFieldUpdatedAt: createdAt,
	}
}

func TestGetTradeNormalizesLegacyDocument(t *testing.T) {
	adapter, store, _ := newTradeFixture(model.PhaseDualSchema, model.DefaultCollectionPolicy())
	store.Seed(TradesCollection, legacyTradeDoc("t1", "user-1"))

	trade, err := adapter.GetTrade(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", trade.Participants.Creator)
	assert.Equal(t, "design", trade.SkillsOffered[0].Name)

	// Reads never rewrite the stored document.
	assert.Equal(t, model.SchemaVersionLegacy, store.Raw(TradesCollection, "t1").SchemaVersion())
}

func TestQueryMergesBothShapesDuringDualSchema(t *testing.T) {
	adapter, store, _ := newTradeFixture(model.PhaseDualSchema, model.DefaultCollectionPolicy())
	store.Seed(TradesCollection,
		legacyTradeDoc("t1", "user-1"),
		newTradeDoc("t2", "user-1", time.Date(2026, 1, 11, 0, 0, 0, 0, time.UTC)),
		legacyTradeDoc("t3", "someone-else"),
	)

	trades, err := adapter.QueryTradesByCreator(context.Background(), "user-1", 10)
	require.NoError(t, err)
	require.Len(t, trades, 2)

	ids := []string{trades[0].ID, trades[1].ID}
	assert.ElementsMatch(t, []string{"t1", "t2"}, ids)
}

func TestQueryDeduplicatesDualResidueDocuments(t *testing.T) {
	adapter, store, _ := newTradeFixture(model.PhaseDualSchema, model.DefaultCollectionPolicy())

	// A migrated document still carrying legacy fields matches both filters.
	doc := legacyTradeDoc("t1", "user-1")
	doc[model.SchemaVersionField] = string(model.SchemaVersionNew)
	doc[model.TradeFieldParticipants] = map[string]interface{}{
		"creator":     "user-1",
		"participant": "user-2",
	}
	store.Seed(TradesCollection, doc)

	trades, err := adapter.QueryTradesByCreator(context.Background(), "user-1", 10)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestQuerySingleShapeOutsideDualWindow(t *testing.T) {
	adapter, store, _ := newTradeFixture(model.PhaseCutover,
		model.CollectionPolicy{WriteSchema: model.SchemaVersionNew, ReadPreference: model.ReadPreferenceNewFirst})
	store.Seed(TradesCollection,
		legacyTradeDoc("t1", "user-1"),
		newTradeDoc("t2", "user-1", time.Now()),
	)

	// After cutover only the new shape is queried.
	trades, err := adapter.QueryTradesByCreator(context.Background(), "user-1", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "t2", trades[0].ID)
}

func TestCreateTradeWritesPolicySchema(t *testing.T) {
	adapter, store, _ := newTradeFixture(model.PhaseDualSchema,
		model.CollectionPolicy{WriteSchema: model.SchemaVersionNew, ReadPreference: model.ReadPreferenceNewFirst})

	trade := &model.Trade{
		ID:           "t1",
		Status:       "open",
		Participants: model.TradeParticipants{Creator: "user-1"},
		SkillsOffered: []model.Skill{
			{Name: "design", Level: "expert"},
		},
	}
	require.NoError(t, adapter.CreateTrade(context.Background(), trade))

	stored := store.Raw(TradesCollection, "t1")
	assert.Equal(t, model.SchemaVersionNew, stored.SchemaVersion())
	assert.NotNil(t, stored.MapField(model.TradeFieldParticipants))
}

func TestCreateTradeRejectsPolicyPhaseMismatch(t *testing.T) {
	// A new-schema write policy before migration has begun is a configuration
	// bug, not something to silently honor.
	adapter, _, _ := newTradeFixture(model.PhaseNotStarted,
		model.CollectionPolicy{WriteSchema: model.SchemaVersionNew, ReadPreference: model.ReadPreferenceLegacyFirst})

	err := adapter.CreateTrade(context.Background(), &model.Trade{
		ID:           "t1",
		Participants: model.TradeParticipants{Creator: "user-1"},
	})
	require.Error(t, err)
	assert.True(t, errors.IsPolicyViolation(err))
}

func TestUpdateTradeStatusDispatchesEffectsAfterCommit(t *testing.T) {
	adapter, store, recorder := newTradeFixture(model.PhaseDualSchema, model.DefaultCollectionPolicy())
	store.Seed(TradesCollection, legacyTradeDoc("t1", "user-1"))

	trade, err := adapter.UpdateTradeStatus(context.Background(), "t1", TradeStatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, TradeStatusCompleted, trade.Status)
	assert.Equal(t, TradeStatusCompleted, store.Raw(TradesCollection, "t1").StringField(model.TradeFieldStatus))

	events := recorder.types()
	assert.Contains(t, events, eventbus.EventTypeTradeCompleted)
	assert.Contains(t, events, eventbus.EventTypeTradeUpdated)
}

func TestUpdateTradeStatusNoEffectsWhenWriteFails(t *testing.T) {
	adapter, store, recorder := newTradeFixture(model.PhaseDualSchema, model.DefaultCollectionPolicy())
	store.Seed(TradesCollection, legacyTradeDoc("t1", "user-1"))
	store.FailOps["update"] = true

	_, err := adapter.UpdateTradeStatus(context.Background(), "t1", TradeStatusCompleted)
	require.Error(t, err)
	assert.Empty(t, recorder.types(), "no effect may fire for a failed write")
}

func TestUpdateTradeStatusConflictSkipsEffects(t *testing.T) {
	adapter, store, recorder := newTradeFixture(model.PhaseDualSchema, model.DefaultCollectionPolicy())
	store.Seed(TradesCollection, legacyTradeDoc("t1", "user-1"))

	// A concurrent migration lands between the adapter's read and write.
	conflicting := &conflictingStore{DocumentStore: store}
	adapter.store = conflicting

	_, err := adapter.UpdateTradeStatus(context.Background(), "t1", TradeStatusCompleted)
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
	assert.Empty(t, recorder.types())
}

// conflictingStore migrates the document after every read, so the adapter's
// schema-version guard always loses the race.
type conflictingStore struct {
	*memory.DocumentStore
}

func (s *conflictingStore) Get(ctx context.Context, collection, id string) (model.RawDocument, error) {
	doc, err := s.DocumentStore.Get(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	set, err := model.TransformTrade(doc)
	if err != nil {
		return nil, err
	}
	if set != nil {
		if err := s.DocumentStore.UpdateIfSchemaVersion(ctx, collection, id, model.SchemaVersionLegacy, set); err != nil {
			return nil, err
		}
	}
	return doc, nil
}
