package compat

import (
	"context"
	"testing"
	"time"

	"tradeya-migration/internal/migration/adapter/persistence/memory"
	"tradeya-migration/internal/migration/domain/model"
	"tradeya-migration/internal/shared/eventbus"
	"tradeya-migration/internal/shared/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConversationFixture(phase model.Phase, policy model.CollectionPolicy) (*ConversationAdapter, *memory.DocumentStore, *eventRecorder) {
	store := memory.NewDocumentStore()
	log := logger.NewLogger()
	bus := eventbus.NewEventBus(log)
	recorder := &eventRecorder{}
	bus.Subscribe(eventbus.EventTypeConversationUpdated, recorder.record)

	adapter := NewConversationAdapter(store, &fakePolicies{phase: phase, policy: policy}, bus, NewMetrics(time.Minute), log)
	return adapter, store, recorder
}

func legacyConversationDoc(id string, participants ...string) model.RawDocument {
	ids := make([]interface{}, 0, len(participants))
	for _, p := range participants {
		ids = append(ids, p)
	}
	return model.RawDocument{
		"_id":                                 id,
		model.ConversationFieldParticipantIDs: ids,
		model.ConversationFieldLastMessage:    "hello",
		model.ConversationFieldMessageCount:   int64(1),
		model.ConversationFieldUpdatedAt:      time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestGetConversationNormalizesLegacyShape(t *testing.T) {
	adapter, store, _ := newConversationFixture(model.PhaseDualSchema, model.DefaultCollectionPolicy())
	store.Seed(ConversationsCollection, legacyConversationDoc("c1", "user-1", "user-2"))

	conv, err := adapter.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, conv.Participants, 2)
	assert.Equal(t, "hello", conv.LastMessage.Content)
}

func TestQueryConversationsMergesShapes(t *testing.T) {
	adapter, store, _ := newConversationFixture(model.PhaseDualSchema, model.DefaultCollectionPolicy())
	store.Seed(ConversationsCollection,
		legacyConversationDoc("c1", "user-1", "user-2"),
		model.RawDocument{
			"_id":                    "c2",
			model.SchemaVersionField: string(model.SchemaVersionNew),
			model.ConversationFieldParticipants: []interface{}{
				map[string]interface{}{"userId": "user-1"},
				map[string]interface{}{"userId": "user-3"},
			},
			model.ConversationFieldLastMessage: map[string]interface{}{
				"content": "hey", "senderId": "user-3",
			},
			model.ConversationFieldUpdatedAt: time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC),
		},
		legacyConversationDoc("c3", "user-4", "user-5"),
	)

	convs, err := adapter.QueryConversationsByParticipant(context.Background(), "user-1", 10)
	require.NoError(t, err)
	require.Len(t, convs, 2)
}

func TestRecordMessageWritesPolicySchema(t *testing.T) {
	ctx := context.Background()
	msg := model.LastMessage{Content: "new message", SenderID: "user-2"}

	// Legacy write policy keeps the legacy string encoding.
	adapter, store, recorder := newConversationFixture(model.PhaseDualSchema, model.DefaultCollectionPolicy())
	store.Seed(ConversationsCollection, legacyConversationDoc("c1", "user-1", "user-2"))

	conv, err := adapter.RecordMessage(ctx, "c1", msg)
	require.NoError(t, err)
	assert.Equal(t, int64(2), conv.MessageCount)
	stored := store.Raw(ConversationsCollection, "c1")
	assert.Equal(t, "new message", stored.StringField(model.ConversationFieldLastMessage))
	assert.Contains(t, recorder.types(), eventbus.EventTypeConversationUpdated)

	// New write policy uses the structured encoding.
	adapter2, store2, _ := newConversationFixture(model.PhaseDualSchema,
		model.CollectionPolicy{WriteSchema: model.SchemaVersionNew, ReadPreference: model.ReadPreferenceNewFirst})
	store2.Seed(ConversationsCollection, legacyConversationDoc("c1", "user-1", "user-2"))

	_, err = adapter2.RecordMessage(ctx, "c1", msg)
	require.NoError(t, err)
	last := store2.Raw(ConversationsCollection, "c1").MapField(model.ConversationFieldLastMessage)
	require.NotNil(t, last)
	assert.Equal(t, "new message", last.StringField("content"))
	assert.Equal(t, "user-2", last.StringField("senderId"))
}

func TestRecordMessageNoEffectsWhenWriteFails(t *testing.T) {
	adapter, store, recorder := newConversationFixture(model.PhaseDualSchema, model.DefaultCollectionPolicy())
	store.Seed(ConversationsCollection, legacyConversationDoc("c1", "user-1", "user-2"))
	store.FailOps["update"] = true

	_, err := adapter.RecordMessage(context.Background(), "c1", model.LastMessage{Content: "x"})
	require.Error(t, err)
	assert.Empty(t, recorder.types())
}

func TestMetricsWindow(t *testing.T) {
	m := NewMetrics(time.Minute)
	m.Observe(10*time.Millisecond, nil)
	m.Observe(20*time.Millisecond, nil)
	m.Observe(30*time.Millisecond, assert.AnError)

	assert.Equal(t, 3, m.Count())
	assert.InDelta(t, 1.0/3.0, m.ErrorRate(), 0.001)
	assert.Equal(t, 30*time.Millisecond, m.P95Latency())
}
