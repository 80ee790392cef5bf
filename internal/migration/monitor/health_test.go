package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"tradeya-migration/internal/migration/adapter/persistence/memory"
	"tradeya-migration/internal/migration/compat"
	"tradeya-migration/internal/migration/domain/model"
	"tradeya-migration/internal/shared/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	mu        sync.Mutex
	dual      bool
	reports   []*model.HealthReport
	rollbacks []string
}

func (f *fakeRegistry) DualSchemaActive() bool { return f.dual }

func (f *fakeRegistry) RecordHealth(ctx context.Context, report *model.HealthReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, report)
	return nil
}

func (f *fakeRegistry) Rollback(ctx context.Context, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollbacks = append(f.rollbacks, reason)
	return nil
}

func consistentTradeDoc(id string) model.RawDocument {
	return model.RawDocument{
		"_id":                           id,
		model.SchemaVersionField:        string(model.SchemaVersionNew),
		model.TradeFieldCreatorID:       "user-1",
		model.TradeFieldParticipantID:   "user-2",
		model.TradeFieldOfferedSkills:   []interface{}{"design"},
		model.TradeFieldRequestedSkills: []interface{}{"guitar"},
		model.TradeFieldParticipants: map[string]interface{}{
			"creator":     "user-1",
			"participant": "user-2",
		},
		model.TradeFieldSkillsOffered: []interface{}{
			map[string]interface{}{"name": "design", "level": "expert"},
		},
		model.TradeFieldSkillsWanted: []interface{}{
			map[string]interface{}{"name": "guitar", "level": "unspecified"},
		},
		model.TradeFieldUpdatedAt: time.Now(),
	}
}

func inconsistentTradeDoc(id string) model.RawDocument {
	doc := consistentTradeDoc(id)
	// The shapes disagree on who created the trade.
	doc[model.TradeFieldParticipants] = map[string]interface{}{
		"creator":     "somebody-else",
		"participant": "user-2",
	}
	return doc
}

func newTestMonitor(store *memory.DocumentStore, registry *fakeRegistry, metrics map[string]*compat.Metrics, thresholds Thresholds) *Monitor {
	return NewMonitor(store, registry, metrics, logger.NewLogger(),
		time.Second, 5*time.Minute, 25, thresholds)
}

func TestCheckReportsInconsistencies(t *testing.T) {
	store := memory.NewDocumentStore()
	store.Seed("trades",
		consistentTradeDoc("t1"),
		consistentTradeDoc("t2"),
		inconsistentTradeDoc("t3"),
	)

	mon := newTestMonitor(store, &fakeRegistry{dual: true}, nil, Thresholds{})
	report, err := mon.Check(context.Background(), "trades")
	require.NoError(t, err)

	assert.Equal(t, 3, report.SampledDocuments)
	assert.Equal(t, int64(1), report.InconsistencyCount)
}

func TestCheckIgnoresStaleDocuments(t *testing.T) {
	store := memory.NewDocumentStore()
	stale := consistentTradeDoc("t1")
	stale[model.TradeFieldUpdatedAt] = time.Now().Add(-24 * time.Hour)
	store.Seed("trades", stale, consistentTradeDoc("t2"))

	mon := newTestMonitor(store, &fakeRegistry{dual: true}, nil, Thresholds{})
	report, err := mon.Check(context.Background(), "trades")
	require.NoError(t, err)
	assert.Equal(t, 1, report.SampledDocuments)
}

func TestCheckAllTriggersRollbackOnInconsistencyRate(t *testing.T) {
	store := memory.NewDocumentStore()
	store.Seed("trades",
		consistentTradeDoc("t1"),
		inconsistentTradeDoc("t2"),
		inconsistentTradeDoc("t3"),
	)

	registry := &fakeRegistry{dual: true}
	mon := newTestMonitor(store, registry, nil, Thresholds{InconsistencyRate: 0.02})
	mon.CheckAll(context.Background())

	require.Len(t, registry.rollbacks, 1)
	assert.Contains(t, registry.rollbacks[0], "inconsistency rate")
	assert.NotEmpty(t, registry.reports)
}

func TestCheckAllTriggersRollbackOnErrorRate(t *testing.T) {
	store := memory.NewDocumentStore()
	store.Seed("trades", consistentTradeDoc("t1"))

	metrics := compat.NewMetrics(time.Minute)
	metrics.Observe(5*time.Millisecond, nil)
	metrics.Observe(5*time.Millisecond, assert.AnError)

	registry := &fakeRegistry{dual: true}
	mon := newTestMonitor(store, registry,
		map[string]*compat.Metrics{"trades": metrics}, Thresholds{ErrorRate: 0.05})
	mon.CheckAll(context.Background())

	require.Len(t, registry.rollbacks, 1)
	assert.Contains(t, registry.rollbacks[0], "error rate")
}

func TestCheckAllStaysQuietWhenHealthy(t *testing.T) {
	store := memory.NewDocumentStore()
	store.Seed("trades", consistentTradeDoc("t1"), consistentTradeDoc("t2"))

	registry := &fakeRegistry{dual: true}
	mon := newTestMonitor(store, registry, nil,
		Thresholds{ErrorRate: 0.05, InconsistencyRate: 0.02})
	mon.CheckAll(context.Background())

	assert.Empty(t, registry.rollbacks)
	assert.NotEmpty(t, registry.reports, "healthy checks still record reports")
}

func TestTradeShapesAgree(t *testing.T) {
	assert.True(t, TradeShapesAgree(consistentTradeDoc("t1")))
	assert.False(t, TradeShapesAgree(inconsistentTradeDoc("t1")))

	// Single-shape documents have nothing to compare.
	legacyOnly := model.RawDocument{
		"_id":                     "t2",
		model.TradeFieldCreatorID: "user-1",
	}
	assert.True(t, TradeShapesAgree(legacyOnly))

	// Diverging skill names across shapes.
	skills := consistentTradeDoc("t3")
	skills[model.TradeFieldSkillsOffered] = []interface{}{
		map[string]interface{}{"name": "welding", "level": "expert"},
	}
	assert.False(t, TradeShapesAgree(skills))
}

func TestConversationShapesAgree(t *testing.T) {
	agreeing := model.RawDocument{
		"_id":                                 "c1",
		model.ConversationFieldParticipantIDs: []interface{}{"user-1", "user-2"},
		model.ConversationFieldParticipants: []interface{}{
			map[string]interface{}{"userId": "user-2"},
			map[string]interface{}{"userId": "user-1"},
		},
	}
	assert.True(t, ConversationShapesAgree(agreeing), "participant order must not matter")

	diverging := model.RawDocument{
		"_id":                                 "c2",
		model.ConversationFieldParticipantIDs: []interface{}{"user-1", "user-2"},
		model.ConversationFieldParticipants: []interface{}{
			map[string]interface{}{"userId": "user-1"},
		},
	}
	assert.False(t, ConversationShapesAgree(diverging))
}
