package compat

import (
	"context"
	"fmt"
	"time"

	"tradeya-migration/internal/migration/domain/model"
	"tradeya-migration/internal/migration/domain/repository"
	"tradeya-migration/internal/shared/errors"
	"tradeya-migration/internal/shared/eventbus"
	"tradeya-migration/internal/shared/logger"
)

// TradesCollection is the storage collection the trade adapter serves.
const TradesCollection = "trades"

// TradeStatusCompleted triggers the completion follow-up effects.
const TradeStatusCompleted = "completed"

// PolicyReader is the slice of the registry the adapters consult on every
// request. Lookups are cached and never block.
type PolicyReader interface {
	Phase() model.Phase
	Policy(collection string) model.CollectionPolicy
	DualSchemaActive() bool
}

// TradeAdapter is the compatibility adapter for the trades collection. All
// application access to trades goes through it during the migration: reads
// normalize either shape in memory, writes follow the registry's write
// policy, and follow-up effects are dispatched only after the primary write
// has committed.
type TradeAdapter struct {
	store    repository.DocumentStore
	policies PolicyReader
	bus      eventbus.EventBusInterface
	metrics  *Metrics
	log      logger.Logger
}

// NewTradeAdapter creates a trade adapter.
func NewTradeAdapter(store repository.DocumentStore, policies PolicyReader, bus eventbus.EventBusInterface, metrics *Metrics, log logger.Logger) *TradeAdapter {
	return &TradeAdapter{
		store:    store,
		policies: policies,
		bus:      bus,
		metrics:  metrics,
		log:      log.WithComponent("trade_adapter"),
	}
}

// GetTrade returns the normalized trade regardless of its stored shape. The
// document is never rewritten on read.
func (a *TradeAdapter) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	start := time.Now()
	trade, err := a.getTrade(ctx, id)
	a.metrics.Observe(time.Since(start), err)
	return trade, err
}

func (a *TradeAdapter) getTrade(ctx context.Context, id string) (*model.Trade, error) {
	raw, err := a.store.Get(ctx, TradesCollection, id)
	if err != nil {
		return nil, err
	}
	trade, err := model.NormalizeTrade(raw)
	if err != nil {
		return nil, errors.NewTransformationError(id, err)
	}
	return trade, nil
}

// QueryTradesByCreator returns the trades created by a user. While the
// dual-schema window is open the filter matches different fields depending on
// a document's shape, so both shapes are queried and the results merged by
// document ID. Outside the window a single query in the authoritative shape
// suffices.
func (a *TradeAdapter) QueryTradesByCreator(ctx context.Context, userID string, limit int64) ([]*model.Trade, error) {
	start := time.Now()
	trades, err := a.queryTradesByCreator(ctx, userID, limit)
	a.metrics.Observe(time.Since(start), err)
	return trades, err
}

func (a *TradeAdapter) queryTradesByCreator(ctx context.Context, userID string, limit int64) ([]*model.Trade, error) {
	legacyQuery := repository.Query{
		Filter:     repository.FieldFilter{model.TradeFieldCreatorID: userID},
		OrderBy:    model.TradeFieldCreatedAt,
		Descending: true,
		Limit:      limit,
	}
	newQuery := repository.Query{
		Filter:     repository.FieldFilter{"participants.creator": userID},
		OrderBy:    model.TradeFieldCreatedAt,
		Descending: true,
		Limit:      limit,
	}

	if !a.policies.DualSchemaActive() {
		q := legacyQuery
		if a.policies.Phase() == model.PhaseCutover {
			q = newQuery
		}
		docs, err := a.store.Find(ctx, TradesCollection, q)
		if err != nil {
			return nil, err
		}
		return a.normalizeTrades(docs, limit)
	}

	primary, secondary := newQuery, legacyQuery
	if a.policies.Policy(TradesCollection).ReadPreference == model.ReadPreferenceLegacyFirst {
		primary, secondary = legacyQuery, newQuery
	}

	primaryDocs, err := a.store.Find(ctx, TradesCollection, primary)
	if err != nil {
		return nil, err
	}
	secondaryDocs, err := a.store.Find(ctx, TradesCollection, secondary)
	if err != nil {
		return nil, err
	}
	return a.normalizeTrades(mergeByID(primaryDocs, secondaryDocs), limit)
}

// CreateTrade stores a new trade in the schema the registry's write policy
// selects. The caller-supplied entity is shape-agnostic.
func (a *TradeAdapter) CreateTrade(ctx context.Context, trade *model.Trade) error {
	start := time.Now()
	err := a.createTrade(ctx, trade)
	a.metrics.Observe(time.Since(start), err)
	return err
}

func (a *TradeAdapter) createTrade(ctx context.Context, trade *model.Trade) error {
	version, err := a.writeVersion()
	if err != nil {
		return err
	}
	now := time.Now()
	if trade.CreatedAt.IsZero() {
		trade.CreatedAt = now
	}
	trade.UpdatedAt = now

	doc, err := trade.ToDocument(version)
	if err != nil {
		return errors.NewValidationError(err.Error())
	}
	if err := a.store.Insert(ctx, TradesCollection, doc); err != nil {
		return err
	}
	a.log.WithFields(map[string]interface{}{
		"trade_id":       trade.ID,
		"schema_version": version,
	}).Debug("Trade created")
	return nil
}

// UpdateTradeStatus sets a trade's status with optimistic concurrency: the
// write only lands if the document's schema version has not moved since the
// read. Follow-up effects (completion notifications, activity events) are
// dispatched strictly after the write commits; a failed write dispatches
// nothing.
func (a *TradeAdapter) UpdateTradeStatus(ctx context.Context, id, status string) (*model.Trade, error) {
	start := time.Now()
	trade, err := a.updateTradeStatus(ctx, id, status)
	a.metrics.Observe(time.Since(start), err)
	return trade, err
}

func (a *TradeAdapter) updateTradeStatus(ctx context.Context, id, status string) (*model.Trade, error) {
	raw, err := a.store.Get(ctx, TradesCollection, id)
	if err != nil {
		return nil, err
	}
	observed := raw.SchemaVersion()

	trade, err := model.NormalizeTrade(raw)
	if err != nil {
		return nil, errors.NewTransformationError(id, err)
	}

	// Effects are collected during the operation and dispatched only after
	// the conditional write succeeds.
	var deferred []eventbus.Event
	if status == TradeStatusCompleted && trade.Status != TradeStatusCompleted {
		deferred = append(deferred, eventbus.NewBasicEventWithSource(
			eventbus.EventTypeTradeCompleted, trade.ID, "trade_adapter"))
	}
	deferred = append(deferred, eventbus.NewBasicEventWithSource(
		eventbus.EventTypeTradeUpdated, trade.ID, "trade_adapter"))

	set := map[string]interface{}{
		model.TradeFieldStatus:    status,
		model.TradeFieldUpdatedAt: time.Now(),
	}
	if err := a.store.UpdateIfSchemaVersion(ctx, TradesCollection, id, observed, set); err != nil {
		if errors.IsConflict(err) {
			return nil, errors.NewConflictError(fmt.Sprintf("trade %s changed concurrently", id))
		}
		return nil, err
	}

	for _, ev := range deferred {
		if err := a.bus.Publish(ctx, ev); err != nil {
			// The primary write is already committed; effect failures are
			// logged, never rolled back.
			a.log.WithFields(map[string]interface{}{
				"trade_id": id,
				"event":    ev.Type(),
			}).Errorf("Deferred effect failed: %v", err)
		}
	}

	trade.Status = status
	return trade, nil
}

// writeVersion resolves the schema version new writes must use and rejects
// policy states that contradict the phase. A legacy write policy during
// cutover, or a new-schema policy before migration has begun, is a
// configuration bug surfaced as a policy violation rather than silently
// honored.
func (a *TradeAdapter) writeVersion() (model.SchemaVersion, error) {
	policy := a.policies.Policy(TradesCollection)
	phase := a.policies.Phase()

	switch phase {
	case model.PhaseCutover:
		if policy.WriteSchema != model.SchemaVersionNew {
			return "", errors.NewPolicyViolationError(
				"write policy requires legacy schema during cutover")
		}
	case model.PhaseNotStarted, model.PhaseRolledBack:
		if policy.WriteSchema != model.SchemaVersionLegacy {
			return "", errors.NewPolicyViolationError(
				fmt.Sprintf("write policy requires new schema in phase %s", phase))
		}
	}
	return policy.WriteSchema, nil
}

func (a *TradeAdapter) normalizeTrades(docs []model.RawDocument, limit int64) ([]*model.Trade, error) {
	out := make([]*model.Trade, 0, len(docs))
	for _, raw := range docs {
		trade, err := model.NormalizeTrade(raw)
		if err != nil {
			// One malformed document must not break the whole query.
			a.log.WithFields(map[string]interface{}{
				"trade_id": raw.ID(),
			}).Warnf("Skipping unnormalizable trade: %v", err)
			continue
		}
		out = append(out, trade)
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

// mergeByID concatenates two result sets, keeping the first occurrence of
// each document. During the dual-schema window the same document can match
// both shape-specific filters.
func mergeByID(primary, secondary []model.RawDocument) []model.RawDocument {
	seen := make(map[string]struct{}, len(primary))
	out := make([]model.RawDocument, 0, len(primary)+len(secondary))
	for _, doc := range primary {
		if id := doc.ID(); id != "" {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
		}
		out = append(out, doc)
	}
	for _, doc := range secondary {
		if id := doc.ID(); id != "" {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
		}
		out = append(out, doc)
	}
	return out
}
