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

// ConversationsCollection is the storage collection the conversation adapter
// serves.
const ConversationsCollection = "conversations"

// ConversationAdapter is the compatibility adapter for the conversations
// collection. Same contract as the trade adapter: normalize on read, write
// per policy, dispatch effects only after the primary write commits.
type ConversationAdapter struct {
	store    repository.DocumentStore
	policies PolicyReader
	bus      eventbus.EventBusInterface
	metrics  *Metrics
	log      logger.Logger
}

// NewConversationAdapter creates a conversation adapter.
func NewConversationAdapter(store repository.DocumentStore, policies PolicyReader, bus eventbus.EventBusInterface, metrics *Metrics, log logger.Logger) *ConversationAdapter {
	return &ConversationAdapter{
		store:    store,
		policies: policies,
		bus:      bus,
		metrics:  metrics,
		log:      log.WithComponent("conversation_adapter"),
	}
}

// GetConversation returns the normalized conversation regardless of its
// stored shape.
func (a *ConversationAdapter) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	start := time.Now()
	conv, err := a.getConversation(ctx, id)
	a.metrics.Observe(time.Since(start), err)
	return conv, err
}

func (a *ConversationAdapter) getConversation(ctx context.Context, id string) (*model.Conversation, error) {
	raw, err := a.store.Get(ctx, ConversationsCollection, id)
	if err != nil {
		return nil, err
	}
	conv, err := model.NormalizeConversation(raw)
	if err != nil {
		return nil, errors.NewTransformationError(id, err)
	}
	return conv, nil
}

// QueryConversationsByParticipant returns the conversations a user belongs
// to, most recently updated first. Runs the dual-query-and-merge while both
// shapes coexist.
func (a *ConversationAdapter) QueryConversationsByParticipant(ctx context.Context, userID string, limit int64) ([]*model.Conversation, error) {
	start := time.Now()
	convs, err := a.queryByParticipant(ctx, userID, limit)
	a.metrics.Observe(time.Since(start), err)
	return convs, err
}

func (a *ConversationAdapter) queryByParticipant(ctx context.Context, userID string, limit int64) ([]*model.Conversation, error) {
	legacyQuery := repository.Query{
		Filter:     repository.FieldFilter{model.ConversationFieldParticipantIDs: userID},
		OrderBy:    model.ConversationFieldUpdatedAt,
		Descending: true,
		Limit:      limit,
	}
	newQuery := repository.Query{
		Filter:     repository.FieldFilter{"participants.userId": userID},
		OrderBy:    model.ConversationFieldUpdatedAt,
		Descending: true,
		Limit:      limit,
	}

	if !a.policies.DualSchemaActive() {
		q := legacyQuery
		if a.policies.Phase() == model.PhaseCutover {
			q = newQuery
		}
		docs, err := a.store.Find(ctx, ConversationsCollection, q)
		if err != nil {
			return nil, err
		}
		return a.normalizeConversations(docs, limit)
	}

	primary, secondary := newQuery, legacyQuery
	if a.policies.Policy(ConversationsCollection).ReadPreference == model.ReadPreferenceLegacyFirst {
		primary, secondary = legacyQuery, newQuery
	}

	primaryDocs, err := a.store.Find(ctx, ConversationsCollection, primary)
	if err != nil {
		return nil, err
	}
	secondaryDocs, err := a.store.Find(ctx, ConversationsCollection, secondary)
	if err != nil {
		return nil, err
	}
	return a.normalizeConversations(mergeByID(primaryDocs, secondaryDocs), limit)
}

// CreateConversation stores a new conversation in the schema the registry's
// write policy selects.
func (a *ConversationAdapter) CreateConversation(ctx context.Context, conv *model.Conversation) error {
	start := time.Now()
	err := a.createConversation(ctx, conv)
	a.metrics.Observe(time.Since(start), err)
	return err
}

func (a *ConversationAdapter) createConversation(ctx context.Context, conv *model.Conversation) error {
	version, err := a.writeVersion()
	if err != nil {
		return err
	}
	now := time.Now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now

	doc, err := conv.ToDocument(version)
	if err != nil {
		return errors.NewValidationError(err.Error())
	}
	if err := a.store.Insert(ctx, ConversationsCollection, doc); err != nil {
		return err
	}
	a.log.WithFields(map[string]interface{}{
		"conversation_id": conv.ID,
		"schema_version":  version,
	}).Debug("Conversation created")
	return nil
}

// RecordMessage updates the conversation's last-message summary and bumps the
// message count, guarded on the schema version observed at read time. The
// lastMessage field is shape-dependent, so the write encodes it per the
// current write policy. The conversation-updated effect is dispatched only
// after the write commits.
func (a *ConversationAdapter) RecordMessage(ctx context.Context, id string, msg model.LastMessage) (*model.Conversation, error) {
	start := time.Now()
	conv, err := a.recordMessage(ctx, id, msg)
	a.metrics.Observe(time.Since(start), err)
	return conv, err
}

func (a *ConversationAdapter) recordMessage(ctx context.Context, id string, msg model.LastMessage) (*model.Conversation, error) {
	version, err := a.writeVersion()
	if err != nil {
		return nil, err
	}

	raw, err := a.store.Get(ctx, ConversationsCollection, id)
	if err != nil {
		return nil, err
	}
	observed := raw.SchemaVersion()

	conv, err := model.NormalizeConversation(raw)
	if err != nil {
		return nil, errors.NewTransformationError(id, err)
	}

	set := map[string]interface{}{
		model.ConversationFieldMessageCount: conv.MessageCount + 1,
		model.ConversationFieldUpdatedAt:    time.Now(),
	}
	if version == model.SchemaVersionNew {
		set[model.ConversationFieldLastMessage] = map[string]interface{}{
			"content":  msg.Content,
			"senderId": msg.SenderID,
		}
	} else {
		set[model.ConversationFieldLastMessage] = msg.Content
	}

	if err := a.store.UpdateIfSchemaVersion(ctx, ConversationsCollection, id, observed, set); err != nil {
		if errors.IsConflict(err) {
			return nil, errors.NewConflictError(fmt.Sprintf("conversation %s changed concurrently", id))
		}
		return nil, err
	}

	ev := eventbus.NewBasicEventWithSource(eventbus.EventTypeConversationUpdated, id, "conversation_adapter")
	if err := a.bus.Publish(ctx, ev); err != nil {
		a.log.WithFields(map[string]interface{}{
			"conversation_id": id,
		}).Errorf("Deferred effect failed: %v", err)
	}

	conv.LastMessage = msg
	conv.MessageCount++
	return conv, nil
}

func (a *ConversationAdapter) writeVersion() (model.SchemaVersion, error) {
	policy := a.policies.Policy(ConversationsCollection)
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

func (a *ConversationAdapter) normalizeConversations(docs []model.RawDocument, limit int64) ([]*model.Conversation, error) {
	out := make([]*model.Conversation, 0, len(docs))
	for _, raw := range docs {
		conv, err := model.NormalizeConversation(raw)
		if err != nil {
			a.log.WithFields(map[string]interface{}{
				"conversation_id": raw.ID(),
			}).Warnf("Skipping unnormalizable conversation: %v", err)
			continue
		}
		out = append(out, conv)
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
	}
	return out, nil
}
