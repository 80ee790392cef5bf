package model

import (
	"fmt"
	"time"
)

// Conversation field names, legacy and new shape.
const (
	ConversationFieldParticipantIDs = "participantIds"
	ConversationFieldParticipants   = "participants"
	ConversationFieldLastMessage    = "lastMessage"
	ConversationFieldMessageCount   = "messageCount"
	ConversationFieldCreatedAt      = "createdAt"
	ConversationFieldUpdatedAt      = "updatedAt"
)

// ConversationParticipant is one member of a conversation in the new shape.
type ConversationParticipant struct {
	UserID string `bson:"userId" json:"userId"`
}

// LastMessage is the structured last-message summary used by the new shape.
// The legacy shape stored only the message text.
type LastMessage struct {
	Content  string `bson:"content" json:"content"`
	SenderID string `bson:"senderId,omitempty" json:"senderId,omitempty"`
}

// Conversation is the normalized conversation entity. Participant identity
// is immutable across migration.
type Conversation struct {
	ID           string                    `json:"id"`
	Participants []ConversationParticipant `json:"participants"`
	LastMessage  LastMessage               `json:"lastMessage"`
	MessageCount int64                     `json:"messageCount"`
	CreatedAt    time.Time                 `json:"createdAt"`
	UpdatedAt    time.Time                 `json:"updatedAt"`
}

// NormalizeConversation decodes a raw conversation document of either shape.
// New-shape fields win when both are present.
func NormalizeConversation(raw RawDocument) (*Conversation, error) {
	id, err := raw.RequireID()
	if err != nil {
		return nil, fmt.Errorf("conversation: %w", err)
	}

	c := &Conversation{
		ID:           id,
		MessageCount: raw.IntField(ConversationFieldMessageCount),
		CreatedAt:    raw.TimeField(ConversationFieldCreatedAt),
		UpdatedAt:    raw.TimeField(ConversationFieldUpdatedAt),
	}

	if raw.Has(ConversationFieldParticipants) {
		for _, p := range raw.SliceField(ConversationFieldParticipants) {
			if uid := p.StringField("userId"); uid != "" {
				c.Participants = append(c.Participants, ConversationParticipant{UserID: uid})
			}
		}
	} else {
		for _, uid := range raw.StringSliceField(ConversationFieldParticipantIDs) {
			c.Participants = append(c.Participants, ConversationParticipant{UserID: uid})
		}
	}
	if len(c.Participants) == 0 {
		return nil, fmt.Errorf("conversation %s: no participants", id)
	}

	if m := raw.MapField(ConversationFieldLastMessage); m != nil {
		c.LastMessage = LastMessage{
			Content:  m.StringField("content"),
			SenderID: m.StringField("senderId"),
		}
	} else {
		c.LastMessage = LastMessage{Content: raw.StringField(ConversationFieldLastMessage)}
	}

	return c, nil
}

// TransformConversation produces the new-shape fields for a legacy
// conversation document, leaving legacy fields for the cleanup pass.
func TransformConversation(raw RawDocument) (map[string]interface{}, error) {
	if raw.SchemaVersion() == SchemaVersionNew {
		return nil, nil
	}
	c, err := NormalizeConversation(raw)
	if err != nil {
		return nil, err
	}
	set := map[string]interface{}{
		SchemaVersionField:            string(SchemaVersionNew),
		ConversationFieldParticipants: encodeConversationParticipants(c.Participants),
		ConversationFieldLastMessage:  encodeLastMessage(c.LastMessage),
		ConversationFieldUpdatedAt:    time.Now(),
	}
	return set, nil
}

// ConversationLegacyFields lists the legacy payload fields removed by the
// cleanup pass. lastMessage is rewritten in place rather than removed, so it
// is not listed here.
func ConversationLegacyFields() []string {
	return []string{ConversationFieldParticipantIDs}
}

// ToDocument encodes the conversation in the requested schema version.
func (c *Conversation) ToDocument(version SchemaVersion) (RawDocument, error) {
	if c.ID == "" {
		return nil, fmt.Errorf("conversation has no ID")
	}
	if len(c.Participants) == 0 {
		return nil, fmt.Errorf("conversation %s: no participants", c.ID)
	}
	doc := RawDocument{
		"_id":                         c.ID,
		ConversationFieldCreatedAt:    c.CreatedAt,
		ConversationFieldUpdatedAt:    c.UpdatedAt,
		ConversationFieldMessageCount: c.MessageCount,
	}
	switch version {
	case SchemaVersionNew:
		doc[SchemaVersionField] = string(SchemaVersionNew)
		doc[ConversationFieldParticipants] = encodeConversationParticipants(c.Participants)
		doc[ConversationFieldLastMessage] = encodeLastMessage(c.LastMessage)
	case SchemaVersionLegacy:
		doc[SchemaVersionField] = string(SchemaVersionLegacy)
		ids := make([]string, 0, len(c.Participants))
		for _, p := range c.Participants {
			ids = append(ids, p.UserID)
		}
		doc[ConversationFieldParticipantIDs] = ids
		doc[ConversationFieldLastMessage] = c.LastMessage.Content
	default:
		return nil, fmt.Errorf("unknown schema version %q", version)
	}
	return doc, nil
}

func encodeConversationParticipants(parts []ConversationParticipant) []interface{} {
	out := make([]interface{}, 0, len(parts))
	for _, p := range parts {
		out = append(out, map[string]interface{}{"userId": p.UserID})
	}
	return out
}

func encodeLastMessage(m LastMessage) map[string]interface{} {
	return map[string]interface{}{
		"content":  m.Content,
		"senderId": m.SenderID,
	}
}
