package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func legacyTradeDoc(id string) RawDocument {
	return RawDocument{
		"_id":                     id,
		TradeFieldTitle:           "Logo for lessons",
		TradeFieldCreatorID:       "user-1",
		TradeFieldParticipantID:   "user-2",
		TradeFieldOfferedSkills:   []interface{}{"design", "illustration"},
		TradeFieldRequestedSkills: []interface{}{"guitar"},
		TradeFieldStatus:          "open",
		TradeFieldCreatedAt:       time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC),
		TradeFieldUpdatedAt:       time.Date(2026, 1, 12, 9, 0, 0, 0, time.UTC),
	}
}

func TestNormalizeTradeLegacyShape(t *testing.T) {
	trade, err := NormalizeTrade(legacyTradeDoc("t1"))
	require.NoError(t, err)

	assert.Equal(t, "t1", trade.ID)
	assert.Equal(t, "user-1", trade.Participants.Creator)
	assert.Equal(t, "user-2", trade.Participants.Participant)
	require.Len(t, trade.SkillsOffered, 2)
	assert.Equal(t, Skill{Name: "design", Level: SkillLevelUnspecified}, trade.SkillsOffered[0])
	require.Len(t, trade.SkillsWanted, 1)
	assert.Equal(t, "guitar", trade.SkillsWanted[0].Name)
}

func TestNormalizeTradeNewShape(t *testing.T) {
	doc := RawDocument{
		"_id":              "t2",
		SchemaVersionField: string(SchemaVersionNew),
		TradeFieldParticipants: map[string]interface{}{
			"creator":     "user-1",
			"participant": "user-2",
		},
		TradeFieldSkillsOffered: []interface{}{
			map[string]interface{}{"name": "design", "level": "expert"},
		},
		TradeFieldSkillsWanted: []interface{}{
			map[string]interface{}{"name": "guitar", "level": "beginner"},
		},
		TradeFieldStatus: "open",
	}

	trade, err := NormalizeTrade(doc)
	require.NoError(t, err)
	assert.Equal(t, "user-1", trade.Participants.Creator)
	require.Len(t, trade.SkillsOffered, 1)
	assert.Equal(t, "expert", trade.SkillsOffered[0].Level)
}

func TestNormalizeTradeNewFieldsWinOverLegacy(t *testing.T) {
	// Dual-write residue: both shapes present with diverging values.
	doc := legacyTradeDoc("t3")
	doc[TradeFieldParticipants] = map[string]interface{}{
		"creator":     "user-9",
		"participant": "user-2",
	}
	doc[TradeFieldSkillsOffered] = []interface{}{
		map[string]interface{}{"name": "painting", "level": "expert"},
	}

	trade, err := NormalizeTrade(doc)
	require.NoError(t, err)
	assert.Equal(t, "user-9", trade.Participants.Creator)
	require.Len(t, trade.SkillsOffered, 1)
	assert.Equal(t, "painting", trade.SkillsOffered[0].Name)
	// Legacy-only field still used where the new shape is absent.
	assert.Equal(t, "guitar", trade.SkillsWanted[0].Name)
}

func TestNormalizeTradeMissingCreator(t *testing.T) {
	doc := RawDocument{"_id": "t4", TradeFieldStatus: "open"}
	_, err := NormalizeTrade(doc)
	assert.Error(t, err)
}

func TestNormalizeTradeMissingID(t *testing.T) {
	_, err := NormalizeTrade(RawDocument{TradeFieldCreatorID: "user-1"})
	assert.Error(t, err)
}

func TestTransformTradeProducesNewShape(t *testing.T) {
	doc := legacyTradeDoc("t5")

	set, err := TransformTrade(doc)
	require.NoError(t, err)
	require.NotNil(t, set)

	assert.Equal(t, string(SchemaVersionNew), set[SchemaVersionField])
	participants, ok := set[TradeFieldParticipants].(map[string]interface{})
	require.True(t, ok, "participants must encode as a plain map")
	assert.Equal(t, "user-1", participants["creator"])

	skills, ok := set[TradeFieldSkillsOffered].([]interface{})
	require.True(t, ok, "skills must encode as a plain slice")
	require.Len(t, skills, 2)

	// Legacy fields stay untouched for the later cleanup pass.
	_, touched := set[TradeFieldOfferedSkills]
	assert.False(t, touched)
}

func TestTransformTradeIdempotent(t *testing.T) {
	doc := legacyTradeDoc("t6")
	set, err := TransformTrade(doc)
	require.NoError(t, err)

	// Apply the transform, then transform again: nothing left to do.
	for k, v := range set {
		doc[k] = v
	}
	again, err := TransformTrade(doc)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestTransformedTradeRoundTrips(t *testing.T) {
	doc := legacyTradeDoc("t7")
	before, err := NormalizeTrade(doc)
	require.NoError(t, err)

	set, err := TransformTrade(doc)
	require.NoError(t, err)
	for k, v := range set {
		doc[k] = v
	}

	after, err := NormalizeTrade(doc)
	require.NoError(t, err)
	assert.Equal(t, before.Participants, after.Participants)
	assert.Equal(t, before.SkillsOffered, after.SkillsOffered)
	assert.Equal(t, before.SkillsWanted, after.SkillsWanted)
}

func TestTradeToDocumentBothVersions(t *testing.T) {
	trade := &Trade{
		ID:     "t8",
		Status: "open",
		Participants: TradeParticipants{
			Creator:     "user-1",
			Participant: "user-2",
		},
		SkillsOffered: []Skill{{Name: "design", Level: "expert"}},
		SkillsWanted:  []Skill{{Name: "guitar", Level: SkillLevelUnspecified}},
	}

	newDoc, err := trade.ToDocument(SchemaVersionNew)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersionNew, newDoc.SchemaVersion())
	roundTripped, err := NormalizeTrade(newDoc)
	require.NoError(t, err)
	assert.Equal(t, trade.SkillsOffered, roundTripped.SkillsOffered)

	legacyDoc, err := trade.ToDocument(SchemaVersionLegacy)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersionLegacy, legacyDoc.SchemaVersion())
	assert.Equal(t, "user-1", legacyDoc.StringField(TradeFieldCreatorID))
	// Legacy encoding keeps skill names, drops levels.
	assert.Equal(t, []string{"design"}, legacyDoc.StringSliceField(TradeFieldOfferedSkills))
}

func TestSchemaVersionDefaultsToLegacy(t *testing.T) {
	assert.Equal(t, SchemaVersionLegacy, RawDocument{"_id": "x"}.SchemaVersion())
	assert.Equal(t, SchemaVersionLegacy, RawDocument{"_id": "x", SchemaVersionField: "banana"}.SchemaVersion())
	assert.Equal(t, SchemaVersionNew, RawDocument{"_id": "x", SchemaVersionField: "2"}.SchemaVersion())
}
