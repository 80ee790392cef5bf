package model

import (
	"fmt"
	"time"
)

// Trade field names, legacy and new shape. During the dual-schema window a
// document may carry both sets; the new-shape field always wins.
const (
	TradeFieldCreatorID       = "creatorId"
	TradeFieldParticipantID   = "participantId"
	TradeFieldOfferedSkills   = "offeredSkills"
	TradeFieldRequestedSkills = "requestedSkills"
	TradeFieldParticipants    = "participants"
	TradeFieldSkillsOffered   = "skillsOffered"
	TradeFieldSkillsWanted    = "skillsWanted"
	TradeFieldStatus          = "status"
	TradeFieldTitle           = "title"
	TradeFieldCreatedAt       = "createdAt"
	TradeFieldUpdatedAt       = "updatedAt"
)

// SkillLevelUnspecified is assigned when a legacy skill string is upgraded to
// the structured shape; the legacy schema never recorded a level.
const SkillLevelUnspecified = "unspecified"

// Skill is the structured skill reference used by the new trade shape.
type Skill struct {
	Name  string `bson:"name" json:"name"`
	Level string `bson:"level" json:"level"`
}

// TradeParticipants groups the two sides of a trade. Creator is part of the
// document's identity and is immutable across migration.
type TradeParticipants struct {
	Creator     string `bson:"creator" json:"creator"`
	Participant string `bson:"participant,omitempty" json:"participant,omitempty"`
}

// Trade is the normalized trade entity handed to application callers. It is
// always the new shape; reads of legacy documents are normalized in memory
// and never written back.
type Trade struct {
	ID            string            `json:"id"`
	Title         string            `json:"title,omitempty"`
	Participants  TradeParticipants `json:"participants"`
	SkillsOffered []Skill           `json:"skillsOffered"`
	SkillsWanted  []Skill           `json:"skillsWanted"`
	Status        string            `json:"status"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// NormalizeTrade decodes a raw trade document of either shape into the
// normalized entity. Shape selection follows the schemaVersion tag, but
// individual new-shape fields win whenever present (dual-write residue).
func NormalizeTrade(raw RawDocument) (*Trade, error) {
	id, err := raw.RequireID()
	if err != nil {
		return nil, fmt.Errorf("trade: %w", err)
	}

	t := &Trade{
		ID:        id,
		Title:     raw.StringField(TradeFieldTitle),
		Status:    raw.StringField(TradeFieldStatus),
		CreatedAt: raw.TimeField(TradeFieldCreatedAt),
		UpdatedAt: raw.TimeField(TradeFieldUpdatedAt),
	}

	if p := raw.MapField(TradeFieldParticipants); p != nil {
		t.Participants = TradeParticipants{
			Creator:     p.StringField("creator"),
			Participant: p.StringField("participant"),
		}
	} else {
		t.Participants = TradeParticipants{
			Creator:     raw.StringField(TradeFieldCreatorID),
			Participant: raw.StringField(TradeFieldParticipantID),
		}
	}
	if t.Participants.Creator == "" {
		return nil, fmt.Errorf("trade %s: missing creator identity", id)
	}

	if raw.Has(TradeFieldSkillsOffered) {
		t.SkillsOffered = decodeSkills(raw, TradeFieldSkillsOffered)
	} else {
		t.SkillsOffered = upgradeSkillStrings(raw.StringSliceField(TradeFieldOfferedSkills))
	}
	if raw.Has(TradeFieldSkillsWanted) {
		t.SkillsWanted = decodeSkills(raw, TradeFieldSkillsWanted)
	} else {
		t.SkillsWanted = upgradeSkillStrings(raw.StringSliceField(TradeFieldRequestedSkills))
	}

	return t, nil
}

// TransformTrade produces the new-shape fields for a legacy trade document.
// Identity fields are carried over unchanged; legacy payload fields are left
// in place for the later cleanup pass. The returned map is what the executor
// sets atomically, conditioned on the document still being legacy.
func TransformTrade(raw RawDocument) (map[string]interface{}, error) {
	if raw.SchemaVersion() == SchemaVersionNew {
		return nil, nil
	}
	t, err := NormalizeTrade(raw)
	if err != nil {
		return nil, err
	}
	set := map[string]interface{}{
		SchemaVersionField:      string(SchemaVersionNew),
		TradeFieldParticipants:  encodeParticipants(t.Participants),
		TradeFieldSkillsOffered: encodeSkills(t.SkillsOffered),
		TradeFieldSkillsWanted:  encodeSkills(t.SkillsWanted),
		TradeFieldUpdatedAt:     time.Now(),
	}
	return set, nil
}

// TradeLegacyFields lists the legacy-shape payload fields removed by the
// cleanup pass once a collection is fully migrated.
func TradeLegacyFields() []string {
	return []string{
		TradeFieldCreatorID,
		TradeFieldParticipantID,
		TradeFieldOfferedSkills,
		TradeFieldRequestedSkills,
	}
}

// ToDocument encodes the trade in the requested schema version. Legacy
// encoding discards skill levels; it exists so rollback can keep writing
// documents every reader understands.
func (t *Trade) ToDocument(version SchemaVersion) (RawDocument, error) {
	if t.ID == "" {
		return nil, fmt.Errorf("trade has no ID")
	}
	if t.Participants.Creator == "" {
		return nil, fmt.Errorf("trade %s: missing creator identity", t.ID)
	}
	doc := RawDocument{
		"_id":               t.ID,
		TradeFieldTitle:     t.Title,
		TradeFieldStatus:    t.Status,
		TradeFieldCreatedAt: t.CreatedAt,
		TradeFieldUpdatedAt: t.UpdatedAt,
	}
	switch version {
	case SchemaVersionNew:
		doc[SchemaVersionField] = string(SchemaVersionNew)
		doc[TradeFieldParticipants] = encodeParticipants(t.Participants)
		doc[TradeFieldSkillsOffered] = encodeSkills(t.SkillsOffered)
		doc[TradeFieldSkillsWanted] = encodeSkills(t.SkillsWanted)
	case SchemaVersionLegacy:
		doc[SchemaVersionField] = string(SchemaVersionLegacy)
		doc[TradeFieldCreatorID] = t.Participants.Creator
		doc[TradeFieldParticipantID] = t.Participants.Participant
		doc[TradeFieldOfferedSkills] = skillNames(t.SkillsOffered)
		doc[TradeFieldRequestedSkills] = skillNames(t.SkillsWanted)
	default:
		return nil, fmt.Errorf("unknown schema version %q", version)
	}
	return doc, nil
}

func decodeSkills(raw RawDocument, field string) []Skill {
	docs := raw.SliceField(field)
	out := make([]Skill, 0, len(docs))
	for _, d := range docs {
		s := Skill{Name: d.StringField("name"), Level: d.StringField("level")}
		if s.Level == "" {
			s.Level = SkillLevelUnspecified
		}
		if s.Name != "" {
			out = append(out, s)
		}
	}
	return out
}

func upgradeSkillStrings(names []string) []Skill {
	out := make([]Skill, 0, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		out = append(out, Skill{Name: n, Level: SkillLevelUnspecified})
	}
	return out
}

// encodeParticipants and encodeSkills emit plain maps and slices so stored
// documents look identical whether they round-trip through BSON or an
// in-memory store.
func encodeParticipants(p TradeParticipants) map[string]interface{} {
	return map[string]interface{}{
		"creator":     p.Creator,
		"participant": p.Participant,
	}
}

func encodeSkills(skills []Skill) []interface{} {
	out := make([]interface{}, 0, len(skills))
	for _, s := range skills {
		out = append(out, map[string]interface{}{"name": s.Name, "level": s.Level})
	}
	return out
}

func skillNames(skills []Skill) []string {
	out := make([]string, 0, len(skills))
	for _, s := range skills {
		out = append(out, s.Name)
	}
	return out
}
