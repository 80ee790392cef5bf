package model

import (
	"fmt"
	"time"
)

// SchemaVersion tags a document with the field layout it uses.
type SchemaVersion string

const (
	// SchemaVersionLegacy is the original document shape. A document with no
	// schemaVersion field is implicitly legacy.
	SchemaVersionLegacy SchemaVersion = "1"

	// SchemaVersionNew is the target document shape.
	SchemaVersionNew SchemaVersion = "2"
)

// SchemaVersionField is the marker field carried by every migrated document.
const SchemaVersionField = "schemaVersion"

// IsValid reports whether v is a known schema version.
func (v SchemaVersion) IsValid() bool {
	return v == SchemaVersionLegacy || v == SchemaVersionNew
}

// RawDocument is the untyped wire shape of a stored document. The
// compatibility adapters decode it into a typed entity; the executor rewrites
// it in place.
type RawDocument map[string]interface{}

// ID returns the document's identifier, or "" if absent.
func (d RawDocument) ID() string {
	return d.StringField("_id")
}

// SchemaVersion returns the document's schema version tag. An absent or
// unrecognized tag means the document is still on the legacy shape.
func (d RawDocument) SchemaVersion() SchemaVersion {
	if v, ok := d[SchemaVersionField].(string); ok {
		if sv := SchemaVersion(v); sv.IsValid() {
			return sv
		}
	}
	return SchemaVersionLegacy
}

// Has reports whether the field is present, regardless of its value.
func (d RawDocument) Has(field string) bool {
	_, ok := d[field]
	return ok
}

// StringField returns the field as a string, or "" when absent or mistyped.
func (d RawDocument) StringField(field string) string {
	if v, ok := d[field].(string); ok {
		return v
	}
	return ""
}

// StringSliceField returns the field as a slice of strings. Both []string and
// []interface{} encodings are accepted because BSON decoding produces the
// latter.
func (d RawDocument) StringSliceField(field string) []string {
	switch v := d[field].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// MapField returns the field as a nested document, or nil.
func (d RawDocument) MapField(field string) RawDocument {
	switch v := d[field].(type) {
	case RawDocument:
		return v
	case map[string]interface{}:
		return RawDocument(v)
	}
	return nil
}

// SliceField returns the field as a slice of nested documents.
func (d RawDocument) SliceField(field string) []RawDocument {
	raw, ok := d[field].([]interface{})
	if !ok {
		return nil
	}
	out := make([]RawDocument, 0, len(raw))
	for _, e := range raw {
		switch m := e.(type) {
		case RawDocument:
			out = append(out, m)
		case map[string]interface{}:
			out = append(out, RawDocument(m))
		}
	}
	return out
}

// TimeField returns the field as a time.Time, or the zero time.
func (d RawDocument) TimeField(field string) time.Time {
	if v, ok := d[field].(time.Time); ok {
		return v
	}
	return time.Time{}
}

// IntField returns the field as an int64, accepting the numeric types BSON
// decoding can produce.
func (d RawDocument) IntField(field string) int64 {
	switch v := d[field].(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// Clone returns a shallow copy. Enough for transforms that only replace
// top-level fields.
func (d RawDocument) Clone() RawDocument {
	out := make(RawDocument, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// RequireID returns the document ID or an error when the document has none.
func (d RawDocument) RequireID() (string, error) {
	id := d.ID()
	if id == "" {
		return "", fmt.Errorf("document has no _id field")
	}
	return id, nil
}
