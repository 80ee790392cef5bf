package model

import "time"

// IndexKey is one component of a secondary index definition.
type IndexKey struct {
	Field      string `bson:"field" json:"field"`
	Descending bool   `bson:"descending,omitempty" json:"descending,omitempty"`
}

// IndexSpec describes a secondary index required by a new-schema query.
type IndexSpec struct {
	Name       string     `bson:"name" json:"name"`
	Collection string     `bson:"collection" json:"collection"`
	Keys       []IndexKey `bson:"keys" json:"keys"`
}

// VerificationResult is the outcome of an index readiness check. Ready=false
// is a hard gate: the Registry refuses the verifying -> dual-schema
// transition while it holds.
type VerificationResult struct {
	Environment    string      `bson:"environment" json:"environment"`
	Ready          bool        `bson:"ready" json:"ready"`
	MissingIndexes []IndexSpec `bson:"missing_indexes,omitempty" json:"missingIndexes,omitempty"`
	SlowQueries    []string    `bson:"slow_queries,omitempty" json:"slowQueries,omitempty"`
	CheckedAt      time.Time   `bson:"checked_at" json:"checkedAt"`
}

// HealthReport is one health-check observation for a collection during the
// dual-schema window.
type HealthReport struct {
	Collection         string        `bson:"collection" json:"collection"`
	ErrorRate          float64       `bson:"error_rate" json:"errorRate"`
	P95Latency         time.Duration `bson:"p95_latency" json:"p95Latency"`
	InconsistencyCount int64         `bson:"inconsistency_count" json:"inconsistencyCount"`
	SampledDocuments   int           `bson:"sampled_documents" json:"sampledDocuments"`
	CheckedAt          time.Time     `bson:"checked_at" json:"checkedAt"`
}
