package repository

import (
	"context"
	"time"

	"tradeya-migration/internal/migration/domain/model"
)

// FieldFilter is a set of equality conditions keyed by storage field path.
// The compatibility adapters translate logical filters into one FieldFilter
// per schema shape.
type FieldFilter map[string]interface{}

// Query is a filtered, sorted, bounded scan over one collection.
type Query struct {
	Filter     FieldFilter
	OrderBy    string
	Descending bool
	Limit      int64
}

// DocumentStore is the capability surface this subsystem requires of the
// underlying document database: point lookups, filtered/sorted scans,
// conditional writes, and stable-order batch scans. Implemented by the
// MongoDB adapter; tests use an in-memory fake.
type DocumentStore interface {
	// Get returns the raw document or errors.ErrDocumentNotFound.
	Get(ctx context.Context, collection, id string) (model.RawDocument, error)

	// Find runs a filtered query and returns raw documents.
	Find(ctx context.Context, collection string, q Query) ([]model.RawDocument, error)

	// Insert stores a new document; the document must carry an _id.
	Insert(ctx context.Context, collection string, doc model.RawDocument) error

	// Update sets fields on an existing document unconditionally.
	Update(ctx context.Context, collection, id string, set map[string]interface{}) error

	// UpdateIfSchemaVersion sets fields only if the document's schemaVersion
	// still matches expected at write time (absent counts as legacy). Returns
	// errors.ErrWriteConflict when the guard fails. This conditional write is
	// the sole synchronization between the executor and concurrent
	// application writes.
	UpdateIfSchemaVersion(ctx context.Context, collection, id string, expected model.SchemaVersion, set map[string]interface{}) error

	// UnsetFields removes fields from a document. Used by the cleanup pass.
	UnsetFields(ctx context.Context, collection, id string, fields []string) error

	// Scan returns up to limit documents with _id greater than afterID, in
	// ascending _id order. The stable ordering is what makes the executor's
	// cursor resumable under concurrent writes.
	Scan(ctx context.Context, collection, afterID string, limit int64) ([]model.RawDocument, error)

	// Count returns the number of documents matching the filter.
	Count(ctx context.Context, collection string, filter FieldFilter) (int64, error)

	// Sample returns up to limit documents updated since the given time, for
	// the health-check sampler.
	Sample(ctx context.Context, collection string, updatedSince time.Time, limit int64) ([]model.RawDocument, error)
}

// PolicyStore persists the Migration Registry's singleton state. The stored
// value is the single source of truth; in-memory copies are caches.
type PolicyStore interface {
	// Load returns the persisted state or errors.ErrNotFound when the
	// registry has never been initialized.
	Load(ctx context.Context) (*model.RegistryState, error)

	// Save replaces the persisted state.
	Save(ctx context.Context, state *model.RegistryState) error
}

// ProgressStore persists per-collection migration progress records.
type ProgressStore interface {
	// Get returns the progress record for a collection or
	// errors.ErrNotFound when no run has been recorded.
	Get(ctx context.Context, collection string) (*model.MigrationProgress, error)

	// Save upserts the progress record.
	Save(ctx context.Context, progress *model.MigrationProgress) error
}

// SnapshotStore records references to externally managed backup snapshots.
type SnapshotStore interface {
	Record(ctx context.Context, snapshot *model.BackupSnapshot) error

	// Latest returns the most recent snapshot reference or errors.ErrNotFound.
	Latest(ctx context.Context) (*model.BackupSnapshot, error)
}

// IndexInspector exposes secondary index metadata for the verifier. Metadata
// alone is not trusted: the verifier also probes query latency, because some
// stores report an index as present before it is usable.
type IndexInspector interface {
	ListIndexes(ctx context.Context, collection string) ([]model.IndexSpec, error)
}

// PolicyNotifier fans policy changes out to other processes so their registry
// caches refresh without waiting for the periodic tick.
type PolicyNotifier interface {
	PublishInvalidation(ctx context.Context, reason string) error

	// SubscribeInvalidations returns a channel that receives one message per
	// remote policy change until ctx is cancelled.
	SubscribeInvalidations(ctx context.Context) (<-chan string, error)
}
