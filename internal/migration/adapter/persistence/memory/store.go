// Package memory provides in-memory implementations of the persistence
// interfaces. They back the test suites and local development without a
// running MongoDB, and mirror the semantics of the MongoDB adapters,
// including the schema-version guard on conditional writes.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"tradeya-migration/internal/migration/domain/model"
	"tradeya-migration/internal/migration/domain/repository"
	"tradeya-migration/internal/shared/errors"
)

// DocumentStore is an in-memory repository.DocumentStore. FailNextScans and
// FailOps inject store failures for resilience tests.
type DocumentStore struct {
	mu          sync.Mutex
	collections map[string]map[string]model.RawDocument

	// FailNextScans makes the next N Scan calls fail with a transient store
	// error.
	FailNextScans int

	// FailOps makes every listed operation name ("get", "update", ...) fail
	// with a transient store error.
	FailOps map[string]bool

	// ScanCalls counts Scan invocations, failed ones included.
	ScanCalls int
}

// NewDocumentStore creates an empty in-memory document store.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{
		collections: make(map[string]map[string]model.RawDocument),
		FailOps:     make(map[string]bool),
	}
}

// Seed inserts documents without going through Insert's validation.
func (s *DocumentStore) Seed(collection string, docs ...model.RawDocument) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, doc := range docs {
		s.coll(collection)[doc.ID()] = doc.Clone()
	}
}

// Raw returns a copy of one stored document for assertions.
func (s *DocumentStore) Raw(collection, id string) model.RawDocument {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.coll(collection)[id]
	if !ok {
		return nil
	}
	return doc.Clone()
}

// Len returns the number of documents in a collection.
func (s *DocumentStore) Len(collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.coll(collection))
}

func (s *DocumentStore) coll(collection string) map[string]model.RawDocument {
	c, ok := s.collections[collection]
	if !ok {
		c = make(map[string]model.RawDocument)
		s.collections[collection] = c
	}
	return c
}

func (s *DocumentStore) failure(op string) error {
	if s.FailOps[op] {
		return errors.NewInfrastructureError(op + " failed").WithCause(errors.ErrStoreUnavailable)
	}
	return nil
}

func (s *DocumentStore) Get(ctx context.Context, collection, id string) (model.RawDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("get"); err != nil {
		return nil, err
	}
	doc, ok := s.coll(collection)[id]
	if !ok {
		return nil, errors.NewNotFoundError("document").WithCause(errors.ErrDocumentNotFound)
	}
	return doc.Clone(), nil
}

func (s *DocumentStore) Find(ctx context.Context, collection string, q repository.Query) ([]model.RawDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("find"); err != nil {
		return nil, err
	}

	var out []model.RawDocument
	for _, doc := range s.coll(collection) {
		if matchesFilter(doc, q.Filter) {
			out = append(out, doc.Clone())
		}
	}
	if q.OrderBy != "" {
		sortDocs(out, q.OrderBy, q.Descending)
	} else {
		sortDocs(out, "_id", false)
	}
	if q.Limit > 0 && int64(len(out)) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *DocumentStore) Insert(ctx context.Context, collection string, doc model.RawDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("insert"); err != nil {
		return err
	}
	id := doc.ID()
	if id == "" {
		return errors.NewValidationError("document has no _id field")
	}
	if _, exists := s.coll(collection)[id]; exists {
		return errors.NewConflictError(fmt.Sprintf("document %s already exists", id))
	}
	s.coll(collection)[id] = doc.Clone()
	return nil
}

func (s *DocumentStore) Update(ctx context.Context, collection, id string, set map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("update"); err != nil {
		return err
	}
	doc, ok := s.coll(collection)[id]
	if !ok {
		return errors.NewNotFoundError("document").WithCause(errors.ErrDocumentNotFound)
	}
	applySet(doc, set)
	return nil
}

func (s *DocumentStore) UpdateIfSchemaVersion(ctx context.Context, collection, id string, expected model.SchemaVersion, set map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("update"); err != nil {
		return err
	}
	doc, ok := s.coll(collection)[id]
	if !ok {
		return errors.NewNotFoundError("document").WithCause(errors.ErrDocumentNotFound)
	}
	if doc.SchemaVersion() != expected {
		return errors.NewConflictError(fmt.Sprintf("schema version of %s changed concurrently", id))
	}
	applySet(doc, set)
	return nil
}

func (s *DocumentStore) UnsetFields(ctx context.Context, collection, id string, fields []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("unset"); err != nil {
		return err
	}
	doc, ok := s.coll(collection)[id]
	if !ok {
		return errors.NewNotFoundError("document").WithCause(errors.ErrDocumentNotFound)
	}
	for _, f := range fields {
		delete(doc, f)
	}
	return nil
}

func (s *DocumentStore) Scan(ctx context.Context, collection, afterID string, limit int64) ([]model.RawDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ScanCalls++
	if s.FailNextScans > 0 {
		s.FailNextScans--
		return nil, errors.NewInfrastructureError("scan failed").WithCause(errors.ErrStoreUnavailable)
	}
	if err := s.failure("scan"); err != nil {
		return nil, err
	}

	var out []model.RawDocument
	for id, doc := range s.coll(collection) {
		if id > afterID {
			out = append(out, doc.Clone())
		}
	}
	sortDocs(out, "_id", false)
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *DocumentStore) Count(ctx context.Context, collection string, filter repository.FieldFilter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, doc := range s.coll(collection) {
		if matchesFilter(doc, filter) {
			count++
		}
	}
	return count, nil
}

func (s *DocumentStore) Sample(ctx context.Context, collection string, updatedSince time.Time, limit int64) ([]model.RawDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("sample"); err != nil {
		return nil, err
	}
	var out []model.RawDocument
	for _, doc := range s.coll(collection) {
		if !doc.TimeField("updatedAt").Before(updatedSince) {
			out = append(out, doc.Clone())
		}
	}
	sortDocs(out, "updatedAt", true)
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

// applySet mirrors a $set update.
func applySet(doc model.RawDocument, set map[string]interface{}) {
	for k, v := range set {
		doc[k] = v
	}
}

// matchesFilter supports the dotted-path equality filters the adapters use,
// including matching inside arrays of subdocuments the way MongoDB does.
func matchesFilter(doc model.RawDocument, filter repository.FieldFilter) bool {
	for path, want := range filter {
		if !matchesPath(doc, strings.Split(path, "."), want) {
			return false
		}
	}
	return true
}

func matchesPath(value interface{}, path []string, want interface{}) bool {
	if len(path) == 0 {
		return matchesValue(value, want)
	}
	switch v := value.(type) {
	case model.RawDocument:
		return matchesPath(v[path[0]], path[1:], want)
	case map[string]interface{}:
		return matchesPath(v[path[0]], path[1:], want)
	case []interface{}:
		for _, e := range v {
			if matchesPath(e, path, want) {
				return true
			}
		}
	}
	return false
}

func matchesValue(value, want interface{}) bool {
	switch v := value.(type) {
	case []interface{}:
		for _, e := range v {
			if e == want {
				return true
			}
		}
		return false
	case []string:
		for _, e := range v {
			if e == want {
				return true
			}
		}
		return false
	default:
		return value == want
	}
}

func sortDocs(docs []model.RawDocument, field string, descending bool) {
	sort.SliceStable(docs, func(i, j int) bool {
		less := lessByField(docs[i], docs[j], field)
		if descending {
			return lessByField(docs[j], docs[i], field)
		}
		return less
	})
}

func lessByField(a, b model.RawDocument, field string) bool {
	at, bt := a.TimeField(field), b.TimeField(field)
	if !at.IsZero() || !bt.IsZero() {
		return at.Before(bt)
	}
	return a.StringField(field) < b.StringField(field)
}

// PolicyStore is an in-memory repository.PolicyStore.
type PolicyStore struct {
	mu    sync.Mutex
	state *model.RegistryState

	// SaveCalls counts writes for cache behavior assertions.
	SaveCalls int
	LoadCalls int
}

// NewPolicyStore creates an empty in-memory policy store.
func NewPolicyStore() *PolicyStore {
	return &PolicyStore{}
}

func (s *PolicyStore) Load(ctx context.Context) (*model.RegistryState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LoadCalls++
	if s.state == nil {
		return nil, errors.NewNotFoundError("migration registry state").WithCause(errors.ErrNotFound)
	}
	return s.state.Clone(), nil
}

func (s *PolicyStore) Save(ctx context.Context, state *model.RegistryState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SaveCalls++
	s.state = state.Clone()
	return nil
}

// ProgressStore is an in-memory repository.ProgressStore.
type ProgressStore struct {
	mu      sync.Mutex
	records map[string]*model.MigrationProgress

	// SaveCalls counts persisted progress commits.
	SaveCalls int
}

// NewProgressStore creates an empty in-memory progress store.
func NewProgressStore() *ProgressStore {
	return &ProgressStore{records: make(map[string]*model.MigrationProgress)}
}

func (s *ProgressStore) Get(ctx context.Context, collection string) (*model.MigrationProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.records[collection]
	if !ok {
		return nil, errors.NewNotFoundError("migration progress").WithCause(errors.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *ProgressStore) Save(ctx context.Context, progress *model.MigrationProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SaveCalls++
	cp := *progress
	s.records[progress.Collection] = &cp
	return nil
}

// SnapshotStore is an in-memory repository.SnapshotStore.
type SnapshotStore struct {
	mu        sync.Mutex
	snapshots []*model.BackupSnapshot
}

// NewSnapshotStore creates an empty in-memory snapshot store.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{}
}

func (s *SnapshotStore) Record(ctx context.Context, snapshot *model.BackupSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *snapshot
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.snapshots = append(s.snapshots, &cp)
	return nil
}

func (s *SnapshotStore) Latest(ctx context.Context) (*model.BackupSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.snapshots) == 0 {
		return nil, errors.NewNotFoundError("backup snapshot").WithCause(errors.ErrNotFound)
	}
	cp := *s.snapshots[len(s.snapshots)-1]
	return &cp, nil
}

// IndexInspector is an in-memory repository.IndexInspector serving a fixed
// index catalog.
type IndexInspector struct {
	Indexes map[string][]model.IndexSpec
}

// NewIndexInspector creates an inspector with no indexes defined.
func NewIndexInspector() *IndexInspector {
	return &IndexInspector{Indexes: make(map[string][]model.IndexSpec)}
}

func (i *IndexInspector) ListIndexes(ctx context.Context, collection string) ([]model.IndexSpec, error) {
	return i.Indexes[collection], nil
}
