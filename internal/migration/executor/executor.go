package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tradeya-migration/internal/migration/domain/model"
	"tradeya-migration/internal/migration/domain/repository"
	"tradeya-migration/internal/shared/errors"
	"tradeya-migration/internal/shared/logger"

	"github.com/google/uuid"
)

// TransformFunc produces the new-shape $set for one raw document, or nil when
// the document needs no work.
type TransformFunc func(raw model.RawDocument) (map[string]interface{}, error)

// PhaseReader is the slice of the registry the executor consults before and
// during a run.
type PhaseReader interface {
	Phase() model.Phase
}

// Options configures a run of the batch migration executor.
type Options struct {
	BatchSize      int
	Workers        int
	MaxRetries     int
	RetryBaseDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 500 * time.Millisecond
	}
	return o
}

// Executor runs the idempotent, resumable backfill of one collection at a
// time. Batches are sequential; documents within a batch fan out to a bounded
// worker pool, so no two workers ever hold the same document. The progress
// cursor is committed after each batch and never inside one, which is what
// makes a crashed run resume from the last completed batch.
type Executor struct {
	store      repository.DocumentStore
	progress   repository.ProgressStore
	phases     PhaseReader
	log        logger.Logger
	opts       Options
	transforms map[string]TransformFunc

	mu     sync.Mutex
	paused map[string]*atomic.Bool
}

// NewExecutor creates an executor over the given per-collection transforms.
func NewExecutor(store repository.DocumentStore, progress repository.ProgressStore, phases PhaseReader, log logger.Logger, opts Options, transforms map[string]TransformFunc) *Executor {
	return &Executor{
		store:      store,
		progress:   progress,
		phases:     phases,
		log:        log.WithComponent("executor"),
		opts:       opts.withDefaults(),
		transforms: transforms,
		paused:     make(map[string]*atomic.Bool),
	}
}

// DefaultTransforms maps the migrated collections to their transforms.
func DefaultTransforms() map[string]TransformFunc {
	return map[string]TransformFunc{
		"trades":        model.TransformTrade,
		"conversations": model.TransformConversation,
	}
}

// Pause asks the running backfill for a collection to stop after the batch it
// is currently processing. The committed cursor makes a later Run resume
// where it left off.
func (e *Executor) Pause(collection string) {
	e.pauseFlag(collection).Store(true)
}

func (e *Executor) pauseFlag(collection string) *atomic.Bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	flag, ok := e.paused[collection]
	if !ok {
		flag = &atomic.Bool{}
		e.paused[collection] = flag
	}
	return flag
}

// Run executes the backfill for one collection until it completes, pauses,
// fails, or ctx is cancelled. Running twice is safe: migrated documents are
// recognized by their schemaVersion tag and skipped, and a prior run's cursor
// is picked up when its record is resumable.
func (e *Executor) Run(ctx context.Context, collection string) (*model.MigrationProgress, error) {
	transform, ok := e.transforms[collection]
	if !ok {
		return nil, errors.NewValidationError(fmt.Sprintf("no transform registered for collection %q", collection))
	}
	if phase := e.phases.Phase(); phase != model.PhaseBackfilling {
		return nil, errors.NewAppError(errors.ErrorTypeValidation,
			fmt.Sprintf("backfill requires the backfilling phase, registry is in %s", phase), 409).
			WithCause(errors.ErrInvalidPhase)
	}

	prog, err := e.loadOrStartRun(ctx, collection)
	if err != nil {
		return nil, err
	}

	pause := e.pauseFlag(collection)

	runLog := e.log.WithFields(map[string]interface{}{
		"collection": collection,
		"run_id":     prog.RunID,
	})
	runLog.WithFields(map[string]interface{}{
		"cursor":     prog.Cursor,
		"batch_size": e.opts.BatchSize,
	}).Info("Backfill run started")

	for {
		if err := ctx.Err(); err != nil {
			return e.persistState(ctx, prog, model.RunStatePaused, "")
		}
		// The swap consumes the pause request, so the next Run proceeds.
		if pause.CompareAndSwap(true, false) {
			runLog.Info("Backfill paused")
			return e.persistState(ctx, prog, model.RunStatePaused, "")
		}

		batch, err := e.scanWithRetry(ctx, collection, prog.Cursor)
		if err != nil {
			runLog.Errorf("Backfill failed: %v", err)
			if _, saveErr := e.persistState(ctx, prog, model.RunStateFailed, err.Error()); saveErr != nil {
				runLog.Errorf("Failed to persist failed run state: %v", saveErr)
			}
			return prog, err
		}
		if len(batch) == 0 {
			break
		}

		migrated, skipped, failed := e.processBatch(ctx, collection, transform, batch)
		prog.Migrated += migrated
		prog.Skipped += skipped
		prog.Failed += failed
		prog.Cursor = batch[len(batch)-1].ID()

		// The cursor commit is the batch boundary. A crash after this point
		// resumes at the next batch; a crash before it replays this batch,
		// which is harmless because migrated documents are skipped.
		if _, err := e.persistState(ctx, prog, model.RunStateRunning, ""); err != nil {
			return prog, err
		}

		runLog.WithFields(map[string]interface{}{
			"cursor":   prog.Cursor,
			"migrated": prog.Migrated,
			"skipped":  prog.Skipped,
			"failed":   prog.Failed,
		}).Debug("Batch committed")
	}

	runLog.WithFields(map[string]interface{}{
		"migrated": prog.Migrated,
		"skipped":  prog.Skipped,
		"failed":   prog.Failed,
	}).Info("Backfill run completed")
	return e.persistState(ctx, prog, model.RunStateCompleted, "")
}

// loadOrStartRun resumes a resumable prior run or starts a fresh one.
func (e *Executor) loadOrStartRun(ctx context.Context, collection string) (*model.MigrationProgress, error) {
	prev, err := e.progress.Get(ctx, collection)
	if err != nil && !errors.IsNotFound(err) {
		return nil, fmt.Errorf("load progress for %s: %w", collection, err)
	}
	if prev != nil {
		if prev.Done() {
			return nil, errors.NewAppError(errors.ErrorTypeValidation,
				fmt.Sprintf("backfill for %s already completed", collection), 409).
				WithCause(errors.ErrRunNotResumable)
		}
		if prev.Resumable() {
			e.log.WithFields(map[string]interface{}{
				"collection": collection,
				"run_id":     prev.RunID,
				"cursor":     prev.Cursor,
			}).Info("Resuming prior backfill run")
			return prev, nil
		}
	}
	return &model.MigrationProgress{
		Collection: collection,
		RunID:      uuid.New().String(),
		State:      model.RunStateRunning,
		StartedAt:  time.Now(),
	}, nil
}

// processBatch migrates one batch through the worker pool and returns the
// migrated, skipped, and failed counts.
func (e *Executor) processBatch(ctx context.Context, collection string, transform TransformFunc, batch []model.RawDocument) (int64, int64, int64) {
	var migrated, skipped, failed int64

	docs := make(chan model.RawDocument)
	var wg sync.WaitGroup
	for i := 0; i < e.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for raw := range docs {
				switch e.migrateDocument(ctx, collection, transform, raw) {
				case outcomeMigrated:
					atomic.AddInt64(&migrated, 1)
				case outcomeSkipped:
					atomic.AddInt64(&skipped, 1)
				case outcomeFailed:
					atomic.AddInt64(&failed, 1)
				}
			}
		}()
	}
	for _, raw := range batch {
		docs <- raw
	}
	close(docs)
	wg.Wait()

	return migrated, skipped, failed
}

type outcome int

const (
	outcomeMigrated outcome = iota
	outcomeSkipped
	outcomeFailed
)

// migrateDocument transforms and conditionally writes one document. A
// concurrent writer advancing the schema version first is not an error: the
// document is skipped this pass and the next run finds it already migrated.
func (e *Executor) migrateDocument(ctx context.Context, collection string, transform TransformFunc, raw model.RawDocument) outcome {
	id := raw.ID()
	if raw.SchemaVersion() == model.SchemaVersionNew {
		return outcomeSkipped
	}

	set, err := transform(raw)
	if err != nil {
		e.log.WithFields(map[string]interface{}{
			"collection":  collection,
			"document_id": id,
		}).Warnf("Document transformation failed: %v", err)
		return outcomeFailed
	}
	if set == nil {
		return outcomeSkipped
	}

	err = e.store.UpdateIfSchemaVersion(ctx, collection, id, model.SchemaVersionLegacy, set)
	if err != nil {
		if errors.IsConflict(err) {
			e.log.WithFields(map[string]interface{}{
				"collection":  collection,
				"document_id": id,
			}).Debug("Concurrent write won, skipping document")
			return outcomeSkipped
		}
		e.log.WithFields(map[string]interface{}{
			"collection":  collection,
			"document_id": id,
		}).Warnf("Document write failed: %v", err)
		return outcomeFailed
	}
	return outcomeMigrated
}

// scanWithRetry reads the next batch, retrying transient store failures with
// exponential backoff before giving up.
func (e *Executor) scanWithRetry(ctx context.Context, collection, afterID string) ([]model.RawDocument, error) {
	var lastErr error
	delay := e.opts.RetryBaseDelay
	for attempt := 0; attempt <= e.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			e.log.WithFields(map[string]interface{}{
				"collection": collection,
				"attempt":    attempt,
				"delay":      delay.String(),
			}).Warn("Retrying batch scan")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		batch, err := e.store.Scan(ctx, collection, afterID, int64(e.opts.BatchSize))
		if err == nil {
			return batch, nil
		}
		lastErr = err
		if !errors.IsStoreUnavailable(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("batch scan exhausted %d retries: %w", e.opts.MaxRetries, lastErr)
}

// persistState saves the progress record in the given state and returns it.
func (e *Executor) persistState(ctx context.Context, prog *model.MigrationProgress, state model.RunState, lastErr string) (*model.MigrationProgress, error) {
	prog.State = state
	prog.LastError = lastErr
	prog.UpdatedAt = time.Now()
	if state == model.RunStateCompleted {
		now := time.Now()
		prog.CompletedAt = &now
	}
	if err := e.progress.Save(ctx, prog); err != nil {
		return prog, fmt.Errorf("persist progress for %s: %w", prog.Collection, err)
	}
	return prog, nil
}
