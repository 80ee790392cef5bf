package executor

import (
	"context"
	"fmt"
	"time"

	"tradeya-migration/internal/migration/domain/model"
	"tradeya-migration/internal/migration/domain/repository"
	"tradeya-migration/internal/shared/errors"
	"tradeya-migration/internal/shared/logger"
)

// Cleaner removes the legacy-shape payload fields left in place by the
// backfill. It is deliberately a separate, later pass: legacy fields stay
// until the collection has been fully migrated, cutover has happened, and an
// observation window has passed without a rollback.
type Cleaner struct {
	store    repository.DocumentStore
	progress repository.ProgressStore
	phases   PhaseReader
	log      logger.Logger

	batchSize         int
	observationWindow time.Duration
	legacyFields      map[string][]string
}

// NewCleaner creates a cleanup pass over the given per-collection legacy
// field lists.
func NewCleaner(store repository.DocumentStore, progress repository.ProgressStore, phases PhaseReader, log logger.Logger, batchSize int, observationWindow time.Duration) *Cleaner {
	if batchSize <= 0 {
		batchSize = 500
	}
	if observationWindow <= 0 {
		observationWindow = 7 * 24 * time.Hour
	}
	return &Cleaner{
		store:             store,
		progress:          progress,
		phases:            phases,
		log:               log.WithComponent("cleanup"),
		batchSize:         batchSize,
		observationWindow: observationWindow,
		legacyFields: map[string][]string{
			"trades":        model.TradeLegacyFields(),
			"conversations": model.ConversationLegacyFields(),
		},
	}
}

// Run strips legacy fields from every migrated document in the collection and
// returns the number of documents cleaned. It refuses to run before the gate
// conditions hold, because once a field is unset there is no rolling back to
// the legacy shape.
func (c *Cleaner) Run(ctx context.Context, collection string) (int64, error) {
	fields, ok := c.legacyFields[collection]
	if !ok {
		return 0, errors.NewValidationError(fmt.Sprintf("no legacy field list for collection %q", collection))
	}
	if err := c.checkGate(ctx, collection); err != nil {
		return 0, err
	}

	var cleaned int64
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return cleaned, err
		}
		batch, err := c.store.Scan(ctx, collection, cursor, int64(c.batchSize))
		if err != nil {
			return cleaned, err
		}
		if len(batch) == 0 {
			break
		}
		for _, raw := range batch {
			if raw.SchemaVersion() != model.SchemaVersionNew {
				// A non-migrated document at this point means the completed
				// progress record lied; stop rather than destroy data.
				return cleaned, errors.NewAppError(errors.ErrorTypeInconsistency,
					fmt.Sprintf("document %s in %s is not migrated", raw.ID(), collection), 500).
					WithCause(errors.ErrInconsistencyDetected)
			}
			if !hasAnyField(raw, fields) {
				continue
			}
			if err := c.store.UnsetFields(ctx, collection, raw.ID(), fields); err != nil {
				return cleaned, err
			}
			cleaned++
		}
		cursor = batch[len(batch)-1].ID()
	}

	c.log.WithFields(map[string]interface{}{
		"collection": collection,
		"cleaned":    cleaned,
	}).Info("Legacy field cleanup completed")
	return cleaned, nil
}

// checkGate verifies the collection is safe to clean: cutover phase, backfill
// completed, and the observation window elapsed since completion.
func (c *Cleaner) checkGate(ctx context.Context, collection string) error {
	if phase := c.phases.Phase(); phase != model.PhaseCutover {
		return errors.NewAppError(errors.ErrorTypeValidation,
			fmt.Sprintf("cleanup requires the cutover phase, registry is in %s", phase), 409).
			WithCause(errors.ErrInvalidPhase)
	}
	prog, err := c.progress.Get(ctx, collection)
	if err != nil {
		if errors.IsNotFound(err) {
			return errors.NewValidationError(fmt.Sprintf("no backfill has run for %s", collection))
		}
		return err
	}
	if !prog.Done() || prog.CompletedAt == nil {
		return errors.NewValidationError(fmt.Sprintf("backfill for %s has not completed", collection))
	}
	if elapsed := time.Since(*prog.CompletedAt); elapsed < c.observationWindow {
		return errors.NewValidationError(fmt.Sprintf(
			"observation window for %s not elapsed: %s of %s", collection, elapsed.Round(time.Minute), c.observationWindow))
	}
	return nil
}

func hasAnyField(raw model.RawDocument, fields []string) bool {
	for _, f := range fields {
		if raw.Has(f) {
			return true
		}
	}
	return false
}
