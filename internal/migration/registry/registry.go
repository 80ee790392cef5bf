package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tradeya-migration/internal/migration/domain/model"
	"tradeya-migration/internal/migration/domain/repository"
	"tradeya-migration/internal/shared/errors"
	"tradeya-migration/internal/shared/eventbus"
	"tradeya-migration/internal/shared/logger"
)

// Registry is the migration registry: it owns the process-wide phase and the
// per-collection schema policies. The persisted state in the PolicyStore is
// the single source of truth; every process keeps a read-only snapshot in an
// atomic.Value so the hot-path lookups (Phase, Policy) never block and never
// touch the store.
//
// Mutations go through a mutex, write the store first, then swap the local
// snapshot, then fan the change out through the notifier so other processes
// refresh without waiting for their periodic tick.
type Registry struct {
	store    repository.PolicyStore
	notifier repository.PolicyNotifier
	bus      eventbus.EventBusInterface
	log      logger.Logger

	refreshInterval time.Duration

	mu    sync.Mutex
	cache atomic.Value // holds *model.RegistryState
}

// NewRegistry creates a registry. The notifier may be nil for single-process
// deployments and tests; the periodic refresh still bounds staleness.
func NewRegistry(store repository.PolicyStore, notifier repository.PolicyNotifier, bus eventbus.EventBusInterface, log logger.Logger, refreshInterval time.Duration) *Registry {
	if refreshInterval <= 0 {
		refreshInterval = 10 * time.Second
	}
	return &Registry{
		store:           store,
		notifier:        notifier,
		bus:             bus,
		log:             log.WithComponent("registry"),
		refreshInterval: refreshInterval,
	}
}

// Initialize loads the persisted state, creating the initial not-started state
// for the given collections when none exists yet.
func (r *Registry) Initialize(ctx context.Context, collections ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := r.store.Load(ctx)
	if err != nil {
		if !errors.IsNotFound(err) {
			return fmt.Errorf("load registry state: %w", err)
		}
		state = model.NewRegistryState(collections...)
		if err := r.store.Save(ctx, state); err != nil {
			return fmt.Errorf("initialize registry state: %w", err)
		}
		r.log.WithFields(map[string]interface{}{
			"collections": collections,
		}).Info("Initialized migration registry")
	}

	// Collections added to the config after first initialization get the
	// pre-migration default policy.
	changed := false
	for _, c := range collections {
		if _, ok := state.Policies[c]; !ok {
			state.Policies[c] = model.DefaultCollectionPolicy()
			changed = true
		}
	}
	if changed {
		state.UpdatedAt = time.Now()
		if err := r.store.Save(ctx, state); err != nil {
			return fmt.Errorf("save registry state: %w", err)
		}
	}

	r.cache.Store(state.Clone())
	return nil
}

// Start runs the periodic refresh and, when a notifier is configured, the
// invalidation subscription. It blocks until ctx is cancelled.
func (r *Registry) Start(ctx context.Context) error {
	var invalidations <-chan string
	if r.notifier != nil {
		ch, err := r.notifier.SubscribeInvalidations(ctx)
		if err != nil {
			return fmt.Errorf("subscribe policy invalidations: %w", err)
		}
		invalidations = ch
	}

	ticker := time.NewTicker(r.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				r.log.Errorf("Periodic registry refresh failed: %v", err)
			}
		case reason, ok := <-invalidations:
			if !ok {
				invalidations = nil
				continue
			}
			r.log.Debugf("Policy invalidation received: %s", reason)
			if err := r.Refresh(ctx); err != nil {
				r.log.Errorf("Registry refresh after invalidation failed: %v", err)
			}
		}
	}
}

// Refresh reloads the snapshot from the store.
func (r *Registry) Refresh(ctx context.Context) error {
	state, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("refresh registry state: %w", err)
	}
	r.cache.Store(state.Clone())
	return nil
}

// Current returns a copy of the cached state. Callers may not mutate shared
// state through it; the copy makes that impossible.
func (r *Registry) Current() *model.RegistryState {
	state, _ := r.cache.Load().(*model.RegistryState)
	if state == nil {
		return model.NewRegistryState()
	}
	return state.Clone()
}

// Phase returns the cached migration phase.
func (r *Registry) Phase() model.Phase {
	state, _ := r.cache.Load().(*model.RegistryState)
	if state == nil {
		return model.PhaseNotStarted
	}
	return state.Phase
}

// Policy returns the cached policy for a collection. Untracked collections get
// the pre-migration default, so callers never need a nil check.
func (r *Registry) Policy(collection string) model.CollectionPolicy {
	state, _ := r.cache.Load().(*model.RegistryState)
	if state == nil {
		return model.DefaultCollectionPolicy()
	}
	return state.Policy(collection)
}

// DualSchemaActive reports whether reads must consider both shapes.
func (r *Registry) DualSchemaActive() bool {
	state, _ := r.cache.Load().(*model.RegistryState)
	return state != nil && state.DualSchemaActive()
}

// SetPhase advances the migration phase. Illegal transitions return
// ErrInvalidPhase; the verifying -> dual-schema transition additionally
// requires a passing verification result on record.
func (r *Registry) SetPhase(ctx context.Context, next model.Phase) error {
	if !next.IsValid() {
		return errors.NewValidationError(fmt.Sprintf("unknown phase %q", next))
	}

	err := r.mutate(ctx, fmt.Sprintf("phase:%s", next), func(state *model.RegistryState) error {
		if !state.Phase.CanTransitionTo(next) {
			return errors.NewAppError(errors.ErrorTypeValidation,
				fmt.Sprintf("illegal phase transition %s -> %s", state.Phase, next), 409).
				WithCause(errors.ErrInvalidPhase)
		}
		if state.Phase == model.PhaseVerifying && next == model.PhaseDualSchema {
			if state.LastVerification == nil || !state.LastVerification.Ready {
				return errors.NewVerificationError("cannot enter dual-schema: environment has not passed index verification")
			}
		}
		if next == model.PhaseRolledBack {
			rollbackPolicies(state)
		}
		state.Phase = next
		return nil
	})
	if err != nil {
		return err
	}

	r.log.WithFields(map[string]interface{}{"phase": next}).Info("Migration phase changed")
	r.bus.PublishAndForget(ctx, eventbus.NewBasicEventWithSource(
		eventbus.EventTypeMigrationPhaseChange, string(next), "registry"))
	return nil
}

// SetWriteSchema changes which schema version a collection's adapter writes.
// Only meaningful while both shapes coexist.
func (r *Registry) SetWriteSchema(ctx context.Context, collection string, version model.SchemaVersion) error {
	if !version.IsValid() {
		return errors.NewValidationError(fmt.Sprintf("unknown schema version %q", version))
	}
	return r.mutate(ctx, fmt.Sprintf("write-schema:%s", collection), func(state *model.RegistryState) error {
		p := state.Policy(collection)
		p.WriteSchema = version
		state.Policies[collection] = p
		return nil
	})
}

// SetReadPreference changes which shape a collection's queries treat as
// primary during the dual-schema window.
func (r *Registry) SetReadPreference(ctx context.Context, collection string, pref model.ReadPreference) error {
	if pref != model.ReadPreferenceLegacyFirst && pref != model.ReadPreferenceNewFirst {
		return errors.NewValidationError(fmt.Sprintf("unknown read preference %q", pref))
	}
	return r.mutate(ctx, fmt.Sprintf("read-preference:%s", collection), func(state *model.RegistryState) error {
		p := state.Policy(collection)
		p.ReadPreference = pref
		state.Policies[collection] = p
		return nil
	})
}

// RecordVerification stores the latest index readiness result. A failing
// result keeps the verifying -> dual-schema gate closed.
func (r *Registry) RecordVerification(ctx context.Context, result *model.VerificationResult) error {
	return r.mutate(ctx, "verification", func(state *model.RegistryState) error {
		state.LastVerification = result
		return nil
	})
}

// RecordHealth stores the latest health-check report.
func (r *Registry) RecordHealth(ctx context.Context, report *model.HealthReport) error {
	return r.mutate(ctx, "health", func(state *model.RegistryState) error {
		state.LastHealthCheck = report
		return nil
	})
}

// Rollback moves the migration to rolled-back and reverts every collection to
// legacy writes and legacy-first reads. Documents already carrying new-shape
// fields stay as they are; the new shape is a superset, so legacy readers keep
// working.
func (r *Registry) Rollback(ctx context.Context, reason string) error {
	err := r.mutate(ctx, "rollback", func(state *model.RegistryState) error {
		if state.Phase == model.PhaseNotStarted {
			return errors.NewAppError(errors.ErrorTypeValidation,
				"cannot roll back: migration has not started", 409).
				WithCause(errors.ErrInvalidPhase)
		}
		state.Phase = model.PhaseRolledBack
		rollbackPolicies(state)
		return nil
	})
	if err != nil {
		return err
	}

	r.log.WithFields(map[string]interface{}{"reason": reason}).Warn("Migration rolled back")
	r.bus.PublishAndForget(ctx, eventbus.NewBasicEventWithSource(
		eventbus.EventTypeRollbackTriggered, reason, "registry"))
	return nil
}

// mutate applies fn to a copy of the persisted state, saves it, swaps the
// cache, and publishes an invalidation. Persist-then-swap keeps the cache a
// strict follower of the store.
func (r *Registry) mutate(ctx context.Context, reason string, fn func(*model.RegistryState) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load registry state: %w", err)
	}
	if err := fn(state); err != nil {
		return err
	}
	state.UpdatedAt = time.Now()

	if err := r.store.Save(ctx, state); err != nil {
		return fmt.Errorf("save registry state: %w", err)
	}
	r.cache.Store(state.Clone())

	if r.notifier != nil {
		if err := r.notifier.PublishInvalidation(ctx, reason); err != nil {
			// Peers fall back to their periodic refresh.
			r.log.Warnf("Failed to publish policy invalidation: %v", err)
		}
	}
	return nil
}

func rollbackPolicies(state *model.RegistryState) {
	for c, p := range state.Policies {
		p.WriteSchema = model.SchemaVersionLegacy
		p.ReadPreference = model.ReadPreferenceLegacyFirst
		state.Policies[c] = p
	}
}
