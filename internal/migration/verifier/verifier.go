package verifier

import (
	"context"
	"fmt"
	"time"

	"tradeya-migration/internal/migration/domain/model"
	"tradeya-migration/internal/migration/domain/repository"
	"tradeya-migration/internal/shared/errors"
	"tradeya-migration/internal/shared/logger"
)

// QueryProbe is one representative new-schema query the verifier times
// against the live store. Index metadata alone is not trusted: a store can
// report an index as present while it is still building, and only the probe
// catches that.
type QueryProbe struct {
	Name          string
	Collection    string
	RequiredIndex model.IndexSpec
	Filter        repository.FieldFilter
	OrderBy       string
	Descending    bool
}

// Verifier checks that every index the new schema's queries depend on exists
// and actually serves queries within the latency threshold. A failing result
// keeps the registry's verifying -> dual-schema gate closed.
type Verifier struct {
	inspector repository.IndexInspector
	store     repository.DocumentStore
	log       logger.Logger

	probes           []QueryProbe
	latencyThreshold time.Duration
	probeLimit       int64
}

// NewVerifier creates a verifier over the given probe catalog.
func NewVerifier(inspector repository.IndexInspector, store repository.DocumentStore, log logger.Logger, probes []QueryProbe, latencyThreshold time.Duration, probeLimit int64) *Verifier {
	if latencyThreshold <= 0 {
		latencyThreshold = 250 * time.Millisecond
	}
	if probeLimit <= 0 {
		probeLimit = 20
	}
	return &Verifier{
		inspector:        inspector,
		store:            store,
		log:              log.WithComponent("verifier"),
		probes:           probes,
		latencyThreshold: latencyThreshold,
		probeLimit:       probeLimit,
	}
}

// DefaultProbes returns the probe catalog for the trades and conversations
// collections: the queries the new-shape read paths issue in production.
func DefaultProbes() []QueryProbe {
	return []QueryProbe{
		{
			Name:       "trades-by-creator",
			Collection: "trades",
			RequiredIndex: model.IndexSpec{
				Name:       "trades_participants_creator_createdAt",
				Collection: "trades",
				Keys: []model.IndexKey{
					{Field: "participants.creator"},
					{Field: "createdAt", Descending: true},
				},
			},
			Filter:     repository.FieldFilter{"participants.creator": "probe-user"},
			OrderBy:    "createdAt",
			Descending: true,
		},
		{
			Name:       "trades-by-offered-skill",
			Collection: "trades",
			RequiredIndex: model.IndexSpec{
				Name:       "trades_skillsOffered_name",
				Collection: "trades",
				Keys: []model.IndexKey{
					{Field: "skillsOffered.name"},
				},
			},
			Filter: repository.FieldFilter{"skillsOffered.name": "probe-skill"},
		},
		{
			Name:       "conversations-by-participant",
			Collection: "conversations",
			RequiredIndex: model.IndexSpec{
				Name:       "conversations_participants_userId_updatedAt",
				Collection: "conversations",
				Keys: []model.IndexKey{
					{Field: "participants.userId"},
					{Field: "updatedAt", Descending: true},
				},
			},
			Filter:     repository.FieldFilter{"participants.userId": "probe-user"},
			OrderBy:    "updatedAt",
			Descending: true,
		},
	}
}

// Verify runs the full readiness check for the given environment. The result
// is returned even when not ready; the caller records it on the registry. An
// error is returned only for infrastructure failures, which count as
// not-ready rather than passed.
func (v *Verifier) Verify(ctx context.Context, environment string) (*model.VerificationResult, error) {
	result := &model.VerificationResult{
		Environment: environment,
		Ready:       true,
		CheckedAt:   time.Now(),
	}

	indexCache := make(map[string][]model.IndexSpec)

	for _, probe := range v.probes {
		indexes, ok := indexCache[probe.Collection]
		if !ok {
			var err error
			indexes, err = v.inspector.ListIndexes(ctx, probe.Collection)
			if err != nil {
				return nil, errors.NewInfrastructureError(
					fmt.Sprintf("list indexes for %s", probe.Collection)).WithCause(err)
			}
			indexCache[probe.Collection] = indexes
		}

		if !hasCoveringIndex(indexes, probe.RequiredIndex) {
			v.log.WithFields(map[string]interface{}{
				"probe":      probe.Name,
				"collection": probe.Collection,
				"index":      probe.RequiredIndex.Name,
			}).Warn("Required index missing")
			result.Ready = false
			result.MissingIndexes = append(result.MissingIndexes, probe.RequiredIndex)
			continue
		}

		elapsed, err := v.timeProbe(ctx, probe)
		if err != nil {
			return nil, errors.NewInfrastructureError(
				fmt.Sprintf("probe query %s", probe.Name)).WithCause(err)
		}
		if elapsed > v.latencyThreshold {
			v.log.WithFields(map[string]interface{}{
				"probe":     probe.Name,
				"elapsed":   elapsed.String(),
				"threshold": v.latencyThreshold.String(),
			}).Warn("Probe query exceeded latency threshold")
			result.Ready = false
			result.SlowQueries = append(result.SlowQueries, probe.Name)
			// An over-threshold probe means the index is not serving queries,
			// whatever the metadata claims. Report it missing so the operator
			// sees which index to rebuild.
			result.MissingIndexes = append(result.MissingIndexes, probe.RequiredIndex)
		}
	}

	if result.Ready {
		v.log.WithFields(map[string]interface{}{"environment": environment}).
			Info("Index verification passed")
	} else {
		v.log.WithFields(map[string]interface{}{
			"environment": environment,
			"missing":     len(result.MissingIndexes),
			"slow":        len(result.SlowQueries),
		}).Warn("Index verification failed")
	}
	return result, nil
}

func (v *Verifier) timeProbe(ctx context.Context, probe QueryProbe) (time.Duration, error) {
	start := time.Now()
	_, err := v.store.Find(ctx, probe.Collection, repository.Query{
		Filter:     probe.Filter,
		OrderBy:    probe.OrderBy,
		Descending: probe.Descending,
		Limit:      v.probeLimit,
	})
	if err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// hasCoveringIndex reports whether any existing index has the required keys
// as a prefix, in order, with matching directions.
func hasCoveringIndex(existing []model.IndexSpec, required model.IndexSpec) bool {
	for _, idx := range existing {
		if len(idx.Keys) < len(required.Keys) {
			continue
		}
		match := true
		for i, key := range required.Keys {
			if idx.Keys[i].Field != key.Field || idx.Keys[i].Descending != key.Descending {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
