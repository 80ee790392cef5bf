package monitor

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"time"

	"tradeya-migration/internal/migration/compat"
	"tradeya-migration/internal/migration/domain/model"
	"tradeya-migration/internal/migration/domain/repository"
	"tradeya-migration/internal/shared/logger"
)

// RegistryControl is the slice of the registry the monitor drives: it reads
// whether the dual-schema window is open, records health reports, and pulls
// the rollback lever when thresholds are crossed.
type RegistryControl interface {
	DualSchemaActive() bool
	RecordHealth(ctx context.Context, report *model.HealthReport) error
	Rollback(ctx context.Context, reason string) error
}

// ConsistencyCheck reports whether one document's legacy and new shapes agree
// on the data both encode. Only documents carrying both shapes are checked.
type ConsistencyCheck func(raw model.RawDocument) bool

// Thresholds are the rollback trigger levels, measured over the rolling
// window.
type Thresholds struct {
	ErrorRate         float64
	InconsistencyRate float64
}

// Monitor samples recently written documents and watches adapter error rates
// while the dual-schema window is open. Crossing a threshold triggers an
// automatic rollback; restoring from a backup snapshot stays a human
// decision.
type Monitor struct {
	store    repository.DocumentStore
	registry RegistryControl
	metrics  map[string]*compat.Metrics
	checks   map[string]ConsistencyCheck
	log      logger.Logger

	interval   time.Duration
	window     time.Duration
	sampleSize int64
	thresholds Thresholds
}

// NewMonitor creates a health monitor over the given per-collection adapter
// metrics and consistency checks.
func NewMonitor(store repository.DocumentStore, registry RegistryControl, metrics map[string]*compat.Metrics, log logger.Logger, interval, window time.Duration, sampleSize int64, thresholds Thresholds) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	if sampleSize <= 0 {
		sampleSize = 25
	}
	return &Monitor{
		store:      store,
		registry:   registry,
		metrics:    metrics,
		checks:     DefaultChecks(),
		log:        log.WithComponent("monitor"),
		interval:   interval,
		window:     window,
		sampleSize: sampleSize,
		thresholds: thresholds,
	}
}

// DefaultChecks returns the consistency checks for the migrated collections.
func DefaultChecks() map[string]ConsistencyCheck {
	return map[string]ConsistencyCheck{
		"trades":        TradeShapesAgree,
		"conversations": ConversationShapesAgree,
	}
}

// Start runs the periodic health check until ctx is cancelled. Checks only
// fire while the dual-schema window is open; outside it there is nothing to
// compare.
func (m *Monitor) Start(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !m.registry.DualSchemaActive() {
				continue
			}
			m.CheckAll(ctx)
		}
	}
}

// CheckAll runs one health check per monitored collection and rolls the
// migration back if any collection crosses a threshold.
func (m *Monitor) CheckAll(ctx context.Context) {
	for collection := range m.checks {
		report, err := m.Check(ctx, collection)
		if err != nil {
			m.log.WithFields(map[string]interface{}{
				"collection": collection,
			}).Errorf("Health check failed: %v", err)
			continue
		}
		if err := m.registry.RecordHealth(ctx, report); err != nil {
			m.log.Errorf("Failed to record health report: %v", err)
		}
		if reason := m.breach(report); reason != "" {
			m.log.WithFields(map[string]interface{}{
				"collection": collection,
				"reason":     reason,
			}).Warn("Health threshold crossed, triggering rollback")
			if err := m.registry.Rollback(ctx, reason); err != nil {
				m.log.Errorf("Automatic rollback failed: %v", err)
			}
			return
		}
	}
}

// Check samples recently updated documents in one collection and combines the
// inconsistency count with the adapter's rolling error rate and latency.
func (m *Monitor) Check(ctx context.Context, collection string) (*model.HealthReport, error) {
	check := m.checks[collection]

	docs, err := m.store.Sample(ctx, collection, time.Now().Add(-m.window), m.sampleSize)
	if err != nil {
		return nil, err
	}

	var inconsistencies int64
	for _, raw := range docs {
		if check != nil && !check(raw) {
			inconsistencies++
			m.log.WithFields(map[string]interface{}{
				"collection":  collection,
				"document_id": raw.ID(),
			}).Warn("Schema inconsistency detected")
		}
	}

	report := &model.HealthReport{
		Collection:         collection,
		InconsistencyCount: inconsistencies,
		SampledDocuments:   len(docs),
		CheckedAt:          time.Now(),
	}
	if metrics := m.metrics[collection]; metrics != nil {
		report.ErrorRate = metrics.ErrorRate()
		report.P95Latency = metrics.P95Latency()
	}
	return report, nil
}

// breach returns a rollback reason when the report crosses a threshold, or
// the empty string when healthy.
func (m *Monitor) breach(report *model.HealthReport) string {
	if m.thresholds.ErrorRate > 0 && report.ErrorRate > m.thresholds.ErrorRate {
		return "adapter error rate " + formatRate(report.ErrorRate) + " exceeded threshold for " + report.Collection
	}
	if m.thresholds.InconsistencyRate > 0 && report.SampledDocuments > 0 {
		rate := float64(report.InconsistencyCount) / float64(report.SampledDocuments)
		if rate > m.thresholds.InconsistencyRate {
			return "inconsistency rate " + formatRate(rate) + " exceeded threshold for " + report.Collection
		}
	}
	return ""
}

func formatRate(rate float64) string {
	return fmt.Sprintf("%.1f%%", rate*100)
}

// TradeShapesAgree compares the data both trade shapes encode: participant
// identity and skill names. Skill levels exist only in the new shape and are
// excluded from the comparison.
func TradeShapesAgree(raw model.RawDocument) bool {
	hasLegacy := raw.Has(model.TradeFieldCreatorID) || raw.Has(model.TradeFieldOfferedSkills) || raw.Has(model.TradeFieldRequestedSkills)
	hasNew := raw.Has(model.TradeFieldParticipants) || raw.Has(model.TradeFieldSkillsOffered) || raw.Has(model.TradeFieldSkillsWanted)
	if !hasLegacy || !hasNew {
		return true
	}

	if p := raw.MapField(model.TradeFieldParticipants); p != nil {
		if p.StringField("creator") != raw.StringField(model.TradeFieldCreatorID) {
			return false
		}
		if p.StringField("participant") != raw.StringField(model.TradeFieldParticipantID) {
			return false
		}
	}
	if raw.Has(model.TradeFieldSkillsOffered) && raw.Has(model.TradeFieldOfferedSkills) {
		if !sameNameSet(structuredSkillNames(raw, model.TradeFieldSkillsOffered), raw.StringSliceField(model.TradeFieldOfferedSkills)) {
			return false
		}
	}
	if raw.Has(model.TradeFieldSkillsWanted) && raw.Has(model.TradeFieldRequestedSkills) {
		if !sameNameSet(structuredSkillNames(raw, model.TradeFieldSkillsWanted), raw.StringSliceField(model.TradeFieldRequestedSkills)) {
			return false
		}
	}
	return true
}

// ConversationShapesAgree compares participant sets and the last-message
// content across shapes.
func ConversationShapesAgree(raw model.RawDocument) bool {
	if !raw.Has(model.ConversationFieldParticipantIDs) || !raw.Has(model.ConversationFieldParticipants) {
		return true
	}

	var structured []string
	for _, p := range raw.SliceField(model.ConversationFieldParticipants) {
		structured = append(structured, p.StringField("userId"))
	}
	if !sameNameSet(structured, raw.StringSliceField(model.ConversationFieldParticipantIDs)) {
		return false
	}

	// When lastMessage is structured, the legacy string form is gone from the
	// document, so content comparison only applies to the structured form
	// against itself. Nothing to check here.
	return true
}

func structuredSkillNames(raw model.RawDocument, field string) []string {
	var names []string
	for _, s := range raw.SliceField(field) {
		names = append(names, s.StringField("name"))
	}
	return names
}

func sameNameSet(a, b []string) bool {
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	if len(as) == 0 && len(bs) == 0 {
		return true
	}
	return reflect.DeepEqual(as, bs)
}
