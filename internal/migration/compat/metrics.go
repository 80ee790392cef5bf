package compat

import (
	"sort"
	"sync"
	"time"
)

type observation struct {
	at      time.Time
	latency time.Duration
	failed  bool
}

// Metrics is a rolling window of adapter operation outcomes. The health
// monitor reads the error rate and p95 latency off it when deciding whether
// the dual-schema window is safe to keep open.
type Metrics struct {
	mu     sync.Mutex
	window time.Duration
	obs    []observation
}

// NewMetrics creates a metrics window. A non-positive window defaults to five
// minutes.
func NewMetrics(window time.Duration) *Metrics {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Metrics{window: window}
}

// Observe records one operation outcome.
func (m *Metrics) Observe(latency time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.prune(now)
	m.obs = append(m.obs, observation{at: now, latency: latency, failed: err != nil})
}

// ErrorRate returns the fraction of failed operations in the window, or 0
// when the window is empty.
func (m *Metrics) ErrorRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune(time.Now())
	if len(m.obs) == 0 {
		return 0
	}
	failed := 0
	for _, o := range m.obs {
		if o.failed {
			failed++
		}
	}
	return float64(failed) / float64(len(m.obs))
}

// P95Latency returns the 95th percentile latency in the window.
func (m *Metrics) P95Latency() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune(time.Now())
	if len(m.obs) == 0 {
		return 0
	}
	latencies := make([]time.Duration, 0, len(m.obs))
	for _, o := range m.obs {
		latencies = append(latencies, o.latency)
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	idx := (len(latencies)*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	return latencies[idx]
}

// Count returns the number of observations currently in the window.
func (m *Metrics) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune(time.Now())
	return len(m.obs)
}

// prune drops observations older than the window. Caller holds the lock.
func (m *Metrics) prune(now time.Time) {
	cutoff := now.Add(-m.window)
	i := 0
	for i < len(m.obs) && m.obs[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.obs = append(m.obs[:0], m.obs[i:]...)
	}
}
