// Package metrics tracks per-model preview latency so the router can bias
// selection away from slow arms and the reward policy can penalize them.
// Grounded on the original `runtime/metrics.py` (bounded sample list, p95
// via percentile) and on the teacher's DSU (utils/disjoint_set/dsu.go) for
// the concurrency shape: one RWMutex guarding plain slices/maps.
package metrics

import (
	"sort"
	"sync"

	"github.com/racebandit/llmrace/internal/racetypes"
)

// DefaultCapacity is the default size of each model's latency ring.
const DefaultCapacity = 128

// LatencyMetrics is a thread-safe collection of per-model rolling preview
// latency windows.
type LatencyMetrics struct {
	mu       sync.RWMutex
	capacity int
	samples  map[racetypes.ModelID][]float64
	cacheHits map[racetypes.ModelID]int
}

// New creates a LatencyMetrics with the given per-model ring capacity. A
// capacity <= 0 falls back to DefaultCapacity.
func New(capacity int) *LatencyMetrics {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &LatencyMetrics{
		capacity:  capacity,
		samples:   make(map[racetypes.ModelID][]float64),
		cacheHits: make(map[racetypes.ModelID]int),
	}
}

// Record appends a preview latency sample for model, evicting the oldest
// sample once the ring reaches capacity. Non-positive samples are dropped:
// a cache hit or a skipped preview carries no latency information.
func (m *LatencyMetrics) Record(model racetypes.ModelID, latencySeconds float64) {
	if latencySeconds <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	arr := m.samples[model]
	arr = append(arr, latencySeconds)
	if len(arr) > m.capacity {
		arr = arr[len(arr)-m.capacity:]
	}
	m.samples[model] = arr
}

// RecordCacheHit increments the cache-hit counter for model.
func (m *LatencyMetrics) RecordCacheHit(model racetypes.ModelID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheHits[model]++
}

// CacheHits returns the cache-hit counter for model.
func (m *LatencyMetrics) CacheHits(model racetypes.ModelID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cacheHits[model]
}

// P95 returns the 95th percentile of model's recorded latencies, or 0 if no
// samples have been recorded yet.
func (m *LatencyMetrics) P95(model racetypes.ModelID) float64 {
	m.mu.RLock()
	arr := append([]float64(nil), m.samples[model]...)
	m.mu.RUnlock()

	if len(arr) == 0 {
		return 0
	}
	sort.Float64s(arr)
	idx := int(0.95 * float64(len(arr)-1))
	return arr[idx]
}

// Snapshot is an observability dump of the current per-model state.
type Snapshot struct {
	Model     racetypes.ModelID
	Samples   int
	P95       float64
	CacheHits int
}

// Snapshot returns one Snapshot per model that has recorded at least one
// sample or cache hit.
func (m *LatencyMetrics) Snapshot() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	models := make(map[racetypes.ModelID]struct{})
	for model := range m.samples {
		models[model] = struct{}{}
	}
	for model := range m.cacheHits {
		models[model] = struct{}{}
	}

	out := make([]Snapshot, 0, len(models))
	for model := range models {
		out = append(out, Snapshot{
			Model:     model,
			Samples:   len(m.samples[model]),
			P95:       m.p95Locked(model),
			CacheHits: m.cacheHits[model],
		})
	}
	return out
}

func (m *LatencyMetrics) p95Locked(model racetypes.ModelID) float64 {
	arr := append([]float64(nil), m.samples[model]...)
	if len(arr) == 0 {
		return 0
	}
	sort.Float64s(arr)
	idx := int(0.95 * float64(len(arr)-1))
	return arr[idx]
}

// NormalizedP95 computes min(1, p95/referenceLatencySeconds) for model,
// the latency-bias input used by the router's selection scoring.
func (m *LatencyMetrics) NormalizedP95(model racetypes.ModelID, referenceLatencySeconds float64) float64 {
	if referenceLatencySeconds <= 0 {
		return 0
	}
	p95 := m.P95(model)
	norm := p95 / referenceLatencySeconds
	if norm > 1 {
		norm = 1
	}
	if norm < 0 {
		norm = 0
	}
	return norm
}
