package features

import (
	"math"
	"sync"
)

// rollingStats tracks a running mean/variance per embedding slot (Welford's
// algorithm) so embedding features are z-score normalized against
// everything seen so far rather than a single query, per spec.md §4.1's
// "rolling statistics" requirement.
type rollingStats struct {
	mu    sync.Mutex
	count float64
	mean  []float64
	m2    []float64
}

func newRollingStats(dim int) *rollingStats {
	return &rollingStats{mean: make([]float64, dim), m2: make([]float64, dim)}
}

func (r *rollingStats) normalize(x []float64) []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.count++
	out := make([]float64, len(x))
	for i, v := range x {
		delta := v - r.mean[i]
		r.mean[i] += delta / r.count
		delta2 := v - r.mean[i]
		r.m2[i] += delta * delta2

		variance := 0.0
		if r.count > 1 {
			variance = r.m2[i] / (r.count - 1)
		}
		sigma := math.Sqrt(variance) + 1e-6
		out[i] = (v - r.mean[i]) / sigma
	}
	return out
}
