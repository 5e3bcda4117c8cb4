// Package router implements the Router abstraction: BaselineRouter (a
// pass-through control arm) and LinUCBRouter (the contextual bandit).
// Grounded on the original `src/routing/baseline.py` and
// `src/routing_linucb.py` (`_ensure`, `select`, `update`, `decay`), adapted
// to spec.md §4.2/§4.3's exact scoring/update algorithm and to Go's
// explicit locking idiom as shown in the teacher's
// `utils/disjoint_set/dsu.go` (an RWMutex-guarded struct with
// locked/unlocked method pairs).
package router

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/racebandit/llmrace/internal/racetypes"
	"github.com/racebandit/llmrace/internal/statestore"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// Router is the interface RaceOrchestrator drives, satisfied by both
// BaselineRouter and LinUCBRouter.
type Router interface {
	Select(ctx context.Context, x racetypes.ContextVector, candidates []racetypes.ModelID, topK int) []racetypes.ModelID
	BulkUpdate(ctx context.Context, x racetypes.ContextVector, rewards map[racetypes.ModelID]float64, topRanked racetypes.ModelID)
	Save(ctx context.Context) error
	Load(ctx context.Context) bool
}

// BaselineRouter returns candidates unchanged and never learns. Grounded
// on `routing/baseline.py`'s BaselineRouter: used as a control arm and as
// the fallback when bandit state is unavailable.
type BaselineRouter struct{}

// NewBaselineRouter constructs a BaselineRouter.
func NewBaselineRouter() *BaselineRouter { return &BaselineRouter{} }

// Select implements Router.
func (b *BaselineRouter) Select(_ context.Context, _ racetypes.ContextVector, candidates []racetypes.ModelID, topK int) []racetypes.ModelID {
	if topK <= 0 || topK >= len(candidates) {
		return append([]racetypes.ModelID(nil), candidates...)
	}
	return append([]racetypes.ModelID(nil), candidates[:topK]...)
}

// BulkUpdate implements Router; the baseline never learns.
func (b *BaselineRouter) BulkUpdate(context.Context, racetypes.ContextVector, map[racetypes.ModelID]float64, racetypes.ModelID) {
}

// Save implements Router; there is no state to persist.
func (b *BaselineRouter) Save(context.Context) error { return nil }

// Load implements Router; there is never saved state to load.
func (b *BaselineRouter) Load(context.Context) bool { return false }

// LatencySource supplies the per-model normalized p95 latency used for the
// selection-time latency bias, so the router package never depends
// directly on internal/metrics' concrete type.
type LatencySource interface {
	NormalizedP95(model racetypes.ModelID, referenceLatencySeconds float64) float64
}

// arm holds one candidate's learned state. AInv and B are the live gonum
// views; the exported snapshot form lives in racetypes.ArmState.
type arm struct {
	aInv   *mat.Dense // d x d
	b      *mat.VecDense
	trials int
	wins   int
	active bool
}

// LinUCBRouter is the contextual bandit described in spec.md §4.2.
type LinUCBRouter struct {
	mu   sync.RWMutex
	dim  int
	arms map[racetypes.ModelID]*arm
	// order records the order in which arms were created or loaded; Select
	// breaks ties by position in its candidates list, not by this order.
	order []racetypes.ModelID

	alpha            float64
	ridge            float64
	latencyBiasScale float64
	referenceLatency float64
	latency          LatencySource
	store            *statestore.Store
	log              *logrus.Logger
}

// Config bundles LinUCBRouter construction parameters, matching the
// configuration surface in spec.md §6.
type Config struct {
	Dim                     int
	Alpha                   float64
	Ridge                   float64
	LatencyBiasScale        float64
	ReferenceLatencySeconds float64
}

// NewLinUCBRouter constructs a router with no prior state; callers should
// call Load before the first Select to pick up any persisted state.
func NewLinUCBRouter(cfg Config, latency LatencySource, store *statestore.Store, log *logrus.Logger) *LinUCBRouter {
	if log == nil {
		log = logrus.New()
	}
	ridge := cfg.Ridge
	if ridge <= 0 {
		ridge = 1e-2
	}
	return &LinUCBRouter{
		dim:              cfg.Dim,
		arms:             make(map[racetypes.ModelID]*arm),
		alpha:            cfg.Alpha,
		ridge:            ridge,
		latencyBiasScale: cfg.LatencyBiasScale,
		referenceLatency: cfg.ReferenceLatencySeconds,
		latency:          latency,
		store:            store,
		log:              log,
	}
}

// ensureLocked lazily initializes an arm; the caller must hold mu for
// writing. Mirrors `_ensure` in routing_linucb.py: A_inv = (1/ridge)*I.
func (r *LinUCBRouter) ensureLocked(model racetypes.ModelID) *arm {
	if a, ok := r.arms[model]; ok {
		return a
	}
	aInv := mat.NewDense(r.dim, r.dim, nil)
	for i := 0; i < r.dim; i++ {
		aInv.Set(i, i, 1.0/r.ridge)
	}
	a := &arm{
		aInv:   aInv,
		b:      mat.NewVecDense(r.dim, nil),
		active: true,
	}
	r.arms[model] = a
	r.order = append(r.order, model)
	return a
}

type scored struct {
	model racetypes.ModelID
	score float64
	rank  int // position in the candidates list, for stable tie-breaks
}

// Select implements the scoring algorithm from spec.md §4.2 steps 1-5.
func (r *LinUCBRouter) Select(_ context.Context, x racetypes.ContextVector, candidates []racetypes.ModelID, topK int) []racetypes.ModelID {
	if len(candidates) == 0 || r.dim == 0 || len(x) != r.dim {
		return nil
	}
	xVec := mat.NewVecDense(r.dim, x)

	r.mu.Lock()
	results := make([]scored, 0, len(candidates))
	for i, model := range candidates {
		a := r.ensureLocked(model)
		if !a.active {
			continue
		}

		theta := mat.NewVecDense(r.dim, nil)
		theta.MulVec(a.aInv, a.b)
		mean := mat.Dot(theta, xVec)

		var tmp mat.VecDense
		tmp.MulVec(a.aInv, xVec)
		quad := mat.Dot(xVec, &tmp)
		if quad < 0 {
			quad = 0
		}
		uncertainty := math.Sqrt(quad)

		score := mean + r.alpha*uncertainty
		if r.latency != nil && r.referenceLatency > 0 {
			score -= r.latencyBiasScale * r.latency.NormalizedP95(model, r.referenceLatency)
		}
		results = append(results, scored{model: model, score: score, rank: i})
	}
	r.mu.Unlock()

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].rank < results[j].rank
	})

	if topK > 0 && topK < len(results) {
		results = results[:topK]
	}
	out := make([]racetypes.ModelID, len(results))
	for i, s := range results {
		out[i] = s.model
	}
	return out
}

// BulkUpdate implements the Sherman-Morrison update from spec.md §4.2.
// topRanked receives a win-counter increment; all listed models receive a
// trial-counter increment.
func (r *LinUCBRouter) BulkUpdate(ctx context.Context, x racetypes.ContextVector, rewards map[racetypes.ModelID]float64, topRanked racetypes.ModelID) {
	if r.dim == 0 || len(x) != r.dim {
		return
	}
	xVec := mat.NewVecDense(r.dim, x)

	r.mu.Lock()
	for model, reward := range rewards {
		a := r.ensureLocked(model)

		var v mat.VecDense
		v.MulVec(a.aInv, xVec)
		s := 1 + mat.Dot(xVec, &v)
		if s <= 0 {
			r.log.WithFields(logrus.Fields{"component": "router", "model": model, "s": s}).Warn("numerical anomaly, skipping update")
			a.trials++
			continue
		}

		var outer mat.Dense
		outer.Outer(1.0/s, &v, &v)
		a.aInv.Sub(a.aInv, &outer)

		var scaled mat.VecDense
		scaled.ScaleVec(reward, xVec)
		a.b.AddVec(a.b, &scaled)

		a.trials++
		if model == topRanked {
			a.wins++
		}
	}
	r.mu.Unlock()

	if err := r.Save(ctx); err != nil {
		r.log.WithError(err).WithField("component", "router").Error("failed to persist router state")
	}
}

// Decay inflates uncertainty and discounts accumulated evidence across
// every arm, per spec.md §4.2: A_inv *= 1/factor, b *= factor.
func (r *LinUCBRouter) Decay(factor float64) {
	if factor <= 0 || factor > 1 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.arms {
		a.aInv.Scale(1.0/factor, a.aInv)
		a.b.ScaleVec(factor, a.b)
	}
}

// Prune deactivates arms that have at least minTrials trials and a win
// rate below minWinRate. Arms with fewer than minTrials trials are left
// active.
func (r *LinUCBRouter) Prune(minTrials int, minWinRate float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.arms {
		if a.trials < minTrials {
			continue
		}
		winRate := 0.0
		if a.trials > 0 {
			winRate = float64(a.wins) / float64(a.trials)
		}
		if winRate < minWinRate {
			a.active = false
		}
	}
}

// Save persists the router's current arm states.
func (r *LinUCBRouter) Save(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	r.mu.RLock()
	state := r.snapshotLocked()
	r.mu.RUnlock()
	return r.store.Save(ctx, state)
}

// Load restores persisted state for this router's configured dimension.
// A version or dimension mismatch is treated as cold-start, per spec.md
// §4.2's "context dimension mismatch on load ⇒ discard state".
func (r *LinUCBRouter) Load(ctx context.Context) bool {
	if r.store == nil {
		return false
	}
	state, ok := r.store.Load(ctx, r.dim)
	if !ok {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.arms = make(map[racetypes.ModelID]*arm, len(state.Arms))
	r.order = r.order[:0]
	for model, as := range state.Arms {
		if len(as.AInv) != r.dim*r.dim || len(as.B) != r.dim {
			continue
		}
		a := &arm{
			aInv:   mat.NewDense(r.dim, r.dim, append([]float64(nil), as.AInv...)),
			b:      mat.NewVecDense(r.dim, append([]float64(nil), as.B...)),
			trials: as.Trials,
			wins:   as.Wins,
			active: true,
		}
		r.arms[model] = a
		r.order = append(r.order, model)
	}
	return true
}

func (r *LinUCBRouter) snapshotLocked() *racetypes.RouterState {
	arms := make(map[racetypes.ModelID]*racetypes.ArmState, len(r.arms))
	for model, a := range r.arms {
		arms[model] = &racetypes.ArmState{
			AInv:   append([]float64(nil), a.aInv.RawMatrix().Data...),
			B:      append([]float64(nil), a.b.RawVector().Data...),
			Trials: a.trials,
			Wins:   a.wins,
			Active: a.active,
		}
	}
	return &racetypes.RouterState{
		Version:   statestore.CurrentVersion,
		Dim:       r.dim,
		Arms:      arms,
		UpdatedAt: time.Now(),
	}
}
