package router

import (
	"context"
	"math"
	"testing"

	"github.com/racebandit/llmrace/internal/racetypes"
	"github.com/racebandit/llmrace/internal/statestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestBaselineSelectReturnsOrderUnchanged(t *testing.T) {
	b := NewBaselineRouter()
	candidates := []racetypes.ModelID{"c", "a", "b"}
	out := b.Select(context.Background(), nil, candidates, 0)
	assert.Equal(t, candidates, out)
}

func TestBaselineBulkUpdateIsNoOp(t *testing.T) {
	b := NewBaselineRouter()
	b.BulkUpdate(context.Background(), nil, map[racetypes.ModelID]float64{"a": 1}, "a")
	assert.False(t, b.Load(context.Background()))
}

func newTestRouter(t *testing.T, dim int) *LinUCBRouter {
	t.Helper()
	store := statestore.New(t.TempDir()+"/state.json", nil, "")
	return NewLinUCBRouter(Config{Dim: dim, Alpha: 1.5, Ridge: 1e-2}, nil, store, nil)
}

func TestSelectOrdersByDescendingScore(t *testing.T) {
	r := newTestRouter(t, 3)
	x := racetypes.ContextVector{1, 0.5, 0.2}
	models := []racetypes.ModelID{"a", "b"}

	r.BulkUpdate(context.Background(), x, map[racetypes.ModelID]float64{"a": 1.0, "b": 0.0}, "a")
	out := r.Select(context.Background(), x, models, 0)
	require.Len(t, out, 2)
	assert.Equal(t, racetypes.ModelID("a"), out[0])
}

func TestSelectIsStableOnTies(t *testing.T) {
	r := newTestRouter(t, 2)
	x := racetypes.ContextVector{1, 0}
	models := []racetypes.ModelID{"z", "y", "x"}
	out := r.Select(context.Background(), x, models, 0)
	// All arms start identical (zero evidence), so insertion order among
	// candidates with equal score must be preserved.
	assert.Equal(t, models, out)
}

func TestSelectRespectsTopK(t *testing.T) {
	r := newTestRouter(t, 2)
	x := racetypes.ContextVector{1, 0}
	models := []racetypes.ModelID{"a", "b", "c"}
	out := r.Select(context.Background(), x, models, 2)
	assert.Len(t, out, 2)
}

func TestSelectSkipsInactiveArms(t *testing.T) {
	r := newTestRouter(t, 2)
	x := racetypes.ContextVector{1, 0}
	r.BulkUpdate(context.Background(), x, map[racetypes.ModelID]float64{"a": 0.0, "b": 1.0}, "b")
	r.Prune(0, 1.1) // impossible win rate threshold, deactivates everything with >=0 trials
	out := r.Select(context.Background(), x, []racetypes.ModelID{"a", "b"}, 0)
	assert.Empty(t, out)
}

func TestBulkUpdateIncrementsTrialsAndWins(t *testing.T) {
	r := newTestRouter(t, 2)
	x := racetypes.ContextVector{1, 0}
	r.BulkUpdate(context.Background(), x, map[racetypes.ModelID]float64{"a": 1.0, "b": 0.5}, "a")

	r.mu.RLock()
	aArm := r.arms["a"]
	bArm := r.arms["b"]
	r.mu.RUnlock()

	assert.Equal(t, 1, aArm.trials)
	assert.Equal(t, 1, aArm.wins)
	assert.Equal(t, 1, bArm.trials)
	assert.Equal(t, 0, bArm.wins)
}

func TestSaveLoadRoundTripsArms(t *testing.T) {
	dim := 3
	store := statestore.New(t.TempDir()+"/state.json", nil, "")
	r1 := NewLinUCBRouter(Config{Dim: dim, Alpha: 1.5, Ridge: 1e-2}, nil, store, nil)
	x := racetypes.ContextVector{1, 0.3, 0.1}
	r1.BulkUpdate(context.Background(), x, map[racetypes.ModelID]float64{"a": 0.8}, "a")

	r2 := NewLinUCBRouter(Config{Dim: dim, Alpha: 1.5, Ridge: 1e-2}, nil, store, nil)
	ok := r2.Load(context.Background())
	require.True(t, ok)

	r2.mu.RLock()
	_, exists := r2.arms["a"]
	r2.mu.RUnlock()
	assert.True(t, exists)
}

func TestLoadDimensionMismatchReturnsFalse(t *testing.T) {
	store := statestore.New(t.TempDir()+"/state.json", nil, "")
	r1 := NewLinUCBRouter(Config{Dim: 2, Alpha: 1.5, Ridge: 1e-2}, nil, store, nil)
	r1.BulkUpdate(context.Background(), racetypes.ContextVector{1, 0}, map[racetypes.ModelID]float64{"a": 1}, "a")

	r2 := NewLinUCBRouter(Config{Dim: 5, Alpha: 1.5, Ridge: 1e-2}, nil, store, nil)
	ok := r2.Load(context.Background())
	assert.False(t, ok)
}

func TestDecayInflatesUncertaintyAndShrinksEvidence(t *testing.T) {
	r := newTestRouter(t, 2)
	x := racetypes.ContextVector{1, 1}
	r.BulkUpdate(context.Background(), x, map[racetypes.ModelID]float64{"a": 1.0}, "a")

	r.mu.RLock()
	bBefore := append([]float64(nil), r.arms["a"].b.RawVector().Data...)
	r.mu.RUnlock()

	r.Decay(0.5)

	r.mu.RLock()
	bAfter := r.arms["a"].b.RawVector().Data
	r.mu.RUnlock()

	for i := range bBefore {
		assert.InDelta(t, bBefore[i]*0.5, bAfter[i], 1e-9)
	}
}

func TestBulkUpdateSkipsDegenerateUpdate(t *testing.T) {
	// A zero context vector makes s == 1 (no degeneracy) for a fresh arm;
	// this test instead checks that repeated large-magnitude updates never
	// panic and trial count still advances even under near-degenerate s.
	r := newTestRouter(t, 2)
	x := racetypes.ContextVector{1e6, 1e6}
	assert.NotPanics(t, func() {
		for i := 0; i < 5; i++ {
			r.BulkUpdate(context.Background(), x, map[racetypes.ModelID]float64{"a": 1.0}, "a")
		}
	})
	r.mu.RLock()
	trials := r.arms["a"].trials
	r.mu.RUnlock()
	assert.Equal(t, 5, trials)
}

func TestMismatchedContextDimensionIsNoOp(t *testing.T) {
	r := newTestRouter(t, 3)
	out := r.Select(context.Background(), racetypes.ContextVector{1, 0}, []racetypes.ModelID{"a"}, 0)
	assert.Nil(t, out)
}

// TestLinUCBLearnsLengthFavoringArm trains on 50 synthetic rounds where
// arm "a" earns reward ~1.0 for long-query contexts (length_norm > 1) and
// arm "b" earns reward ~1.0 for short-query contexts (length_norm < 1),
// then checks that a 4000-char query (length_norm clipped to 2) selects
// "a" first.
func TestLinUCBLearnsLengthFavoringArm(t *testing.T) {
	r := newTestRouter(t, 2)
	models := []racetypes.ModelID{"a", "b"}
	longCtx := racetypes.ContextVector{1, 2.0}
	shortCtx := racetypes.ContextVector{1, 0.2}

	for i := 0; i < 50; i++ {
		r.BulkUpdate(context.Background(), longCtx, map[racetypes.ModelID]float64{"a": 1.0, "b": 0.0}, "a")
		r.BulkUpdate(context.Background(), shortCtx, map[racetypes.ModelID]float64{"a": 0.0, "b": 1.0}, "b")
	}

	queryLengthNorm := math.Min(float64(4000)/float64(2000), 2.0)
	out := r.Select(context.Background(), racetypes.ContextVector{1, queryLengthNorm}, models, 0)
	require.Len(t, out, 2)
	assert.Equal(t, racetypes.ModelID("a"), out[0])
}

// TestBulkUpdateSingleStepRecoversReward is S3: starting from fresh
// state, a single update with (x=[1,0,0], r=0.5) must leave theta-hat
// dotted with x approximately equal to 0.5.
func TestBulkUpdateSingleStepRecoversReward(t *testing.T) {
	r := newTestRouter(t, 3)
	x := racetypes.ContextVector{1, 0, 0}

	r.BulkUpdate(context.Background(), x, map[racetypes.ModelID]float64{"a": 0.5}, "a")

	r.mu.RLock()
	a := r.arms["a"]
	theta := mat.NewVecDense(r.dim, nil)
	theta.MulVec(a.aInv, a.b)
	xVec := mat.NewVecDense(r.dim, x)
	estimate := mat.Dot(theta, xVec)
	r.mu.RUnlock()

	assert.InDelta(t, 0.5, estimate, 0.02)
}
