package metrics

import (
	"testing"

	"github.com/racebandit/llmrace/internal/racetypes"
	"github.com/stretchr/testify/assert"
)

func TestP95EmptyIsZero(t *testing.T) {
	m := New(8)
	assert.Equal(t, 0.0, m.P95("gpt-a"))
}

func TestP95AfterSamples(t *testing.T) {
	m := New(128)
	model := racetypes.ModelID("gpt-a")
	for i := 1; i <= 100; i++ {
		m.Record(model, float64(i)/10.0)
	}
	p95 := m.P95(model)
	assert.InDelta(t, 9.5, p95, 0.11)
}

func TestRingEvictsOldest(t *testing.T) {
	m := New(4)
	model := racetypes.ModelID("gpt-a")
	for i := 1; i <= 10; i++ {
		m.Record(model, float64(i))
	}
	snap := m.Snapshot()
	assert.Len(t, snap, 1)
	assert.Equal(t, 4, snap[0].Samples)
}

func TestNonPositiveSamplesDropped(t *testing.T) {
	m := New(8)
	model := racetypes.ModelID("gpt-a")
	m.Record(model, 0)
	m.Record(model, -1)
	assert.Equal(t, 0.0, m.P95(model))
}

func TestCacheHitsCounter(t *testing.T) {
	m := New(8)
	model := racetypes.ModelID("gpt-a")
	m.RecordCacheHit(model)
	m.RecordCacheHit(model)
	assert.Equal(t, 2, m.CacheHits(model))
}

func TestNormalizedP95Clips(t *testing.T) {
	m := New(8)
	model := racetypes.ModelID("gpt-a")
	m.Record(model, 10.0)
	norm := m.NormalizedP95(model, 3.0)
	assert.Equal(t, 1.0, norm)
}
