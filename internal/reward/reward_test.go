package reward

import (
	"testing"

	"github.com/racebandit/llmrace/internal/racetypes"
	"github.com/stretchr/testify/assert"
)

func basePolicy() *QualityLatencyCostPolicy {
	return NewQualityLatencyCostPolicy(DefaultWeights(), 0.1, 2000, nil, 1000)
}

func TestRewardIsClippedToUnitInterval(t *testing.T) {
	p := basePolicy()
	r := p.Reward(ModelInput{Model: "gpt-a", JudgeOverall: 1.0, LatencySeconds: 0, TokensConsumed: 0})
	assert.GreaterOrEqual(t, r, 0.0)
	assert.LessOrEqual(t, r, 1.0)
}

func TestRewardIncreasesWithQuality(t *testing.T) {
	p := basePolicy()
	low := p.Reward(ModelInput{Model: "gpt-a", JudgeOverall: 0.2, LatencySeconds: 1, TokensConsumed: 100})
	high := p.Reward(ModelInput{Model: "gpt-a", JudgeOverall: 0.9, LatencySeconds: 1, TokensConsumed: 100})
	assert.Greater(t, high, low)
}

func TestRewardDecreasesWithLatency(t *testing.T) {
	p := basePolicy()
	fast := p.Reward(ModelInput{Model: "gpt-a", JudgeOverall: 0.5, LatencySeconds: 0.5, TokensConsumed: 100})
	slow := p.Reward(ModelInput{Model: "gpt-a", JudgeOverall: 0.5, LatencySeconds: 5.0, TokensConsumed: 100})
	assert.Greater(t, fast, slow)
}

func TestRewardDecreasesWithCost(t *testing.T) {
	weights := Weights{Quality: 0.2, Latency: 0.2, Cost: 0.6}
	p := NewQualityLatencyCostPolicy(weights, 0.1, 2000, nil, 1000)
	cheap := p.Reward(ModelInput{Model: "gpt-a", JudgeOverall: 0.5, LatencySeconds: 1, TokensConsumed: 10})
	expensive := p.Reward(ModelInput{Model: "gpt-a", JudgeOverall: 0.5, LatencySeconds: 1, TokensConsumed: 5000})
	assert.Greater(t, cheap, expensive)
}

func TestFallbackPenaltyReducesReward(t *testing.T) {
	p := basePolicy()
	in := ModelInput{Model: "gpt-a", JudgeOverall: 0.7, LatencySeconds: 1, TokensConsumed: 100}
	without := p.Reward(in)
	in.WasFallback = true
	with := p.Reward(in)
	assert.Less(t, with, without)
	assert.InDelta(t, without-0.1, with, 1e-9)
}

func TestWeightsNormalizedScalesDown(t *testing.T) {
	w := Weights{Quality: 1.0, Latency: 1.0, Cost: 1.0}
	n := w.Normalized()
	assert.InDelta(t, 1.0, n.Quality+n.Latency+n.Cost, 1e-9)
}

func TestWeightsNormalizedLeavesUnderBudgetAlone(t *testing.T) {
	w := Weights{Quality: 0.5, Latency: 0.2, Cost: 0.0}
	n := w.Normalized()
	assert.Equal(t, w, n)
}

func TestMissingPriceDefaultsToTokenProxy(t *testing.T) {
	weights := Weights{Quality: 0.0, Latency: 0.0, Cost: 1.0}
	p := NewQualityLatencyCostPolicy(weights, 0, 2000, nil, 1000)
	r := p.Reward(ModelInput{Model: racetypes.ModelID("unpriced"), TokensConsumed: 1000})
	assert.Less(t, r, 0.5)
}

func TestReferenceLatencyScalesWithQueryLength(t *testing.T) {
	p := basePolicy()
	short := p.Reward(ModelInput{Model: "gpt-a", JudgeOverall: 0.5, LatencySeconds: 4.0, QueryLength: 0})
	long := p.Reward(ModelInput{Model: "gpt-a", JudgeOverall: 0.5, LatencySeconds: 4.0, QueryLength: 2000})
	assert.Greater(t, long, short)
}
