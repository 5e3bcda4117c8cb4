// Package reward implements RewardPolicy: the per-model scalar feedback
// signal fed to the router after every race. Grounded on the original
// `src/runtime/reward.py` (QualityLatencyCostWeights, QualityLatencyCostPolicy,
// price-table cost fallback, fallback_penalty), adapted to spec.md §4.4's
// exact formula (reference-latency/reference-cost normalization rather
// than p95-ratio latency terms, and a configurable price table rather than
// an environment-variable JSON blob).
package reward

import (
	"encoding/json"

	"github.com/racebandit/llmrace/internal/racetypes"
)

// Weights holds the three blend coefficients. Per spec.md §4.4 they must
// each lie in [0,1] and sum to at most 1; Normalized rescales them down
// (never up) when the sum exceeds 1, matching the original's
// `normalized()` safety net.
type Weights struct {
	Quality float64
	Latency float64
	Cost    float64
}

// DefaultWeights matches spec.md §6's default w_q, w_l, w_c.
func DefaultWeights() Weights {
	return Weights{Quality: 0.8, Latency: 0.2, Cost: 0.0}
}

// Normalized returns w scaled so the three weights sum to at most 1,
// leaving w unchanged if it is already within budget.
func (w Weights) Normalized() Weights {
	total := w.Quality + w.Latency + w.Cost
	if total <= 1.0 || total <= 0 {
		return w
	}
	return Weights{
		Quality: w.Quality / total,
		Latency: w.Latency / total,
		Cost:    w.Cost / total,
	}
}

// Policy is the RewardPolicy contract: given the inputs collected for one
// model during one race, return a reward in [0,1].
type Policy interface {
	Reward(input ModelInput) float64
}

// ModelInput bundles everything QualityLatencyCostPolicy needs for one
// model in one race.
type ModelInput struct {
	Model          racetypes.ModelID
	JudgeOverall   float64 // 0 if not judged
	LatencySeconds float64
	TokensConsumed int
	QueryLength    int
	WasFallback    bool
}

// PriceTable maps a model id to USD per token; a missing entry defaults to
// 1.0 so token count itself becomes the cost proxy, per spec.md §4.4.
type PriceTable map[racetypes.ModelID]float64

// PriceFor returns the USD-per-token price for model, defaulting to 1.0
// (tokens-as-cost-proxy) when no entry is configured.
func (p PriceTable) PriceFor(model racetypes.ModelID) float64 {
	if p == nil {
		return 1.0
	}
	if v, ok := p[model]; ok {
		return v
	}
	return 1.0
}


// QualityLatencyCostPolicy is the default RewardPolicy.
type QualityLatencyCostPolicy struct {
	Weights         Weights
	FallbackPenalty float64
	LengthThreshold int
	Prices          PriceTable

	// ReferenceCostTokens is the token count whose price defines
	// reference_cost(query); spec.md ties reference_latency to query
	// length via length_threshold and leaves reference_cost similarly
	// configuration-driven, so this defaults to min_preview_tokens-scale
	// behavior set by the caller.
	ReferenceCostTokens int
}

// NewQualityLatencyCostPolicy builds a Policy. A non-positive
// lengthThreshold becomes 2000 and a non-positive referenceCostTokens
// becomes 1000; fallbackPenalty is used as given, so 0 disables it.
func NewQualityLatencyCostPolicy(weights Weights, fallbackPenalty float64, lengthThreshold int, prices PriceTable, referenceCostTokens int) *QualityLatencyCostPolicy {
	if lengthThreshold <= 0 {
		lengthThreshold = 2000
	}
	if referenceCostTokens <= 0 {
		referenceCostTokens = 1000
	}
	return &QualityLatencyCostPolicy{
		Weights:             weights.Normalized(),
		FallbackPenalty:     fallbackPenalty,
		LengthThreshold:     lengthThreshold,
		Prices:              prices,
		ReferenceCostTokens: referenceCostTokens,
	}
}

// referenceLatency scales with query length: longer queries tolerate
// higher latency before being penalized, mirroring the original's
// base=3+3*norm_len window.
func (p *QualityLatencyCostPolicy) referenceLatency(queryLength int) float64 {
	normLen := clip(float64(queryLength)/float64(p.LengthThreshold), 0, 1)
	return 3.0 + 3.0*normLen
}

// Reward implements Policy using the exact formula from spec.md §4.4.
func (p *QualityLatencyCostPolicy) Reward(in ModelInput) float64 {
	quality := clip(in.JudgeOverall, 0, 1)

	refLatency := p.referenceLatency(in.QueryLength)
	latNorm := clip(in.LatencySeconds/refLatency, 0, 1)
	latency := 1 - latNorm

	price := p.Prices.PriceFor(in.Model)
	cost := estimateCostUSD(price, in.TokensConsumed)
	refCost := estimateCostUSD(price, p.ReferenceCostTokens)
	costNorm := clip(cost/refCost, 0, 1)
	costTerm := 1 - costNorm

	r := p.Weights.Quality*quality + p.Weights.Latency*latency + p.Weights.Cost*costTerm
	if in.WasFallback {
		r -= p.FallbackPenalty
	}
	return clip(r, 0, 1)
}

// ParsePriceTableJSON decodes a {"model_id": price_per_token} JSON object,
// the shape MODEL_PRICE_USD_PER_TOKEN_JSON is documented to carry.
func ParsePriceTableJSON(raw string) (PriceTable, error) {
	var decoded map[string]float64
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, err
	}
	table := make(PriceTable, len(decoded))
	for k, v := range decoded {
		table[racetypes.ModelID(k)] = v
	}
	return table, nil
}

func estimateCostUSD(pricePerToken float64, tokens int) float64 {
	if tokens < 0 {
		tokens = 0
	}
	c := pricePerToken * float64(tokens)
	if c <= 0 {
		return 1e-9
	}
	return c
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
