// Package config loads the race orchestrator's external configuration from
// the environment, the way the teacher's adapters load API keys: read the
// env var, fall back to a documented default. Loading never fails; values
// with no default, such as CandidateModels, are checked by the caller.
package config

import (
	"os"
	"strconv"
	"time"
)

// Strategy selects between the trivial baseline router and the LinUCB
// bandit router.
type Strategy string

const (
	StrategyBaseline Strategy = "baseline"
	StrategyBandit   Strategy = "bandit"
)

// Config holds every tunable named in the external-interfaces table.
type Config struct {
	CandidateModels []string
	JudgeModel      string
	Strategy        Strategy

	BanditAlpha  float64
	BanditRidge  float64
	BanditState  string // local file path
	StateRemoteKey string // remote KV key base name; empty means "router_state". RedisURL enables the remote backend

	LengthThreshold int
	WordThreshold   int
	EmbeddingDim    int
	EmbeddingSeed   int64

	RewardQualityWeight float64
	RewardLatencyWeight float64
	RewardCostWeight    float64
	FallbackPenalty     float64

	LatencyBiasScale float64
	ReferenceLatencySeconds float64

	AdaptiveMinScale float64
	AdaptiveMaxScale float64
	MinPreviewTokens int

	SpeculativeMinQueryLength int

	PreviewCacheTTL time.Duration

	MaxTotalFullTokens int
	MaxTotalCostUSD    float64

	PreviewTimeout time.Duration
	FullTimeout    time.Duration
	JudgeTimeout   time.Duration

	PreviewRetryLimit int
	JudgeRetryLimit   int

	MaxParallelPreviews int

	RedisURL string
}

// Default returns the configuration with every spec-mandated default
// applied, independent of the environment.
func Default() Config {
	return Config{
		Strategy:                  StrategyBaseline,
		BanditAlpha:               1.5,
		BanditRidge:               1e-2,
		BanditState:               "./router_state.json",
		LengthThreshold:           2000,
		WordThreshold:             400,
		EmbeddingDim:              0,
		EmbeddingSeed:             42,
		RewardQualityWeight:       0.8,
		RewardLatencyWeight:       0.2,
		RewardCostWeight:          0.0,
		FallbackPenalty:           0.1,
		LatencyBiasScale:          0.05,
		ReferenceLatencySeconds:   3.0,
		AdaptiveMinScale:          0.75,
		AdaptiveMaxScale:          1.5,
		MinPreviewTokens:          120,
		SpeculativeMinQueryLength: 2000,
		PreviewCacheTTL:           600 * time.Second,
		MaxTotalFullTokens:        0, // 0 == unlimited
		MaxTotalCostUSD:           0,
		PreviewTimeout:            20 * time.Second,
		FullTimeout:               90 * time.Second,
		JudgeTimeout:              30 * time.Second,
		PreviewRetryLimit:         2,
		JudgeRetryLimit:           3,
		MaxParallelPreviews:       8,
	}
}

// LoadFromEnv overlays environment variables onto the defaults. Unset
// variables leave the default untouched.
func LoadFromEnv() Config {
	cfg := Default()

	if v := os.Getenv("CANDIDATE_MODELS"); v != "" {
		cfg.CandidateModels = splitCommaList(v)
	}
	if v := os.Getenv("JUDGE_MODEL"); v != "" {
		cfg.JudgeModel = v
	}
	if v := os.Getenv("STRATEGY"); v != "" {
		cfg.Strategy = Strategy(v)
	}
	setFloat(&cfg.BanditAlpha, "BANDIT_ALPHA")
	setFloat(&cfg.BanditRidge, "BANDIT_RIDGE")
	if v := os.Getenv("BANDIT_STATE"); v != "" {
		cfg.BanditState = v
	}
	if v := os.Getenv("STATE_REMOTE_KEY"); v != "" {
		cfg.StateRemoteKey = v
	}
	setInt(&cfg.LengthThreshold, "LENGTH_THRESHOLD")
	setInt(&cfg.WordThreshold, "WORD_THRESHOLD")
	setInt(&cfg.EmbeddingDim, "EMBEDDING_DIM")
	setFloat(&cfg.RewardQualityWeight, "W_Q")
	setFloat(&cfg.RewardLatencyWeight, "W_L")
	setFloat(&cfg.RewardCostWeight, "W_C")
	setFloat(&cfg.FallbackPenalty, "FALLBACK_PENALTY")
	setFloat(&cfg.LatencyBiasScale, "LATENCY_BIAS_SCALE")
	setFloat(&cfg.AdaptiveMinScale, "ADAPTIVE_MIN_SCALE")
	setFloat(&cfg.AdaptiveMaxScale, "ADAPTIVE_MAX_SCALE")
	setInt(&cfg.SpeculativeMinQueryLength, "SPECULATIVE_MIN_QUERY_LENGTH")
	setDurationSeconds(&cfg.PreviewCacheTTL, "PREVIEW_CACHE_TTL")
	setInt(&cfg.MaxTotalFullTokens, "MAX_TOTAL_FULL_TOKENS")
	setFloat(&cfg.MaxTotalCostUSD, "MAX_TOTAL_COST_USD")
	setDurationSeconds(&cfg.PreviewTimeout, "PREVIEW_TIMEOUT")
	setDurationSeconds(&cfg.FullTimeout, "FULL_TIMEOUT")
	setDurationSeconds(&cfg.JudgeTimeout, "JUDGE_TIMEOUT")
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}

	return cfg
}

func splitCommaList(v string) []string {
	var out []string
	cur := ""
	for _, r := range v {
		if r == ',' {
			if cur != "" {
				out = append(out, cur)
				cur = ""
			}
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDurationSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = time.Duration(f * float64(time.Second))
		}
	}
}
