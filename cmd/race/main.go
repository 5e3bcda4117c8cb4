// Command race is the CLI entry point: it wires every component named in
// spec.md §4 together and runs one race per line of input on stdin.
// Grounded on the teacher's `main.go` (godotenv.Load, then wiring), scaled
// up from a one-line hello-world into full dependency construction.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/racebandit/llmrace/internal/cache"
	"github.com/racebandit/llmrace/internal/config"
	"github.com/racebandit/llmrace/internal/features"
	"github.com/racebandit/llmrace/internal/judge"
	"github.com/racebandit/llmrace/internal/metrics"
	"github.com/racebandit/llmrace/internal/modelclient/httpstream"
	"github.com/racebandit/llmrace/internal/race"
	"github.com/racebandit/llmrace/internal/racetypes"
	"github.com/racebandit/llmrace/internal/reward"
	"github.com/racebandit/llmrace/internal/router"
	"github.com/racebandit/llmrace/internal/statestore"
	"github.com/racebandit/llmrace/internal/telemetry"
	"github.com/sirupsen/logrus"
)

// Exit codes per spec.md §6.
const (
	exitOK              = 0
	exitConfigError     = 2
	exitAllPreviewsFail = 3
	exitJudgeFailure    = 4
	exitBudgetExceeded  = 5
	exitAllFullFail     = 6
)

func main() {
	_ = godotenv.Load()

	log := telemetry.NewLogger(logrus.New())
	cfg := config.LoadFromEnv()
	if len(cfg.CandidateModels) == 0 {
		log.WithField("component", "main").Error("CANDIDATE_MODELS must name at least one model")
		os.Exit(exitConfigError)
	}

	orchestrator, err := build(cfg, log)
	if err != nil {
		log.WithError(err).WithField("component", "main").Error("failed to build orchestrator")
		os.Exit(exitConfigError)
	}

	candidates := make([]racetypes.ModelID, len(cfg.CandidateModels))
	for i, m := range cfg.CandidateModels {
		candidates[i] = racetypes.ModelID(m)
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		runOnce(orchestrator, candidates, line, log)
	}
}

func runOnce(o *race.Orchestrator, candidates []racetypes.ModelID, text string, log *telemetry.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	answer, summary, err := o.Run(ctx, racetypes.Query{Text: text}, candidates)
	if err != nil {
		log.WithError(err).WithField("component", "main").Error("race failed")
		os.Exit(exitCodeFor(err))
	}
	fmt.Println(answer)
	_ = summary
}

func exitCodeFor(err error) int {
	switch err.(type) {
	case *racetypes.AllPreviewsFailedError:
		return exitAllPreviewsFail
	case *racetypes.AllFullAttemptsFailedError:
		return exitAllFullFail
	case *racetypes.BudgetExceededError:
		return exitBudgetExceeded
	case *racetypes.JudgeFailureError:
		return exitJudgeFailure
	default:
		return exitConfigError
	}
}

func build(cfg config.Config, log *telemetry.Logger) (*race.Orchestrator, error) {
	endpoints := buildEndpoints(cfg.CandidateModels)
	endpoints[racetypes.ModelID(cfg.JudgeModel)] = httpstream.Endpoint{
		BaseURL: envOr("JUDGE_BASE_URL", "https://api.openai.com/v1"),
		APIKey:  os.Getenv("JUDGE_API_KEY"),
		Model:   cfg.JudgeModel,
	}
	modelClient := httpstream.New(endpoints, nil, log.Logger.Printf)

	latency := metrics.New(metrics.DefaultCapacity)
	previewCache, err := buildCache(cfg)
	if err != nil {
		return nil, err
	}

	dim := 3 + cfg.EmbeddingDim
	var embedProvider features.EmbeddingProvider
	if cfg.EmbeddingDim > 0 {
		embedProvider = features.NewVoyageProvider(os.Getenv("VOYAGEAI_API_KEY"))
	}
	extractor := features.NewExtractor(cfg.LengthThreshold, cfg.WordThreshold, cfg.EmbeddingDim, cfg.EmbeddingSeed, embedProvider, log.Logger)

	store := buildStateStore(cfg)

	var r router.Router
	if cfg.Strategy == config.StrategyBandit {
		linucb := router.NewLinUCBRouter(router.Config{
			Dim:                     dim,
			Alpha:                   cfg.BanditAlpha,
			Ridge:                   cfg.BanditRidge,
			LatencyBiasScale:        cfg.LatencyBiasScale,
			ReferenceLatencySeconds: cfg.ReferenceLatencySeconds,
		}, latency, store, log.Logger)
		linucb.Load(context.Background())
		r = linucb
	} else {
		r = router.NewBaselineRouter()
	}

	rewardPolicy := reward.NewQualityLatencyCostPolicy(
		reward.Weights{Quality: cfg.RewardQualityWeight, Latency: cfg.RewardLatencyWeight, Cost: cfg.RewardCostWeight},
		cfg.FallbackPenalty,
		cfg.LengthThreshold,
		loadPriceTable(),
		cfg.MinPreviewTokens*4,
	)

	judgeClient := judge.New(modelClient, racetypes.ModelID(cfg.JudgeModel), cfg.JudgeRetryLimit)

	params := race.Params{
		Strategy:                  string(cfg.Strategy),
		MinPreviewTokens:          cfg.MinPreviewTokens,
		LengthThreshold:           cfg.LengthThreshold,
		AdaptiveMinScale:          cfg.AdaptiveMinScale,
		AdaptiveMaxScale:          cfg.AdaptiveMaxScale,
		SpeculativeMinQueryLength: cfg.SpeculativeMinQueryLength,
		SpeculativeTopK:           2,
		MaxTotalFullTokens:        cfg.MaxTotalFullTokens,
		MaxTotalCostUSD:           cfg.MaxTotalCostUSD,
		PreviewTimeout:            cfg.PreviewTimeout,
		FullTimeout:               cfg.FullTimeout,
		JudgeTimeout:              cfg.JudgeTimeout,
		PreviewRetryLimit:         cfg.PreviewRetryLimit,
		MaxParallelPreviews:       cfg.MaxParallelPreviews,
		PriceTable:                loadPriceTable(),
	}

	return &race.Orchestrator{
		Extractor:    extractor,
		Router:       r,
		RewardPolicy: rewardPolicy,
		Latency:      latency,
		Cache:        previewCache,
		Model:        modelClient,
		Judge:        judgeClient,
		Params:       params,
		Log:          log,
	}, nil
}

func buildEndpoints(models []string) map[racetypes.ModelID]httpstream.Endpoint {
	endpoints := make(map[racetypes.ModelID]httpstream.Endpoint, len(models))
	for _, m := range models {
		endpoints[racetypes.ModelID(m)] = httpstream.Endpoint{
			BaseURL: envOr("MODEL_BASE_URL", "https://api.openai.com/v1"),
			APIKey:  os.Getenv("MODEL_API_KEY"),
			Model:   m,
		}
	}
	return endpoints
}

func buildCache(cfg config.Config) (*cache.PreviewCache, error) {
	var remote cache.Backend
	if cfg.RedisURL != "" {
		backend, err := cache.NewRedisBackend(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("preview cache redis backend: %w", err)
		}
		remote = backend
	}
	return cache.New(remote, cfg.PreviewCacheTTL), nil
}

func buildStateStore(cfg config.Config) *statestore.Store {
	var remote statestore.RemoteBackend
	remoteKey := ""
	if cfg.RedisURL != "" {
		if backend, err := statestore.NewRedisBackend(cfg.RedisURL); err == nil {
			remote = backend
			base := cfg.StateRemoteKey
			if base == "" {
				base = "router_state"
			}
			remoteKey = statestore.RemoteKey(base, 3+cfg.EmbeddingDim)
		}
	}
	return statestore.New(cfg.BanditState, remote, remoteKey)
}

func loadPriceTable() reward.PriceTable {
	raw := os.Getenv("MODEL_PRICE_USD_PER_TOKEN_JSON")
	if raw == "" {
		return nil
	}
	table, err := reward.ParsePriceTableJSON(raw)
	if err != nil {
		return nil
	}
	return table
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
