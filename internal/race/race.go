// Package race implements RaceOrchestrator, the state machine from
// spec.md §4.10: SELECT -> PREVIEW -> JUDGE -> FULL -> REWARD -> DONE,
// with a FAILED transition on unrecoverable error. Grounded on the
// original `src/race/race.py` (`_adaptive_preview_tokens`,
// `_select_models_for_strategy`, the speculative-top-2-vs-sequential-
// fallback split, `asyncio.wait(..., FIRST_COMPLETED)` winner/loser
// cancellation), adapted to Go's goroutine+context cancellation idiom and
// to spec.md's exact parameter set and tie-break rules.
package race

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/racebandit/llmrace/internal/cache"
	"github.com/racebandit/llmrace/internal/features"
	"github.com/racebandit/llmrace/internal/judge"
	"github.com/racebandit/llmrace/internal/metrics"
	"github.com/racebandit/llmrace/internal/modelclient"
	"github.com/racebandit/llmrace/internal/racetypes"
	"github.com/racebandit/llmrace/internal/retry"
	"github.com/racebandit/llmrace/internal/reward"
	"github.com/racebandit/llmrace/internal/router"
	"github.com/racebandit/llmrace/internal/telemetry"
)

// Params bundles every race-level configuration knob from spec.md §6 that
// isn't owned by a constituent component.
type Params struct {
	Strategy                  string
	MinPreviewTokens          int
	LengthThreshold           int
	AdaptiveMinScale          float64
	AdaptiveMaxScale          float64
	SpeculativeMinQueryLength int
	SpeculativeTopK           int
	MaxTotalFullTokens        int
	MaxTotalCostUSD           float64
	PreviewTimeout            time.Duration
	FullTimeout               time.Duration
	JudgeTimeout              time.Duration
	PreviewRetryLimit         int
	MaxParallelPreviews       int
	PriceTable                reward.PriceTable
}

// DefaultParams matches spec.md §6's defaults.
func DefaultParams() Params {
	return Params{
		Strategy:                  "baseline",
		MinPreviewTokens:          120,
		LengthThreshold:           2000,
		AdaptiveMinScale:          0.75,
		AdaptiveMaxScale:          1.5,
		SpeculativeMinQueryLength: 2000,
		SpeculativeTopK:           2,
		PreviewTimeout:            20 * time.Second,
		FullTimeout:               90 * time.Second,
		JudgeTimeout:              30 * time.Second,
		PreviewRetryLimit:         2,
		MaxParallelPreviews:       8,
	}
}

// Orchestrator wires every component named in spec.md §4 into the control
// flow of §4.10.
type Orchestrator struct {
	Extractor    *features.Extractor
	Router       router.Router
	RewardPolicy reward.Policy
	Latency      *metrics.LatencyMetrics
	Cache        *cache.PreviewCache
	Model        modelclient.Client
	Judge        judge.Judge
	Params       Params
	Log          *telemetry.Logger
}

// Run executes one race for query against candidates, returning the
// user-visible final answer plus the structured run summary.
func (o *Orchestrator) Run(ctx context.Context, query racetypes.Query, candidates []racetypes.ModelID) (string, telemetry.RunSummary, error) {
	start := time.Now()
	log := o.Log
	if log == nil {
		log = telemetry.NewLogger(nil)
	}

	summary := telemetry.RunSummary{
		RaceID:    telemetry.NewRaceID(),
		QueryHash: telemetry.HashQuery(query.Text),
		Strategy:  o.Params.Strategy,
	}

	log.Phase(racetypes.StateSelect, nil)
	if len(candidates) == 0 {
		summary.FinalState = racetypes.StateFailed
		return "", summary, &racetypes.NoCandidatesError{}
	}

	x := o.Extractor.Compute(ctx, query)
	summary.ContextVector = x

	selected := o.Router.Select(ctx, x, candidates, 0)
	if len(selected) == 0 {
		summary.FinalState = racetypes.StateFailed
		return "", summary, &racetypes.NoCandidatesError{}
	}

	log.Phase(racetypes.StatePreview, nil)
	cap := adaptivePreviewTokenCap(len(query.Text), o.Params.MinPreviewTokens, o.Params.LengthThreshold, o.Params.AdaptiveMinScale, o.Params.AdaptiveMaxScale)
	previewOutcomes := o.runPreviews(ctx, query, selected, cap)

	successful := make([]racetypes.PreviewOutcome, 0, len(previewOutcomes))
	for _, p := range previewOutcomes {
		if p.Succeeded() {
			successful = append(successful, p)
		}
	}
	if len(successful) == 0 {
		summary.FinalState = racetypes.StateFailed
		return "", summary, &racetypes.AllPreviewsFailedError{}
	}

	log.Phase(racetypes.StateJudge, nil)
	judgeTimeout := o.Params.JudgeTimeout
	if judgeTimeout <= 0 {
		judgeTimeout = 30 * time.Second
	}
	judgeCtx, cancelJudge := context.WithTimeout(ctx, judgeTimeout)
	judgeScores, err := o.Judge.Rank(judgeCtx, query, successful)
	cancelJudge()
	if err != nil {
		if errors.Is(judgeCtx.Err(), context.DeadlineExceeded) {
			err = &racetypes.JudgeFailureError{Err: err}
		}
		summary.FinalState = racetypes.StateFailed
		return "", summary, err
	}
	ranking := breakTies(judgeScores, o.Latency)

	log.Phase(racetypes.StateFull, nil)
	budget := &budgetTracker{maxTokens: o.Params.MaxTotalFullTokens, maxCostUSD: o.Params.MaxTotalCostUSD, prices: o.Params.PriceTable}

	winner, fullOutcomes, fallbacks, err := o.runFull(ctx, query, previewOutcomes, ranking, len(query.Text), budget)
	if err != nil {
		summary.FinalState = racetypes.StateFailed
		return "", summary, err
	}

	log.Phase(racetypes.StateReward, nil)
	rewards := o.computeRewards(previewOutcomes, judgeScores, fullOutcomes, failedModels(fullOutcomes, winner.Model), len(query.Text))
	o.Router.BulkUpdate(ctx, x, rewards, judgeScores.Ranking[0])

	summary.Models = buildModelSummaries(selected, previewOutcomes, judgeScores, fullOutcomes, rewards)
	summary.WinnerModel = winner.Model
	summary.TotalTokens = budget.totalTokens
	summary.TotalCostUSD = budget.totalCostUSD
	summary.Fallbacks = fallbacks
	summary.WallClock = time.Since(start)
	summary.FinalState = racetypes.StateDone

	log.Phase(racetypes.StateDone, nil)
	log.EmitSummary(summary)
	return winner.Text, summary, nil
}

// adaptivePreviewTokenCap mirrors `_adaptive_preview_tokens`: scale
// baseMin by normalized query length into [minScale, maxScale].
func adaptivePreviewTokenCap(queryLen, baseMin, lengthThreshold int, minScale, maxScale float64) int {
	norm := clip(float64(queryLen)/float64(max(1, lengthThreshold)), 0, 1)
	scale := minScale + (maxScale-minScale)*norm
	scaled := int(float64(baseMin)*scale + 0.5)
	if scaled < 1 {
		scaled = 1
	}
	return scaled
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

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// runPreviews fans out in parallel, bounded by MaxParallelPreviews, per
// spec.md §5.
func (o *Orchestrator) runPreviews(ctx context.Context, query racetypes.Query, models []racetypes.ModelID, tokenCap int) []racetypes.PreviewOutcome {
	outcomes := make([]racetypes.PreviewOutcome, len(models))
	sem := make(chan struct{}, maxInt(1, o.Params.MaxParallelPreviews))
	var wg sync.WaitGroup

	for i, model := range models {
		wg.Add(1)
		go func(i int, model racetypes.ModelID) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			outcomes[i] = o.runOnePreview(ctx, query, model, tokenCap)
		}(i, model)
	}
	wg.Wait()
	return outcomes
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// runOnePreview drives its own retry loop bounded by PreviewRetryLimit, so
// the preview phase's retry budget is independent of whatever retry
// policy the underlying ModelClient applies at the transport level.
func (o *Orchestrator) runOnePreview(ctx context.Context, query racetypes.Query, model racetypes.ModelID, tokenCap int) racetypes.PreviewOutcome {
	key := cache.Key(model, query.Text, tokenCap)
	if entry, ok := o.Cache.Get(ctx, key); ok {
		o.Latency.RecordCacheHit(model)
		return racetypes.PreviewOutcome{Model: model, Text: entry.Text, TokensConsumed: entry.TokensConsumed, LatencySeconds: 0, CacheHit: true}
	}

	retryLimit := o.Params.PreviewRetryLimit
	if retryLimit < 0 {
		retryLimit = 0
	}
	retryCfg := retry.DefaultConfig()
	retryCfg.MaxRetries = retryLimit

	var result modelclient.StreamResult
	var latencySeconds float64
	timeouts := 0
	_, err := retry.Execute(ctx, retry.Options{
		Config: retryCfg,
		ErrorChecker: func(err error, statusCode int, body []byte) bool {
			var timeout *racetypes.TimeoutError
			if errors.As(err, &timeout) {
				timeouts++
				return timeouts == 1
			}
			return isPreviewRetryable(err, statusCode, body)
		},
		Logger: o.retryLogger(),
		OpName: "preview:" + string(model),
	}, func(int) (interface{}, int, []byte, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, o.Params.PreviewTimeout)
		defer cancel()

		start := time.Now()
		r, streamErr := o.Model.Stream(attemptCtx, model, query, tokenCap, nil)
		if streamErr != nil {
			if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
				return nil, 0, nil, &racetypes.TimeoutError{Model: model, Phase: "preview"}
			}
			return nil, 0, nil, streamErr
		}
		result = r
		latencySeconds = time.Since(start).Seconds()
		return nil, 0, nil, nil
	})

	if err != nil {
		return racetypes.PreviewOutcome{Model: model, Err: err}
	}

	o.Latency.Record(model, latencySeconds)
	o.Cache.Put(ctx, key, cache.Entry{Text: result.Text, TokensConsumed: result.TokensConsumed})
	return racetypes.PreviewOutcome{Model: model, Text: result.Text, TokensConsumed: result.TokensConsumed, LatencySeconds: latencySeconds}
}

// isPreviewRetryable classifies which preview-phase errors are worth
// another attempt: transient backend failures and timeouts, never a
// permanent backend error. runOnePreview retries only a model's first
// timeout; a second one ends that model's preview.
func isPreviewRetryable(err error, _ int, _ []byte) bool {
	if err == nil {
		return false
	}
	var transient *racetypes.TransientBackendError
	if errors.As(err, &transient) {
		return true
	}
	var timeout *racetypes.TimeoutError
	if errors.As(err, &timeout) {
		return true
	}
	return false
}

// retryLogger adapts the orchestrator's logger to retry.Logger's shape,
// or returns nil when no logger is configured.
func (o *Orchestrator) retryLogger() retry.Logger {
	if o.Log == nil {
		return nil
	}
	return o.Log.Printf
}

// breakTies applies spec.md §4.10's tie-break rule to the judge's ranking:
// equal overall score -> lower p95 latency -> lexicographic model id.
func breakTies(scores racetypes.JudgeScores, latency *metrics.LatencyMetrics) []racetypes.ModelID {
	ranking := append([]racetypes.ModelID(nil), scores.Ranking...)
	sort.SliceStable(ranking, func(i, j int) bool {
		si, sj := scores.Scores[ranking[i]].Overall, scores.Scores[ranking[j]].Overall
		if si != sj {
			return si > sj
		}
		if latency != nil {
			pi, pj := latency.P95(ranking[i]), latency.P95(ranking[j])
			if pi != pj {
				return pi < pj
			}
		}
		return ranking[i] < ranking[j]
	})
	return ranking
}

type fullAttemptResult struct {
	outcome racetypes.FullOutcome
}

// runFull implements spec.md §4.10 step 4: sequential fallback by
// default, or speculative top-K for long queries.
func (o *Orchestrator) runFull(ctx context.Context, query racetypes.Query, previews []racetypes.PreviewOutcome, ranking []racetypes.ModelID, queryLen int, budget *budgetTracker) (racetypes.FullOutcome, []racetypes.FullOutcome, int, error) {
	previewByModel := make(map[racetypes.ModelID]racetypes.PreviewOutcome, len(previews))
	for _, p := range previews {
		previewByModel[p.Model] = p
	}

	speculate := queryLen >= o.Params.SpeculativeMinQueryLength && len(ranking) >= 2
	if speculate {
		return o.runSpeculative(ctx, query, previewByModel, ranking, budget)
	}
	return o.runSequential(ctx, query, previewByModel, ranking, budget)
}

func (o *Orchestrator) runSequential(ctx context.Context, query racetypes.Query, previewByModel map[racetypes.ModelID]racetypes.PreviewOutcome, ranking []racetypes.ModelID, budget *budgetTracker) (racetypes.FullOutcome, []racetypes.FullOutcome, int, error) {
	var attempts []racetypes.FullOutcome
	fallbacks := 0
	for _, model := range ranking {
		if _, ok := previewByModel[model]; !ok {
			continue
		}
		outcome := o.runOneFull(ctx, query, model, previewByModel[model])
		attempts = append(attempts, outcome)
		if outcome.Status == racetypes.FullStatusOK {
			if err := budget.addTokens(outcome.TokensConsumed, model); err != nil {
				outcome.Status = racetypes.FullStatusBudgetExceeded
				return racetypes.FullOutcome{}, attempts, fallbacks, err
			}
			return outcome, attempts, fallbacks, nil
		}
		fallbacks++
	}
	return racetypes.FullOutcome{}, attempts, fallbacks, &racetypes.AllFullAttemptsFailedError{}
}

func (o *Orchestrator) runSpeculative(ctx context.Context, query racetypes.Query, previewByModel map[racetypes.ModelID]racetypes.PreviewOutcome, ranking []racetypes.ModelID, budget *budgetTracker) (racetypes.FullOutcome, []racetypes.FullOutcome, int, error) {
	topK := o.Params.SpeculativeTopK
	if topK <= 0 {
		topK = 2
	}
	if topK > len(ranking) {
		topK = len(ranking)
	}
	candidates := ranking[:topK]

	specCtx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()

	results := make(chan fullAttemptResult, len(candidates))
	var wg sync.WaitGroup
	for _, model := range candidates {
		if _, ok := previewByModel[model]; !ok {
			continue
		}
		wg.Add(1)
		go func(model racetypes.ModelID) {
			defer wg.Done()
			outcome := o.runOneFull(specCtx, query, model, previewByModel[model])
			select {
			case results <- fullAttemptResult{outcome: outcome}:
			case <-specCtx.Done():
			}
		}(model)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var attempts []racetypes.FullOutcome
	var winner *racetypes.FullOutcome
	for r := range results {
		attempts = append(attempts, r.outcome)
		if r.outcome.Status == racetypes.FullStatusOK {
			w := r.outcome
			winner = &w
			cancelAll() // cancel the remaining in-flight speculative attempt
			break
		}
	}
	// Drain any attempts that raced in after the winner was declared so
	// runFull's caller always sees a consistent attempts slice.
	for r := range results {
		attempts = append(attempts, r.outcome)
	}

	if winner != nil {
		if err := budget.addTokens(winner.TokensConsumed, winner.Model); err != nil {
			return racetypes.FullOutcome{}, attempts, 0, err
		}
		return *winner, attempts, 0, nil
	}

	// Every speculative attempt failed: fall back to sequential over the
	// remaining ranked models, per spec.md §4.10.
	remaining := ranking[topK:]
	outcome, moreAttempts, fallbacks, err := o.runSequential(ctx, query, previewByModel, remaining, budget)
	attempts = append(attempts, moreAttempts...)
	fallbacks += len(candidates)
	if err != nil {
		return racetypes.FullOutcome{}, attempts, fallbacks, err
	}
	return outcome, attempts, fallbacks, nil
}

func (o *Orchestrator) runOneFull(ctx context.Context, query racetypes.Query, model racetypes.ModelID, preview racetypes.PreviewOutcome) racetypes.FullOutcome {
	attemptCtx, cancel := context.WithTimeout(ctx, o.Params.FullTimeout)
	defer cancel()

	start := time.Now()
	result, err := o.Model.Stream(attemptCtx, model, query, 0, nil)
	elapsed := time.Since(start)

	if err != nil {
		status := racetypes.FullStatusError
		if errors.Is(ctx.Err(), context.Canceled) {
			status = racetypes.FullStatusCancelled
		} else if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			status = racetypes.FullStatusError
		}
		var permErr *racetypes.PermanentBackendError
		if errors.As(err, &permErr) {
			status = racetypes.FullStatusError
		}
		return racetypes.FullOutcome{Model: model, Status: status, Err: err, LatencySeconds: elapsed.Seconds()}
	}
	return racetypes.FullOutcome{Model: model, Text: result.Text, TokensConsumed: result.TokensConsumed, LatencySeconds: elapsed.Seconds(), Status: racetypes.FullStatusOK}
}

func failedModels(fullOutcomes []racetypes.FullOutcome, winner racetypes.ModelID) map[racetypes.ModelID]bool {
	failed := make(map[racetypes.ModelID]bool)
	for _, o := range fullOutcomes {
		if o.Model != winner && o.Status != racetypes.FullStatusOK {
			failed[o.Model] = true
		}
	}
	return failed
}

func (o *Orchestrator) computeRewards(previews []racetypes.PreviewOutcome, judgeScores racetypes.JudgeScores, fullOutcomes []racetypes.FullOutcome, fallbackModels map[racetypes.ModelID]bool, queryLen int) map[racetypes.ModelID]float64 {
	fullTokensByModel := make(map[racetypes.ModelID]int, len(fullOutcomes))
	for _, f := range fullOutcomes {
		fullTokensByModel[f.Model] += f.TokensConsumed
	}

	rewards := make(map[racetypes.ModelID]float64, len(previews))
	for _, p := range previews {
		overall := judgeScores.Scores[p.Model].Overall
		tokens := p.TokensConsumed + fullTokensByModel[p.Model]
		rewards[p.Model] = o.RewardPolicy.Reward(reward.ModelInput{
			Model:          p.Model,
			JudgeOverall:   overall,
			LatencySeconds: effectiveLatency(p, o.Latency),
			TokensConsumed: tokens,
			QueryLength:    queryLen,
			WasFallback:    fallbackModels[p.Model],
		})
	}
	return rewards
}

// effectiveLatency implements spec.md §4.10's cache-hit policy: a
// cache-served preview's recorded latency is 0, so the reward computation
// substitutes the model's recent p95 instead of rewarding it for
// artificially fast service.
func effectiveLatency(p racetypes.PreviewOutcome, latency *metrics.LatencyMetrics) float64 {
	if !p.CacheHit || latency == nil {
		return p.LatencySeconds
	}
	return latency.P95(p.Model)
}

func buildModelSummaries(selected []racetypes.ModelID, previews []racetypes.PreviewOutcome, judgeScores racetypes.JudgeScores, fullOutcomes []racetypes.FullOutcome, rewards map[racetypes.ModelID]float64) []telemetry.ModelSummary {
	rankOf := make(map[racetypes.ModelID]int, len(selected))
	for i, m := range selected {
		rankOf[m] = i
	}
	fullByModel := make(map[racetypes.ModelID]racetypes.FullOutcome, len(fullOutcomes))
	for _, f := range fullOutcomes {
		fullByModel[f.Model] = f
	}

	summaries := make([]telemetry.ModelSummary, 0, len(previews))
	for _, p := range previews {
		full, attempted := fullByModel[p.Model]
		summaries = append(summaries, telemetry.ModelSummary{
			Model:          p.Model,
			SelectedRank:   rankOf[p.Model],
			PreviewLatency: p.LatencySeconds,
			PreviewTokens:  p.TokensConsumed,
			JudgeOverall:   judgeScores.Scores[p.Model].Overall,
			FullAttempted:  attempted,
			FullStatus:     full.Status,
			FullLatency:    full.LatencySeconds,
			FullTokens:     full.TokensConsumed,
			Reward:         rewards[p.Model],
		})
	}
	return summaries
}

// budgetTracker accumulates tokens/cost across every full-stage attempt,
// per spec.md §4.10's budget enforcement rule.
type budgetTracker struct {
	mu           sync.Mutex
	totalTokens  int
	totalCostUSD float64
	maxTokens    int
	maxCostUSD   float64
	prices       reward.PriceTable
}

func (b *budgetTracker) addTokens(tokens int, model racetypes.ModelID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalTokens += tokens
	price := b.prices.PriceFor(model)
	b.totalCostUSD += price * float64(tokens)

	if b.maxTokens > 0 && b.totalTokens > b.maxTokens {
		return &racetypes.BudgetExceededError{Kind: "tokens", Limit: float64(b.maxTokens), Observed: float64(b.totalTokens)}
	}
	if b.maxCostUSD > 0 && b.totalCostUSD > b.maxCostUSD {
		return &racetypes.BudgetExceededError{Kind: "cost_usd", Limit: b.maxCostUSD, Observed: b.totalCostUSD}
	}
	return nil
}
