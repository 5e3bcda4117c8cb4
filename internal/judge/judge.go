// Package judge implements the Judge external interface from spec.md
// §4.9: given a query and a set of successful previews, produce a total
// ranking plus a per-model overall score in [0,1]. Grounded on the
// original `src/judge.py` (`_extract_json_object`'s direct-parse-then-brace-
// extraction fallback, `compute_candidate_order`), with the tenacity
// retry/backoff loop replaced by this module's own `internal/retry`.
package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/racebandit/llmrace/internal/modelclient"
	"github.com/racebandit/llmrace/internal/racetypes"
	"github.com/racebandit/llmrace/internal/retry"
)

// Judge is the interface RaceOrchestrator drives.
type Judge interface {
	Rank(ctx context.Context, query racetypes.Query, previews []racetypes.PreviewOutcome) (racetypes.JudgeScores, error)
}

// DefaultRetryLimit matches spec.md §4.9's judge_retry_limit default.
const DefaultRetryLimit = 3

const instructionsTemplate = `You are judging %d candidate answer previews for the same user query. ` +
	`Score each candidate on relevance, coverage, and faithfulness in [0,1], and an overall score in [0,1]. ` +
	`Respond with a single JSON object: {"winner_index": int, "scores": [{"index": int, "relevance": float, "coverage": float, "faithfulness": float, "overall": float}, ...]}.`

// LLMJudge calls a model through modelclient.Client and parses its JSON
// verdict, retrying any stream or parse failure for at most retryLimit
// attempts in total before becoming fatal to the race, per spec.md §4.9(c).
type LLMJudge struct {
	client     modelclient.Client
	model      racetypes.ModelID
	retryLimit int
}

// New builds an LLMJudge. retryLimit<=0 uses DefaultRetryLimit.
func New(client modelclient.Client, model racetypes.ModelID, retryLimit int) *LLMJudge {
	if retryLimit <= 0 {
		retryLimit = DefaultRetryLimit
	}
	return &LLMJudge{client: client, model: model, retryLimit: retryLimit}
}

type verdictPayload struct {
	WinnerIndex int            `json:"winner_index"`
	Scores      []scorePayload `json:"scores"`
}

type scorePayload struct {
	Index        int     `json:"index"`
	Relevance    float64 `json:"relevance"`
	Coverage     float64 `json:"coverage"`
	Faithfulness float64 `json:"faithfulness"`
	Overall      float64 `json:"overall"`
}

// Rank implements Judge.
func (j *LLMJudge) Rank(ctx context.Context, query racetypes.Query, previews []racetypes.PreviewOutcome) (racetypes.JudgeScores, error) {
	if len(previews) == 0 {
		return racetypes.JudgeScores{}, &racetypes.AllPreviewsFailedError{}
	}

	opts := retry.Options{
		Config:       retry.Config{MaxRetries: j.retryLimit - 1, BaseDelay: 200 * time.Millisecond, MaxDelay: 2500 * time.Millisecond, BackoffMultiple: 2.0},
		ErrorChecker: func(err error, _ int, _ []byte) bool { return err != nil },
		OpName:       "judge-rank",
	}

	prompt := buildJudgePrompt(query, previews)
	retryableFn := func(attempt int) (interface{}, int, []byte, error) {
		result, err := j.client.Stream(ctx, j.model, racetypes.Query{Text: prompt}, 2048, nil)
		if err != nil {
			return nil, 0, nil, err
		}
		payload, err := extractJSONObject(result.Text)
		if err != nil {
			return nil, 0, nil, err
		}
		return payload, 0, nil, nil
	}

	result, err := retry.Execute(ctx, opts, retryableFn)
	if err != nil {
		return racetypes.JudgeScores{}, &racetypes.JudgeFailureError{Attempts: j.retryLimit, Err: err}
	}

	payload := result.(*verdictPayload)
	return toJudgeScores(previews, payload), nil
}

func buildJudgePrompt(query racetypes.Query, previews []racetypes.PreviewOutcome) string {
	instructions := fmt.Sprintf(instructionsTemplate, len(previews))
	var b strings.Builder
	b.WriteString(instructions)
	b.WriteString("\n\nQuery: ")
	b.WriteString(query.Text)
	b.WriteString("\n\nCandidates:\n")
	for i, p := range previews {
		fmt.Fprintf(&b, "[%d] (%s): %s\n", i, p.Model, p.Text)
	}
	return b.String()
}

// extractJSONObject mirrors `_extract_json_object`: try a direct parse
// first, then fall back to the substring between the first "{" and the
// last "}".
func extractJSONObject(text string) (*verdictPayload, error) {
	var payload verdictPayload
	if err := json.Unmarshal([]byte(text), &payload); err == nil {
		return &payload, nil
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("judge produced non-JSON output")
	}
	snippet := text[start : end+1]
	if err := json.Unmarshal([]byte(snippet), &payload); err != nil {
		return nil, fmt.Errorf("judge produced non-JSON output after brace extraction: %w", err)
	}
	return &payload, nil
}

func toJudgeScores(previews []racetypes.PreviewOutcome, payload *verdictPayload) racetypes.JudgeScores {
	byIndex := make(map[int]scorePayload, len(payload.Scores))
	for _, s := range payload.Scores {
		byIndex[s.Index] = s
	}

	scores := make(map[racetypes.ModelID]racetypes.JudgeScore, len(previews))
	for i, p := range previews {
		s, ok := byIndex[i]
		overall := 0.0
		relevance, coverage, faithfulness := 0.0, 0.0, 0.0
		if ok {
			overall = clip01(s.Overall)
			relevance = clip01(s.Relevance)
			coverage = clip01(s.Coverage)
			faithfulness = clip01(s.Faithfulness)
		}
		scores[p.Model] = racetypes.JudgeScore{
			Model:        p.Model,
			Relevance:    relevance,
			Coverage:     coverage,
			Faithfulness: faithfulness,
			Overall:      overall,
		}
	}

	ranking := computeCandidateOrder(previews, scores)
	return racetypes.JudgeScores{Scores: scores, Ranking: ranking}
}

// computeCandidateOrder mirrors `compute_candidate_order`: sort by overall
// score descending, tie-broken by lower p95 latency then lexicographic
// model id, per spec.md §4.10's tie-break rule (latency isn't known here,
// so ties fall straight to the lexicographic rule; the orchestrator
// re-applies the latency tie-break when it has p95 data available).
func computeCandidateOrder(previews []racetypes.PreviewOutcome, scores map[racetypes.ModelID]racetypes.JudgeScore) []racetypes.ModelID {
	models := make([]racetypes.ModelID, len(previews))
	for i, p := range previews {
		models[i] = p.Model
	}
	sort.SliceStable(models, func(i, j int) bool {
		si, sj := scores[models[i]].Overall, scores[models[j]].Overall
		if si != sj {
			return si > sj
		}
		return models[i] < models[j]
	})
	return models
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
