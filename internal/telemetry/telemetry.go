// Package telemetry defines the race orchestrator's structured output:
// the run summary described in spec.md §6, plus a logrus-based logger
// grounded on the teacher's use of structured `log.Printf`-style logging
// in `classifier/classifier.go`'s metrics recording, generalized to
// logrus fields since this module adopts logrus as its telemetry library
// (see SPEC_FULL.md's AMBIENT STACK section).
package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/racebandit/llmrace/internal/racetypes"
	"github.com/sirupsen/logrus"
)

// ModelSummary is one candidate's full record within a RunSummary.
type ModelSummary struct {
	Model          racetypes.ModelID    `json:"model"`
	SelectedRank   int                  `json:"selected_rank"`
	PreviewLatency float64              `json:"preview_latency"`
	PreviewTokens  int                  `json:"preview_tokens"`
	JudgeOverall   float64              `json:"judge_overall"`
	FullAttempted  bool                 `json:"full_attempted"`
	FullStatus     racetypes.FullStatus `json:"full_status,omitempty"`
	FullLatency    float64              `json:"full_latency"`
	FullTokens     int                  `json:"full_tokens"`
	Reward         float64              `json:"reward"`
}

// RunSummary is the structured record emitted at the end of every race,
// per spec.md §6's "Run summary" row.
type RunSummary struct {
	RaceID        string                  `json:"race_id"`
	QueryHash     string                  `json:"query_hash"`
	Strategy      string                  `json:"strategy"`
	ContextVector racetypes.ContextVector `json:"context_vector"`
	Models        []ModelSummary          `json:"models"`
	WinnerModel   racetypes.ModelID       `json:"winner_model"`
	TotalTokens   int                     `json:"total_tokens"`
	TotalCostUSD  float64                 `json:"total_cost_usd"`
	Fallbacks     int                     `json:"fallbacks"`
	WallClock     time.Duration           `json:"wall_clock"`
	FinalState    racetypes.RaceState     `json:"final_state"`
}

// HashQuery computes the query-hash field: spec.md deliberately keeps raw
// query text out of the persisted summary.
func HashQuery(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// NewRaceID generates the run summary's race-id tag, mirroring the
// teacher's uuid-tagged debug dump filenames.
func NewRaceID() string {
	return uuid.NewString()
}

// Logger wraps a logrus.Logger with the "component" field every race-path
// log line carries, so a single grep finds every phase transition across
// packages.
type Logger struct {
	*logrus.Logger
}

// NewLogger builds a Logger. base may be nil to get logrus defaults.
func NewLogger(base *logrus.Logger) *Logger {
	if base == nil {
		base = logrus.New()
	}
	return &Logger{Logger: base}
}

// Phase logs a state-machine transition.
func (l *Logger) Phase(state racetypes.RaceState, fields logrus.Fields) {
	if fields == nil {
		fields = logrus.Fields{}
	}
	fields["component"] = "race"
	fields["state"] = string(state)
	l.WithFields(fields).Info("race phase transition")
}

// EmitSummary logs the final run summary as a structured record.
func (l *Logger) EmitSummary(summary RunSummary) {
	l.WithFields(logrus.Fields{
		"component":      "race",
		"race_id":        summary.RaceID,
		"query_hash":     summary.QueryHash,
		"strategy":       summary.Strategy,
		"winner_model":   summary.WinnerModel,
		"total_tokens":   summary.TotalTokens,
		"total_cost_usd": summary.TotalCostUSD,
		"fallbacks":      summary.Fallbacks,
		"wall_clock_ms":  summary.WallClock.Milliseconds(),
		"final_state":    string(summary.FinalState),
	}).Info("race complete")
}
