// Package racetypes holds the shared value types passed between the
// router, race, judge, and feature-extraction packages. Keeping them in one
// leaf package avoids import cycles between packages that all need to agree
// on the shape of a Query, a PreviewOutcome, or a JudgeScores record.
package racetypes

import "time"

// ModelID is an opaque stable identifier for one configured LLM backend.
type ModelID string

// Query is the immutable user request fed into feature extraction and the
// race orchestrator.
type Query struct {
	Text   string
	UserID string
	Intent string
	Risk   string
}

// ContextVector is the fixed-dimension real-valued feature vector the
// router scores against. Dimension is fixed at router construction time.
type ContextVector []float64

// Dim reports the vector's dimension.
func (c ContextVector) Dim() int { return len(c) }

// PreviewOutcome is the result of one candidate's preview-stage attempt.
type PreviewOutcome struct {
	Model           ModelID
	Text            string
	TokensConsumed  int
	LatencySeconds  float64
	CacheHit        bool
	Err             error
}

// Succeeded reports whether the preview produced usable text.
func (p PreviewOutcome) Succeeded() bool {
	return p.Err == nil && p.Text != ""
}

// JudgeScore holds one candidate's per-dimension scores from the judge.
type JudgeScore struct {
	Model        ModelID
	Relevance    float64
	Coverage     float64
	Faithfulness float64
	Overall      float64
}

// JudgeScores is the judge's full verdict: per-model sub-scores plus the
// total order (best first) over the models it evaluated.
type JudgeScores struct {
	Scores  map[ModelID]JudgeScore
	Ranking []ModelID
}

// FullStatus is the terminal status of a full-answer attempt.
type FullStatus string

const (
	FullStatusOK             FullStatus = "ok"
	FullStatusError          FullStatus = "error"
	FullStatusCancelled      FullStatus = "cancelled"
	FullStatusBudgetExceeded FullStatus = "budget_exceeded"
)

// FullOutcome is the result of one candidate's full-answer attempt.
type FullOutcome struct {
	Model          ModelID
	Text           string
	TokensConsumed int
	LatencySeconds float64
	Status         FullStatus
	Err            error
}

// RaceState enumerates the orchestrator's state machine positions.
type RaceState string

const (
	StateInit    RaceState = "INIT"
	StateSelect  RaceState = "SELECT"
	StatePreview RaceState = "PREVIEW"
	StateJudge   RaceState = "JUDGE"
	StateFull    RaceState = "FULL"
	StateReward  RaceState = "REWARD"
	StateDone    RaceState = "DONE"
	StateFailed  RaceState = "FAILED"
)

// ArmState is the per-model bandit state that LinUCB maintains. AInv and B
// are kept as flat row-major/linear float64 slices here so this package has
// no dependency on a linear-algebra library; internal/router converts to
// and from gonum matrix types at its boundary.
type ArmState struct {
	AInv   []float64 // d*d, row-major
	B      []float64 // d
	Trials int
	Wins   int
	Active bool
}

// RouterState is the full persisted bandit state: schema version, feature
// dimension, and one ArmState per model, plus bookkeeping metadata.
type RouterState struct {
	Version      int
	Dim          int
	Arms         map[ModelID]*ArmState
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastDecayAt  time.Time
}
