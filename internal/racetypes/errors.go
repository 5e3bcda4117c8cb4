package racetypes

import "fmt"

// TransientBackendError wraps a backend failure that is safe to retry.
type TransientBackendError struct {
	Model ModelID
	Op    string
	Err   error
}

func (e *TransientBackendError) Error() string {
	return fmt.Sprintf("transient error from %s during %s: %v", e.Model, e.Op, e.Err)
}

func (e *TransientBackendError) Unwrap() error { return e.Err }

// PermanentBackendError wraps a backend failure that must not be retried;
// the offending model is skipped for the rest of the race.
type PermanentBackendError struct {
	Model ModelID
	Op    string
	Err   error
}

func (e *PermanentBackendError) Error() string {
	return fmt.Sprintf("permanent error from %s during %s: %v", e.Model, e.Op, e.Err)
}

func (e *PermanentBackendError) Unwrap() error { return e.Err }

// TimeoutError marks a phase timeout. The orchestrator treats the first
// timeout for a model within a phase as transient, and any subsequent one
// as fatal for that model.
type TimeoutError struct {
	Model ModelID
	Phase string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout for %s during %s", e.Model, e.Phase)
}

// BudgetExceededError is fatal to the race; it surfaces to the caller.
type BudgetExceededError struct {
	Kind     string // "tokens" or "cost_usd"
	Limit    float64
	Observed float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded (%s): observed %.4f > limit %.4f", e.Kind, e.Observed, e.Limit)
}

// JudgeFailureError wraps a judge call that failed after exhausting its
// retry budget.
type JudgeFailureError struct {
	Attempts int
	Err      error
}

func (e *JudgeFailureError) Error() string {
	return fmt.Sprintf("judge failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *JudgeFailureError) Unwrap() error { return e.Err }

// StateStoreError wraps a router-state-store failure. Non-fatal on read
// (callers treat it as cold start); on write it is recorded and the race
// continues with router state only in memory.
type StateStoreError struct {
	Op  string // "load" or "save"
	Err error
}

func (e *StateStoreError) Error() string {
	return fmt.Sprintf("router state store %s failed: %v", e.Op, e.Err)
}

func (e *StateStoreError) Unwrap() error { return e.Err }

// NumericalAnomaly marks a skipped Sherman-Morrison update because the
// denominator was non-positive.
type NumericalAnomaly struct {
	Model ModelID
	Denom float64
}

func (e *NumericalAnomaly) Error() string {
	return fmt.Sprintf("numerical anomaly updating arm %s: denom=%.6g", e.Model, e.Denom)
}

// AllPreviewsFailedError is raised when every candidate's preview attempt
// failed and the race cannot proceed past PREVIEW.
type AllPreviewsFailedError struct{}

func (e *AllPreviewsFailedError) Error() string { return "all candidate previews failed" }

// AllFullAttemptsFailedError is raised when every ranked candidate's
// full-answer attempt failed.
type AllFullAttemptsFailedError struct{}

func (e *AllFullAttemptsFailedError) Error() string { return "all full-answer attempts failed" }

// NoCandidatesError is raised when Router.Select returns an empty list.
type NoCandidatesError struct{}

func (e *NoCandidatesError) Error() string { return "no candidate models available to race" }
