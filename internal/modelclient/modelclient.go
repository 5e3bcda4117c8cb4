// Package modelclient defines the ModelClient contract the orchestrator
// consumes (spec.md §4.8): a narrow, cancellable streaming interface with
// transient/permanent error classification at the boundary.
package modelclient

import (
	"context"

	"github.com/racebandit/llmrace/internal/racetypes"
)

// CompletionStatus describes how a stream ended.
type CompletionStatus string

const (
	StatusOK        CompletionStatus = "ok"
	StatusError     CompletionStatus = "error"
	StatusCancelled CompletionStatus = "cancelled"
)

// StreamResult is what Stream returns once the model has finished (or been
// cancelled).
type StreamResult struct {
	Text             string
	TokensConsumed   int
	CompletionStatus CompletionStatus
}

// Client is the ModelClient interface from spec.md §4.8. Implementations
// must be safe to cancel via ctx: once ctx is done, no further tokens are
// delivered to onToken and resources are released promptly.
type Client interface {
	Stream(ctx context.Context, model racetypes.ModelID, query racetypes.Query, tokenCap int, onToken func(token string)) (StreamResult, error)
}
