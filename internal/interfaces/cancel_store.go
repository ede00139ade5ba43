package interfaces

import "context"

// CancelStore holds short-lived cancellation flags keyed by job id.
// Flags expire on their own; readers never clear them.
type CancelStore interface {
	SetCancelled(ctx context.Context, jobID string) error
	IsCancelled(ctx context.Context, jobID string) (bool, error)
}
