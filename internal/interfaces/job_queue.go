package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/folio/internal/models"
)

// JobQueue is a durable, at-least-once work queue.
// A claimed message stays invisible to other workers until it is acked, released or its visibility lapses.
type JobQueue interface {
	Enqueue(ctx context.Context, task string, payload interface{}, opts models.EnqueueOptions) (*models.JobHandle, error)

	// Receive claims the next visible message. Returns models.ErrNoMessage when empty.
	Receive(ctx context.Context) (*models.QueuedJob, error)

	// Extend pushes out the visibility of a claimed message (heartbeat)
	Extend(ctx context.Context, jobID string, duration time.Duration) error

	// Complete acks the message and records a terminal status (done or cancelled)
	Complete(ctx context.Context, jobID string, status models.JobStatus, artifacts int) error

	// Fail acks the message and records the job as failed
	Fail(ctx context.Context, jobID string, cause error) error

	// Release makes a claimed message visible again without recording an outcome
	Release(ctx context.Context, jobID string) error

	// GetJob returns the bookkeeping record of a job
	GetJob(ctx context.Context, jobID string) (*models.JobRecord, error)

	// PurgeExpired deletes terminal records whose retention window has passed
	PurgeExpired(ctx context.Context, now time.Time) (int, error)

	// Depth returns the number of messages waiting or in flight
	Depth(ctx context.Context) (int, error)
}
