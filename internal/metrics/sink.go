package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations must not block or propagate errors.
type Sink interface {
	// Queue metrics
	JobEnqueued(task string)
	JobStarted()
	JobFinished(status string, duration time.Duration)

	// Event metrics
	EventPublished(kind string)
	PublishError()

	// Stream metrics
	StreamOpened()
	StreamClosed()

	// Retention metrics
	RecordsPurged(count int)
}
