package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) JobEnqueued(task string)                           {}
func (n *NoopSink) JobStarted()                                       {}
func (n *NoopSink) JobFinished(status string, duration time.Duration) {}
func (n *NoopSink) EventPublished(kind string)                        {}
func (n *NoopSink) PublishError()                                     {}
func (n *NoopSink) StreamOpened()                                     {}
func (n *NoopSink) StreamClosed()                                     {}
func (n *NoopSink) RecordsPurged(count int)                           {}
