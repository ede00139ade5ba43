package queue

import (
	"time"

	"github.com/ternarybob/folio/internal/common"
)

// Config holds configuration for the worker pool
type Config struct {
	// PollInterval is how often idle workers poll for messages
	PollInterval time.Duration

	// Concurrency is the number of worker slots; each slot runs one job at a time
	Concurrency int

	// VisibilityTimeout is extended by the heartbeat while a job runs
	VisibilityTimeout time.Duration

	// JobTimeout applies when a message carries no timeout of its own
	JobTimeout time.Duration

	// ShutdownGrace is how long in-flight jobs may drain on Stop before they are interrupted
	ShutdownGrace time.Duration

	// AbandonGrace is how long a job may keep running after its context ends before the slot gives up on it
	AbandonGrace time.Duration
}

// NewDefaultConfig creates a worker pool configuration with sensible defaults
func NewDefaultConfig() Config {
	return Config{
		PollInterval:      1 * time.Second,
		Concurrency:       2,
		VisibilityTimeout: 20 * time.Minute,
		JobTimeout:        15 * time.Minute,
		ShutdownGrace:     30 * time.Second,
		AbandonGrace:      5 * time.Second,
	}
}

// ConfigFromCommon maps the [queue] section of the application config
func ConfigFromCommon(c *common.Config) Config {
	cfg := NewDefaultConfig()
	cfg.PollInterval = c.Queue.PollIntervalDuration()
	cfg.Concurrency = c.Queue.Concurrency
	cfg.VisibilityTimeout = c.Queue.VisibilityTimeoutDuration()
	cfg.JobTimeout = c.Queue.JobTimeoutDuration()
	cfg.ShutdownGrace = c.Queue.ShutdownGraceDuration()
	return cfg
}
