package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/interfaces"
	"github.com/ternarybob/folio/internal/metrics"
)

// Janitor garbage-collects terminal job records once their failure_ttl/result_ttl has passed
type Janitor struct {
	queue    interfaces.JobQueue
	schedule string
	cron     *cron.Cron
	metrics  metrics.Sink
	logger   arbor.ILogger
}

// NewJanitor creates a retention janitor running on a cron schedule (e.g. "@every 1m")
func NewJanitor(queue interfaces.JobQueue, schedule string, sink metrics.Sink, logger arbor.ILogger) *Janitor {
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	return &Janitor{
		queue:    queue,
		schedule: schedule,
		cron:     cron.New(),
		metrics:  sink,
		logger:   logger,
	}
}

// Start registers the sweep and starts the scheduler
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc(j.schedule, j.Sweep); err != nil {
		return err
	}
	j.cron.Start()

	j.logger.Debug().Str("schedule", j.schedule).Msg("Retention janitor started")
	return nil
}

// Stop stops the scheduler and waits for a running sweep
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

// Sweep purges expired records once
func (j *Janitor) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	purged, err := j.queue.PurgeExpired(ctx, time.Now())
	if err != nil {
		j.logger.Warn().Err(err).Msg("Retention sweep failed")
		return
	}
	if purged > 0 {
		j.metrics.RecordsPurged(purged)
		j.logger.Info().Int("purged", purged).Msg("Expired job records removed")
	}
}
