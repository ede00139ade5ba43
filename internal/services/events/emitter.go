package events

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/interfaces"
	"github.com/ternarybob/folio/internal/metrics"
	"github.com/ternarybob/folio/internal/models"
)

const publishTimeout = 5 * time.Second

// Emitter publishes the events of one job. It is the only way pipelines talk to clients.
// Progress never goes backwards and nothing is published after done.
type Emitter struct {
	ctx       context.Context
	bus       interfaces.EventBus
	jobID     string
	logger    arbor.ILogger
	metrics   metrics.Sink
	mu        sync.Mutex
	highWater int
	sealed    bool
}

var _ interfaces.JobEmitter = (*Emitter)(nil)

// NewEmitter creates an emitter bound to jobID.
// ctx should outlive the job's own deadline so the terminal event still goes out after a timeout.
func NewEmitter(ctx context.Context, bus interfaces.EventBus, jobID string, logger arbor.ILogger, sink metrics.Sink) *Emitter {
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	return &Emitter{
		ctx:     ctx,
		bus:     bus,
		jobID:   jobID,
		logger:  logger,
		metrics: sink,
	}
}

func (e *Emitter) JobID() string {
	return e.jobID
}

// Progress clamps percent to [0,100] and to the highest value already sent
func (e *Emitter) Progress(percent int, label string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if percent < e.highWater {
		percent = e.highWater
	}
	e.highWater = percent

	e.publishLocked(models.EventProgress, models.ProgressData{Percent: percent, Label: label})
}

func (e *Emitter) Log(level, msg string) {
	if level == "" {
		level = "info"
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.publishLocked(models.EventLog, models.LogData{Level: level, Msg: msg})
}

func (e *Emitter) Artifact(artifact models.Artifact) {
	if artifact.Status == "" {
		artifact.Status = models.ArtifactReady
	}
	if artifact.Label == "" {
		artifact.Label = artifact.ID
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.publishLocked(models.EventArtifact, artifact)
}

// ArtifactMap publishes an artifact given as a loosely shaped map
func (e *Emitter) ArtifactMap(m map[string]interface{}) error {
	artifact, err := models.ArtifactFromMap(m)
	if err != nil {
		return err
	}
	e.Artifact(artifact)
	return nil
}

// Error publishes a non-terminal error event followed by an error-level log line
func (e *Emitter) Error(msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.publishLocked(models.EventError, models.ErrorData{Message: msg})
	e.publishLocked(models.EventLog, models.LogData{Level: "error", Msg: msg})
}

// Done publishes the terminal event and seals the emitter
func (e *Emitter) Done(data models.DoneData) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.publishLocked(models.EventDone, data)
	e.sealed = true
}

func (e *Emitter) Sealed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sealed
}

func (e *Emitter) publishLocked(kind models.EventKind, data interface{}) {
	if e.sealed {
		e.logger.Debug().
			Str("job_id", e.jobID).
			Str("event", string(kind)).
			Msg("Dropping event published after done")
		return
	}

	env, err := models.NewEnvelope(kind, data)
	if err != nil {
		e.logger.Warn().Err(err).Str("job_id", e.jobID).Msg("Failed to encode job event")
		return
	}

	ctx, cancel := context.WithTimeout(e.ctx, publishTimeout)
	defer cancel()

	if err := e.bus.Publish(ctx, e.jobID, env); err != nil {
		// Fire-and-forget: a broken bus must not fail the job
		e.metrics.PublishError()
		e.logger.Warn().Err(err).
			Str("job_id", e.jobID).
			Str("event", string(kind)).
			Msg("Failed to publish job event")
		return
	}
	e.metrics.EventPublished(string(kind))
}
