package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/interfaces"
	"github.com/ternarybob/folio/internal/models"
)

// GenerateRunner executes generate jobs: it prepares the job directories,
// wires the cancel checkpoint and hands the project to the configured pipeline.
type GenerateRunner struct {
	pipeline interfaces.Pipeline
	jobs     interfaces.JobStore
	cancels  interfaces.CancelStore
	logger   arbor.ILogger
}

// NewGenerateRunner creates the generate task handler
func NewGenerateRunner(pipeline interfaces.Pipeline, jobs interfaces.JobStore, cancels interfaces.CancelStore, logger arbor.ILogger) *GenerateRunner {
	return &GenerateRunner{
		pipeline: pipeline,
		jobs:     jobs,
		cancels:  cancels,
		logger:   logger,
	}
}

// Handle matches queue.JobHandler
func (r *GenerateRunner) Handle(ctx context.Context, job *models.QueuedJob, emitter interfaces.JobEmitter) (*models.JobResult, error) {
	var payload models.GeneratePayload
	if err := json.Unmarshal(job.Message.Payload, &payload); err != nil {
		return nil, fmt.Errorf("invalid generate payload: %w", err)
	}

	jobID := job.ID()
	dirs, err := r.jobs.JobDirs(payload.Tenant, jobID)
	if err != nil {
		return nil, err
	}

	emitter.Log("info", "Job started")
	emitter.Log("info", fmt.Sprintf("Pipeline: %s", r.pipeline.Name()))

	var cancelled atomic.Bool
	checkpoint := func() bool {
		if cancelled.Load() {
			return true
		}
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		flagged, err := r.cancels.IsCancelled(checkCtx, jobID)
		if err != nil {
			// An unreachable flag store must not stop the job
			r.logger.Warn().Err(err).Str("job_id", jobID).Msg("Cancel flag check failed")
			return false
		}
		if flagged {
			cancelled.Store(true)
			r.logger.Info().Str("job_id", jobID).Msg("Cancellation observed at checkpoint")
		}
		return flagged
	}

	artifacts, err := r.pipeline.Run(ctx, &interfaces.PipelineRun{
		JobID:      jobID,
		Tenant:     payload.Tenant,
		Project:    payload.Project,
		Dirs:       dirs,
		Emitter:    emitter,
		Checkpoint: checkpoint,
	})
	if err != nil {
		return &models.JobResult{Artifacts: artifacts}, err
	}

	return &models.JobResult{
		Artifacts: artifacts,
		Cancelled: cancelled.Load(),
	}, nil
}
