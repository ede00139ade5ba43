package interfaces

import (
	"context"

	"github.com/ternarybob/folio/internal/models"
)

// Checkpoint reports whether the job was asked to stop. Pipelines call it between phases only.
type Checkpoint func() bool

// PipelineRun is everything a pipeline gets for one job
type PipelineRun struct {
	JobID      string
	Tenant     string
	Project    models.Project
	Dirs       models.JobDirs
	Emitter    JobEmitter
	Checkpoint Checkpoint
}

// Pipeline is a pluggable content-generation strategy.
// On cancellation it returns the artifacts produced so far and a nil error.
type Pipeline interface {
	Name() string
	Run(ctx context.Context, run *PipelineRun) ([]models.Artifact, error)
}

// JobStore maps (tenant, job id) to the job's private directories
type JobStore interface {
	JobDirs(tenant, jobID string) (models.JobDirs, error)
	EnsureTenant(tenant string) error
	ListArtifacts(tenant, jobID string) ([]models.Artifact, error)
	ArtifactPath(tenant, jobID, filename string) (string, error)
	ArtifactHref(jobID, filename string) string
}
