package pipeline

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/interfaces"
	"github.com/ternarybob/folio/internal/models"
	"github.com/ternarybob/folio/internal/services/export"
)

// Workshop is the default strategy: bootstrap, plan, (reinforce), write, export.
// Progress milestones are 5, 15, 35, (45), 65, 80 and then evenly spaced up to 100 across outputs.
type Workshop struct {
	exporter *export.Service
	jobs     interfaces.JobStore
	logger   arbor.ILogger
}

var _ interfaces.Pipeline = (*Workshop)(nil)

// NewWorkshop creates the workshop pipeline
func NewWorkshop(exporter *export.Service, jobs interfaces.JobStore, logger arbor.ILogger) *Workshop {
	return &Workshop{exporter: exporter, jobs: jobs, logger: logger}
}

func (w *Workshop) Name() string {
	return "workshop"
}

func (w *Workshop) Run(ctx context.Context, run *interfaces.PipelineRun) ([]models.Artifact, error) {
	e := run.Emitter
	artifacts := []models.Artifact{}

	// Bootstrap
	e.Log("info", "Bootstrapping flow")
	e.Progress(5, "Bootstrapping")
	outputs := requestedOutputs(&run.Project)
	for _, out := range outputs {
		if _, ok := export.LookupFormat(out); !ok {
			return artifacts, fmt.Errorf("unsupported output format: %s", out)
		}
	}

	if err := ctx.Err(); err != nil {
		return artifacts, err
	}
	if stopped(run, "planning") {
		return artifacts, nil
	}

	// Plan
	e.Progress(15, "Planning & Research")
	outline := outlineFromProject(&run.Project)
	fromFallback := len(outline) == 0
	if fromFallback {
		outline = FallbackOutline
	}
	e.Log("info", fmt.Sprintf("Outline size: %d", len(outline)))
	e.Progress(35, "Outline ready")

	if err := ctx.Err(); err != nil {
		return artifacts, err
	}
	if stopped(run, "writing") {
		return artifacts, nil
	}

	// No outline supplied: the fallback is generic, flag it on the stream
	if fromFallback {
		e.Progress(45, "Reinforcing with additional research")
		e.Log("info", "No outline supplied; using the default workshop structure")
	}

	// Write
	e.Progress(65, "Writing content")
	manuscript := buildManuscript(&run.Project, outline)
	path, err := export.WriteFile(run.Dirs.Root, "manuscript.md", []byte(manuscript.Markdown()))
	if err != nil {
		return artifacts, err
	}
	w.logger.Debug().Str("job_id", run.JobID).Str("path", path).Msg("Manuscript written")
	e.Log("info", fmt.Sprintf("Manuscript ready: %d sections", len(manuscript.Chapters)))
	e.Progress(80, "Manuscript ready")

	// Export, one checkpoint before each artifact-producing step
	step := 20 / len(outputs)
	for i, out := range outputs {
		if err := ctx.Err(); err != nil {
			return artifacts, err
		}
		if stopped(run, "exporting "+out) {
			return artifacts, nil
		}

		f, _ := export.LookupFormat(out)
		e.Progress(80+i*step, "Exporting "+f.Label)

		artifact, err := w.exporter.Export(out, manuscript, run.Dirs.Artifacts)
		if err != nil {
			return artifacts, err
		}
		artifact.Href = w.jobs.ArtifactHref(run.JobID, f.Filename)
		e.Artifact(artifact)
		artifacts = append(artifacts, artifact)
	}

	e.Progress(100, "Done")
	return artifacts, nil
}
