package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/interfaces"
	"github.com/ternarybob/folio/internal/models"
	"github.com/ternarybob/folio/internal/services/export"
)

// Minimal is a sleep-paced strategy for demos and load tests.
// Each requested output becomes a small text file named <output>.txt.
type Minimal struct {
	jobs       interfaces.JobStore
	phaseDelay time.Duration
	logger     arbor.ILogger
}

var _ interfaces.Pipeline = (*Minimal)(nil)

// NewMinimal creates the minimal pipeline
func NewMinimal(jobs interfaces.JobStore, phaseDelay time.Duration, logger arbor.ILogger) *Minimal {
	return &Minimal{jobs: jobs, phaseDelay: phaseDelay, logger: logger}
}

func (m *Minimal) Name() string {
	return "minimal"
}

var minimalPhases = []struct {
	percent int
	label   string
}{
	{10, "Planning"},
	{40, "Drafting"},
	{70, "Reviewing"},
}

func (m *Minimal) Run(ctx context.Context, run *interfaces.PipelineRun) ([]models.Artifact, error) {
	e := run.Emitter
	artifacts := []models.Artifact{}

	for _, phase := range minimalPhases {
		if stopped(run, strings.ToLower(phase.label)) {
			return artifacts, nil
		}
		e.Progress(phase.percent, phase.label)
		if err := m.sleep(ctx); err != nil {
			return artifacts, err
		}
	}

	outputs := requestedOutputs(&run.Project)
	for i, out := range outputs {
		if stopped(run, "exporting "+out) {
			return artifacts, nil
		}
		e.Progress(70+(30*i)/len(outputs), "Exporting "+out)

		filename := out + ".txt"
		body := fmt.Sprintf("%s\nformat: %s\njob: %s\n", run.Project.DisplayTitle(), out, run.JobID)
		if _, err := export.WriteFile(run.Dirs.Artifacts, filename, []byte(body)); err != nil {
			return artifacts, err
		}

		artifact := models.Artifact{
			ID:     out,
			Label:  strings.ToUpper(out),
			Status: models.ArtifactReady,
			Href:   m.jobs.ArtifactHref(run.JobID, filename),
			Bytes:  int64(len(body)),
			Meta:   map[string]interface{}{"filename": filename},
		}
		e.Artifact(artifact)
		artifacts = append(artifacts, artifact)

		if err := m.sleep(ctx); err != nil {
			return artifacts, err
		}
	}

	e.Progress(100, "Done")
	return artifacts, nil
}

func (m *Minimal) sleep(ctx context.Context) error {
	if m.phaseDelay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(m.phaseDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
