package pipeline

import (
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/interfaces"
	"github.com/ternarybob/folio/internal/models"
	"github.com/ternarybob/folio/internal/services/export"
)

// DefaultOutputs is used when a project requests no output formats
var DefaultOutputs = []string{"pdf"}

// New returns the pipeline registered under strategy
func New(strategy string, exporter *export.Service, jobs interfaces.JobStore, phaseDelay time.Duration, logger arbor.ILogger) (interfaces.Pipeline, error) {
	switch strategy {
	case "workshop", "":
		return NewWorkshop(exporter, jobs, logger), nil
	case "minimal":
		return NewMinimal(jobs, phaseDelay, logger), nil
	default:
		return nil, fmt.Errorf("unknown pipeline strategy: %s", strategy)
	}
}

// requestedOutputs de-duplicates the project's outputs, keeping request order
func requestedOutputs(p *models.Project) []string {
	if len(p.Intent.Outputs) == 0 {
		return DefaultOutputs
	}
	seen := make(map[string]bool, len(p.Intent.Outputs))
	var out []string
	for _, o := range p.Intent.Outputs {
		if seen[o] {
			continue
		}
		seen[o] = true
		out = append(out, o)
	}
	return out
}

// stopped polls the checkpoint and reports the stop on the stream
func stopped(run *interfaces.PipelineRun, phase string) bool {
	if run.Checkpoint == nil || !run.Checkpoint() {
		return false
	}
	run.Emitter.Log("warn", fmt.Sprintf("Cancellation requested; stopping before %s", phase))
	return true
}
