package interfaces

import "github.com/ternarybob/folio/internal/models"

// JobEmitter is the façade an execution pipeline uses to report on one job
type JobEmitter interface {
	JobID() string
	Progress(percent int, label string)
	Log(level, msg string)
	Artifact(artifact models.Artifact)
	Error(msg string)
	Done(data models.DoneData)

	// Sealed reports whether the terminal event has been published
	Sealed() bool
}
