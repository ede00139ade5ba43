package models

import (
	"errors"
	"strings"
)

var (
	// ErrNoMessage is returned when the queue is empty
	ErrNoMessage = errors.New("no messages in queue")

	// ErrJobNotFound is returned when a job record does not exist (or has been purged)
	ErrJobNotFound = errors.New("job not found")

	// ErrArtifactNotFound is returned when an artifact file is missing
	ErrArtifactNotFound = errors.New("artifact not found")

	// ErrBusClosed is returned when publishing to or subscribing on a closed event bus
	ErrBusClosed = errors.New("event bus closed")

	// ErrCancelled marks a job that stopped at a checkpoint after a cancel request
	ErrCancelled = errors.New("cancelled")

	// ErrJobTimeout marks a job that exceeded its job_timeout
	ErrJobTimeout = errors.New("job timed out")

	// ErrWorkerShutdown marks a job interrupted because the worker pool stopped
	ErrWorkerShutdown = errors.New("worker shutting down")
)

// ValidationError is a malformed submission. It never reaches the queue.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "invalid request"
	}
	return "invalid request: " + strings.Join(e.Fields, "; ")
}

// IsValidationError reports whether err is (or wraps) a ValidationError
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
