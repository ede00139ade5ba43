package common

import (
	"strings"

	"github.com/google/uuid"
)

// NewJobID generates a queue-assigned job id (32 hex chars, no dashes)
func NewJobID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
