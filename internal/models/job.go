package models

import (
	"encoding/json"
	"time"
)

// JobStatus tracks a job through queued -> running -> {done | failed | cancelled}
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusDone      JobStatus = "done"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the status is final
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusDone || s == JobStatusFailed || s == JobStatusCancelled
}

// TaskGenerate is the task name of a content-generation job
const TaskGenerate = "generate"

// GeneratePayload is the argument tuple of a generate job
type GeneratePayload struct {
	Tenant  string  `json:"tenant"`
	Project Project `json:"project"`
}

// EnqueueOptions are the retention and timeout policies attached to a job at enqueue time
type EnqueueOptions struct {
	Tenant      string
	JobTimeout  time.Duration
	FailureTTL  time.Duration
	ResultTTL   time.Duration
	Description string
}

// JobHandle is returned by Enqueue
type JobHandle struct {
	ID string `json:"id"`
}

// QueueMessage is the structure stored in the queue.
// Keep it simple - just enough to route and bound the job.
type QueueMessage struct {
	JobID      string          `json:"job_id"`
	Task       string          `json:"task"`
	Payload    json.RawMessage `json:"payload"`
	JobTimeout time.Duration   `json:"job_timeout"`
}

// QueuedJob is a message claimed by a worker
type QueuedJob struct {
	Message      QueueMessage
	ReceiveCount int
}

// ID returns the job id of the claimed message
func (j *QueuedJob) ID() string {
	return j.Message.JobID
}

// JobRecord is the queue's operational bookkeeping for one job.
// It exists for introspection only; the event stream is the source of truth for clients.
type JobRecord struct {
	ID          string    `json:"id" badgerhold:"key"`
	Task        string    `json:"task"`
	Tenant      string    `json:"tenant"`
	Description string    `json:"description,omitempty"`
	Status      JobStatus `json:"status" badgerhold:"index"`
	Attempts    int       `json:"attempts"`
	Error       string    `json:"error,omitempty"`
	Artifacts   int       `json:"artifacts"`

	JobTimeout time.Duration `json:"job_timeout"`
	FailureTTL time.Duration `json:"failure_ttl"`
	ResultTTL  time.Duration `json:"result_ttl"`

	EnqueuedAt time.Time  `json:"enqueued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// ExpiresAt returns when a terminal record may be garbage-collected. Zero for live jobs.
func (r *JobRecord) ExpiresAt() time.Time {
	if !r.Status.IsTerminal() || r.EndedAt == nil {
		return time.Time{}
	}
	if r.Status == JobStatusFailed {
		return r.EndedAt.Add(r.FailureTTL)
	}
	return r.EndedAt.Add(r.ResultTTL)
}

// JobResult is what a task hands back to the worker harness
type JobResult struct {
	Artifacts []Artifact
	Cancelled bool
}

// JobDirs are the private directories of one job
type JobDirs struct {
	Root      string `json:"root"`
	Artifacts string `json:"artifacts"`
}
