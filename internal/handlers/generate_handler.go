package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/interfaces"
	"github.com/ternarybob/folio/internal/metrics"
	"github.com/ternarybob/folio/internal/models"
)

// JobPolicy is the fixed timeout and retention policy attached to every submitted job
type JobPolicy struct {
	JobTimeout time.Duration
	FailureTTL time.Duration
	ResultTTL  time.Duration
}

// GenerateHandler handles job submission, cancellation and record lookup
type GenerateHandler struct {
	queue         interfaces.JobQueue
	cancels       interfaces.CancelStore
	jobs          interfaces.JobStore
	limiter       *TenantLimiter
	policy        JobPolicy
	apiPrefix     string
	defaultTenant string
	validate      *validator.Validate
	metrics       metrics.Sink
	logger        arbor.ILogger
}

// NewGenerateHandler creates a new generate handler
func NewGenerateHandler(
	queue interfaces.JobQueue,
	cancels interfaces.CancelStore,
	jobs interfaces.JobStore,
	limiter *TenantLimiter,
	policy JobPolicy,
	apiPrefix string,
	defaultTenant string,
	sink metrics.Sink,
	logger arbor.ILogger,
) *GenerateHandler {
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	return &GenerateHandler{
		queue:         queue,
		cancels:       cancels,
		jobs:          jobs,
		limiter:       limiter,
		policy:        policy,
		apiPrefix:     strings.TrimSuffix(apiPrefix, "/"),
		defaultTenant: defaultTenant,
		validate:      newValidator(),
		metrics:       sink,
		logger:        logger,
	}
}

// StreamPath returns the SSE path clients open for a job
func (h *GenerateHandler) StreamPath(jobID string) string {
	return h.apiPrefix + "/generate/stream?job_id=" + jobID
}

// StartHandler validates a submission, prepares the tenant directories and enqueues the job.
// POST /generate/start
func (h *GenerateHandler) StartHandler(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFromContext(r.Context(), h.defaultTenant)

	var req models.StartJobRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.validateRequest(&req); err != nil {
		h.logger.Debug().Err(err).Str("tenant", tenant).Msg("Rejected job submission")
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if h.limiter != nil && !h.limiter.Allow(tenant) {
		WriteError(w, http.StatusTooManyRequests, "too many submissions, retry later")
		return
	}

	if err := h.jobs.EnsureTenant(tenant); err != nil {
		if models.IsValidationError(err) {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error().Err(err).Str("tenant", tenant).Msg("Failed to prepare tenant directories")
		WriteError(w, http.StatusInternalServerError, "failed to prepare job storage")
		return
	}

	payload := models.GeneratePayload{Tenant: tenant, Project: *req.Project}
	handle, err := h.queue.Enqueue(r.Context(), models.TaskGenerate, payload, models.EnqueueOptions{
		Tenant:      tenant,
		JobTimeout:  h.policy.JobTimeout,
		FailureTTL:  h.policy.FailureTTL,
		ResultTTL:   h.policy.ResultTTL,
		Description: req.Project.DisplayTitle(),
	})
	if err != nil {
		h.logger.Error().Err(err).Str("tenant", tenant).Msg("Failed to enqueue job")
		WriteError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	h.metrics.JobEnqueued(models.TaskGenerate)

	h.logger.Info().
		Str("job_id", handle.ID).
		Str("tenant", tenant).
		Strs("outputs", req.Project.Intent.Outputs).
		Msg("Job enqueued")

	WriteJSON(w, http.StatusOK, models.StartJobResponse{
		OK:     true,
		JobID:  handle.ID,
		Stream: h.StreamPath(handle.ID),
	})
}

type cancelRequest struct {
	JobID string `json:"job_id"`
}

// CancelHandler raises the cancellation flag of a job owned by the caller's tenant.
// The pipeline observes it at its next checkpoint.
// POST /generate/cancel
func (h *GenerateHandler) CancelHandler(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "job_id required")
		return
	}
	jobID := strings.TrimSpace(req.JobID)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "job_id required")
		return
	}

	if _, ok := h.ownedJob(w, r, jobID); !ok {
		return
	}

	if err := h.cancels.SetCancelled(r.Context(), jobID); err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to set cancellation flag")
		WriteError(w, http.StatusServiceUnavailable, "failed to record cancellation")
		return
	}

	h.logger.Info().Str("job_id", jobID).Msg("Job cancellation requested")
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"ok":        true,
		"cancelled": true,
	})
}

// GetJobHandler returns the queue's bookkeeping record of a job owned by the caller's tenant.
// GET /generate/jobs/{job_id}
func (h *GenerateHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	record, ok := h.ownedJob(w, r, r.PathValue("job_id"))
	if !ok {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"ok":  true,
		"job": record,
	})
}

// ownedJob loads a job record and writes 404 when it is missing or belongs to another tenant
func (h *GenerateHandler) ownedJob(w http.ResponseWriter, r *http.Request, jobID string) (*models.JobRecord, bool) {
	tenant := TenantFromContext(r.Context(), h.defaultTenant)

	record, err := h.queue.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			WriteError(w, http.StatusNotFound, "job not found")
			return nil, false
		}
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to load job record")
		WriteError(w, http.StatusInternalServerError, "failed to load job")
		return nil, false
	}
	if record.Tenant != tenant {
		WriteError(w, http.StatusNotFound, "job not found")
		return nil, false
	}
	return record, true
}

func (h *GenerateHandler) validateRequest(req *models.StartJobRequest) error {
	err := h.validate.Struct(req)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &models.ValidationError{Fields: []string{err.Error()}}
	}

	fields := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields = append(fields, describeFieldError(fe))
	}
	return &models.ValidationError{Fields: fields}
}

func describeFieldError(fe validator.FieldError) string {
	// Drop the root struct name so messages read "project.intent.outputs[0]"
	name := fe.Namespace()
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}

	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", name)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", name, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", name, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", name, fe.Tag())
	}
}

// newValidator reports field names by their JSON tag
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
