package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/interfaces"
	"github.com/ternarybob/folio/internal/models"
)

// ExportsHandler lists and serves the artifacts a job wrote to disk
type ExportsHandler struct {
	jobs          interfaces.JobStore
	defaultTenant string
	logger        arbor.ILogger
}

// NewExportsHandler creates a new exports handler
func NewExportsHandler(jobs interfaces.JobStore, defaultTenant string, logger arbor.ILogger) *ExportsHandler {
	return &ExportsHandler{
		jobs:          jobs,
		defaultTenant: defaultTenant,
		logger:        logger,
	}
}

// ListHandler scans the job's artifacts directory. An unknown job yields an empty list.
// GET /exports/{job_id}
func (h *ExportsHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFromContext(r.Context(), h.defaultTenant)
	jobID := r.PathValue("job_id")

	artifacts, err := h.jobs.ListArtifacts(tenant, jobID)
	if err != nil {
		if models.IsValidationError(err) {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to list artifacts")
		WriteError(w, http.StatusInternalServerError, "failed to list artifacts")
		return
	}
	if artifacts == nil {
		artifacts = []models.Artifact{}
	}

	WriteJSON(w, http.StatusOK, models.ArtifactListResponse{
		OK:        true,
		Artifacts: artifacts,
	})
}

// DownloadHandler streams one artifact file.
// GET /exports/{job_id}/{filename}
func (h *ExportsHandler) DownloadHandler(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFromContext(r.Context(), h.defaultTenant)
	jobID := r.PathValue("job_id")
	filename := r.PathValue("filename")

	path, err := h.jobs.ArtifactPath(tenant, jobID, filename)
	if err != nil {
		if errors.Is(err, models.ErrArtifactNotFound) || models.IsValidationError(err) {
			WriteError(w, http.StatusNotFound, "artifact not found")
			return
		}
		h.logger.Error().Err(err).Str("job_id", jobID).Str("filename", filename).Msg("Failed to resolve artifact")
		WriteError(w, http.StatusInternalServerError, "failed to load artifact")
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	http.ServeFile(w, r, path)
}
