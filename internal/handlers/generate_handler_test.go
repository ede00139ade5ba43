package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/folio/internal/models"
)

func TestStartHandler_EnqueuesJob(t *testing.T) {
	env := newTestEnv(t)
	h := env.generateHandler(nil)

	rec := httptest.NewRecorder()
	body := map[string]interface{}{
		"project": map[string]interface{}{
			"intent": map[string]interface{}{"outputs": []string{"pdf"}},
		},
	}
	h.StartHandler(rec, jsonRequest(t, http.MethodPost, "/api/generate/start", body))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody(t, rec)
	assert.Equal(t, true, resp["ok"])

	jobID, _ := resp["job_id"].(string)
	require.NotEmpty(t, jobID)
	assert.Equal(t, "/api/generate/stream?job_id="+jobID, resp["stream"])

	record, err := env.queue.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, record.Status)
	assert.Equal(t, "public", record.Tenant)
	assert.Equal(t, models.TaskGenerate, record.Task)

	// Tenant directory is prepared before enqueue
	info, err := os.Stat(filepath.Join(env.dirs.Root(), "public"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestStartHandler_MissingProject(t *testing.T) {
	env := newTestEnv(t)
	h := env.generateHandler(nil)

	rec := httptest.NewRecorder()
	h.StartHandler(rec, jsonRequest(t, http.MethodPost, "/api/generate/start", map[string]interface{}{}))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeBody(t, rec)
	assert.Equal(t, false, resp["ok"])
	assert.Contains(t, resp["error"], "project is required")
	assert.NotContains(t, resp, "job_id")

	depth, err := env.queue.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, depth, "rejected submissions never reach the queue")
}

func TestStartHandler_MalformedJSON(t *testing.T) {
	env := newTestEnv(t)
	h := env.generateHandler(nil)

	for _, body := range []string{"", "{not json", `{"project": "a string"}`} {
		rec := httptest.NewRecorder()
		h.StartHandler(rec, jsonRequest(t, http.MethodPost, "/api/generate/start", body))
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
		assert.Contains(t, decodeBody(t, rec), "error")
	}
}

func TestStartHandler_RejectsUnknownOutput(t *testing.T) {
	env := newTestEnv(t)
	h := env.generateHandler(nil)

	rec := httptest.NewRecorder()
	body := map[string]interface{}{
		"project": map[string]interface{}{
			"intent": map[string]interface{}{"outputs": []string{"pdf", "docx"}},
		},
	}
	h.StartHandler(rec, jsonRequest(t, http.MethodPost, "/api/generate/start", body))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "project.intent.outputs[1] must be one of")
}

func TestStartHandler_UsesTenantFromContext(t *testing.T) {
	env := newTestEnv(t)
	h := env.generateHandler(nil)

	req := jsonRequest(t, http.MethodPost, "/api/generate/start", map[string]interface{}{
		"project": map[string]interface{}{"name": "Tenant Book"},
	})
	req = req.WithContext(WithTenant(req.Context(), "acme"))

	rec := httptest.NewRecorder()
	h.StartHandler(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	record, err := env.queue.GetJob(context.Background(), decodeBody(t, rec)["job_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, "acme", record.Tenant)
	assert.Equal(t, "Tenant Book", record.Description)

	_, err = os.Stat(filepath.Join(env.dirs.Root(), "acme"))
	assert.NoError(t, err)
}

func TestStartHandler_InvalidTenant(t *testing.T) {
	env := newTestEnv(t)
	h := env.generateHandler(nil)

	req := jsonRequest(t, http.MethodPost, "/api/generate/start", map[string]interface{}{
		"project": map[string]interface{}{},
	})
	req = req.WithContext(WithTenant(req.Context(), "../escape"))

	rec := httptest.NewRecorder()
	h.StartHandler(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartHandler_RateLimited(t *testing.T) {
	env := newTestEnv(t)
	h := env.generateHandler(NewTenantLimiter(0.001, 1))

	body := map[string]interface{}{"project": map[string]interface{}{}}

	rec := httptest.NewRecorder()
	h.StartHandler(rec, jsonRequest(t, http.MethodPost, "/api/generate/start", body))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.StartHandler(rec, jsonRequest(t, http.MethodPost, "/api/generate/start", body))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Another tenant has its own bucket
	req := jsonRequest(t, http.MethodPost, "/api/generate/start", body)
	req = req.WithContext(WithTenant(req.Context(), "other"))
	rec = httptest.NewRecorder()
	h.StartHandler(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCancelHandler(t *testing.T) {
	env := newTestEnv(t)
	h := env.generateHandler(nil)

	t.Run("missing job_id", func(t *testing.T) {
		for _, body := range []interface{}{map[string]string{}, map[string]string{"job_id": "  "}, "", "nope"} {
			rec := httptest.NewRecorder()
			h.CancelHandler(rec, jsonRequest(t, http.MethodPost, "/api/generate/cancel", body))
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "job_id required", decodeBody(t, rec)["error"])
		}
	})

	handle, err := env.queue.Enqueue(context.Background(), models.TaskGenerate, models.GeneratePayload{Tenant: "public"}, models.EnqueueOptions{Tenant: "public"})
	require.NoError(t, err)

	t.Run("sets flag", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.CancelHandler(rec, jsonRequest(t, http.MethodPost, "/api/generate/cancel", map[string]string{"job_id": handle.ID}))

		require.Equal(t, http.StatusOK, rec.Code)
		resp := decodeBody(t, rec)
		assert.Equal(t, true, resp["ok"])
		assert.Equal(t, true, resp["cancelled"])

		cancelled, err := env.flags.IsCancelled(context.Background(), handle.ID)
		require.NoError(t, err)
		assert.True(t, cancelled)
	})

	t.Run("unknown job", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.CancelHandler(rec, jsonRequest(t, http.MethodPost, "/api/generate/cancel", map[string]string{"job_id": "missing"}))
		assert.Equal(t, http.StatusNotFound, rec.Code)

		cancelled, err := env.flags.IsCancelled(context.Background(), "missing")
		require.NoError(t, err)
		assert.False(t, cancelled)
	})

	t.Run("other tenant", func(t *testing.T) {
		other, err := env.queue.Enqueue(context.Background(), models.TaskGenerate, models.GeneratePayload{Tenant: "acme"}, models.EnqueueOptions{Tenant: "acme"})
		require.NoError(t, err)

		rec := httptest.NewRecorder()
		h.CancelHandler(rec, jsonRequest(t, http.MethodPost, "/api/generate/cancel", map[string]string{"job_id": other.ID}))
		assert.Equal(t, http.StatusNotFound, rec.Code)

		cancelled, err := env.flags.IsCancelled(context.Background(), other.ID)
		require.NoError(t, err)
		assert.False(t, cancelled, "a tenant must not cancel another tenant's job")
	})
}

func TestGetJobHandler(t *testing.T) {
	env := newTestEnv(t)
	h := env.generateHandler(nil)

	handle, err := env.queue.Enqueue(context.Background(), models.TaskGenerate, models.GeneratePayload{Tenant: "public"}, models.EnqueueOptions{Tenant: "public"})
	require.NoError(t, err)

	t.Run("found", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/generate/jobs/"+handle.ID, nil)
		req.SetPathValue("job_id", handle.ID)
		rec := httptest.NewRecorder()
		h.GetJobHandler(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		job := decodeBody(t, rec)["job"].(map[string]interface{})
		assert.Equal(t, handle.ID, job["id"])
		assert.Equal(t, "queued", job["status"])
	})

	t.Run("unknown", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/generate/jobs/missing", nil)
		req.SetPathValue("job_id", "missing")
		rec := httptest.NewRecorder()
		h.GetJobHandler(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("other tenant", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/generate/jobs/"+handle.ID, nil)
		req.SetPathValue("job_id", handle.ID)
		req = req.WithContext(WithTenant(req.Context(), "acme"))
		rec := httptest.NewRecorder()
		h.GetJobHandler(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
