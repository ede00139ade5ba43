package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/folio/internal/models"
)

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	h := NewHealthHandler(env.db, env.bus, env.queue, env.logger)

	rec := httptest.NewRecorder()
	h.HealthzHandler(rec, httptest.NewRequest(http.MethodGet, "/api/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody(t, rec)
	assert.Equal(t, true, resp["ok"])
	assert.Equal(t, "folio", resp["service"])
	assert.NotEmpty(t, resp["version"])
}

func TestReadyz(t *testing.T) {
	env := newTestEnv(t)
	h := NewHealthHandler(env.db, env.bus, env.queue, env.logger)

	rec := httptest.NewRecorder()
	h.ReadyzHandler(rec, httptest.NewRequest(http.MethodGet, "/api/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"storage":"ok","events":"ok","queue_depth":0}`, rec.Body.String())

	_, err := env.queue.Enqueue(context.Background(), models.TaskGenerate, map[string]string{}, models.EnqueueOptions{Tenant: "public"})
	require.NoError(t, err)

	rec = httptest.NewRecorder()
	h.ReadyzHandler(rec, httptest.NewRequest(http.MethodGet, "/api/readyz", nil))
	assert.Equal(t, float64(1), decodeBody(t, rec)["queue_depth"])

	require.NoError(t, env.bus.Close())

	rec = httptest.NewRecorder()
	h.ReadyzHandler(rec, httptest.NewRequest(http.MethodGet, "/api/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decodeBody(t, rec)
	assert.Equal(t, false, resp["ok"])
	assert.Equal(t, "ok", resp["storage"])
	assert.Equal(t, "event bus closed", resp["events"])
}
