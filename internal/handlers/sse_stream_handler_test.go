package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/folio/internal/models"
	"github.com/ternarybob/folio/internal/services/events"
)

func openStream(t *testing.T, ctx context.Context, baseURL, jobID string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"?job_id="+jobID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSSEStream_RelaysUntilDone(t *testing.T) {
	env := newTestEnv(t)
	h := NewSSEStreamHandler(env.bus, 50*time.Millisecond, nil, env.logger)
	server := httptest.NewServer(http.HandlerFunc(h.StreamHandler))
	defer server.Close()

	resp := openStream(t, context.Background(), server.URL, "job-a")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "no", resp.Header.Get("X-Accel-Buffering"))

	frames := readSSEFrames(resp.Body)

	first, ok := nextFrame(t, frames)
	require.True(t, ok)
	assert.Equal(t, "ping", first.Event, "stream opens with a ping")

	require.Eventually(t, func() bool { return env.bus.SubscriberCount("job-a") == 1 }, 2*time.Second, 10*time.Millisecond)

	emitter := events.NewEmitter(context.Background(), env.bus, "job-a", env.logger, nil)
	emitter.Progress(40, "Writing")
	emitter.Artifact(models.Artifact{ID: "pdf", Href: "/api/exports/job-a/print.pdf", Bytes: 12})
	emitter.Done(models.DoneData{OK: true})

	progress, ok := nextNonPing(t, frames)
	require.True(t, ok)
	assert.Equal(t, "progress", progress.Event)
	assert.JSONEq(t, `{"percent":40,"label":"Writing"}`, progress.Data)

	artifact, ok := nextNonPing(t, frames)
	require.True(t, ok)
	assert.Equal(t, "artifact", artifact.Event)
	var a models.Artifact
	require.NoError(t, json.Unmarshal([]byte(artifact.Data), &a))
	assert.Equal(t, "pdf", a.ID)

	done, ok := nextNonPing(t, frames)
	require.True(t, ok)
	assert.Equal(t, "done", done.Event)
	assert.Contains(t, done.Data, `"ok":true`)

	// The bridge ends the response after done and releases the subscription
	_, ok = nextFrame(t, frames)
	assert.False(t, ok, "stream should close after done")
	require.Eventually(t, func() bool { return env.bus.SubscriberCount("job-a") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSSEStream_KeepalivePings(t *testing.T) {
	env := newTestEnv(t)
	h := NewSSEStreamHandler(env.bus, 20*time.Millisecond, nil, env.logger)
	server := httptest.NewServer(http.HandlerFunc(h.StreamHandler))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	frames := readSSEFrames(openStream(t, ctx, server.URL, "idle-job").Body)
	for i := 0; i < 4; i++ {
		f, ok := nextFrame(t, frames)
		require.True(t, ok)
		assert.Equal(t, "ping", f.Event)
		assert.Equal(t, "{}", f.Data)
	}
}

func TestSSEStream_ClientDisconnectReleasesSubscription(t *testing.T) {
	env := newTestEnv(t)
	h := NewSSEStreamHandler(env.bus, 20*time.Millisecond, nil, env.logger)
	server := httptest.NewServer(http.HandlerFunc(h.StreamHandler))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	frames := readSSEFrames(openStream(t, ctx, server.URL, "job-d").Body)

	_, ok := nextFrame(t, frames)
	require.True(t, ok)
	require.Eventually(t, func() bool { return env.bus.SubscriberCount("job-d") == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.Eventually(t, func() bool { return env.bus.SubscriberCount("job-d") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSSEStream_BusFailureWritesErrorFrame(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.bus.Close())

	h := NewSSEStreamHandler(env.bus, 20*time.Millisecond, nil, env.logger)
	server := httptest.NewServer(http.HandlerFunc(h.StreamHandler))
	defer server.Close()

	frames := readSSEFrames(openStream(t, context.Background(), server.URL, "job-e").Body)

	f, ok := nextFrame(t, frames)
	require.True(t, ok)
	assert.Equal(t, "error", f.Event)
	assert.Contains(t, f.Data, "event stream unavailable")

	_, ok = nextFrame(t, frames)
	assert.False(t, ok)
}

func TestSSEStream_RequiresJobID(t *testing.T) {
	env := newTestEnv(t)
	h := NewSSEStreamHandler(env.bus, time.Second, nil, env.logger)

	rec := httptest.NewRecorder()
	h.StreamHandler(rec, httptest.NewRequest(http.MethodGet, "/api/generate/stream", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "job_id required"))
}
