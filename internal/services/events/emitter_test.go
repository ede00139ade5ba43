package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/interfaces"
	"github.com/ternarybob/folio/internal/models"
)

func newTestEmitter(t *testing.T) (*Emitter, interfaces.Subscription) {
	t.Helper()
	bus := NewMemoryBus(arbor.NewLogger(), 64)
	sub, err := bus.Subscribe(context.Background(), "job-1")
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })
	return NewEmitter(context.Background(), bus, "job-1", arbor.NewLogger(), nil), sub
}

func drain(t *testing.T, sub interfaces.Subscription) []models.Envelope {
	t.Helper()
	var out []models.Envelope
	for {
		env, ok, err := sub.Next(context.Background(), 20*time.Millisecond)
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, env)
	}
}

func TestEmitter_ProgressIsClampedAndMonotonic(t *testing.T) {
	e, sub := newTestEmitter(t)

	e.Progress(-5, "start")
	e.Progress(40, "plan")
	e.Progress(20, "regress")
	e.Progress(150, "over")

	var got []int
	for _, env := range drain(t, sub) {
		var p models.ProgressData
		require.NoError(t, json.Unmarshal(env.Data, &p))
		got = append(got, p.Percent)
	}
	assert.Equal(t, []int{0, 40, 40, 100}, got)
}

func TestEmitter_SealedAfterDone(t *testing.T) {
	e, sub := newTestEmitter(t)

	e.Log("info", "Job started")
	assert.False(t, e.Sealed())
	e.Done(models.DoneData{OK: true})
	assert.True(t, e.Sealed())

	e.Log("info", "late")
	e.Done(models.DoneData{OK: false, Error: "again"})

	events := drain(t, sub)
	require.Len(t, events, 2)
	assert.Equal(t, models.EventLog, events[0].Event)
	assert.Equal(t, models.EventDone, events[1].Event)

	done, err := events[1].Done()
	require.NoError(t, err)
	assert.True(t, done.OK)
}

func TestEmitter_ErrorAlsoLogs(t *testing.T) {
	e, sub := newTestEmitter(t)

	e.Error("render failed")

	events := drain(t, sub)
	require.Len(t, events, 2)
	assert.Equal(t, models.EventError, events[0].Event)
	assert.JSONEq(t, `{"message":"render failed"}`, string(events[0].Data))
	assert.Equal(t, models.EventLog, events[1].Event)
	assert.JSONEq(t, `{"level":"error","msg":"render failed"}`, string(events[1].Data))
}

func TestEmitter_ArtifactDefaults(t *testing.T) {
	e, sub := newTestEmitter(t)

	e.Artifact(models.Artifact{ID: "pdf", Href: "/api/exports/job-1/book.pdf", Bytes: 10})
	require.NoError(t, e.ArtifactMap(map[string]interface{}{"type": "epub", "path": "/x.epub", "size": 5.0}))
	assert.Error(t, e.ArtifactMap(map[string]interface{}{"label": "no id"}))

	events := drain(t, sub)
	require.Len(t, events, 2)

	var first models.Artifact
	require.NoError(t, json.Unmarshal(events[0].Data, &first))
	assert.Equal(t, "pdf", first.Label)
	assert.Equal(t, models.ArtifactReady, first.Status)

	var second models.Artifact
	require.NoError(t, json.Unmarshal(events[1].Data, &second))
	assert.Equal(t, "epub", second.ID)
	assert.Equal(t, "/x.epub", second.Href)
	assert.Equal(t, int64(5), second.Bytes)
}

type failingBus struct{ MemoryBus }

func (f *failingBus) Publish(ctx context.Context, jobID string, env models.Envelope) error {
	return errors.New("broker down")
}

func TestEmitter_PublishFailureIsSwallowed(t *testing.T) {
	bus := &failingBus{}
	e := NewEmitter(context.Background(), bus, "job-1", arbor.NewLogger(), nil)

	assert.NotPanics(t, func() {
		e.Progress(10, "x")
		e.Done(models.DoneData{OK: true})
	})
	assert.True(t, e.Sealed())
}
