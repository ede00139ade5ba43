package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/common"
	"github.com/ternarybob/folio/internal/models"
	cancelstore "github.com/ternarybob/folio/internal/services/cancel"
	"github.com/ternarybob/folio/internal/services/events"
	badgerstore "github.com/ternarybob/folio/internal/storage/badger"
	redisstore "github.com/ternarybob/folio/internal/storage/redis"
)

func testConfig(t *testing.T) *common.Config {
	t.Helper()
	cfg := common.NewDefaultConfig()
	cfg.Storage.Badger.InMemory = true
	cfg.Storage.Jobs.Dir = t.TempDir()
	cfg.Queue.PollInterval = "20ms"
	cfg.Queue.ShutdownGrace = "2s"
	return cfg
}

func TestNew_MemoryMode(t *testing.T) {
	application, err := New(testConfig(t), arbor.NewLogger())
	require.NoError(t, err)
	defer application.Close()

	assert.IsType(t, &events.MemoryBus{}, application.EventBus)
	assert.IsType(t, &badgerstore.FlagStorage{}, application.Cancels)
	assert.Nil(t, application.Redis)
	assert.Equal(t, "workshop", application.Pipeline.Name())
	assert.NotNil(t, application.MetricsHandler())
}

func TestNew_RedisMode(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig(t)
	cfg.Events.Backend = "redis"
	cfg.Cancel.Backend = "redis"
	cfg.Redis.URL = "redis://" + mr.Addr() + "/0"
	cfg.Metrics.Enabled = false

	application, err := New(cfg, arbor.NewLogger())
	require.NoError(t, err)
	defer application.Close()

	assert.IsType(t, &events.RedisBus{}, application.EventBus)
	assert.IsType(t, &cancelstore.RedisStore{}, application.Cancels)
	assert.Nil(t, application.MetricsHandler())

	require.NoError(t, application.Cancels.SetCancelled(context.Background(), "job-1"))
	assert.True(t, mr.Exists(cancelstore.Key("job-1")))
}

func TestNew_RedisQueueSkipsBadger(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig(t)
	cfg.Queue.Backend = "redis"
	cfg.Events.Backend = "redis"
	cfg.Cancel.Backend = "redis"
	cfg.Redis.URL = "redis://" + mr.Addr() + "/0"

	application, err := New(cfg, arbor.NewLogger())
	require.NoError(t, err)
	defer application.Close()

	assert.IsType(t, &redisstore.QueueStorage{}, application.Queue)
	assert.Nil(t, application.DB)

	depth, err := application.Queue.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestSplitRoles_WorkerRunsJobsEnqueuedByAPI(t *testing.T) {
	mr := miniredis.RunT(t)
	jobsDir := t.TempDir()

	roleConfig := func(role string) *common.Config {
		cfg := testConfig(t)
		cfg.Role = role
		cfg.Queue.Backend = "redis"
		cfg.Events.Backend = "redis"
		cfg.Cancel.Backend = "redis"
		cfg.Redis.URL = "redis://" + mr.Addr() + "/0"
		cfg.Storage.Jobs.Dir = jobsDir
		cfg.Pipeline.Strategy = "minimal"
		cfg.Pipeline.PhaseDelay = "0s"
		cfg.Metrics.Enabled = false
		require.NoError(t, cfg.Validate())
		return cfg
	}

	api, err := New(roleConfig("api"), arbor.NewLogger())
	require.NoError(t, err)
	defer api.Close()

	worker, err := New(roleConfig("worker"), arbor.NewLogger())
	require.NoError(t, err)
	defer worker.Close()

	ctx := context.Background()
	require.NoError(t, api.JobDirs.EnsureTenant("public"))
	handle, err := api.Queue.Enqueue(ctx, models.TaskGenerate, models.GeneratePayload{
		Tenant:  "public",
		Project: models.Project{Intent: models.IntentData{Outputs: []string{"pdf"}}},
	}, models.EnqueueOptions{Tenant: "public", JobTimeout: time.Minute, ResultTTL: time.Hour})
	require.NoError(t, err)

	sub, err := api.EventBus.Subscribe(ctx, handle.ID)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, worker.Start())

	deadline := time.Now().Add(10 * time.Second)
	sawDone := false
	for !sawDone && time.Now().Before(deadline) {
		env, ok, err := sub.Next(ctx, 200*time.Millisecond)
		require.NoError(t, err)
		if ok && env.Event == models.EventDone {
			sawDone = true
		}
	}
	require.True(t, sawDone, "api process never saw the worker's done event")

	rec, err := api.Queue.GetJob(ctx, handle.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDone, rec.Status)

	artifacts, err := api.JobDirs.ListArtifacts("public", handle.ID)
	require.NoError(t, err)
	assert.Len(t, artifacts, 1)
}

func TestNew_RedisUnavailable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Events.Backend = "redis"
	cfg.Redis.URL = "redis://127.0.0.1:1/0"

	_, err := New(cfg, arbor.NewLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis")
}

func TestNew_InvalidRedisURL(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cancel.Backend = "redis"
	cfg.Redis.URL = "http://not-redis"

	_, err := New(cfg, arbor.NewLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid redis url")
}

func TestStartRunsJobsEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pipeline.Strategy = "minimal"
	cfg.Pipeline.PhaseDelay = "0s"

	application, err := New(cfg, arbor.NewLogger())
	require.NoError(t, err)
	defer application.Close()

	require.NoError(t, application.JobDirs.EnsureTenant("public"))
	handle, err := application.Queue.Enqueue(context.Background(), models.TaskGenerate, models.GeneratePayload{
		Tenant:  "public",
		Project: models.Project{Intent: models.IntentData{Outputs: []string{"pdf", "epub"}}},
	}, models.EnqueueOptions{Tenant: "public", JobTimeout: time.Minute, ResultTTL: time.Hour})
	require.NoError(t, err)

	require.NoError(t, application.Start())

	require.Eventually(t, func() bool {
		rec, err := application.Queue.GetJob(context.Background(), handle.ID)
		return err == nil && rec.Status == models.JobStatusDone
	}, 10*time.Second, 20*time.Millisecond)

	artifacts, err := application.JobDirs.ListArtifacts("public", handle.ID)
	require.NoError(t, err)
	assert.Len(t, artifacts, 2)

	// Stop is idempotent and Close still releases storage afterwards
	application.Stop()
	application.Stop()
}
