package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/models"
)

func newTestQueue(t *testing.T, visibility time.Duration, maxReceive int) (*QueueStorage, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	q, err := NewQueueStorage(client, arbor.NewLogger(), "test_jobs", visibility, maxReceive)
	require.NoError(t, err)
	return q, mr
}

func enqueueTest(t *testing.T, q *QueueStorage) string {
	t.Helper()
	h, err := q.Enqueue(context.Background(), models.TaskGenerate, map[string]string{"k": "v"}, models.EnqueueOptions{
		Tenant:     "acme",
		JobTimeout: time.Minute,
		FailureTTL: time.Hour,
		ResultTTL:  time.Hour,
	})
	require.NoError(t, err)
	require.NotEmpty(t, h.ID)
	return h.ID
}

func TestQueueStorage_EnqueueReceiveComplete(t *testing.T) {
	q, _ := newTestQueue(t, time.Minute, 3)
	ctx := context.Background()

	id := enqueueTest(t, q)

	record, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, record.Status)
	assert.Equal(t, "acme", record.Tenant)

	job, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, job.ID())
	assert.Equal(t, models.TaskGenerate, job.Message.Task)
	assert.Equal(t, 1, job.ReceiveCount)
	assert.JSONEq(t, `{"k":"v"}`, string(job.Message.Payload))

	record, err = q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, record.Status)
	require.NotNil(t, record.StartedAt)

	// Claimed message is invisible to other workers
	_, err = q.Receive(ctx)
	assert.ErrorIs(t, err, models.ErrNoMessage)

	require.NoError(t, q.Complete(ctx, id, models.JobStatusDone, 2))

	record, err = q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDone, record.Status)
	assert.Equal(t, 2, record.Artifacts)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestQueueStorage_EmptyQueue(t *testing.T) {
	q, _ := newTestQueue(t, time.Minute, 3)
	_, err := q.Receive(context.Background())
	assert.ErrorIs(t, err, models.ErrNoMessage)
}

func TestQueueStorage_FailRecordsError(t *testing.T) {
	q, _ := newTestQueue(t, time.Minute, 3)
	ctx := context.Background()

	id := enqueueTest(t, q)
	_, err := q.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, id, errors.New("pipeline exploded")))

	record, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, record.Status)
	assert.Equal(t, "pipeline exploded", record.Error)

	assert.Error(t, q.Complete(ctx, id, models.JobStatusFailed, 0))
}

func TestQueueStorage_VisibilityLapseAndMaxReceive(t *testing.T) {
	q, _ := newTestQueue(t, time.Minute, 2)
	ctx := context.Background()

	clock := time.Now()
	q.now = func() time.Time { return clock }

	id := enqueueTest(t, q)

	for attempt := 1; attempt <= 2; attempt++ {
		job, err := q.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, attempt, job.ReceiveCount)
		clock = clock.Add(2 * time.Minute) // worker died, visibility lapses
	}

	// Third delivery exceeds max receive: dropped and recorded as failed
	_, err := q.Receive(ctx)
	assert.ErrorIs(t, err, models.ErrNoMessage)

	record, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, record.Status)
	assert.Equal(t, "max deliveries exceeded", record.Error)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)

	// The dropped record follows failure_ttl retention
	purged, err := q.PurgeExpired(ctx, clock.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, err = q.GetJob(ctx, id)
	assert.ErrorIs(t, err, models.ErrJobNotFound)
}

func TestQueueStorage_ExtendKeepsMessageHidden(t *testing.T) {
	q, _ := newTestQueue(t, time.Minute, 3)
	ctx := context.Background()

	clock := time.Now()
	q.now = func() time.Time { return clock }

	id := enqueueTest(t, q)
	_, err := q.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Extend(ctx, id, 10*time.Minute))
	clock = clock.Add(5 * time.Minute)

	_, err = q.Receive(ctx)
	assert.ErrorIs(t, err, models.ErrNoMessage)

	clock = clock.Add(6 * time.Minute)
	job, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, job.ReceiveCount)
}

func TestQueueStorage_ExtendAfterAckDoesNotResurrect(t *testing.T) {
	q, _ := newTestQueue(t, time.Minute, 3)
	ctx := context.Background()

	id := enqueueTest(t, q)
	_, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, id, models.JobStatusDone, 0))

	assert.ErrorIs(t, q.Extend(ctx, id, time.Minute), models.ErrJobNotFound)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestQueueStorage_ReleaseRedelivers(t *testing.T) {
	q, _ := newTestQueue(t, time.Hour, 3)
	ctx := context.Background()

	id := enqueueTest(t, q)
	_, err := q.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Release(ctx, id))

	record, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, record.Status)

	job, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, job.ID())
	assert.Equal(t, 2, job.ReceiveCount)
}

func TestQueueStorage_PurgeKeepsLiveRecords(t *testing.T) {
	q, _ := newTestQueue(t, time.Minute, 3)
	ctx := context.Background()

	live := enqueueTest(t, q)
	done := enqueueTest(t, q)

	job, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, job.ID(), models.JobStatusDone, 0))

	purged, err := q.PurgeExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, purged)

	purged, err = q.PurgeExpired(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	remaining := live
	if job.ID() == live {
		remaining = done
	}
	_, err = q.GetJob(ctx, remaining)
	assert.NoError(t, err)
}

func TestQueueStorage_ConcurrentReceiveClaimsOnce(t *testing.T) {
	q, _ := newTestQueue(t, time.Minute, 3)
	ctx := context.Background()

	const jobs = 5
	for i := 0; i < jobs; i++ {
		enqueueTest(t, q)
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := q.Receive(ctx)
				if errors.Is(err, models.ErrNoMessage) {
					return
				}
				if err != nil {
					continue // claim contention; try again
				}
				mu.Lock()
				seen[job.ID()]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, jobs)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}
}

func TestQueueStorage_Ping(t *testing.T) {
	q, mr := newTestQueue(t, time.Minute, 3)
	require.NoError(t, q.Ping())

	mr.Close()
	assert.Error(t, q.Ping())
}
