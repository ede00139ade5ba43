package badger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/common"
	"github.com/ternarybob/folio/internal/models"
)

func newTestDB(t *testing.T) *BadgerDB {
	t.Helper()
	db, err := NewBadgerDB(arbor.NewLogger(), &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestQueue(t *testing.T, visibility time.Duration, maxReceive int) *QueueStorage {
	t.Helper()
	q, err := NewQueueStorage(newTestDB(t), arbor.NewLogger(), "test_jobs", visibility, maxReceive)
	require.NoError(t, err)
	return q
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

func TestQueueStorage_EnqueueCreatesQueuedRecord(t *testing.T) {
	q := newTestQueue(t, time.Minute, 3)
	ctx := context.Background()

	id := enqueueTest(t, q)

	record, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, record.Status)
	assert.Equal(t, "acme", record.Tenant)
	assert.Equal(t, time.Minute, record.JobTimeout)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestQueueStorage_ReceiveClaimsExclusively(t *testing.T) {
	q := newTestQueue(t, time.Minute, 3)
	ctx := context.Background()

	id := enqueueTest(t, q)

	job, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, job.ID())
	assert.Equal(t, 1, job.ReceiveCount)
	assert.JSONEq(t, `{"k":"v"}`, string(job.Message.Payload))

	// Invisible to other workers while claimed
	_, err = q.Receive(ctx)
	assert.ErrorIs(t, err, models.ErrNoMessage)

	record, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, record.Status)
	assert.Equal(t, 1, record.Attempts)
	assert.NotNil(t, record.StartedAt)
}

func TestQueueStorage_ConcurrentReceiveDeliversOnce(t *testing.T) {
	q := newTestQueue(t, time.Minute, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
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
					continue
				}
				mu.Lock()
				seen[job.ID()]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 5)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s delivered more than once", id)
	}
}

func TestQueueStorage_CompleteAndFail(t *testing.T) {
	q := newTestQueue(t, time.Minute, 3)
	ctx := context.Background()

	okID := enqueueTest(t, q)
	badID := enqueueTest(t, q)

	for i := 0; i < 2; i++ {
		_, err := q.Receive(ctx)
		require.NoError(t, err)
	}

	require.NoError(t, q.Complete(ctx, okID, models.JobStatusDone, 2))
	require.NoError(t, q.Fail(ctx, badID, errors.New("boom")))

	okRecord, err := q.GetJob(ctx, okID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDone, okRecord.Status)
	assert.Equal(t, 2, okRecord.Artifacts)
	assert.NotNil(t, okRecord.EndedAt)

	badRecord, err := q.GetJob(ctx, badID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, badRecord.Status)
	assert.Equal(t, "boom", badRecord.Error)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)

	assert.Error(t, q.Complete(ctx, okID, models.JobStatusRunning, 0))
}

func TestQueueStorage_ReleaseRedelivers(t *testing.T) {
	q := newTestQueue(t, time.Minute, 3)
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

func TestQueueStorage_VisibilityLapseAndMaxReceive(t *testing.T) {
	q := newTestQueue(t, time.Minute, 2)
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
}

func TestQueueStorage_PoisonDropIsPurgedAfterFailureTTL(t *testing.T) {
	q := newTestQueue(t, time.Minute, 1)
	ctx := context.Background()

	clock := time.Now()
	q.now = func() time.Time { return clock }

	id := enqueueTest(t, q)
	_, err := q.Receive(ctx)
	require.NoError(t, err)
	clock = clock.Add(2 * time.Minute)

	for i := 0; i < 3; i++ {
		_, err = q.Receive(ctx)
		assert.ErrorIs(t, err, models.ErrNoMessage)
	}

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)

	record, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusFailed, record.Status)
	assert.False(t, record.ExpiresAt().IsZero())

	purged, err := q.PurgeExpired(ctx, clock.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, err = q.GetJob(ctx, id)
	assert.ErrorIs(t, err, models.ErrJobNotFound)
}

func TestQueueStorage_ExtendKeepsMessageHidden(t *testing.T) {
	q := newTestQueue(t, time.Minute, 3)
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
}

func TestQueueStorage_PurgeExpired(t *testing.T) {
	q := newTestQueue(t, time.Minute, 3)
	ctx := context.Background()

	doneID := enqueueTest(t, q)
	liveID := enqueueTest(t, q)
	_, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, doneID, models.JobStatusDone, 0))

	purged, err := q.PurgeExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, purged)

	purged, err = q.PurgeExpired(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, err = q.GetJob(ctx, doneID)
	assert.ErrorIs(t, err, models.ErrJobNotFound)

	_, err = q.GetJob(ctx, liveID)
	assert.NoError(t, err)
}
