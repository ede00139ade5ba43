package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/common"
	"github.com/ternarybob/folio/internal/interfaces"
	"github.com/ternarybob/folio/internal/models"
)

// queueEntry is the message body stored under the msg key
type queueEntry struct {
	ID           string              `json:"id"`
	Body         models.QueueMessage `json:"body"`
	EnqueuedAt   time.Time           `json:"enqueued_at"`
	VisibleAt    time.Time           `json:"visible_at"`
	ReceiveCount int                 `json:"receive_count"`
}

// maxConflictRetries bounds retries when concurrent workers race for the same message
const maxConflictRetries = 5

// QueueStorage is a job queue shared by API and worker processes through Redis.
//
// Key layout:
//
//	queue:{name}:msg:{id}  -> queueEntry JSON
//	queue:{name}:visible   -> sorted set of ids scored by visibleAt (unix ms)
//	queue:{name}:job:{id}  -> models.JobRecord JSON
//	queue:{name}:expiring  -> sorted set of terminal record ids scored by expiry (unix ms)
//
// A claim moves the id's score to now+visibility inside a WATCH transaction, so a
// message is held by one worker at a time.
type QueueStorage struct {
	client            *redis.Client
	logger            arbor.ILogger
	queueName         string
	visibilityTimeout time.Duration
	maxReceive        int
	now               func() time.Time
}

var _ interfaces.JobQueue = (*QueueStorage)(nil)

// NewQueueStorage creates a new Redis-backed job queue
func NewQueueStorage(client *redis.Client, logger arbor.ILogger, queueName string, visibilityTimeout time.Duration, maxReceive int) (*QueueStorage, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if queueName == "" {
		return nil, errors.New("queue name is required")
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 20 * time.Minute
	}
	if maxReceive <= 0 {
		maxReceive = 3
	}

	return &QueueStorage{
		client:            client,
		logger:            logger,
		queueName:         queueName,
		visibilityTimeout: visibilityTimeout,
		maxReceive:        maxReceive,
		now:               time.Now,
	}, nil
}

// Enqueue stores the message and its queued record. The returned id is the job id.
func (q *QueueStorage) Enqueue(ctx context.Context, task string, payload interface{}, opts models.EnqueueOptions) (*models.JobHandle, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}

	id := common.NewJobID()
	now := q.now()

	entry := queueEntry{
		ID: id,
		Body: models.QueueMessage{
			JobID:      id,
			Task:       task,
			Payload:    body,
			JobTimeout: opts.JobTimeout,
		},
		EnqueuedAt: now,
		VisibleAt:  now,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal queue message: %w", err)
	}

	record, err := json.Marshal(models.JobRecord{
		ID:          id,
		Task:        task,
		Tenant:      opts.Tenant,
		Description: opts.Description,
		Status:      models.JobStatusQueued,
		JobTimeout:  opts.JobTimeout,
		FailureTTL:  opts.FailureTTL,
		ResultTTL:   opts.ResultTTL,
		EnqueuedAt:  now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job record: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.msgKey(id), data, 0)
		pipe.Set(ctx, q.jobKey(id), record, 0)
		pipe.ZAdd(ctx, q.visibleKey(), redis.Z{Score: score(now), Member: id})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	q.logger.Debug().
		Str("job_id", id).
		Str("task", task).
		Str("tenant", opts.Tenant).
		Dur("job_timeout", opts.JobTimeout).
		Msg("Job enqueued")

	return &models.JobHandle{ID: id}, nil
}

// Receive claims the next visible message and marks its record running
func (q *QueueStorage) Receive(ctx context.Context) (*models.QueuedJob, error) {
	for {
		id, claimedAt, err := q.claim(ctx)
		if err != nil {
			return nil, err
		}
		if id == "" {
			return nil, models.ErrNoMessage
		}

		entry, err := q.getEntry(ctx, id)
		if errors.Is(err, redis.Nil) {
			// Index exists but message doesn't - clean up the index
			if err := q.client.ZRem(ctx, q.visibleKey(), id).Err(); err != nil {
				return nil, fmt.Errorf("failed to remove orphaned index entry: %w", err)
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		// Poison message: delivered too often without an outcome (worker crashes)
		if entry.ReceiveCount >= q.maxReceive {
			if err := q.ack(ctx, id, models.JobStatusFailed, "max deliveries exceeded", 0); err != nil {
				return nil, err
			}
			q.logger.Warn().
				Str("job_id", id).
				Int("receive_count", entry.ReceiveCount).
				Msg("Dropping job after max deliveries")
			continue
		}

		entry.ReceiveCount++
		entry.VisibleAt = claimedAt.Add(q.visibilityTimeout)

		record, err := q.loadRecord(ctx, id)
		if err != nil {
			return nil, err
		}
		record.Task = entry.Body.Task
		record.Status = models.JobStatusRunning
		record.Attempts = entry.ReceiveCount
		started := claimedAt
		record.StartedAt = &started

		if err := q.save(ctx, entry, record); err != nil {
			return nil, err
		}

		return &models.QueuedJob{
			Message:      entry.Body,
			ReceiveCount: entry.ReceiveCount,
		}, nil
	}
}

// claim moves the first visible id out of reach of other workers. An empty id means nothing is visible.
func (q *QueueStorage) claim(ctx context.Context) (string, time.Time, error) {
	key := q.visibleKey()
	var claimed string
	var claimedAt time.Time

	txf := func(tx *redis.Tx) error {
		claimed = ""
		now := q.now()
		ids, err := tx.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   strconv.FormatInt(now.UnixMilli(), 10),
			Count: 1,
		}).Result()
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZAdd(ctx, key, redis.Z{Score: score(now.Add(q.visibilityTimeout)), Member: ids[0]})
			return nil
		})
		if err != nil {
			return err
		}
		claimed = ids[0]
		claimedAt = now
		return nil
	}

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err := q.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return "", time.Time{}, fmt.Errorf("failed to claim message: %w", err)
		}
		return claimed, claimedAt, nil
	}
	return "", time.Time{}, fmt.Errorf("failed to claim message: %w", redis.TxFailedErr)
}

// Extend extends the visibility timeout for a claimed message
func (q *QueueStorage) Extend(ctx context.Context, jobID string, duration time.Duration) error {
	entry, err := q.getEntry(ctx, jobID)
	if err != nil {
		return q.missing(jobID, err)
	}
	return q.moveVisibility(ctx, entry, q.now().Add(duration))
}

// Release makes a claimed message visible again (redelivery after restart)
func (q *QueueStorage) Release(ctx context.Context, jobID string) error {
	entry, err := q.getEntry(ctx, jobID)
	if err != nil {
		return q.missing(jobID, err)
	}
	if err := q.moveVisibility(ctx, entry, q.now()); err != nil {
		return err
	}

	record, err := q.loadRecord(ctx, jobID)
	if err != nil {
		return err
	}
	record.Status = models.JobStatusQueued
	return q.saveRecord(ctx, record)
}

// Complete acks the message and records a done or cancelled outcome
func (q *QueueStorage) Complete(ctx context.Context, jobID string, status models.JobStatus, artifacts int) error {
	if status != models.JobStatusDone && status != models.JobStatusCancelled {
		return fmt.Errorf("invalid completion status: %s", status)
	}
	return q.ack(ctx, jobID, status, "", artifacts)
}

// Fail acks the message and records the job as failed. No automatic retry follows.
func (q *QueueStorage) Fail(ctx context.Context, jobID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return q.ack(ctx, jobID, models.JobStatusFailed, msg, 0)
}

func (q *QueueStorage) ack(ctx context.Context, jobID string, status models.JobStatus, errMsg string, artifacts int) error {
	record, err := q.loadRecord(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to ack job %s: %w", jobID, err)
	}
	ended := q.now()
	record.Status = status
	record.Error = errMsg
	record.Artifacts = artifacts
	record.EndedAt = &ended

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal job record: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, q.msgKey(jobID))
		pipe.ZRem(ctx, q.visibleKey(), jobID)
		pipe.Set(ctx, q.jobKey(jobID), data, 0)
		pipe.ZAdd(ctx, q.expiringKey(), redis.Z{Score: score(record.ExpiresAt()), Member: jobID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to ack job %s: %w", jobID, err)
	}
	return nil
}

// GetJob returns the bookkeeping record of a job
func (q *QueueStorage) GetJob(ctx context.Context, jobID string) (*models.JobRecord, error) {
	data, err := q.client.Get(ctx, q.jobKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var record models.JobRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode job record: %w", err)
	}
	return &record, nil
}

// PurgeExpired deletes terminal records whose failure_ttl/result_ttl has passed
func (q *QueueStorage) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.expiringKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list expired job records: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	members := make([]interface{}, len(ids))
	keys := make([]string, len(ids))
	for i, id := range ids {
		members[i] = id
		keys[i] = q.jobKey(id)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, q.expiringKey(), members...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete job records: %w", err)
	}
	return len(ids), nil
}

// Depth returns the number of messages waiting or in flight
func (q *QueueStorage) Depth(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, q.visibleKey()).Result()
	return int(n), err
}

// Ping checks the Redis connection for readiness checks
func (q *QueueStorage) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return q.client.Ping(ctx).Err()
}

// Helpers

func (q *QueueStorage) getEntry(ctx context.Context, jobID string) (queueEntry, error) {
	var entry queueEntry
	data, err := q.client.Get(ctx, q.msgKey(jobID)).Bytes()
	if err != nil {
		return entry, err
	}
	err = json.Unmarshal(data, &entry)
	return entry, err
}

func (q *QueueStorage) loadRecord(ctx context.Context, jobID string) (models.JobRecord, error) {
	record, err := q.GetJob(ctx, jobID)
	if errors.Is(err, models.ErrJobNotFound) {
		return models.JobRecord{ID: jobID}, nil
	}
	if err != nil {
		return models.JobRecord{}, err
	}
	return *record, nil
}

func (q *QueueStorage) saveRecord(ctx context.Context, record models.JobRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal job record: %w", err)
	}
	return q.client.Set(ctx, q.jobKey(record.ID), data, 0).Err()
}

func (q *QueueStorage) save(ctx context.Context, entry queueEntry, record models.JobRecord) error {
	msg, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}
	rec, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal job record: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.msgKey(entry.ID), msg, 0)
		pipe.Set(ctx, q.jobKey(record.ID), rec, 0)
		return nil
	})
	return err
}

// moveVisibility rescores a message that is still queued; acked messages are left alone
func (q *QueueStorage) moveVisibility(ctx context.Context, entry queueEntry, visibleAt time.Time) error {
	entry.VisibleAt = visibleAt
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetXX(ctx, q.msgKey(entry.ID), data, 0)
		pipe.ZAddXX(ctx, q.visibleKey(), redis.Z{Score: score(visibleAt), Member: entry.ID})
		return nil
	})
	return err
}

func (q *QueueStorage) missing(jobID string, err error) error {
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("message %s: %w", jobID, models.ErrJobNotFound)
	}
	return err
}

func (q *QueueStorage) msgKey(id string) string {
	return fmt.Sprintf("queue:%s:msg:%s", q.queueName, id)
}

func (q *QueueStorage) jobKey(id string) string {
	return fmt.Sprintf("queue:%s:job:%s", q.queueName, id)
}

func (q *QueueStorage) visibleKey() string {
	return fmt.Sprintf("queue:%s:visible", q.queueName)
}

func (q *QueueStorage) expiringKey() string {
	return fmt.Sprintf("queue:%s:expiring", q.queueName)
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}
