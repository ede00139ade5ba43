package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/common"
	"github.com/ternarybob/folio/internal/interfaces"
	"github.com/ternarybob/folio/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// queueEntry represents the internal structure stored in Badger
type queueEntry struct {
	ID           string              `json:"id"`
	Body         models.QueueMessage `json:"body"`
	EnqueuedAt   time.Time           `json:"enqueued_at"`
	VisibleAt    time.Time           `json:"visible_at"`
	ReceiveCount int                 `json:"receive_count"`
}

// maxConflictRetries bounds retries when concurrent workers race for the same message
const maxConflictRetries = 3

// QueueStorage implements a persistent job queue using BadgerDB.
//
// Key layout:
//
//	queue:{name}:msg:{id}              -> queueEntry JSON
//	queue:{name}:index:{visibleAt}:{id} -> empty (sorted visibility index)
//
// Job records (models.JobRecord) live in the badgerhold store and are written in the
// same transaction as the message, so the record and the message never disagree.
type QueueStorage struct {
	db                *BadgerDB
	logger            arbor.ILogger
	queueName         string
	visibilityTimeout time.Duration
	maxReceive        int
	now               func() time.Time
}

var _ interfaces.JobQueue = (*QueueStorage)(nil)

// NewQueueStorage creates a new Badger-backed job queue
func NewQueueStorage(db *BadgerDB, logger arbor.ILogger, queueName string, visibilityTimeout time.Duration, maxReceive int) (*QueueStorage, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
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
		db:                db,
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

	record := models.JobRecord{
		ID:          id,
		Task:        task,
		Tenant:      opts.Tenant,
		Description: opts.Description,
		Status:      models.JobStatusQueued,
		JobTimeout:  opts.JobTimeout,
		FailureTTL:  opts.FailureTTL,
		ResultTTL:   opts.ResultTTL,
		EnqueuedAt:  now,
	}

	err = q.db.DB().Update(func(txn *badger.Txn) error {
		if err := txn.Set(q.msgKey(id), data); err != nil {
			return err
		}
		if err := txn.Set(q.indexKey(entry.VisibleAt, id), []byte{}); err != nil {
			return err
		}
		return q.db.Store().TxUpsert(txn, id, record)
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
	var claimed *models.QueuedJob
	var err error

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		claimed, err = q.receiveOnce()
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (q *QueueStorage) receiveOnce() (*models.QueuedJob, error) {
	var claimed *models.QueuedJob

	err := q.db.DB().Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := q.indexPrefix()
		it := txn.NewIterator(opts)
		defer it.Close()

		now := q.now()
		var entry queueEntry
		var indexKey []byte

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)

			ts, id, err := q.parseIndexKey(key)
			if err != nil {
				continue // Skip invalid keys
			}

			// Keys are sorted by timestamp; nothing after a future key is ready either
			if ts.After(now) {
				break
			}

			item, err := txn.Get(q.msgKey(id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				// Index exists but message doesn't - clean up the index
				if err := txn.Delete(key); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}

			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return err
			}

			// Poison message: delivered too often without an outcome (worker crashes)
			if entry.ReceiveCount >= q.maxReceive {
				if err := txn.Delete(key); err != nil {
					return err
				}
				if err := txn.Delete(q.msgKey(id)); err != nil {
					return err
				}
				if err := q.finishRecordTx(txn, id, models.JobStatusFailed, "max deliveries exceeded", 0); err != nil {
					return err
				}
				q.logger.Warn().
					Str("job_id", id).
					Int("receive_count", entry.ReceiveCount).
					Msg("Dropping job after max deliveries")
				continue
			}

			indexKey = key
			break
		}

		// Nothing claimed; return nil so dropped poison messages still commit
		if indexKey == nil {
			return nil
		}

		entry.ReceiveCount++
		entry.VisibleAt = now.Add(q.visibilityTimeout)

		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := txn.Set(q.msgKey(entry.ID), data); err != nil {
			return err
		}
		if err := txn.Delete(indexKey); err != nil {
			return err
		}
		if err := txn.Set(q.indexKey(entry.VisibleAt, entry.ID), []byte{}); err != nil {
			return err
		}

		var record models.JobRecord
		if err := q.db.Store().TxGet(txn, entry.ID, &record); err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
			return err
		}
		record.ID = entry.ID
		record.Task = entry.Body.Task
		record.Status = models.JobStatusRunning
		record.Attempts = entry.ReceiveCount
		started := now
		record.StartedAt = &started
		if err := q.db.Store().TxUpsert(txn, entry.ID, record); err != nil {
			return err
		}

		claimed = &models.QueuedJob{
			Message:      entry.Body,
			ReceiveCount: entry.ReceiveCount,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		return nil, models.ErrNoMessage
	}

	return claimed, nil
}

// Extend extends the visibility timeout for a claimed message
func (q *QueueStorage) Extend(ctx context.Context, jobID string, duration time.Duration) error {
	return q.db.DB().Update(func(txn *badger.Txn) error {
		entry, err := q.getEntryTx(txn, jobID)
		if err != nil {
			return err
		}
		return q.moveVisibilityTx(txn, entry, q.now().Add(duration))
	})
}

// Release makes a claimed message visible again (redelivery after restart)
func (q *QueueStorage) Release(ctx context.Context, jobID string) error {
	return q.db.DB().Update(func(txn *badger.Txn) error {
		entry, err := q.getEntryTx(txn, jobID)
		if err != nil {
			return err
		}
		if err := q.moveVisibilityTx(txn, entry, q.now()); err != nil {
			return err
		}

		var record models.JobRecord
		if err := q.db.Store().TxGet(txn, jobID, &record); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return nil
			}
			return err
		}
		record.Status = models.JobStatusQueued
		return q.db.Store().TxUpsert(txn, jobID, record)
	})
}

// Complete acks the message and records a done or cancelled outcome
func (q *QueueStorage) Complete(ctx context.Context, jobID string, status models.JobStatus, artifacts int) error {
	if status != models.JobStatusDone && status != models.JobStatusCancelled {
		return fmt.Errorf("invalid completion status: %s", status)
	}
	return q.ack(jobID, status, "", artifacts)
}

// Fail acks the message and records the job as failed. No automatic retry follows.
func (q *QueueStorage) Fail(ctx context.Context, jobID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return q.ack(jobID, models.JobStatusFailed, msg, 0)
}

func (q *QueueStorage) ack(jobID string, status models.JobStatus, errMsg string, artifacts int) error {
	err := q.db.DB().Update(func(txn *badger.Txn) error {
		entry, err := q.getEntryTx(txn, jobID)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			// Already acked (or dropped); still record the outcome
		case err != nil:
			return err
		default:
			if err := txn.Delete(q.indexKey(entry.VisibleAt, jobID)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := txn.Delete(q.msgKey(jobID)); err != nil {
				return err
			}
		}
		return q.finishRecordTx(txn, jobID, status, errMsg, artifacts)
	})
	if err != nil {
		return fmt.Errorf("failed to ack job %s: %w", jobID, err)
	}
	return nil
}

func (q *QueueStorage) finishRecordTx(txn *badger.Txn, jobID string, status models.JobStatus, errMsg string, artifacts int) error {
	var record models.JobRecord
	if err := q.db.Store().TxGet(txn, jobID, &record); err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
		return err
	}
	ended := q.now()
	record.ID = jobID
	record.Status = status
	record.Error = errMsg
	record.Artifacts = artifacts
	record.EndedAt = &ended
	return q.db.Store().TxUpsert(txn, jobID, record)
}

// GetJob returns the bookkeeping record of a job
func (q *QueueStorage) GetJob(ctx context.Context, jobID string) (*models.JobRecord, error) {
	var record models.JobRecord
	if err := q.db.Store().Get(jobID, &record); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, models.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &record, nil
}

// PurgeExpired deletes terminal records whose failure_ttl/result_ttl has passed
func (q *QueueStorage) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	// Fetch all and filter in memory; typed-string index queries are unreliable in badgerhold
	var records []models.JobRecord
	if err := q.db.Store().Find(&records, nil); err != nil {
		return 0, fmt.Errorf("failed to list job records: %w", err)
	}

	purged := 0
	for i := range records {
		expires := records[i].ExpiresAt()
		if expires.IsZero() || expires.After(now) {
			continue
		}
		if err := q.db.Store().Delete(records[i].ID, models.JobRecord{}); err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
			return purged, fmt.Errorf("failed to delete job record %s: %w", records[i].ID, err)
		}
		purged++
	}

	return purged, nil
}

// Depth returns the number of messages waiting or in flight
func (q *QueueStorage) Depth(ctx context.Context) (int, error) {
	count := 0
	err := q.db.DB().View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(fmt.Sprintf("queue:%s:msg:", q.queueName))
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Helpers

func (q *QueueStorage) getEntryTx(txn *badger.Txn, jobID string) (queueEntry, error) {
	var entry queueEntry
	item, err := txn.Get(q.msgKey(jobID))
	if err != nil {
		return entry, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &entry)
	})
	return entry, err
}

func (q *QueueStorage) moveVisibilityTx(txn *badger.Txn, entry queueEntry, visibleAt time.Time) error {
	if err := txn.Delete(q.indexKey(entry.VisibleAt, entry.ID)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	entry.VisibleAt = visibleAt
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := txn.Set(q.msgKey(entry.ID), data); err != nil {
		return err
	}
	return txn.Set(q.indexKey(visibleAt, entry.ID), []byte{})
}

func (q *QueueStorage) msgKey(id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", q.queueName, id))
}

func (q *QueueStorage) indexPrefix() []byte {
	return []byte(fmt.Sprintf("queue:%s:index:", q.queueName))
}

func (q *QueueStorage) indexKey(visibleAt time.Time, id string) []byte {
	// Zero pad to 20 digits so string order matches numeric order
	return []byte(fmt.Sprintf("queue:%s:index:%020d:%s", q.queueName, visibleAt.UnixNano(), id))
}

func (q *QueueStorage) parseIndexKey(key []byte) (time.Time, string, error) {
	prefix := q.indexPrefix()
	if len(key) <= len(prefix) {
		return time.Time{}, "", fmt.Errorf("invalid key length")
	}

	// Suffix is "{20-digit-ts}:{id}"
	suffix := string(key[len(prefix):])
	if len(suffix) < 22 {
		return time.Time{}, "", fmt.Errorf("invalid suffix length")
	}

	var ts int64
	if _, err := fmt.Sscanf(suffix[:20], "%d", &ts); err != nil {
		return time.Time{}, "", err
	}

	return time.Unix(0, ts), suffix[21:], nil
}
