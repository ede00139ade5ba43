package cancel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/interfaces"
)

// RedisStore keeps cancellation flags as Redis keys with an expiry.
// Shared by API servers and workers running in separate processes.
type RedisStore struct {
	client *redis.Client
	logger arbor.ILogger
	ttl    time.Duration
}

var _ interfaces.CancelStore = (*RedisStore)(nil)

// NewRedisStore creates a Redis-backed cancel flag store
func NewRedisStore(client *redis.Client, logger arbor.ILogger, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisStore{client: client, logger: logger, ttl: ttl}
}

// Key returns the flag key of a job
func Key(jobID string) string {
	return fmt.Sprintf("job:%s:cancel", jobID)
}

// SetCancelled sets (or refreshes) the flag with its TTL
func (s *RedisStore) SetCancelled(ctx context.Context, jobID string) error {
	if jobID == "" {
		return errors.New("job id is required")
	}
	if err := s.client.SetEx(ctx, Key(jobID), "1", s.ttl).Err(); err != nil {
		return fmt.Errorf("redis setex: %w", err)
	}
	s.logger.Debug().Str("job_id", jobID).Dur("ttl", s.ttl).Msg("Cancel flag set")
	return nil
}

func (s *RedisStore) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	n, err := s.client.Exists(ctx, Key(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}
