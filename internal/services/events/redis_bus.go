package events

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/interfaces"
	"github.com/ternarybob/folio/internal/models"
)

// RedisBus is an EventBus over Redis pub/sub, one channel per job.
// Processes running the api and worker roles share it.
type RedisBus struct {
	client *redis.Client
	logger arbor.ILogger
	closed bool
	mu     sync.RWMutex
}

var _ interfaces.EventBus = (*RedisBus)(nil)

// NewRedisBus creates a Redis-backed event bus. The client is owned by the caller.
func NewRedisBus(client *redis.Client, logger arbor.ILogger) *RedisBus {
	return &RedisBus{client: client, logger: logger}
}

// ChannelName returns the pub/sub channel of a job
func ChannelName(jobID string) string {
	return fmt.Sprintf("job:%s:events", jobID)
}

func (b *RedisBus) Publish(ctx context.Context, jobID string, env models.Envelope) error {
	if b.isClosed() {
		return models.ErrBusClosed
	}

	payload, err := env.Encode()
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, ChannelName(jobID), payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, jobID string) (interfaces.Subscription, error) {
	if b.isClosed() {
		return nil, models.ErrBusClosed
	}

	pubsub := b.client.Subscribe(ctx, ChannelName(jobID))

	// Wait for the subscription confirmation so no event published after return is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	b.logger.Debug().Str("job_id", jobID).Msg("Redis subscriber registered")

	return &redisSubscription{pubsub: pubsub, jobID: jobID, logger: b.logger}, nil
}

func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close marks the bus closed. The shared client is closed by its owner.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *RedisBus) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

type redisSubscription struct {
	pubsub    *redis.PubSub
	jobID     string
	logger    arbor.ILogger
	closeOnce sync.Once
}

func (s *redisSubscription) Next(ctx context.Context, timeout time.Duration) (models.Envelope, bool, error) {
	deadline := time.Now().Add(timeout)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return models.Envelope{}, false, nil
		}

		msg, err := s.pubsub.ReceiveTimeout(ctx, remaining)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return models.Envelope{}, false, nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return models.Envelope{}, false, ctxErr
			}
			return models.Envelope{}, false, fmt.Errorf("redis receive: %w", err)
		}

		switch m := msg.(type) {
		case *redis.Message:
			env, err := models.DecodeEnvelope([]byte(m.Payload))
			if err != nil {
				s.logger.Warn().Err(err).Str("job_id", s.jobID).Msg("Skipping undecodable event")
				continue
			}
			return env, true, nil
		default:
			// Subscription confirmations and pongs
			continue
		}
	}
}

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if uerr := s.pubsub.Unsubscribe(ctx, ChannelName(s.jobID)); uerr != nil {
			s.logger.Debug().Err(uerr).Str("job_id", s.jobID).Msg("Redis unsubscribe failed")
		}
		err = s.pubsub.Close()
	})
	return err
}
