package events

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/interfaces"
	"github.com/ternarybob/folio/internal/models"
)

// MemoryBus is an in-process EventBus for single-node deployments and tests.
// Each subscriber owns a bounded buffer; when it is full the oldest event is dropped
// so a slow reader never blocks a publisher.
type MemoryBus struct {
	subscribers map[string]map[*memorySubscription]struct{}
	bufferSize  int
	closed      bool
	mu          sync.RWMutex
	logger      arbor.ILogger
}

var _ interfaces.EventBus = (*MemoryBus)(nil)

// NewMemoryBus creates a new in-memory event bus
func NewMemoryBus(logger arbor.ILogger, bufferSize int) *MemoryBus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &MemoryBus{
		subscribers: make(map[string]map[*memorySubscription]struct{}),
		bufferSize:  bufferSize,
		logger:      logger,
	}
}

// Publish delivers env to every current subscriber of the job without blocking
func (b *MemoryBus) Publish(ctx context.Context, jobID string, env models.Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return models.ErrBusClosed
	}

	for sub := range b.subscribers[jobID] {
		sub.deliver(env)
	}
	return nil
}

// Subscribe registers a cursor on the job channel
func (b *MemoryBus) Subscribe(ctx context.Context, jobID string) (interfaces.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, models.ErrBusClosed
	}

	sub := &memorySubscription{
		bus:   b,
		jobID: jobID,
		ch:    make(chan models.Envelope, b.bufferSize),
		done:  make(chan struct{}),
	}
	if b.subscribers[jobID] == nil {
		b.subscribers[jobID] = make(map[*memorySubscription]struct{})
	}
	b.subscribers[jobID][sub] = struct{}{}

	b.logger.Debug().
		Str("job_id", jobID).
		Int("subscriber_count", len(b.subscribers[jobID])).
		Msg("Event subscriber registered")

	return sub, nil
}

// SubscriberCount returns the number of live subscribers on a job channel
func (b *MemoryBus) SubscriberCount(jobID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[jobID])
}

// Ping always succeeds for the in-process bus
func (b *MemoryBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return models.ErrBusClosed
	}
	return nil
}

// Close ends every open subscription
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for jobID, subs := range b.subscribers {
		for sub := range subs {
			sub.closeOnce.Do(func() { close(sub.done) })
		}
		delete(b.subscribers, jobID)
	}
	return nil
}

func (b *MemoryBus) unsubscribe(sub *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[sub.jobID]
	if !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(b.subscribers, sub.jobID)
	}

	b.logger.Debug().Str("job_id", sub.jobID).Msg("Event subscriber removed")
}

type memorySubscription struct {
	bus       *MemoryBus
	jobID     string
	ch        chan models.Envelope
	done      chan struct{}
	closeOnce sync.Once
	sendMu    sync.Mutex
}

// deliver enqueues env, dropping the oldest buffered event when full
func (s *memorySubscription) deliver(env models.Envelope) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	select {
	case s.ch <- env:
		return
	default:
	}

	select {
	case <-s.ch:
	default:
	}

	select {
	case s.ch <- env:
	default:
	}
}

func (s *memorySubscription) Next(ctx context.Context, timeout time.Duration) (models.Envelope, bool, error) {
	// Drain buffered events first so a closed bus still hands over what it has
	select {
	case env := <-s.ch:
		return env, true, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env := <-s.ch:
		return env, true, nil
	case <-s.done:
		return models.Envelope{}, false, models.ErrBusClosed
	case <-ctx.Done():
		return models.Envelope{}, false, ctx.Err()
	case <-timer.C:
		return models.Envelope{}, false, nil
	}
}

func (s *memorySubscription) Close() error {
	s.bus.unsubscribe(s)
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
