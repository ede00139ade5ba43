package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/folio/internal/models"
)

// EventBus is a publish/subscribe channel keyed per job id.
// Delivery is best-effort: a subscriber sees only events published after it subscribed.
type EventBus interface {
	// Publish is fire-and-forget; it never waits for subscribers
	Publish(ctx context.Context, jobID string, env models.Envelope) error

	// Subscribe opens a cursor over the job's channel. Callers must Close it.
	Subscribe(ctx context.Context, jobID string) (Subscription, error)

	// Ping checks the backing broker
	Ping(ctx context.Context) error

	// Close releases broker resources; open subscriptions end
	Close() error
}

// Subscription is a long-lived cursor over one job channel
type Subscription interface {
	// Next waits up to timeout for the next event.
	// Returns ok=false on timeout. An error means the subscription is broken and must be closed.
	Next(ctx context.Context, timeout time.Duration) (env models.Envelope, ok bool, err error)

	// Close unsubscribes and releases broker-side resources. Safe to call more than once.
	Close() error
}
