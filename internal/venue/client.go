package venue

import (
	"context"

	"github.com/fushengyk/marketstream/internal/domain"
)

// Client is the public surface shared by the single-venue pool and the multi-instance
// orchestrator.
type Client interface {
	Name() string
	Capabilities() domain.Capabilities
	Connect(ctx context.Context) error
	// Subscribe records the intent to receive typ for m. It never returns venue failures;
	// those arrive as error events.
	Subscribe(ctx context.Context, typ domain.SubscriptionType, m domain.Market) *Ack
	// Unsubscribe reports whether a subscription was removed.
	Unsubscribe(typ domain.SubscriptionType, m domain.Market) bool
	Subscribed(typ domain.SubscriptionType, m domain.Market) bool
	Reconnect(ctx context.Context) error
	Close() error
	AddHandler(h domain.Handler)
}
