package messagebus

import (
	"context"

	"github.com/jordanhubbard/tripdesk/internal/eventbus"
	"github.com/jordanhubbard/tripdesk/pkg/models"
)

// EventPublisher abstracts event publishing for testability.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event *eventbus.Event) error
}

// AlertPublisher abstracts alert publishing for testability.
type AlertPublisher interface {
	PublishAlert(ctx context.Context, alert *models.EscalationAlert) error
}

// Verify implementations at compile time.
var (
	_ EventPublisher     = (*NatsMessageBus)(nil)
	_ AlertPublisher     = (*NatsMessageBus)(nil)
	_ eventbus.Forwarder = (*NatsMessageBus)(nil)
	_ eventbus.Forwarder = (*Bridge)(nil)
)
