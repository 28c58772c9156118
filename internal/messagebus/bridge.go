package messagebus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/nats-io/nats.go"

	"github.com/jordanhubbard/tripdesk/internal/eventbus"
)

// EventInjector is the slice of the local EventBus the bridge writes into
type EventInjector interface {
	Publish(event *eventbus.Event) error
}

// Bridge forwards local lifecycle events to NATS and injects events published
// by other instances into the local EventBus. Events carry their origin
// instance so nothing echoes back.
type Bridge struct {
	nats       EventPublisher
	conn       *nats.Conn
	local      EventInjector
	instanceID string
	sub        *nats.Subscription
}

// NewBridge creates a bridge. conn may be nil for a publish-only bridge.
func NewBridge(pub EventPublisher, conn *nats.Conn, local EventInjector, instanceID string) *Bridge {
	return &Bridge{
		nats:       pub,
		conn:       conn,
		local:      local,
		instanceID: instanceID,
	}
}

// PublishEvent implements eventbus.Forwarder
func (b *Bridge) PublishEvent(ctx context.Context, event *eventbus.Event) error {
	if event.Origin != "" && event.Origin != b.instanceID {
		return nil
	}
	out := *event
	out.Origin = b.instanceID
	return b.nats.PublishEvent(ctx, &out)
}

// Start subscribes to remote events over core NATS so every instance sees them
func (b *Bridge) Start() error {
	if b.conn == nil {
		return nil
	}
	sub, err := b.conn.Subscribe(subjectRoot+".events.>", b.handleInbound)
	if err != nil {
		return fmt.Errorf("failed to subscribe to remote events: %w", err)
	}
	b.sub = sub
	log.Printf("[Bridge] Started (instance=%s)", b.instanceID)
	return nil
}

func (b *Bridge) handleInbound(msg *nats.Msg) {
	b.inject(msg.Data)
}

func (b *Bridge) inject(data []byte) {
	var event eventbus.Event
	if err := json.Unmarshal(data, &event); err != nil {
		log.Printf("[Bridge] Failed to unmarshal inbound event: %v", err)
		return
	}
	if event.Origin == "" || event.Origin == b.instanceID {
		return
	}
	if err := b.local.Publish(&event); err != nil {
		log.Printf("[Bridge] Failed to inject event %s: %v", event.ID, err)
	}
}

// Stop removes the inbound subscription
func (b *Bridge) Stop() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
		b.sub = nil
	}
}
