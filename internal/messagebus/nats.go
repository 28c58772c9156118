package messagebus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/jordanhubbard/tripdesk/internal/eventbus"
	"github.com/jordanhubbard/tripdesk/pkg/models"
)

const subjectRoot = "tripdesk"

// NatsMessageBus publishes lifecycle events and escalation alerts to NATS with JetStream
type NatsMessageBus struct {
	conn           *nats.Conn
	js             nats.JetStreamContext
	subscriptions  map[string]*nats.Subscription
	mu             sync.Mutex
	streamName     string
	url            string
	consumerPrefix string
}

// Config holds NATS configuration
type Config struct {
	URL            string        // NATS server URL (e.g., "nats://nats:4222")
	StreamName     string        // JetStream stream name (default: "TRIPDESK")
	Timeout        time.Duration // Connection timeout
	ConsumerPrefix string        // Prefix for durable consumer names (for test isolation)
}

// NewNatsMessageBus creates a new NATS message bus with JetStream
func NewNatsMessageBus(cfg Config) (*NatsMessageBus, error) {
	if cfg.URL == "" {
		cfg.URL = "nats://localhost:4222"
	}
	if cfg.StreamName == "" {
		cfg.StreamName = "TRIPDESK"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Printf("[MessageBus] NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[MessageBus] NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	mb := &NatsMessageBus{
		conn:           nc,
		js:             js,
		subscriptions:  make(map[string]*nats.Subscription),
		streamName:     cfg.StreamName,
		url:            cfg.URL,
		consumerPrefix: cfg.ConsumerPrefix,
	}

	if err := mb.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	log.Printf("[MessageBus] Connected to NATS at %s with JetStream stream %s", cfg.URL, cfg.StreamName)
	return mb, nil
}

// ensureStream creates or updates the JetStream stream. Limits retention lets
// several consumers read the same alert subjects.
func (mb *NatsMessageBus) ensureStream() error {
	streamConfig := &nats.StreamConfig{
		Name:      mb.streamName,
		Subjects:  []string{subjectRoot + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		MaxBytes:  256 * 1024 * 1024,
		Storage:   nats.FileStorage,
		Replicas:  1,
		Discard:   nats.DiscardOld,
	}

	if _, err := mb.js.StreamInfo(mb.streamName); err != nil {
		if _, err := mb.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		log.Printf("[MessageBus] Created JetStream stream: %s", mb.streamName)
		return nil
	}
	if _, err := mb.js.UpdateStream(streamConfig); err != nil {
		return fmt.Errorf("failed to update stream: %w", err)
	}
	return nil
}

// EventSubject is the subject a lifecycle event is published on
func EventSubject(eventType eventbus.EventType) string {
	return fmt.Sprintf("%s.events.%s", subjectRoot, sanitizeToken(string(eventType)))
}

// AlertSubject is the subject an escalation alert is published on
func AlertSubject(alert *models.EscalationAlert) string {
	return fmt.Sprintf("%s.alerts.%s", subjectRoot, sanitizeToken(string(alert.Severity)))
}

// sanitizeToken keeps subject tokens free of wildcards and separators
func sanitizeToken(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

// PublishEvent publishes a lifecycle event
func (mb *NatsMessageBus) PublishEvent(ctx context.Context, event *eventbus.Event) error {
	return mb.publish(ctx, EventSubject(event.Type), event)
}

// PublishAlert publishes an escalation alert
func (mb *NatsMessageBus) PublishAlert(ctx context.Context, alert *models.EscalationAlert) error {
	return mb.publish(ctx, AlertSubject(alert), alert)
}

func (mb *NatsMessageBus) publish(ctx context.Context, subject string, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if _, err := mb.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish message to %s: %w", subject, err)
	}
	return nil
}

// SubscribeAlerts registers a durable consumer for every alert severity
func (mb *NatsMessageBus) SubscribeAlerts(handler func(*models.EscalationAlert)) error {
	return mb.subscribe(subjectRoot+".alerts.*", "alerts-all", func(msg *nats.Msg) {
		var alert models.EscalationAlert
		if err := json.Unmarshal(msg.Data, &alert); err != nil {
			log.Printf("[MessageBus] Failed to unmarshal alert: %v", err)
			_ = msg.Nak()
			return
		}
		handler(&alert)
		_ = msg.Ack()
	})
}

// Conn returns the underlying NATS connection for advanced use
func (mb *NatsMessageBus) Conn() *nats.Conn {
	return mb.conn
}

func (mb *NatsMessageBus) prefixConsumer(name string) string {
	if mb.consumerPrefix != "" {
		return mb.consumerPrefix + "-" + name
	}
	return name
}

func (mb *NatsMessageBus) subscribe(subject, consumerName string, handler nats.MsgHandler) error {
	prefixed := mb.prefixConsumer(consumerName)
	sub, err := mb.js.Subscribe(subject, handler,
		nats.Durable(prefixed),
		nats.AckExplicit(),
		nats.MaxDeliver(3),
		nats.AckWait(30*time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	mb.track(subject, sub)
	log.Printf("[MessageBus] Subscribed to %s with consumer %s", subject, prefixed)
	return nil
}

func (mb *NatsMessageBus) track(key string, sub *nats.Subscription) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.subscriptions[key] = sub
}

// Health reports whether the connection is usable
func (mb *NatsMessageBus) Health() error {
	if mb.conn == nil || !mb.conn.IsConnected() {
		return fmt.Errorf("NATS not connected")
	}
	return nil
}

// Close drains subscriptions and closes the connection
func (mb *NatsMessageBus) Close() error {
	mb.mu.Lock()
	for subject, sub := range mb.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			log.Printf("[MessageBus] Failed to unsubscribe from %s: %v", subject, err)
		}
	}
	mb.subscriptions = make(map[string]*nats.Subscription)
	mb.mu.Unlock()

	if mb.conn != nil {
		mb.conn.Close()
	}
	return nil
}
