// Package eventbus fans lifecycle events out to in-process subscribers and an
// optional external forwarder.
package eventbus

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventTypeRequestCreated    EventType = "request.created"
	EventTypeRequestAccepted   EventType = "request.accepted"
	EventTypeRequestDeclined   EventType = "request.declined"
	EventTypeRequestExpired    EventType = "request.expired"
	EventTypeRequestSuperseded EventType = "request.superseded"
	EventTypeRequestFlagged    EventType = "request.flagged"

	EventTypeBackupAssigned EventType = "trip.backup_assigned"
	EventTypeBatchOpened    EventType = "batch.opened"
	EventTypeBatchFailed    EventType = "batch.failed"

	EventTypeEscalationRaised   EventType = "escalation.raised"
	EventTypeEscalationResolved EventType = "escalation.resolved"

	EventTypeSweepCompleted  EventType = "sweep.completed"
	EventTypeSettingsUpdated EventType = "settings.updated"
)

// Event represents a lifecycle event
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"` // Component that generated the event
	TripID    string                 `json:"trip_id,omitempty"`
	Origin    string                 `json:"origin,omitempty"` // Instance that first published the event
	Data      map[string]interface{} `json:"data"`
}

// Subscriber represents an event subscriber
type Subscriber struct {
	ID      string
	Channel chan *Event
	Filter  func(*Event) bool // Optional filter function
}

// Forwarder receives every distributed event, e.g. to publish it to NATS
type Forwarder interface {
	PublishEvent(ctx context.Context, event *Event) error
}

// Config configures an EventBus
type Config struct {
	BufferSize  int // Pending events awaiting distribution
	HistorySize int // Events kept for GetRecentEvents
}

// EventBus provides buffered pub/sub with a short in-memory history
type EventBus struct {
	subscribers map[string]*Subscriber
	forwarder   Forwarder
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
	buffer      chan *Event
	closed      bool
	done        chan struct{}

	// Ring buffer for recent event history (ephemeral, lost on restart)
	recentEvents []*Event
	recentIdx    int
	recentCount  int
}

// New creates a new event bus and starts its distribution goroutine
func New(cfg Config) *EventBus {
	ctx, cancel := context.WithCancel(context.Background())

	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 1000
	}

	eb := &EventBus{
		subscribers:  make(map[string]*Subscriber),
		ctx:          ctx,
		cancel:       cancel,
		buffer:       make(chan *Event, cfg.BufferSize),
		done:         make(chan struct{}),
		recentEvents: make([]*Event, cfg.HistorySize),
	}

	go eb.processEvents()

	return eb
}

// SetForwarder attaches an external sink; nil detaches it
func (eb *EventBus) SetForwarder(f Forwarder) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.forwarder = f
}

// Publish queues an event for distribution. It never blocks.
func (eb *EventBus) Publish(event *Event) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Data == nil {
		event.Data = make(map[string]interface{})
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return fmt.Errorf("event bus is closed")
	}

	select {
	case eb.buffer <- event:
		return nil
	default:
		return fmt.Errorf("event buffer is full")
	}
}

// PublishTripEvent is a convenience for events scoped to one trip
func (eb *EventBus) PublishTripEvent(eventType EventType, source, tripID string, data map[string]interface{}) error {
	return eb.Publish(&Event{
		Type:   eventType,
		Source: source,
		TripID: tripID,
		Data:   data,
	})
}

// Subscribe creates a new subscription to events
func (eb *EventBus) Subscribe(subscriberID string, filter func(*Event) bool) *Subscriber {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if sub, exists := eb.subscribers[subscriberID]; exists {
		return sub
	}

	sub := &Subscriber{
		ID:      subscriberID,
		Channel: make(chan *Event, 100),
		Filter:  filter,
	}
	if eb.closed {
		close(sub.Channel)
		return sub
	}

	eb.subscribers[subscriberID] = sub
	return sub
}

// Unsubscribe removes a subscriber
func (eb *EventBus) Unsubscribe(subscriberID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if sub, exists := eb.subscribers[subscriberID]; exists {
		close(sub.Channel)
		delete(eb.subscribers, subscriberID)
	}
}

func (eb *EventBus) processEvents() {
	defer close(eb.done)
	for {
		select {
		case <-eb.ctx.Done():
			// Drain what was queued before Close
			for {
				select {
				case event := <-eb.buffer:
					eb.distributeEvent(event)
				default:
					return
				}
			}
		case event := <-eb.buffer:
			eb.distributeEvent(event)
		}
	}
}

// distributeEvent sends event to all matching subscribers
func (eb *EventBus) distributeEvent(event *Event) {
	eb.mu.Lock()
	eb.recentEvents[eb.recentIdx] = event
	eb.recentIdx = (eb.recentIdx + 1) % len(eb.recentEvents)
	if eb.recentCount < len(eb.recentEvents) {
		eb.recentCount++
	}

	for _, sub := range eb.subscribers {
		if sub.Filter != nil && !sub.Filter(event) {
			continue
		}
		// Non-blocking send; slow subscribers miss events
		select {
		case sub.Channel <- event:
		default:
		}
	}
	fwd := eb.forwarder
	eb.mu.Unlock()

	if fwd == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fwd.PublishEvent(ctx, event); err != nil {
		log.Printf("[EventBus] Failed to forward %s event %s: %v", event.Type, event.ID, err)
	}
}

// SubscriberCount returns the number of active subscribers.
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subscribers)
}

// GetRecentEvents returns recent events from the ring buffer, filtered by
// optional tripID and eventType. Results are returned newest-first, up to limit.
func (eb *EventBus) GetRecentEvents(limit int, tripID, eventType string) []*Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if limit <= 0 || limit > eb.recentCount {
		limit = eb.recentCount
	}

	result := make([]*Event, 0, limit)
	for i := 0; i < eb.recentCount && len(result) < limit; i++ {
		idx := (eb.recentIdx - 1 - i + len(eb.recentEvents)) % len(eb.recentEvents)
		ev := eb.recentEvents[idx]
		if ev == nil {
			continue
		}
		if tripID != "" && ev.TripID != tripID {
			continue
		}
		if eventType != "" && string(ev.Type) != eventType {
			continue
		}
		result = append(result, ev)
	}
	return result
}

// Close stops distribution after draining queued events and closes every
// subscriber channel.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	if eb.closed {
		eb.mu.Unlock()
		return
	}
	eb.closed = true
	eb.mu.Unlock()

	eb.cancel()
	<-eb.done

	eb.mu.Lock()
	defer eb.mu.Unlock()
	for _, sub := range eb.subscribers {
		close(sub.Channel)
	}
	eb.subscribers = make(map[string]*Subscriber)
}
