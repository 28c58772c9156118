package audit

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/jordanhubbard/tripdesk/internal/eventbus"
	"github.com/jordanhubbard/tripdesk/internal/messagebus"
	"github.com/jordanhubbard/tripdesk/pkg/models"
)

// EventBusSink republishes lifecycle events and alerts on the in-process bus
type EventBusSink struct {
	bus *eventbus.EventBus
}

// NewEventBusSink wraps an event bus
func NewEventBusSink(bus *eventbus.EventBus) *EventBusSink {
	return &EventBusSink{bus: bus}
}

func (s *EventBusSink) Name() string { return "eventbus" }

// AppendLifecycleEvent implements Sink. A full bus buffer is retried.
func (s *EventBusSink) AppendLifecycleEvent(_ context.Context, event *eventbus.Event) error {
	return s.bus.Publish(event)
}

// RaiseAlert implements Sink
func (s *EventBusSink) RaiseAlert(_ context.Context, alert *models.EscalationAlert) error {
	return s.bus.Publish(&eventbus.Event{
		ID:        "evt-" + alert.ID,
		Type:      eventbus.EventTypeEscalationRaised,
		Timestamp: alert.CreatedAt,
		Source:    "scheduler",
		TripID:    alert.TripID,
		Data: map[string]interface{}{
			"alert_id":    alert.ID,
			"severity":    string(alert.Severity),
			"reason":      alert.Reason,
			"retry_count": alert.RetryCount,
		},
	})
}

// AlertBusSink publishes alerts to NATS. Lifecycle events reach NATS through
// the event bus forwarder, so they are ignored here.
type AlertBusSink struct {
	pub messagebus.AlertPublisher
}

// NewAlertBusSink wraps an alert publisher
func NewAlertBusSink(pub messagebus.AlertPublisher) *AlertBusSink {
	return &AlertBusSink{pub: pub}
}

func (s *AlertBusSink) Name() string { return "nats-alerts" }

// AppendLifecycleEvent implements Sink
func (s *AlertBusSink) AppendLifecycleEvent(context.Context, *eventbus.Event) error { return nil }

// RaiseAlert implements Sink
func (s *AlertBusSink) RaiseAlert(ctx context.Context, alert *models.EscalationAlert) error {
	return s.pub.PublishAlert(ctx, alert)
}

// LogSink writes alerts to the process log for operators without NATS
type LogSink struct{}

func (LogSink) Name() string { return "log" }

// AppendLifecycleEvent implements Sink
func (LogSink) AppendLifecycleEvent(context.Context, *eventbus.Event) error { return nil }

// RaiseAlert implements Sink
func (LogSink) RaiseAlert(_ context.Context, alert *models.EscalationAlert) error {
	log.Printf("[Audit] ESCALATION %s trip=%s retries=%d scores=%s: %s",
		strings.ToUpper(string(alert.Severity)), alert.TripID, alert.RetryCount, formatScores(alert.LastScores), alert.Reason)
	return nil
}

func formatScores(scores map[string]int) string {
	if len(scores) == 0 {
		return "none"
	}
	ids := make([]string, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%s=%d", id, scores[id])
	}
	return strings.Join(parts, ",")
}
