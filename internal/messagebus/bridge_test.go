package messagebus

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/jordanhubbard/tripdesk/internal/eventbus"
)

type capturePublisher struct {
	events []*eventbus.Event
}

func (c *capturePublisher) PublishEvent(_ context.Context, e *eventbus.Event) error {
	c.events = append(c.events, e)
	return nil
}

type captureInjector struct {
	events []*eventbus.Event
}

func (c *captureInjector) Publish(e *eventbus.Event) error {
	c.events = append(c.events, e)
	return nil
}

func TestBridge_ForwardsLocalEventsWithOrigin(t *testing.T) {
	pub := &capturePublisher{}
	b := NewBridge(pub, nil, &captureInjector{}, "inst-a")

	ev := &eventbus.Event{ID: "e1", Type: eventbus.EventTypeRequestCreated}
	if err := b.PublishEvent(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if len(pub.events) != 1 || pub.events[0].Origin != "inst-a" {
		t.Fatalf("expected one event stamped with origin, got %+v", pub.events)
	}
	if ev.Origin != "" {
		t.Error("bridge must not mutate the caller's event")
	}
}

func TestBridge_DoesNotReforwardRemoteEvents(t *testing.T) {
	pub := &capturePublisher{}
	b := NewBridge(pub, nil, &captureInjector{}, "inst-a")

	_ = b.PublishEvent(context.Background(), &eventbus.Event{ID: "e2", Origin: "inst-b"})
	if len(pub.events) != 0 {
		t.Errorf("remote event was forwarded again: %+v", pub.events)
	}
}

func TestBridge_InjectSkipsOwnEvents(t *testing.T) {
	inj := &captureInjector{}
	b := NewBridge(&capturePublisher{}, nil, inj, "inst-a")

	own, _ := json.Marshal(eventbus.Event{ID: "mine", Origin: "inst-a"})
	remote, _ := json.Marshal(eventbus.Event{ID: "theirs", Origin: "inst-b", TripID: "kyoto"})
	b.inject(own)
	b.inject(remote)
	b.inject([]byte("not json"))

	if len(inj.events) != 1 || inj.events[0].ID != "theirs" {
		t.Errorf("unexpected injected events %+v", inj.events)
	}
}

func TestBridge_StartWithoutConn(t *testing.T) {
	b := NewBridge(&capturePublisher{}, nil, &captureInjector{}, "inst-a")
	if err := b.Start(); err != nil {
		t.Errorf("publish-only bridge should start cleanly: %v", err)
	}
	b.Stop()
}
