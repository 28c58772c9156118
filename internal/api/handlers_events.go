package api

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jordanhubbard/tripdesk/internal/eventbus"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

// handleGetEvents returns recent lifecycle events, newest first
// GET /api/v1/events?trip_id=xxx&type=xxx&limit=100
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	events := s.engine.RecentEvents(queryInt(r, "limit", 100), q.Get("trip_id"), q.Get("type"))
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := s.allowedOrigin(origin)
			return ok
		},
	}
}

// handleEventSocket pushes lifecycle events to a websocket client
// GET /api/v1/events/ws?trip_id=xxx&type=xxx
func (s *Server) handleEventSocket(w http.ResponseWriter, r *http.Request) {
	bus := s.engine.GetEventBus()
	if bus == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Event bus not available")
		return
	}

	tripID := r.URL.Query().Get("trip_id")
	eventType := r.URL.Query().Get("type")

	ws, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[API] Websocket upgrade failed: %v", err)
		return
	}
	defer ws.Close()

	subscriberID := fmt.Sprintf("ws-%d", time.Now().UnixNano())
	sub := bus.Subscribe(subscriberID, func(event *eventbus.Event) bool {
		if tripID != "" && event.TripID != tripID {
			return false
		}
		if eventType != "" && string(event.Type) != eventType {
			return false
		}
		return true
	})
	defer bus.Unsubscribe(subscriberID)

	// The read loop only exists to notice the client going away
	closed := make(chan struct{})
	ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := ws.WriteJSON(map[string]string{"type": "connected", "subscriber_id": subscriberID}); err != nil {
		return
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case event, ok := <-sub.Channel:
			if !ok {
				ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "event bus closed"),
					time.Now().Add(wsWriteWait))
				return
			}
			ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteJSON(event); err != nil {
				log.Printf("[API] Websocket write failed: %v", err)
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
