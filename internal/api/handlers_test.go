package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jordanhubbard/tripdesk/internal/engine"
	"github.com/jordanhubbard/tripdesk/internal/eventbus"
	"github.com/jordanhubbard/tripdesk/internal/storage"
	"github.com/jordanhubbard/tripdesk/pkg/config"
	"github.com/jordanhubbard/tripdesk/pkg/models"
)

func newTestServer(t *testing.T) (http.Handler, *engine.Engine) {
	t.Helper()
	start := time.Now().AddDate(0, 1, 0).Truncate(24 * time.Hour)
	s := storage.New()
	if err := s.UpsertTrip(&models.Trip{
		ID:             "kyoto",
		Theme:          "zen hiking",
		StartDate:      start,
		EndDate:        start.AddDate(0, 0, 4),
		RequiresBackup: true,
	}); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"alpha", "bravo"} {
		if err := s.UpsertSensei(&models.SenseiCandidate{
			ID:           id,
			Specialties:  []string{"zen hiking"},
			Level:        3,
			Rating:       5,
			Active:       true,
			Availability: []models.DateRange{{Start: start, End: start.AddDate(0, 0, 4)}},
		}); err != nil {
			t.Fatal(err)
		}
	}

	cfg := config.DefaultConfig()
	cfg.Database.Type = "memory"
	e, err := engine.NewWithStore(cfg, s)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	t.Cleanup(func() { e.Shutdown(context.Background()) })

	return NewServer(e, cfg, e.GetMetrics()).SetupRoutes(), e
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func TestHealth(t *testing.T) {
	h, _ := newTestServer(t)

	w := do(t, h, http.MethodGet, "/api/v1/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var status HealthStatus
	decode(t, w, &status)
	if status.Status != "healthy" {
		t.Errorf("expected healthy, got %q", status.Status)
	}

	if w := do(t, h, http.MethodGet, "/health/ready", nil); w.Code != http.StatusOK {
		t.Errorf("expected ready, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := newTestServer(t)
	do(t, h, http.MethodGet, "/api/v1/health", nil)

	w := do(t, h, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "tripdesk_http_requests_total") {
		t.Error("expected HTTP request counter in /metrics output")
	}
}

func TestSweepRespondFlow(t *testing.T) {
	h, _ := newTestServer(t)

	w := do(t, h, http.MethodPost, "/api/v1/sweeps", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("sweep: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, h, http.MethodGet, "/api/v1/trips/kyoto/requests", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", w.Code)
	}
	var reqs []*models.BackupRequest
	decode(t, w, &reqs)
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(reqs))
	}

	w = do(t, h, http.MethodPost, "/api/v1/requests/"+reqs[0].ID+"/respond", RespondRequest{Decision: "accept"})
	if w.Code != http.StatusOK {
		t.Fatalf("accept: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, h, http.MethodPost, "/api/v1/requests/"+reqs[1].ID+"/respond", RespondRequest{Decision: "accept"})
	if w.Code != http.StatusConflict {
		t.Fatalf("second accept: expected 409, got %d", w.Code)
	}
	var body map[string]string
	decode(t, w, &body)
	if body["error"] != "request no longer available" {
		t.Errorf("unexpected conflict message %q", body["error"])
	}

	w = do(t, h, http.MethodGet, "/api/v1/senseis/"+reqs[0].SenseiID+"/requests", nil)
	if w.Code != http.StatusOK {
		t.Errorf("sensei requests: expected 200, got %d", w.Code)
	}
}

func TestRespondValidation(t *testing.T) {
	h, _ := newTestServer(t)

	tests := []struct {
		name   string
		body   interface{}
		status int
	}{
		{"invalid json", "{not json", http.StatusBadRequest},
		{"missing decision", RespondRequest{}, http.StatusBadRequest},
		{"unknown decision", RespondRequest{Decision: "maybe"}, http.StatusBadRequest},
		{"unknown request", RespondRequest{Decision: "decline"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodPost, "/api/v1/requests/nope/respond", tt.body)
			if w.Code != tt.status {
				t.Errorf("expected status %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
		})
	}
}

func TestOverride(t *testing.T) {
	h, _ := newTestServer(t)

	w := do(t, h, http.MethodPost, "/api/v1/trips/kyoto/override", OverrideRequest{SenseiID: "alpha"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without admin, got %d", w.Code)
	}

	w = do(t, h, http.MethodPost, "/api/v1/trips/kyoto/override", OverrideRequest{SenseiID: "alpha", Admin: true})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, h, http.MethodPost, "/api/v1/trips/kyoto/override", OverrideRequest{SenseiID: "bravo", Admin: true})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 once the slot is filled, got %d", w.Code)
	}

	w = do(t, h, http.MethodPost, "/api/v1/trips/atlantis/override", OverrideRequest{SenseiID: "alpha", Admin: true})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown trip, got %d", w.Code)
	}
}

func TestNotFound(t *testing.T) {
	h, _ := newTestServer(t)

	for _, path := range []string{
		"/api/v1/trips/atlantis/requests",
		"/api/v1/senseis/nobody/requests",
		"/api/v1/trips/atlantis/state",
	} {
		if w := do(t, h, http.MethodGet, path, nil); w.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, w.Code)
		}
	}
	if w := do(t, h, http.MethodPost, "/api/v1/trips/atlantis/escalation/resolve", nil); w.Code != http.StatusNotFound {
		t.Errorf("resolve: expected 404, got %d", w.Code)
	}
}

func TestSettings(t *testing.T) {
	h, e := newTestServer(t)

	w := do(t, h, http.MethodGet, "/api/v1/settings", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var got models.AutomationSettings
	decode(t, w, &got)
	if got != models.DefaultAutomationSettings() {
		t.Errorf("unexpected settings %+v", got)
	}

	w = do(t, h, http.MethodPut, "/api/v1/settings", map[string]interface{}{"min_match_score": 75})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if e.GetSettings().MinMatchScore != 75 || e.GetSettings().MaxRequestsPerTrip != 3 {
		t.Errorf("partial update not applied: %+v", e.GetSettings())
	}

	w = do(t, h, http.MethodPut, "/api/v1/settings", map[string]interface{}{"max_requests_per_trip": 0})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	var verr struct {
		Fields map[string]string `json:"fields"`
	}
	decode(t, w, &verr)
	if _, ok := verr.Fields["max_requests_per_trip"]; !ok {
		t.Errorf("expected max_requests_per_trip in fields, got %v", verr.Fields)
	}
}

func TestAlertsAndEvents(t *testing.T) {
	h, e := newTestServer(t)

	if w := do(t, h, http.MethodGet, "/api/v1/alerts?include_resolved=true", nil); w.Code != http.StatusOK {
		t.Fatalf("alerts: expected 200, got %d", w.Code)
	}

	if _, err := e.TriggerSweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		w := do(t, h, http.MethodGet, "/api/v1/events?trip_id=kyoto&type=batch.opened", nil)
		var body struct {
			Count int `json:"count"`
		}
		decode(t, w, &body)
		if body.Count == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("batch.opened event never appeared")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if w := do(t, h, http.MethodGet, "/api/v1/trips/kyoto/history", nil); w.Code != http.StatusOK {
		t.Errorf("history: expected 200, got %d", w.Code)
	}
}

func TestEventSocket(t *testing.T) {
	h, e := newTestServer(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events/ws?trip_id=kyoto"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello map[string]string
	if err := ws.ReadJSON(&hello); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if hello["type"] != "connected" {
		t.Fatalf("unexpected hello %v", hello)
	}

	if err := e.GetEventBus().Publish(&eventbus.Event{Type: eventbus.EventTypeBatchOpened, TripID: "osaka"}); err != nil {
		t.Fatal(err)
	}
	if err := e.GetEventBus().Publish(&eventbus.Event{Type: eventbus.EventTypeBatchOpened, TripID: "kyoto"}); err != nil {
		t.Fatal(err)
	}

	var event eventbus.Event
	if err := ws.ReadJSON(&event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if event.TripID != "kyoto" {
		t.Errorf("filter leaked event for trip %q", event.TripID)
	}
}

func TestCORSPreflight(t *testing.T) {
	h, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/settings", nil)
	req.Header.Set("Origin", "http://ops.example")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected wildcard origin, got %q", got)
	}
}
