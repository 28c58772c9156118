package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jordanhubbard/tripdesk/internal/audit"
	"github.com/jordanhubbard/tripdesk/internal/eventbus"
	"github.com/jordanhubbard/tripdesk/internal/lifecycle"
	"github.com/jordanhubbard/tripdesk/internal/metrics"
	"github.com/jordanhubbard/tripdesk/internal/scheduler"
	"github.com/jordanhubbard/tripdesk/pkg/config"
	"github.com/jordanhubbard/tripdesk/pkg/models"
)

// Engine is what the HTTP API needs from the assignment engine
type Engine interface {
	TriggerSweep(ctx context.Context) (*scheduler.SweepReport, error)
	RespondToRequest(ctx context.Context, requestID, decision, reason string) (*models.BackupRequest, error)
	GetRequestsForTrip(ctx context.Context, tripID string) ([]*models.BackupRequest, error)
	GetRequestsForSensei(ctx context.Context, senseiID string) ([]*models.BackupRequest, error)
	OverrideAssign(ctx context.Context, tripID, senseiID string, admin bool) (*lifecycle.OverrideResult, error)
	ResolveEscalation(ctx context.Context, tripID string) (int, error)
	ListAlerts(ctx context.Context, includeResolved bool) ([]*models.EscalationAlert, error)
	TripState(ctx context.Context, tripID string) (*models.TripAutomationState, error)
	TripHistory(ctx context.Context, tripID string, limit int) ([]audit.Entry, error)
	GetSettings() models.AutomationSettings
	UpdateSettings(next models.AutomationSettings) error
	RecentEvents(limit int, tripID, eventType string) []*eventbus.Event
	GetEventBus() *eventbus.EventBus
	Health(ctx context.Context) map[string]string
	Healthy(ctx context.Context) bool
	Uptime() time.Duration
}

// Server represents the HTTP API server
type Server struct {
	engine  Engine
	config  *config.Config
	metrics *metrics.Metrics
}

// NewServer creates a new API server
func NewServer(engine Engine, cfg *config.Config, m *metrics.Metrics) *Server {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Server{
		engine:  engine,
		config:  cfg,
		metrics: m,
	}
}

// SetupRoutes configures HTTP routes
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()

	// Health
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /health/live", s.handleHealthLive)
	mux.HandleFunc("GET /health/ready", s.handleHealthReady)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Sweeps
	mux.HandleFunc("POST /api/v1/sweeps", s.handleTriggerSweep)

	// Requests
	mux.HandleFunc("GET /api/v1/trips/{id}/requests", s.handleTripRequests)
	mux.HandleFunc("GET /api/v1/senseis/{id}/requests", s.handleSenseiRequests)
	mux.HandleFunc("POST /api/v1/requests/{id}/respond", s.handleRespond)

	// Trips
	mux.HandleFunc("POST /api/v1/trips/{id}/override", s.handleOverride)
	mux.HandleFunc("GET /api/v1/trips/{id}/state", s.handleTripState)
	mux.HandleFunc("GET /api/v1/trips/{id}/history", s.handleTripHistory)
	mux.HandleFunc("POST /api/v1/trips/{id}/escalation/resolve", s.handleResolveEscalation)

	// Alerts
	mux.HandleFunc("GET /api/v1/alerts", s.handleAlerts)

	// Settings
	mux.HandleFunc("GET /api/v1/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /api/v1/settings", s.handleUpdateSettings)

	// Events
	mux.HandleFunc("GET /api/v1/events", s.handleGetEvents)
	mux.HandleFunc("GET /api/v1/events/ws", s.handleEventSocket)

	// Apply middleware
	handler := s.metricsMiddleware(mux)
	handler = s.corsMiddleware(handler)

	return handler
}

// Middleware

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the websocket upgrader take over the connection
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// metricsMiddleware records request counts and latency per route pattern
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		s.metrics.RecordHTTPRequest(r.Method, path, strconv.Itoa(rec.status), time.Since(start))
	})
}

// corsMiddleware handles CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin, ok := s.allowedOrigin(r.Header.Get("Origin")); ok {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		// Handle preflight
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowedOrigin(origin string) (string, bool) {
	for _, allowed := range s.config.Server.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return allowed, true
		}
	}
	return "", false
}

// Helper functions

// respondJSON writes a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes an error response
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// parseJSON parses JSON request body
func (s *Server) parseJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// queryInt reads a positive integer query parameter
func queryInt(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
