package api

import (
	"net/http"
	"os"
	"time"
)

// HealthStatus represents the overall health status.
type HealthStatus struct {
	Status       string            `json:"status"` // "healthy", "degraded"
	Timestamp    time.Time         `json:"timestamp"`
	InstanceID   string            `json:"instance_id,omitempty"`
	Uptime       int64             `json:"uptime_seconds"`
	Dependencies map[string]string `json:"dependencies"`
}

var instanceID = getInstanceID()

// handleHealth reports the engine and its dependencies
// GET /api/v1/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:       "healthy",
		Timestamp:    time.Now(),
		InstanceID:   instanceID,
		Uptime:       int64(s.engine.Uptime().Seconds()),
		Dependencies: s.engine.Health(r.Context()),
	}
	code := http.StatusOK
	if !s.engine.Healthy(r.Context()) {
		status.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	s.respondJSON(w, code, status)
}

// handleHealthLive handles GET /health/live - Kubernetes liveness probe.
func (s *Server) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "alive",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleHealthReady handles GET /health/ready - Kubernetes readiness probe.
// Ready means every configured dependency answers.
func (s *Server) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	if !s.engine.Healthy(r.Context()) {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func getInstanceID() string {
	if id := os.Getenv("HOSTNAME"); id != "" {
		return id
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
