package api

import (
	"net/http"
	"strings"
)

// RespondRequest is the body of POST /api/v1/requests/{id}/respond
type RespondRequest struct {
	Decision string `json:"decision"` // "accept" or "decline"
	Reason   string `json:"reason,omitempty"`
}

// OverrideRequest is the body of POST /api/v1/trips/{id}/override
type OverrideRequest struct {
	SenseiID string `json:"sensei_id"`
	Admin    bool   `json:"admin"`
}

// handleTriggerSweep runs a sweep now
// POST /api/v1/sweeps
func (s *Server) handleTriggerSweep(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.TriggerSweep(r.Context())
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

// GET /api/v1/trips/{id}/requests
func (s *Server) handleTripRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.engine.GetRequestsForTrip(r.Context(), r.PathValue("id"))
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, reqs)
}

// GET /api/v1/senseis/{id}/requests
func (s *Server) handleSenseiRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.engine.GetRequestsForSensei(r.Context(), r.PathValue("id"))
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, reqs)
}

// handleRespond records an accept or decline
// POST /api/v1/requests/{id}/respond
func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var body RespondRequest
	if err := s.parseJSON(r, &body); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(body.Decision) == "" {
		s.respondError(w, http.StatusBadRequest, "decision is required")
		return
	}

	req, err := s.engine.RespondToRequest(r.Context(), r.PathValue("id"), body.Decision, body.Reason)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, req)
}

// handleOverride assigns a backup directly
// POST /api/v1/trips/{id}/override
func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	var body OverrideRequest
	if err := s.parseJSON(r, &body); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.SenseiID == "" {
		s.respondError(w, http.StatusBadRequest, "sensei_id is required")
		return
	}

	result, err := s.engine.OverrideAssign(r.Context(), r.PathValue("id"), body.SenseiID, body.Admin)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}
