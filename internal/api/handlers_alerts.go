package api

import "net/http"

// handleAlerts lists escalation alerts
// GET /api/v1/alerts?include_resolved=true
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	includeResolved := r.URL.Query().Get("include_resolved") == "true"
	alerts, err := s.engine.ListAlerts(r.Context(), includeResolved)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, alerts)
}

// handleResolveEscalation clears a trip's escalation
// POST /api/v1/trips/{id}/escalation/resolve
func (s *Server) handleResolveEscalation(w http.ResponseWriter, r *http.Request) {
	tripID := r.PathValue("id")
	n, err := s.engine.ResolveEscalation(r.Context(), tripID)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"trip_id":         tripID,
		"alerts_resolved": n,
	})
}

// GET /api/v1/trips/{id}/state
func (s *Server) handleTripState(w http.ResponseWriter, r *http.Request) {
	state, err := s.engine.TripState(r.Context(), r.PathValue("id"))
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, state)
}

// GET /api/v1/trips/{id}/history?limit=100
func (s *Server) handleTripHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.engine.TripHistory(r.Context(), r.PathValue("id"), queryInt(r, "limit", 100))
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, entries)
}
