package api

import "net/http"

// GET /api/v1/settings
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.engine.GetSettings())
}

// handleUpdateSettings applies a full or partial settings document. Fields
// missing from the body keep their current values.
// PUT /api/v1/settings
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	next := s.engine.GetSettings()
	if err := s.parseJSON(r, &next); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid settings document")
		return
	}
	if err := s.engine.UpdateSettings(next); err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.engine.GetSettings())
}
