package api

import (
	"errors"
	"log"
	"net/http"

	"github.com/jordanhubbard/tripdesk/internal/lifecycle"
	"github.com/jordanhubbard/tripdesk/internal/settings"
	"github.com/jordanhubbard/tripdesk/internal/store"
)

const msgRequestUnavailable = "request no longer available"

// respondEngineError maps engine errors onto HTTP status codes
func (s *Server) respondEngineError(w http.ResponseWriter, err error) {
	var ce *lifecycle.ConflictError
	var ve *settings.ValidationError
	var fe *lifecycle.FatalError

	switch {
	case errors.As(err, &ce):
		body := map[string]string{"error": msgRequestUnavailable}
		if ce.Reason != "" {
			body["reason"] = ce.Reason
		}
		s.respondJSON(w, http.StatusConflict, body)
	case errors.As(err, &ve):
		s.respondJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":  "invalid settings",
			"fields": ve.Fields,
		})
	case errors.Is(err, lifecycle.ErrInvalidDecision):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, lifecycle.ErrForbidden):
		s.respondError(w, http.StatusForbidden, err.Error())
	case errors.As(err, &fe):
		// Checked before ErrNotFound, which a FatalError usually wraps
		s.respondJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error":      msgRequestUnavailable,
			"reason":     "request flagged for cleanup: " + fe.Err.Error(),
			"request_id": fe.RequestID,
		})
	case errors.Is(err, store.ErrNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	default:
		log.Printf("[API] Internal error: %v", err)
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}
