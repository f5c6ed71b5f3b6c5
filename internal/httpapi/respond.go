package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"eco-arena-server/internal/auth"
	"eco-arena-server/internal/repository"
	"eco-arena-server/internal/service"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

type errorBody struct {
	Error     string `json:"error"`
	Reason    string `json:"reason,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// writeError maps domain errors onto the HTTP surface. Expiry carries the
// reason so the device can tell "session over" from "stop the bin".
func writeError(w http.ResponseWriter, err error) {
	var dup *service.DuplicateSessionError
	switch {
	case errors.As(err, &dup):
		writeJSON(w, http.StatusConflict, errorBody{Error: dup.Error(), SessionID: dup.SessionID})

	case errors.Is(err, service.ErrSessionExpired):
		writeJSON(w, http.StatusGone, errorBody{Error: err.Error(), Reason: "time"})
	case errors.Is(err, service.ErrSessionCapped):
		writeJSON(w, http.StatusGone, errorBody{Error: err.Error(), Reason: "cap"})

	case errors.Is(err, service.ErrSessionNotFound),
		errors.Is(err, service.ErrNoActiveSession),
		errors.Is(err, repository.ErrUserNotFound),
		errors.Is(err, repository.ErrSettlementNotFound),
		errors.Is(err, repository.ErrEntryNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})

	case errors.Is(err, service.ErrInvalidCode),
		errors.Is(err, service.ErrNoWallet),
		errors.Is(err, repository.ErrInsufficientBalance),
		errors.Is(err, repository.ErrInvalidAmount):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})

	case errors.Is(err, service.ErrConflict),
		errors.Is(err, service.ErrSettlementNotRetryable):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})

	case errors.Is(err, auth.ErrUnauthenticated):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: err.Error()})
	case errors.Is(err, auth.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorBody{Error: err.Error()})

	default:
		log.Error().Err(err).Msg("Internal error")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}
