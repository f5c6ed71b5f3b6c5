package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type transferRequest struct {
	Amount int64 `json:"amount"` // zero or absent transfers the full balance
}

// transferToWallet debits the caller's balance and schedules the external
// transfer.
func (s *Server) transferToWallet(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
			return
		}
	}

	job, err := s.walletSvc.TransferToWallet(r.Context(), userIDFrom(r), req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"message":    "Transfer debited, settlement scheduled",
		"settlement": job,
	})
}

// retrySettlement re-enqueues a failed settlement by correlation id.
func (s *Server) retrySettlement(w http.ResponseWriter, r *http.Request) {
	job, err := s.walletSvc.RetrySettlement(r.Context(), chi.URLParam(r, "correlationID"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"message":    "Settlement retry scheduled",
		"settlement": job,
	})
}

// me returns the caller's profile and balance.
func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	user, err := s.users.GetByID(r.Context(), userIDFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

// transactions returns the caller's recent ledger entries, newest first.
func (s *Server) transactions(w http.ResponseWriter, r *http.Request) {
	entries, err := s.ledger.GetByUserID(r.Context(), userIDFrom(r), 50)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": entries})
}
