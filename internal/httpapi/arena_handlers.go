package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"eco-arena-server/internal/model"
)

type scanQRRequest struct {
	UserID   string          `json:"userId"`
	QRID     string          `json:"qrId"`
	Location *model.GeoPoint `json:"location,omitempty"`
}

// scanQR starts an arena session from a validated QR scan reported by a
// collection-point scanner.
func (s *Server) scanQR(w http.ResponseWriter, r *http.Request) {
	var req scanQRRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.QRID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "userId and qrId are required"})
		return
	}

	device := deviceFrom(r)
	session, err := s.arenaSvc.StartSession(r.Context(), req.UserID, req.QRID, device.ID, req.Location)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Arena session started",
		"session": sessionDescriptor(session, time.Now()),
	})
}

type depositRequest struct {
	SessionToken string `json:"sessionToken"`
}

// deposit records one disposal event reported by a bin sensor.
func (s *Server) deposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionToken == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "sessionToken is required"})
		return
	}

	device := deviceFrom(r)
	result, err := s.arenaSvc.RecordDeposit(r.Context(), req.SessionToken, device.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Deposit recorded",
		"deposit": result,
	})
}

// getSession returns the caller's active session with its full deposit log,
// the authoritative read clients reconcile from after a missed event.
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.arenaSvc.GetActiveSession(r.Context(), userIDFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if session == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"hasActiveSession": false,
			"session":          nil,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"hasActiveSession": true,
		"session":          sessionDescriptor(session, time.Now()),
	})
}

// listSessions enumerates the caller's retained sessions.
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.arenaSvc.ListSessions(r.Context(), userIDFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// exitSession ends the caller's active session early.
func (s *Server) exitSession(w http.ResponseWriter, r *http.Request) {
	summary, err := s.arenaSvc.ExitSession(r.Context(), userIDFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Arena session ended",
		"summary": summary,
	})
}

// issueQR creates a pending arena-entry code bound to the caller. Rendering
// the code image is the client's concern.
func (s *Server) issueQR(w http.ResponseWriter, r *http.Request) {
	code, err := s.qrCodes.Issue(r.Context(), userIDFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"qrCode": code})
}

// sessionDescriptor shapes a session for clients, with remaining time
// computed from the same predicate admission control uses.
func sessionDescriptor(s *model.ArenaSession, now time.Time) map[string]any {
	return map[string]any{
		"sessionId":        s.ID,
		"sessionToken":     s.Token,
		"userId":           s.UserID,
		"startTime":        s.StartTime,
		"endTime":          s.EndTime,
		"remainingTime":    s.RemainingTime(now),
		"status":           s.Status,
		"rewardCap":        s.RewardCap,
		"totalRewards":     s.TotalRewards,
		"remainingRewards": s.RemainingCapacity(),
		"depositCount":     s.DepositCount,
		"deposits":         s.Deposits,
	}
}
