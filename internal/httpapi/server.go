// Package httpapi exposes the arena over HTTP: device routes for QR scans
// and deposit reports, user routes for session state, exit, and wallet
// transfers, and the websocket event stream.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"eco-arena-server/internal/auth"
	"eco-arena-server/internal/broadcast"
	"eco-arena-server/internal/model"
	"eco-arena-server/internal/repository"
	"eco-arena-server/internal/service"
)

type contextKey string

const (
	ctxUserID contextKey = "userID"
	ctxDevice contextKey = "device"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	arenaSvc  *service.ArenaService
	walletSvc *service.WalletService
	auth      *auth.Authenticator
	hub       *broadcast.Hub
	users     *repository.UserRepository
	ledger    *repository.LedgerRepository
	qrCodes   *repository.QRCodeRepository
}

// NewServer creates the HTTP server wiring.
func NewServer(
	arenaSvc *service.ArenaService,
	walletSvc *service.WalletService,
	authn *auth.Authenticator,
	hub *broadcast.Hub,
	users *repository.UserRepository,
	ledger *repository.LedgerRepository,
	qrCodes *repository.QRCodeRepository,
) *Server {
	return &Server{
		arenaSvc:  arenaSvc,
		walletSvc: walletSvc,
		auth:      authn,
		hub:       hub,
		users:     users,
		ledger:    ledger,
		qrCodes:   qrCodes,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/arena", func(r chi.Router) {
			// Device-facing routes. The websocket route manages its own
			// lifetime, so it skips the request timeout.
			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(30 * time.Second))
				r.With(s.requireDevice(model.CapabilityScanner)).Post("/scan-qr", s.scanQR)
				r.With(s.requireDevice(model.CapabilitySensor)).Post("/deposit", s.deposit)

				r.Group(func(r chi.Router) {
					r.Use(s.requireUser)
					r.Get("/session", s.getSession)
					r.Get("/sessions", s.listSessions)
					r.Post("/exit", s.exitSession)
				})
			})
			r.With(s.requireUser).Get("/ws", s.events)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Use(s.requireUser)

			r.Route("/wallet", func(r chi.Router) {
				r.Post("/transfer", s.transferToWallet)
				r.Post("/settlements/{correlationID}/retry", s.retrySettlement)
			})

			r.Route("/users", func(r chi.Router) {
				r.Get("/me", s.me)
				r.Get("/me/transactions", s.transactions)
			})

			r.Post("/qr/issue", s.issueQR)
		})
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
	})
}

// requireUser authenticates the bearer token and stores the user id.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		userID, err := s.auth.ParseUserToken(token)
		if err != nil {
			writeError(w, auth.ErrUnauthenticated)
			return
		}
		ctx := context.WithValue(r.Context(), ctxUserID, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireDevice authenticates the device key and checks its capability.
func (s *Server) requireDevice(capability model.DeviceCapability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			device, err := s.auth.AuthenticateDevice(r.Context(), r.Header.Get("X-Device-Key"))
			if err != nil {
				writeError(w, err)
				return
			}
			if err := auth.RequireCapability(device, capability); err != nil {
				writeError(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), ctxDevice, device)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func userIDFrom(r *http.Request) string {
	id, _ := r.Context().Value(ctxUserID).(string)
	return id
}

func deviceFrom(r *http.Request) *model.Device {
	d, _ := r.Context().Value(ctxDevice).(*model.Device)
	return d
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	// Browsers cannot set headers on websocket dials; accept a query token.
	return r.URL.Query().Get("token")
}
