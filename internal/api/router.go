package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/consortium-dev/consortium/internal/auth"
	"github.com/consortium-dev/consortium/internal/events"
	"github.com/consortium-dev/consortium/internal/repository"
)

// Config wires the HTTP server to the rest of the relay.
type Config struct {
	Logger   *zap.Logger
	Tokens   *auth.TokenService
	Emitter  *events.Emitter
	Accounts repository.AccountRepository
	Sessions repository.SessionRepository
	Machines repository.MachineRepository
	Pairing  repository.PairingRepository

	// Updates serves the WebSocket upgrade at /v1/updates.
	Updates http.Handler

	// Ping reports storage health for /health.
	Ping func(ctx context.Context) error
}

// Server holds the handler dependencies behind the chi router.
type Server struct {
	logger   *zap.Logger
	tokens   *auth.TokenService
	emitter  *events.Emitter
	accounts repository.AccountRepository
	sessions repository.SessionRepository
	machines repository.MachineRepository
	pairing  repository.PairingRepository
	updates  http.Handler
	ping     func(ctx context.Context) error
}

// NewServer creates the Server.
func NewServer(cfg Config) *Server {
	return &Server{
		logger:   cfg.Logger.Named("api"),
		tokens:   cfg.Tokens,
		emitter:  cfg.Emitter,
		accounts: cfg.Accounts,
		sessions: cfg.Sessions,
		machines: cfg.Machines,
		pairing:  cfg.Pairing,
		updates:  cfg.Updates,
		ping:     cfg.Ping,
	}
}

// Router assembles the full HTTP surface.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))
	r.Use(LimitBody)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/auth", s.handleAuth)
		r.Post("/auth/account/request", s.handlePairingRequest)

		// The WebSocket handshake authenticates itself from query params.
		r.Handle("/updates", s.updates)

		r.Group(func(r chi.Router) {
			r.Use(Authenticate(s.tokens))

			r.Post("/auth/account/response", s.handlePairingResponse)

			r.Get("/sessions", s.handleListSessions)
			r.Post("/sessions", s.handleCreateSession)
			r.Get("/sessions/{id}/messages", s.handleListMessages)
			r.Delete("/sessions/{id}", s.handleDeleteSession)

			r.Post("/machines", s.handleCreateMachine)
			r.Get("/machines", s.handleListMachines)
			r.Get("/machines/{id}", s.handleGetMachine)
		})
	})

	return r
}

// handleHealth reports process and storage liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ping != nil {
		if err := s.ping(r.Context()); err != nil {
			s.logger.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
