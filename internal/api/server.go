package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/campaigner/internal/abtest"
	"github.com/foxzi/campaigner/internal/campaign"
	"github.com/foxzi/campaigner/internal/config"
	"github.com/foxzi/campaigner/internal/queue"
	"github.com/foxzi/campaigner/internal/repository"
)

// Server is the HTTP command and query API.
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	config     *config.APIConfig
	logger     *slog.Logger
	startTime  time.Time

	orchestrator *campaign.Orchestrator
	evaluator    *abtest.Evaluator
	campaigns    *repository.CampaignRepository
	recipients   *repository.RecipientRepository
	abtests      *repository.ABTestRepository
	queue        queue.Queue
}

// NewServer creates a new API server.
func NewServer(
	cfg *config.APIConfig,
	orchestrator *campaign.Orchestrator,
	evaluator *abtest.Evaluator,
	campaigns *repository.CampaignRepository,
	recipients *repository.RecipientRepository,
	abtests *repository.ABTestRepository,
	q queue.Queue,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:       chi.NewRouter(),
		config:       cfg,
		logger:       logger,
		startTime:    time.Now(),
		orchestrator: orchestrator,
		evaluator:    evaluator,
		campaigns:    campaigns,
		recipients:   recipients,
		abtests:      abtests,
		queue:        q,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	// API v1 routes (auth required)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/campaigns", s.handleCreateCampaign)
		r.Get("/campaigns", s.handleListCampaigns)
		r.Get("/campaigns/{id}", s.handleGetCampaign)
		r.Post("/campaigns/{id}/recipients", s.handleAddRecipients)

		r.Post("/campaigns/{id}/activate", s.handleActivate)
		r.Post("/campaigns/{id}/pause", s.handlePause)
		r.Post("/campaigns/{id}/resume", s.handleResume)
		r.Post("/campaigns/{id}/cancel", s.handleCancel)
		r.Get("/campaigns/{id}/failures", s.handleFailures)

		r.Post("/abtests", s.handleCreateABTest)
		r.Get("/abtests/{id}/stats", s.handleABTestStats)
		r.Post("/abtests/{id}/winner", s.handleDeclareWinner)

		r.Get("/queue", s.handleQueue)
		r.Get("/queue/tasks", s.handleListTasks)
	})
}

// Handler returns the HTTP handler, for tests and for embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
