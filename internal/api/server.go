package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/mailcast/internal/bounce"
	"github.com/foxzi/mailcast/internal/config"
	"github.com/foxzi/mailcast/internal/ipfilter"
	"github.com/foxzi/mailcast/internal/jobs"
	"github.com/foxzi/mailcast/internal/metrics"
)

// Deps holds the services behind the API. Sandbox may be nil.
type Deps struct {
	Providers  ProviderStore
	Prober     Prober
	Sender     FallbackSender
	Campaigns  CampaignReader
	Control    CampaignControl
	Jobs       jobs.Enqueuer
	Deliveries DeliveryQuery
	Events     bounce.Processor
	Sandbox    SandboxStore
	Version    string
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	deps       Deps
	filter     *ipfilter.Filter
	config     *config.APIConfig
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server. filter may be nil.
func NewServer(deps Deps, cfg *config.APIConfig, filter *ipfilter.Filter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		router:    chi.NewRouter(),
		deps:      deps,
		filter:    filter,
		config:    cfg,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	// RealIP is left out: the IP filter reads X-Forwarded-For itself and only
	// when trust_proxy is set
	s.router.Use(middleware.RequestID)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metrics.HTTPMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.bodyLimitMiddleware)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		if s.filter != nil {
			r.Use(s.filter.Middleware)
		}
		r.Use(s.authMiddleware)

		r.Post("/send", s.handleSend)

		r.Route("/providers", func(r chi.Router) {
			r.Get("/", s.handleListProviders)
			r.Post("/test", s.handleTestAllProviders)
			r.Get("/{id}", s.handleGetProvider)
			r.Post("/{id}/test", s.handleTestProvider)
			r.Post("/{id}/default", s.handleSetDefaultProvider)
		})

		r.Route("/campaigns/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetCampaign)
			r.Get("/stats", s.handleCampaignStats)
			r.Post("/send", s.handleStartCampaign)
			r.Post("/resume", s.handleResumeCampaign)
			r.Post("/pause", s.handlePauseCampaign)
			r.Post("/cancel", s.handleCancelCampaign)
		})

		r.Get("/deliveries", s.handleListDeliveries)

		r.Post("/events", s.handleEvent)
		r.Post("/events/dsn", s.handleDSN)

		r.Route("/sandbox", func(r chi.Router) {
			r.Get("/messages", s.handleSandboxList)
			r.Delete("/messages", s.handleSandboxClear)
			r.Get("/messages/{id}", s.handleSandboxGet)
			r.Get("/messages/{id}/raw", s.handleSandboxRaw)
			r.Get("/stats", s.handleSandboxStats)
		})
	})
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
