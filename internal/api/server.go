package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"okr-query-sandbox/internal/config"
	"okr-query-sandbox/internal/governor"
	"okr-query-sandbox/internal/metric"
	"okr-query-sandbox/internal/monitor"
	"okr-query-sandbox/internal/profile"
	"okr-query-sandbox/internal/sandbox"
	"okr-query-sandbox/internal/storage"
)

// Server is the main HTTP server for the query sandbox API.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, engine *sandbox.Engine, profiles *profile.Registry, gov *governor.Governor, db *storage.DB, metrics *monitor.Metrics) *Server {
	weekStart, err := config.ParseWeekStart(cfg.Security.DefaultWeekStart)
	if err != nil {
		weekStart = time.Monday
	}
	defaults := sandbox.UserSettings{
		Timezone:  cfg.Security.DefaultTimezone,
		WeekStart: weekStart,
	}
	handlers := NewHandlers(engine, profiles, metric.NewEvaluator(), gov, db, metrics, defaults)

	s := &Server{
		handlers: handlers,
		cfg:      cfg,
	}

	if len(cfg.Security.KeyUsers) == 0 {
		log.Warn().Msg("no API keys configured — all query requests will be rejected")
	}

	// Query API — wrapped with auth
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/query", handlers.HandleQuery)
	apiMux.HandleFunc("POST /api/metrics/eval", handlers.HandleEvalMetrics)
	apiMux.HandleFunc("GET /api/executions", handlers.HandleListExecutions)

	authedAPI := AuthMiddleware(cfg.Security.APIKeyHeader, cfg.Security.KeyUsers)(apiMux)

	// Top-level mux: health/metrics bypass auth, everything else goes through auth
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.Handle("/", authedAPI)

	// Apply middleware chain (outermost first)
	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
