package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"okr-query-sandbox/internal/api"
	"okr-query-sandbox/internal/config"
	"okr-query-sandbox/internal/governor"
	"okr-query-sandbox/internal/monitor"
	"okr-query-sandbox/internal/profile"
	"okr-query-sandbox/internal/sandbox"
	"okr-query-sandbox/internal/storage"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize metrics
	metrics := monitor.NewMetrics()

	// Initialize database (optional — runs without it for development)
	var db *storage.DB
	if cfg.Database.DSN != "" {
		db, err = storage.New(ctx, cfg.Database.DSN)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, running without persistence")
		} else {
			defer db.Close()
		}
	}

	// Initialize audit writer (buffered, reliable logging)
	var auditWriter *storage.AuditWriter
	if db != nil {
		auditWriter = storage.NewAuditWriter(db, cfg.Governor.AuditBuffer)
		auditWriter.Start()
		defer auditWriter.Flush(10 * time.Second)
	}

	// Resource governor: per-user quota plus audit trail
	var sink governor.AuditSink
	if auditWriter != nil {
		sink = auditWriter
	}
	gov := governor.New(cfg.Governor.Window, cfg.Governor.MaxPerWindow, sink)
	gov.Start()
	defer gov.Stop()

	// Query records come from the database when available; otherwise
	// every accessor resolves to an empty dataset.
	var source sandbox.DataSource
	if db != nil {
		source = db
	} else {
		source = emptySource{}
	}

	engine := sandbox.NewEngine(source, cfg.Sandbox.MaxConcurrent)
	profiles := registryFromConfig(cfg)

	// Create and start HTTP server
	server := api.NewServer(cfg, engine, profiles, gov, db, metrics)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Bool("db_enabled", db != nil).
		Int("max_concurrent", cfg.Sandbox.MaxConcurrent).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}

// registryFromConfig builds the kind registry with the configured budgets.
func registryFromConfig(cfg *config.Config) *profile.Registry {
	queryLimits := sandbox.ResourceLimits{
		Timeout:        cfg.Sandbox.QueryTimeout,
		MemoryBytes:    cfg.Sandbox.MemoryBytes,
		MaxCodeBytes:   cfg.Sandbox.MaxCodeBytes,
		MaxResultBytes: cfg.Sandbox.MaxResultBytes,
		MaxCallStack:   sandbox.DefaultLimits().MaxCallStack,
	}
	metricLimits := sandbox.MetricLimits()
	metricLimits.Timeout = cfg.Sandbox.MetricTimeout

	r := profile.NewRegistry()
	for _, kind := range []profile.Kind{profile.KindQuery, profile.KindProgress, profile.KindWidget} {
		r.Register(profile.Profile{Kind: kind, Limits: queryLimits})
	}
	r.Register(profile.Profile{Kind: profile.KindMetric, Limits: metricLimits})
	return r
}

// emptySource backs the engine when no database is configured.
type emptySource struct{}

func (emptySource) FetchDaily(context.Context, string, sandbox.QueryFilters) ([]sandbox.DailyRecord, error) {
	return nil, nil
}

func (emptySource) FetchTasks(context.Context, string, sandbox.QueryFilters) ([]sandbox.TaskRecord, error) {
	return nil, nil
}

func (emptySource) FetchObjectives(context.Context, string, sandbox.QueryFilters) ([]sandbox.ObjectiveRecord, error) {
	return nil, nil
}
