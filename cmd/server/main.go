/*
main.go - Application entry point

PURPOSE:
  Starts the spa loyalty engine: HTTP API, Prometheus metrics and the
  background jobs (expiry sweep, reward delivery, periodic re-evaluation).
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Load config (YAML file + environment)
  3. Build logger
  4. Wire backend, catalog, channels and engine (app.Build)
  5. Start background jobs
  6. Start HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML config path (default: loyalty.yaml; missing file = defaults)
  -port    HTTP server port, overrides config
  -db      SQLite database path, overrides config
           Use ":memory:" for the in-memory store

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop background jobs (delivery stops between grants)
  4. Close the backend
  5. Exit

ENVIRONMENT:
  LOYALTY_PORT, LOYALTY_DB, LOYALTY_TIER_WIDTH, LOYALTY_CATALOG,
  LOYALTY_COOLDOWN, LOYALTY_LOG_LEVEL, LOYALTY_LOG_FORMAT,
  RESEND_API_KEY, TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, TWILIO_FROM

SEE ALSO:
  - api/server.go: Router configuration
  - app/app.go: Engine wiring
  - config/config.go: Configuration sections
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oasis-spa/loyalty-engine/api"
	"github.com/oasis-spa/loyalty-engine/app"
	"github.com/oasis-spa/loyalty-engine/config"
	"github.com/oasis-spa/loyalty-engine/observability"
	"go.uber.org/zap"
)

func main() {
	// Flags
	configPath := flag.String("config", "loyalty.yaml", "YAML config path")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Server.DBPath = *dbPath
	}

	log, err := observability.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	a, err := app.Build(context.Background(), cfg, log, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	handler := api.NewHandler(a.Engine, log)
	handler.Concurrency = cfg.Jobs.Concurrency
	router := api.NewRouter(handler, api.RouterOptions{AllowedOrigins: cfg.Server.CORSOrigins})

	jobs := api.NewJobScheduler(a.Engine, api.JobConfig{
		Enabled:            cfg.Jobs.Enabled,
		SweepInterval:      cfg.Jobs.SweepInterval,
		DeliveryInterval:   cfg.Jobs.DeliveryInterval,
		ReevaluateInterval: cfg.Jobs.ReevaluateInterval,
		Concurrency:        cfg.Jobs.Concurrency,
	}, log)
	jobs.Start()
	defer jobs.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	log.Info("server stopped")
	return nil
}
