/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the points engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags, load configuration
  2. Configure logging
  3. Open the store (memory, SQLite or PostgreSQL)
  4. Create API handler and router
  5. Start the daily award scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML config file (optional)
  -port    HTTP server port, overrides config
  -db      SQLite database path, overrides config and selects sqlite
           Use ":memory:" for an in-memory database

ENVIRONMENT:
  PORT, DB_DRIVER, DB_DSN, JWT_SECRET, LOG_LEVEL, LOG_FORMAT, CAP_SCOPE,
  DAILY_AWARD_SCHEDULE (empty disables the daily award).
  A .env file in the working directory is read first.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM, or when the listener fails:
  1. Stop accepting new connections
  2. Wait for active requests to complete (shutdown_timeout)
  3. Stop the scheduler
  4. Close the store
  5. Exit

EXAMPLES:
  ./server -config=config.yaml
  JWT_SECRET=... ./server -db=":memory:" -port=3000

SEE ALSO:
  - config/config.go: Configuration
  - api/server.go: Router configuration
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
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/points-engine/api"
	"github.com/warp/points-engine/config"
	"github.com/warp/points-engine/points"
	memstore "github.com/warp/points-engine/points/store"
	"github.com/warp/points-engine/redemption"
	"github.com/warp/points-engine/store/postgres"
	"github.com/warp/points-engine/store/sqlite"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Flags
	configPath := flag.String("config", "", "YAML config file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	log := logrus.New()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Driver = "sqlite"
		cfg.Database.DSN = *dbPath
	}
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}

	if err := configureLogger(log, cfg.Log); err != nil {
		log.WithError(err).Fatal("Invalid log configuration")
	}

	// Initialize store
	store, err := openStore(context.Background(), cfg.Database)
	if err != nil {
		log.WithError(err).Error("Failed to initialize database")
		return 1
	}
	defer store.Close()

	handler := api.NewHandler(store, points.SystemClock{}, log, api.NewAuthenticator(cfg.JWT.Secret), redemption.Config{
		CapScope:     cfg.Rewards.Scope,
		MaxAttempts:  cfg.Retry.MaxAttempts,
		RetryBackoff: cfg.Retry.Backoff,
	})

	opts := api.RouterOptions{AllowedOrigins: cfg.Server.AllowedOrigins}
	if cfg.RateLimit.RequestsPerSecond > 0 {
		opts.RateLimiter = api.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}
	router := api.NewRouter(handler, opts)

	// Create server
	server := &http.Server{
		Addr:         cfg.Address(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.RateLimiter != nil {
		go sweepLimiters(ctx, opts.RateLimiter)
	}

	if expr := cfg.Rewards.DailyAwardSchedule; expr != "" {
		scheduler, err := api.NewDailyAwardScheduler(handler, expr)
		if err != nil {
			log.WithError(err).Error("Invalid daily award schedule")
			return 1
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"addr":      server.Addr,
			"store":     cfg.Database.Driver,
			"cap_scope": cfg.Rewards.Scope,
		}).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	code := 0
	select {
	case <-ctx.Done():
		log.Info("Shutting down server...")
	case err := <-serveErr:
		log.WithError(err).Error("Server failed")
		code = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
		return 1
	}

	log.Info("Server stopped")
	return code
}

func configureLogger(log *logrus.Logger, cfg config.LogConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	if strings.EqualFold(cfg.Format, "json") {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (points.Store, error) {
	switch cfg.Driver {
	case "memory":
		return memstore.NewMemory(), nil
	case "sqlite":
		return sqlite.New(cfg.DSN)
	case "postgres":
		return postgres.New(ctx, cfg.DSN)
	}
	return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
}

func sweepLimiters(ctx context.Context, rl *api.RateLimiter) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Sweep()
		}
	}
}
