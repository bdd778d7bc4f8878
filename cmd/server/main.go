/*
main.go - Application entry point

PURPOSE:
  Starts the Kaizen proposal approval server: loads configuration, opens the
  store, wires the workflow engine, notifiers and HTTP router, and shuts
  everything down in order on SIGINT/SIGTERM.

STARTUP SEQUENCE:
  1. Parse command-line flags, load .env and environment
  2. Build the logger (stdout, optionally a rotated file)
  3. Open the store: Postgres when DATABASE_URL is set, MySQL when
     PRIMARY_DB_HOST is set, SQLite otherwise
  4. Build notifiers (log, webhook, NATS) and the workflow engine
  5. Configure HTTP router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -env     .env file to load (default: .env, missing is fine)
  -port    HTTP server port, overrides PORT
  -db      SQLite database path, overrides DB_PATH
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Drain the NATS connection
  4. Close the store and the log file

EXAMPLES:
  # Run with file database
  ./server -db="./data/kaizen.db"

  # Run against Postgres with console logs
  DATABASE_URL=postgres://kaizen@localhost/kaizen LOG_FORMAT=console ./server

  # Run against the MySQL primary
  PRIMARY_DB_HOST=db PRIMARY_DB_USER=kaizen PRIMARY_DB_PASSWORD=secret ./server

SEE ALSO:
  - config/config.go: Environment variables
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
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/warp/kaizen-engine/api"
	"github.com/warp/kaizen-engine/config"
	"github.com/warp/kaizen-engine/logging"
	"github.com/warp/kaizen-engine/notify"
	"github.com/warp/kaizen-engine/store/mysql"
	"github.com/warp/kaizen-engine/store/postgres"
	"github.com/warp/kaizen-engine/store/sqlite"
	"github.com/warp/kaizen-engine/workflow"
)

// store is what the server needs from either backend.
type store interface {
	workflow.TxStore
	api.Pinger
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "kaizen: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Flags
	envFile := flag.String("env", "", "dotenv file (default .env)")
	port := flag.Int("port", 0, "HTTP server port (overrides PORT)")
	dbPath := flag.String("db", "", "SQLite database path (overrides DB_PATH)")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		return err
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	log, logCloser, err := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	if err != nil {
		return err
	}
	defer logCloser.Close()

	wf, err := cfg.Workflow()
	if err != nil {
		return err
	}

	// Initialize store
	st, closeStore, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	notifier, nc, err := buildNotifier(cfg, log)
	if err != nil {
		return err
	}

	engine := workflow.NewEngine(st, wf,
		workflow.WithLogger(log.With().Str("component", "workflow").Logger()),
		workflow.WithNotifier(notifier),
	)

	handler := api.NewHandler(engine, st, log.With().Str("component", "api").Logger())
	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins: cfg.CORSOrigins,
		Logger:      log.With().Str("component", "http").Logger(),
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().
			Int("port", cfg.Port).
			Int("fiscal_start_month", cfg.FiscalStartMonth).
			Bool("strict_stage_order", cfg.StrictStageOrder).
			Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down server")
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	if nc != nil {
		if err := nc.Drain(); err != nil {
			log.Warn().Err(err).Msg("failed to drain nats connection")
		}
	}

	log.Info().Msg("server stopped")
	return nil
}

func openStore(cfg *config.Config, log zerolog.Logger) (store, func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cfg.Backend() {
	case "postgres":
		pg, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize postgres: %w", err)
		}
		log.Info().Str("store", "postgres").Msg("store ready")
		return pg, pg.Close, nil

	case "mysql":
		my, err := mysql.New(ctx, mysql.Settings{
			Host:     cfg.MySQLHost,
			Port:     cfg.MySQLPort,
			User:     cfg.MySQLUser,
			Password: cfg.MySQLPassword,
			Database: cfg.MySQLDatabase,
		}.DSN())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize mysql: %w", err)
		}
		log.Info().Str("store", "mysql").Str("host", cfg.MySQLHost).Str("database", cfg.MySQLDatabase).Msg("store ready")
		return my, func() {
			if err := my.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close database")
			}
		}, nil
	}

	lite, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	log.Info().Str("store", "sqlite").Str("path", cfg.DBPath).Msg("store ready")
	return lite, func() {
		if err := lite.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close database")
		}
	}, nil
}

// buildNotifier always logs, and additionally posts to the webhook and
// publishes to NATS when configured. The returned connection, if any, is
// drained by the caller.
func buildNotifier(cfg *config.Config, log zerolog.Logger) (workflow.Notifier, *nats.Conn, error) {
	nlog := log.With().Str("component", "notify").Logger()
	sinks := notify.Multi{notify.NewLog(log)}

	if cfg.NotifyWebhookURL != "" {
		sinks = append(sinks, notify.NewWebhook(cfg.NotifyWebhookURL, cfg.NotifyTimeout, nlog))
	}

	var nc *nats.Conn
	if cfg.NotifyNATSURL != "" {
		n, conn, err := notify.ConnectNATS(cfg.NotifyNATSURL, cfg.NotifyNATSPrefix, nlog)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, n)
		nc = conn
	}
	return sinks, nc, nil
}
