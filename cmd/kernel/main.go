// Milaidy autonomy kernel server - exposes the HTTP/WebSocket control
// surface and drives approved plans through the execution pipeline.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/rndrntwrk/milaidy/pkg/api"
	"github.com/rndrntwrk/milaidy/pkg/cleanup"
	"github.com/rndrntwrk/milaidy/pkg/config"
	"github.com/rndrntwrk/milaidy/pkg/database"
	"github.com/rndrntwrk/milaidy/pkg/events"
	"github.com/rndrntwrk/milaidy/pkg/kernel"
	"github.com/rndrntwrk/milaidy/pkg/models"
	"github.com/rndrntwrk/milaidy/pkg/version"
)

// Exit codes for the launcher.
const (
	exitOK          = 0
	exitConfig      = 1
	exitPersistence = 2
	exitInvariant   = 3
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	os.Exit(run())
}

func run() int {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env from the config directory before anything reads the
	// environment.
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Info("No .env file loaded, using existing environment", "path", envPath)
	}

	slog.Info("Starting milaidy kernel", "version", version.Full(), "config_dir", *configDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		return exitConfig
	}

	// Optional PostgreSQL persistence. Without DB_HOST the kernel runs on
	// in-memory stores.
	var (
		stores   kernel.Stores
		dbClient *database.Client
	)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		return exitConfig
	}
	if dbConfig.Enabled() {
		dbClient, err = database.NewClient(ctx, dbConfig)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			return exitPersistence
		}
		defer func() {
			if err := dbClient.Close(); err != nil {
				slog.Warn("Error closing database client", "error", err)
			}
		}()
		slog.Info("Connected to PostgreSQL, schema up to date")

		stores = kernel.Stores{
			Events:      database.NewEventStore(dbClient, cfg.EventStore.MaxEvents, cfg.EventRetention()),
			Memory:      database.NewMemoryStore(dbClient),
			Goals:       database.NewGoalStore(dbClient),
			Identity:    database.NewIdentityStore(dbClient),
			ApprovalLog: database.NewApprovalLog(dbClient),
		}
	}

	k, err := kernel.New(ctx, cfg, stores, nil)
	if err != nil {
		slog.Error("Failed to wire kernel", "error", err)
		return exitConfig
	}

	if err := k.Start(ctx); err != nil {
		var invErr *models.InvariantViolationError
		if errors.As(err, &invErr) {
			slog.Error("Unrecoverable invariant violation at startup", "error", err)
			return exitInvariant
		}
		if errors.Is(err, models.ErrConfigInvalid) {
			slog.Error("Invalid kernel configuration", "error", err)
			return exitConfig
		}
		slog.Error("Failed to start kernel", "error", err)
		return exitPersistence
	}
	defer k.Stop(context.Background())

	connManager := events.NewConnectionManager(k.Events(), 10*time.Second)
	defer connManager.Close()

	server := api.NewServer(k, connManager)
	if dbClient != nil {
		server.SetHealthChecker(dbClient)

		cleanupSvc := cleanup.NewService(&cfg.Retention, dbClient.DB())
		cleanupSvc.Start(ctx)
		defer cleanupSvc.Stop()
	}

	addr := fmt.Sprintf(":%d", cfg.Server.HTTPPort)
	serverErr := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		serverErr <- server.Start(addr)
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-serverErr:
		slog.Error("HTTP server failed", "error", err)
		return exitPersistence
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown error", "error", err)
	}

	return exitOK
}
