// Sentinel monitor engine server. Polls Slack and email providers,
// receives webhooks, and materializes tasks from matching messages.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/taskops/sentinel/pkg/api"
	"github.com/taskops/sentinel/pkg/config"
	"github.com/taskops/sentinel/pkg/engine"
	"github.com/taskops/sentinel/pkg/secrets"
	"github.com/taskops/sentinel/pkg/store"
	"github.com/taskops/sentinel/pkg/store/memory"
	"github.com/taskops/sentinel/pkg/store/postgres"
	"github.com/taskops/sentinel/pkg/triage"
	"github.com/taskops/sentinel/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment")
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	logger := slog.Default()

	slog.Info("Starting sentinel", "version", version.Full(), "http_port", httpPort)

	ctx := context.Background()

	// 1. Engine configuration
	engineCfg, err := config.LoadEngineConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load engine config", "error", err)
		os.Exit(1)
	}

	// 2. Storage backend
	var st store.Store
	var closeStore func() error
	switch backend := getEnv("STORE_BACKEND", "postgres"); backend {
	case "postgres":
		dbCfg, err := postgres.LoadConfigFromEnv()
		if err != nil {
			slog.Error("Failed to load database config", "error", err)
			os.Exit(1)
		}
		pg, err := postgres.Open(ctx, dbCfg)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		st = pg
		closeStore = pg.Close
		slog.Info("Connected to PostgreSQL database")
	case "memory":
		st = memory.New()
		closeStore = func() error { return nil }
		slog.Warn("Using in-memory store, all state is lost on restart")
	default:
		slog.Error("Unknown STORE_BACKEND", "backend", backend)
		os.Exit(1)
	}
	defer func() {
		if err := closeStore(); err != nil {
			slog.Error("Error closing store", "error", err)
		}
	}()

	// 3. Token decryption
	var decryptor store.Decryptor
	if key := os.Getenv("ENCRYPTION_KEY"); key != "" {
		decryptor, err = secrets.NewAESDecryptorFromBase64(key)
		if err != nil {
			slog.Error("Invalid ENCRYPTION_KEY", "error", err)
			os.Exit(1)
		}
		slog.Info("Token decryption enabled")
	} else {
		decryptor = secrets.Plaintext{}
		slog.Warn("ENCRYPTION_KEY not set, treating stored tokens as plaintext")
	}

	// 4. Triage client (optional: no credentials means fallback heuristics)
	triageClient := triage.NewClient(config.LoadTriageConfigFromEnv(), logger)

	// 5. Monitor engine
	eng := engine.New(st, decryptor, triageClient, engineCfg, logger)
	if err := eng.Start(ctx); err != nil {
		slog.Error("Failed to start engine", "error", err)
		os.Exit(1)
	}

	// 6. HTTP server
	server := api.NewServer(st, decryptor, eng, engineCfg, logger)
	httpServer := &http.Server{
		Addr:    ":" + httpPort,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Sentinel started successfully", "workers", engineCfg.WorkerCount)

	// 7. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 8. Graceful shutdown: engine first so in-flight polls finish, then
	// the HTTP server with its own budget.
	eng.Stop()

	httpShutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
