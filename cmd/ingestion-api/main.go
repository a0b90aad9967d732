// Command ingestion-api serves the HTTP surface spec §6 names: application
// and endpoint administration, event ingestion, health, and metrics.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relayhook/webhookd/internal/api"
	"github.com/relayhook/webhookd/internal/config"
	"github.com/relayhook/webhookd/internal/ingestion"
	"github.com/relayhook/webhookd/internal/logging"
	"github.com/relayhook/webhookd/internal/metrics"
	"github.com/relayhook/webhookd/internal/mq"
	"github.com/relayhook/webhookd/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.New(cfg.ServiceName, cfg.LogLevel)

	// ── Connect to Postgres ────────────────────────────────────
	db, err := storage.Open(cfg.Postgres.DSN())
	if err != nil {
		logger.Error("failed to connect to postgres", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("connected to postgres", nil)

	// ── Connect to RabbitMQ ────────────────────────────────────
	amqpAdapter, err := mq.Dial(cfg.AMQP)
	if err != nil {
		logger.Error("failed to connect to rabbitmq", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	defer amqpAdapter.Close()
	logger.Info("connected to rabbitmq", map[string]any{"queue": cfg.AMQP.SentMessageQueue})

	svc := ingestion.New(db.Applications, db.Endpoints, db.Events, db.Messages, amqpAdapter, time.Now)
	router := api.NewRouter(&api.Handlers{Service: svc, DB: db, Queue: amqpAdapter}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go metrics.StartDBStatsCollector(ctx, db.DB(), 15*time.Second)

	serveAndWaitForShutdown(logger, cfg, router)
}

// serveAndWaitForShutdown runs the HTTP server until it either fails or a
// termination signal arrives, in which case it drains in-flight requests
// before returning.
func serveAndWaitForShutdown(logger *logging.Logger, cfg *config.Config, router http.Handler) {
	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", map[string]any{"addr": server.Addr})
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped", map[string]any{"error": err.Error()})
		}
	case sig := <-sigCh:
		logger.Info("shutdown signal received", map[string]any{"signal": sig.String()})
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("graceful shutdown failed", map[string]any{"error": err.Error()})
		}
	}
}
