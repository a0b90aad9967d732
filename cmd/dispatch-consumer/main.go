// Command dispatch-consumer drains the work queue and executes one HTTP
// delivery attempt per task under the composed retry policy and circuit
// breaker (spec §4.8).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/relayhook/webhookd/internal/breaker"
	"github.com/relayhook/webhookd/internal/config"
	"github.com/relayhook/webhookd/internal/dispatch"
	"github.com/relayhook/webhookd/internal/logging"
	"github.com/relayhook/webhookd/internal/mq"
	"github.com/relayhook/webhookd/internal/retrypolicy"
	"github.com/relayhook/webhookd/internal/sender"
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

	policy, err := retrypolicy.NewBuilder().
		Exponential(cfg.RetryMultiplier, cfg.RetryBaseDelay).
		MaxAttempts(cfg.RetryMaxAttempts).
		Randomize(cfg.RetryJitter).
		Build()
	if err != nil {
		logger.Error("invalid retry policy configuration", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deliveries, err := amqpAdapter.Consume(ctx)
	if err != nil {
		logger.Error("failed to start consuming", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	// A single breaker is shared across every worker: the circuit key is
	// the endpoint id, not the goroutine, so the trip decision must see
	// every worker's attempts against that endpoint.
	consumer := &dispatch.Consumer{
		Breaker:     breaker.New(),
		Policy:      policy,
		Publisher:   amqpAdapter,
		Sender:      sender.New(cfg.SenderTimeout),
		Messages:    db.Messages,
		Events:      db.Events,
		Endpoints:   db.Endpoints,
		AttemptLogs: db.AttemptLogs,
		Logger:      logger,
		Now:         time.Now,
	}

	logger.Info("dispatch consumer starting", map[string]any{"workers": cfg.DispatchWorkers})

	var wg sync.WaitGroup
	for i := 0; i < cfg.DispatchWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			consumer.Run(ctx, deliveries)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown signal received", map[string]any{"signal": sig.String()})
	cancel()
	wg.Wait()
	logger.Info("dispatch consumer stopped", nil)
}
