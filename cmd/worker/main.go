// cmd/worker/main.go
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/unclebandit/campaign-dispatch/internal/config"
	"github.com/unclebandit/campaign-dispatch/internal/db"
	applog "github.com/unclebandit/campaign-dispatch/internal/logger"
	"github.com/unclebandit/campaign-dispatch/internal/metrics"
	"github.com/unclebandit/campaign-dispatch/internal/queue"
	"github.com/unclebandit/campaign-dispatch/internal/repository"
	"github.com/unclebandit/campaign-dispatch/internal/service"
)

// The worker drains provider delivery reports published by the server and folds
// them into campaign counters.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := applog.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.AMQPURL == "" {
		logger.Fatal("AMQP_URL is required for the worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer conn.Close()

	q, err := queue.DialAMQP(cfg.AMQPURL, logger.Named("queue"))
	if err != nil {
		logger.Fatal("rabbitmq", zap.Error(err))
	}

	svc := &service.DeliveryService{
		Dispatches: &repository.DispatchRepository{DB: conn},
		OptOuts:    &repository.OptOutRepository{DB: conn},
		Metrics:    metrics.PrometheusMetrics{},
		Logger:     logger.Named("delivery"),
	}

	if err := run(ctx, q, svc, logger); err != nil {
		logger.Fatal("worker stopped", zap.Error(err))
	}
}

// run consumes delivery events until ctx is done, then closes q and waits for
// in-flight messages.
func run(ctx context.Context, q queue.Queue, svc queue.DeliveryApplier, logger *zap.Logger) error {
	if err := queue.StartDeliverySubscriber(q, svc, logger); err != nil {
		q.Close()
		return err
	}
	logger.Info("worker running, waiting for delivery events", zap.String("queue", queue.DeliveryTopic))

	<-ctx.Done()
	logger.Info("worker shutting down")
	return q.Close()
}
