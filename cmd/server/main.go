// cmd/server/main.go
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/unclebandit/campaign-dispatch/internal/cache"
	"github.com/unclebandit/campaign-dispatch/internal/config"
	"github.com/unclebandit/campaign-dispatch/internal/controller"
	"github.com/unclebandit/campaign-dispatch/internal/db"
	"github.com/unclebandit/campaign-dispatch/internal/handler"
	applog "github.com/unclebandit/campaign-dispatch/internal/logger"
	"github.com/unclebandit/campaign-dispatch/internal/metrics"
	"github.com/unclebandit/campaign-dispatch/internal/provider"
	"github.com/unclebandit/campaign-dispatch/internal/queue"
	"github.com/unclebandit/campaign-dispatch/internal/repository"
	"github.com/unclebandit/campaign-dispatch/internal/service"
)

const shutdownTimeout = 30 * time.Second

type stores struct {
	campaigns  repository.CampaignStore
	dispatches repository.DispatchStore
	optOuts    repository.OptOutStore
	db         *sql.DB
}

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

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	if st.db != nil {
		defer st.db.Close()
	}

	rec := metrics.PrometheusMetrics{}
	sim := provider.NewSimulatedProvider(cfg.ProviderSuccessRate, 150*time.Millisecond, uint64(time.Now().UnixNano()))
	adapter := provider.NewAdapter(sim, provider.AdapterConfig{
		CallbackBaseURL: cfg.PublicURL,
		SendTimeout:     cfg.SendTimeout,
	}, rec, logger.Named("provider"))

	dispatcher := service.NewDispatcher(st.campaigns, st.dispatches, st.optOuts, adapter, service.DispatcherConfig{
		BatchSize:       cfg.BatchSize,
		InterBatchDelay: cfg.InterBatchDelay,
	}, rec, logger.Named("dispatcher"))

	missed, err := openMissedCallCache(ctx, cfg)
	if err != nil {
		return err
	}

	delivery := &service.DeliveryService{
		Dispatches:  st.dispatches,
		OptOuts:     st.optOuts,
		MissedCalls: missed,
		Metrics:     rec,
		Logger:      logger.Named("delivery"),
	}

	events, err := openEvents(cfg, delivery, logger.Named("queue"))
	if err != nil {
		return err
	}

	campaignService := &service.CampaignService{CampaignRepo: st.campaigns, Logger: logger}
	router := newRouter(logger,
		&controller.CampaignController{
			CampaignService: campaignService,
			Dispatcher:      dispatcher,
			Logger:          logger,
		},
		&controller.ProviderController{Sender: adapter, Logger: logger.Named("provider")},
		&handler.WebhookHandler{
			Delivery:  delivery,
			Campaigns: campaignService,
			Events:    events,
			Logger:    logger.Named("webhook"),
		},
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("store", cfg.Store),
			zap.Bool("amqp", cfg.AMQPURL != ""),
			zap.Bool("redis", cfg.RedisAddr != ""))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	// running campaigns pause at their next batch boundary
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		logger.Warn("dispatch runs still draining", zap.Error(err))
	}
	if err := events.Close(); err != nil {
		logger.Warn("queue close", zap.Error(err))
	}
	return nil
}

func openStores(ctx context.Context, cfg *config.Config) (stores, error) {
	if cfg.Store == "memory" {
		campaigns := repository.NewMemoryCampaignStore()
		return stores{
			campaigns:  campaigns,
			dispatches: repository.NewMemoryDispatchStore(campaigns),
			optOuts:    repository.NewMemoryOptOutStore(),
		}, nil
	}
	conn, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		return stores{}, err
	}
	return stores{
		campaigns:  &repository.CampaignRepository{DB: conn},
		dispatches: &repository.DispatchRepository{DB: conn},
		optOuts:    &repository.OptOutRepository{DB: conn},
		db:         conn,
	}, nil
}

// openMissedCallCache shares missed calls through Redis when configured, otherwise
// keeps them in process.
func openMissedCallCache(ctx context.Context, cfg *config.Config) (cache.MissedCallCache, error) {
	if cfg.RedisAddr == "" {
		return cache.NewLRUMissedCallCache(cfg.MissedCallCapacity, cfg.MissedCallTTL), nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return cache.NewRedisMissedCallCache(rdb, cfg.MissedCallTTL), nil
}

// openEvents returns the queue delivery reports are published to. With AMQP the
// worker consumes them; otherwise they are applied by an in-process subscriber.
func openEvents(cfg *config.Config, delivery *service.DeliveryService, logger *zap.Logger) (queue.Queue, error) {
	if cfg.AMQPURL != "" {
		q, err := queue.DialAMQP(cfg.AMQPURL, logger)
		if err != nil {
			return nil, err
		}
		return q, nil
	}
	q := queue.NewInMemoryQueue(logger)
	if err := queue.StartDeliverySubscriber(q, delivery, logger); err != nil {
		return nil, err
	}
	return q, nil
}

func newRouter(logger *zap.Logger, campaigns *controller.CampaignController, providers *controller.ProviderController, webhooks *handler.WebhookHandler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(controller.RequestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		controller.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	campaigns.Routes(r)
	providers.Routes(r)
	webhooks.Routes(r)
	return r
}
