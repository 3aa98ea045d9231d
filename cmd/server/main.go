package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"storefront/config"
	"storefront/internal/api"
	"storefront/internal/app"
	"storefront/internal/broker"
	"storefront/internal/util"
	"storefront/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting storefront", zap.String("env", cfg.Server.Env))

	if cfg.Observ.TracingEnabled {
		tp, err := util.InitTracer(util.TracerOptions{
			ServiceName: "storefront",
			Environment: cfg.Server.Env,
			Endpoint:    cfg.Observ.JaegerEndpoint,
			SampleRatio: cfg.Observ.SampleRatio,
		})
		if err != nil {
			logger.Fatal("Failed to initialize tracer", zap.Error(err))
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				logger.Warn("Error shutting down tracer", zap.Error(err))
			}
		}()
	}

	a, err := app.New(context.Background(), cfg)
	if err != nil {
		logger.Fatal("Failed to wire application", zap.Error(err))
	}
	defer a.Close()

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var invalidationWorker *worker.InvalidationWorker
	if cfg.Kafka.Enabled && cfg.Cache.Enabled {
		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents, cfg.Kafka.ConsumerGroup)
		invalidationWorker = worker.NewInvalidationWorker(consumer, a.Cache)
		go func() {
			if err := invalidationWorker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Invalidation worker error", zap.Error(err))
			}
		}()
	}

	if cfg.Reconcile.Enabled {
		reconcileWorker := worker.NewReconcileWorker(a.Reconciler, cfg.Reconcile.Interval, cfg.Reconcile.MinAge, cfg.Reconcile.Batch)
		go func() {
			if err := reconcileWorker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Reconcile worker error", zap.Error(err))
			}
		}()
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(a.Carts, a.Checkout, a.Reconciler).
		WithReadinessCheck("store", a.Repo)
	if a.Redis != nil {
		handler.WithReadinessCheck("cache", a.Redis)
	}
	if stripeGateway, ok := a.Webhooks(); ok {
		handler.WithWebhooks(stripeGateway)
	}
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if invalidationWorker != nil {
		if err := invalidationWorker.Stop(); err != nil {
			logger.Warn("Failed to stop invalidation worker", zap.Error(err))
		}
	}

	logger.Info("Server exited")
}
