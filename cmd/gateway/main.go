package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/mrmushfiq/llm0-gateway-starter/internal/gateway/audit"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/gateway/balancer"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/gateway/budget"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/gateway/credential"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/gateway/handlers"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/gateway/proxy"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/gateway/ratelimit"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/gateway/registry"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/gateway/usage"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/gateway/webhook"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/shared/config"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/shared/database"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/shared/logging"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/shared/metrics"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/shared/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting gateway", zap.String("port", cfg.Port), zap.String("env", cfg.Env))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("connected to postgres")

	redisClient, err := redis.New(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("connected to redis")

	metricsRegistry := metrics.NewRegistry()

	credStore := credential.New(db, redisClient, cfg.GatewaySharedSecret, cfg.CredentialCacheTTL, cfg.CredentialNegativeCacheTTL)
	limiter := ratelimit.New(redisClient)
	budgetReserver := budget.New(db, redisClient, cfg.BudgetDBCacheTTL, cfg.BudgetReservationTTL, cfg.BudgetSoftLimitRatio)

	reg := registry.New(db, logger, metricsRegistry)
	go reg.StartHealthLoop(ctx, cfg.HealthCheckPollInterval, cfg.HealthCheckBatchSize)

	lb := balancer.New(reg)
	proxyEngine := proxy.New(lb, reg, db, logger, metricsRegistry)

	recorder := usage.New(db, budgetReserver, metricsRegistry, logger, cfg.UsageSpoolDir, cfg.UsageSpoolMaxRetries)
	go runSpoolDrain(ctx, recorder)

	auditLogger := audit.New(db, logger)
	notifier := webhook.New(redisClient, cfg.BudgetWebhookTimeout, logger)

	chatHandler := handlers.NewChatHandler(cfg, credStore, limiter, budgetReserver, db, proxyEngine, recorder, auditLogger, notifier, metricsRegistry, logger)
	healthHandler := handlers.NewHealthHandler(db, redisClient)

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(5 * time.Minute))
	r.Use(handlers.RequestID)
	r.Use(handlers.Logging(logger))
	r.Use(handlers.CORS)

	r.Get("/health", healthHandler.HandleHealth)
	r.Handle("/metrics", metricsRegistry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", chatHandler.HandleChatCompletion)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Minute, // long-lived SSE streams outlive a typical write timeout
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("server stopped")
}

// runSpoolDrain retries usage records that failed to write to Postgres
// until ctx is cancelled.
func runSpoolDrain(ctx context.Context, recorder *usage.Recorder) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			recorder.DrainSpool(ctx)
		}
	}
}
