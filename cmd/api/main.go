package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zapclinic/platform/internal/app/bootstrap"
	appconfig "github.com/zapclinic/platform/internal/config"
	"github.com/zapclinic/platform/internal/coordinator"
	"github.com/zapclinic/platform/internal/observability/metrics"
	"github.com/zapclinic/platform/internal/wasession"
	"github.com/zapclinic/platform/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel).WithProcess("api")
	logger.Info("starting coordinator API",
		"env", cfg.Env,
		"port", cfg.Port,
		"gateway", cfg.GatewayBaseURL,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := bootstrap.BuildSessionPool(ctx, cfg, logger)
	if err != nil {
		logger.Error("session store unavailable", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient == nil {
		logger.Error("redis is required for the QR cache")
		os.Exit(1)
	}

	sessionMetrics := metrics.NewSessionMetrics(prometheus.DefaultRegisterer)
	gatewayClient := coordinator.NewGatewayClient(cfg.GatewayBaseURL, coordinator.WithGatewayLogger(logger))

	service := coordinator.NewService(
		gatewayClient,
		coordinator.NewQRCache(redisClient),
		wasession.NewStore(pool),
		coordinator.WithServiceLogger(logger),
		coordinator.WithServiceMetrics(sessionMetrics),
		coordinator.WithQRTTL(cfg.QRExpiry),
		coordinator.WithPollInterval(cfg.QRPollInterval),
		coordinator.WithPollTimeout(cfg.QRPollTimeout),
		coordinator.WithConflictRetryDelay(cfg.ConflictRetryDelay),
	)

	router := coordinator.NewRouter(&coordinator.RouterConfig{
		Logger:         logger,
		Handler:        coordinator.NewHandler(service, logger),
		MetricsHandler: promhttp.Handler(),
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
		// The pairing endpoint may legitimately hold a request for the full
		// poll ceiling.
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.QRPollTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down coordinator...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("coordinator stopped")
}
