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
	"github.com/zapclinic/platform/internal/gateway"
	"github.com/zapclinic/platform/internal/gateway/sidecar"
	"github.com/zapclinic/platform/internal/observability/metrics"
	"github.com/zapclinic/platform/internal/wasession"
	"github.com/zapclinic/platform/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel).WithProcess("gateway")
	logger.Info("starting whatsapp gateway",
		"env", cfg.Env,
		"port", cfg.GatewayPort,
		"sidecar", cfg.SidecarBaseURL,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := bootstrap.BuildSessionPool(ctx, cfg, logger)
	if err != nil {
		logger.Error("session store unavailable", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	store := wasession.NewStore(pool)

	sessionMetrics := metrics.NewSessionMetrics(prometheus.DefaultRegisterer)

	sidecarClient := sidecar.NewClient(cfg.SidecarBaseURL, sidecar.WithLogger(logger))
	webhook := gateway.NewWebhookDispatcher(cfg.InboundWebhookURL, gateway.WithWebhookLogger(logger))

	registry := gateway.NewRegistry(sidecarClient, store,
		gateway.WithLogger(logger),
		gateway.WithMetrics(sessionMetrics),
		gateway.WithMessageSink(webhook),
		gateway.WithQRTTL(cfg.QRExpiry),
		gateway.WithProbeTimeout(cfg.LivenessProbeTimeout),
		gateway.WithCredentialsDir(cfg.CredentialsDir),
	)

	supervisor := gateway.NewSupervisor(registry, logger).
		WithBackoff(cfg.ReconnectBackoff).
		WithMetrics(sessionMetrics)
	registry.SetDisconnectNotifier(supervisor.Enqueue)
	go supervisor.Run(ctx)

	handler := gateway.NewHandler(registry, logger,
		gateway.WithQRWait(cfg.GatewayQRWait),
		gateway.WithHealthCheck(func(ctx context.Context) error {
			_, err := sidecarClient.Health(ctx)
			return err
		}),
	)

	router := gateway.NewRouter(&gateway.RouterConfig{
		Logger:         logger,
		Handler:        handler,
		MetricsHandler: promhttp.Handler(),
	})

	srv := &http.Server{
		Addr:    ":" + cfg.GatewayPort,
		Handler: router,
		// /qrcode intentionally holds requests while waiting for the pairing
		// event; the write timeout must outlast that hold.
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.GatewayQRWait + 15*time.Second,
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

	logger.Info("shutting down gateway...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("gateway stopped")
}
