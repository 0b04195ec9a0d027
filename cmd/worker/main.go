package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dunamismax/florique/internal/config"
	"github.com/dunamismax/florique/internal/logging"
	"github.com/dunamismax/florique/internal/notify"
	"github.com/dunamismax/florique/internal/settings"
	"github.com/dunamismax/florique/internal/store"
	"github.com/dunamismax/florique/internal/telemetry"
	"github.com/dunamismax/florique/internal/worker"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.Named("florique-worker")

	if err := run(cfg, logger); err != nil {
		logger.Errorw("worker exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "florique-worker",
		Environment:  cfg.App.Env,
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		return errors.Wrap(err, "setup tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	var provider settings.Provider = settings.EnvProvider{}
	if cfg.Store.Backend == "postgres" {
		pg, err := store.NewPostgresStore(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return errors.Wrap(err, "open settings database")
		}
		defer pg.Close()

		var cipher *settings.Cipher
		if cfg.Settings.EncryptionKey != "" {
			if cipher, err = settings.NewCipher(cfg.Settings.EncryptionKey); err != nil {
				return err
			}
		}
		provider = settings.NewDBProvider(pg.DB(), cipher, cfg.Settings.CacheTTL, logger)
	}

	// The queue owns retries, so each delivery is a single attempt.
	push, err := notify.NewPushClient(notify.ResolvePushConfig(ctx, provider, notify.PushConfig{
		GatewayURL:    cfg.Notify.GatewayURL,
		ServerKey:     cfg.Notify.ServerKey,
		SigningSecret: cfg.Notify.SigningSecret,
		Timeout:       cfg.Notify.Timeout,
		MaxAttempts:   1,
	}))
	if err != nil {
		return errors.Wrap(err, "build push client")
	}

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, push)
	if err != nil {
		return errors.Wrap(err, "build worker server")
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warnw("metrics server stopped", "error", err)
		}
	}()

	logger.Infow("starting worker",
		"concurrency", cfg.Worker.Concurrency,
		"queue", cfg.Queue.Name,
		"redis", cfg.Queue.RedisAddr,
		"metrics_addr", cfg.Worker.MetricsAddr,
	)

	runErr := make(chan error, 1)
	go func() {
		runErr <- srv.Run()
	}()

	select {
	case err := <-runErr:
		if err != nil {
			return errors.Wrap(err, "run worker")
		}
	case <-ctx.Done():
		srv.Shutdown()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return metricsServer.Shutdown(shutdownCtx)
}
