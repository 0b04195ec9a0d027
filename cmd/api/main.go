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
	"github.com/dunamismax/florique/internal/api"
	"github.com/dunamismax/florique/internal/config"
	"github.com/dunamismax/florique/internal/credit"
	"github.com/dunamismax/florique/internal/domain"
	"github.com/dunamismax/florique/internal/enhance"
	"github.com/dunamismax/florique/internal/logging"
	"github.com/dunamismax/florique/internal/notify"
	"github.com/dunamismax/florique/internal/orchestrator"
	"github.com/dunamismax/florique/internal/queue"
	"github.com/dunamismax/florique/internal/ratelimit"
	"github.com/dunamismax/florique/internal/registry"
	"github.com/dunamismax/florique/internal/settings"
	"github.com/dunamismax/florique/internal/storage"
	"github.com/dunamismax/florique/internal/store"
	"github.com/dunamismax/florique/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
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
	logger = logger.Named("florique-api")

	if err := run(cfg, logger); err != nil {
		logger.Errorw("api exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "florique-api",
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
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warnw("tracing shutdown failed", "error", err)
		}
	}()

	st, provider, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	notifier, closeNotifier, err := buildNotifier(ctx, cfg, provider, logger)
	if err != nil {
		return err
	}
	defer closeNotifier()

	if err := enhance.Startup(); err != nil {
		return errors.Wrap(err, "start image runtime")
	}
	defer enhance.Shutdown()

	worker, err := enhance.New(cfg.Jobs.Worker)
	if err != nil {
		return err
	}

	// Jobs outlive request contexts; this context ends them on shutdown.
	jobsCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()

	promRegistry := api.NewRegistry()
	orch, err := orchestrator.New(orchestrator.Deps{
		Store:      st,
		Gate:       credit.NewGate(st, logger),
		Registry:   registry.New(jobsCtx),
		Worker:     worker,
		Notifier:   notify.NewDispatcher(notifier, logger, promRegistry),
		Logger:     logger,
		Registerer: promRegistry,
		Tracer:     otel.Tracer("florique/orchestrator"),
	}, orchestrator.Config{
		StepDelay:        cfg.Jobs.StepDelay,
		EstimatedSeconds: cfg.Jobs.EstimatedSeconds,
	})
	if err != nil {
		return errors.Wrap(err, "build orchestrator")
	}

	var limiter api.RateLimiter
	if cfg.RateLimit.Capacity > 0 {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		defer redisClient.Close()

		bucket, err := ratelimit.NewRedisTokenBucket(redisClient, cfg.RateLimit.Capacity, cfg.RateLimit.Window, "")
		if err != nil {
			return errors.Wrap(err, "build rate limiter")
		}
		limiter = bucket
	}

	apiOpts := api.Options{
		RateLimiter:           limiter,
		RateLimitUserIDHeader: cfg.RateLimit.UserHeader,
		Tracer:                otel.Tracer("florique/api"),
		Registry:              promRegistry,
	}
	// Only the postgres-backed provider can be written through the API.
	if writable, ok := provider.(api.SettingsStore); ok {
		apiOpts.Settings = writable
	}
	app := api.NewServer(logger, orch, st, st, st, apiOpts)

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infow("listening",
			"addr", cfg.API.Addr,
			"store", cfg.Store.Backend,
			"worker", cfg.Jobs.Worker,
			"notify_mode", cfg.Notify.Mode,
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return errors.Wrap(err, "serve http")
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	logger.Infow("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("graceful shutdown failed", "error", err)
	}

	cancelJobs()
	if err := orch.Wait(shutdownCtx); err != nil {
		logger.Warnw("execution units still running at exit", "error", err)
	}
	return nil
}

// openStore returns the configured store and the settings provider backed by
// it. Only the postgres backend has a configurations table.
func openStore(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger) (store.Store, settings.Provider, func(), error) {
	var (
		st       store.Store
		provider settings.Provider = settings.EnvProvider{}
		closers  []func()
	)

	switch cfg.Store.Backend {
	case "memory":
		mem := store.NewMemoryStore()
		mem.SetBackgrounds(domain.DefaultBackgrounds...)
		st = mem
	case "postgres":
		pg, err := store.NewPostgresStore(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, nil, nil, errors.Wrap(err, "open postgres store")
		}
		closers = append(closers, func() { _ = pg.Close() })
		st = pg

		var cipher *settings.Cipher
		if cfg.Settings.EncryptionKey != "" {
			if cipher, err = settings.NewCipher(cfg.Settings.EncryptionKey); err != nil {
				_ = pg.Close()
				return nil, nil, nil, err
			}
		}
		provider = settings.NewDBProvider(pg.DB(), cipher, cfg.Settings.CacheTTL, logger)
	default:
		return nil, nil, nil, errors.Newf("unknown store backend %q", cfg.Store.Backend)
	}

	if cfg.Store.PayloadOffload {
		objects, err := storage.NewClient(storage.Config{
			Endpoint: cfg.Storage.Endpoint,
			Access:   cfg.Storage.AccessKey,
			Secret:   cfg.Storage.SecretKey,
			Bucket:   cfg.Storage.Bucket,
			UseSSL:   cfg.Storage.UseSSL,
		})
		if err != nil {
			return nil, nil, nil, errors.Wrap(err, "build object storage client")
		}
		if err := objects.EnsureBucket(ctx); err != nil {
			return nil, nil, nil, errors.Wrap(err, "ensure payload bucket")
		}
		offload, err := store.NewPayloadOffloadStore(st, objects, "jobs")
		if err != nil {
			return nil, nil, nil, err
		}
		st = offload
		logger.Infow("payload offload enabled", "bucket", objects.Bucket())
	}

	return st, provider, func() {
		for _, c := range closers {
			c()
		}
	}, nil
}

func buildNotifier(ctx context.Context, cfg config.Config, provider settings.Provider, logger *zap.SugaredLogger) (notify.Notifier, func(), error) {
	switch cfg.Notify.Mode {
	case "", "log":
		return notify.NewLogNotifier(logger), func() {}, nil
	case "direct":
		client, err := notify.NewPushClient(notify.ResolvePushConfig(ctx, provider, notify.PushConfig{
			GatewayURL:    cfg.Notify.GatewayURL,
			ServerKey:     cfg.Notify.ServerKey,
			SigningSecret: cfg.Notify.SigningSecret,
			Timeout:       cfg.Notify.Timeout,
			MaxAttempts:   cfg.Notify.MaxAttempts,
		}))
		if err != nil {
			return nil, nil, errors.Wrap(err, "build push client")
		}
		return client, func() {}, nil
	case "queue":
		client := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
		return client, func() {
			if err := client.Close(); err != nil {
				logger.Warnw("queue client close failed", "error", err)
			}
		}, nil
	default:
		return nil, nil, errors.Newf("unknown notify mode %q", cfg.Notify.Mode)
	}
}
