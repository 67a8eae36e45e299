// Package main implements the egress worker process.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/greentic/messaging-core/internal/appconfig"
	"github.com/greentic/messaging-core/internal/egress"
	"github.com/greentic/messaging-core/pkg/bus"
	"github.com/greentic/messaging-core/pkg/dlq"
	"github.com/greentic/messaging-core/pkg/kv"
	"github.com/greentic/messaging-core/pkg/metrics"
	"github.com/greentic/messaging-core/pkg/ratelimit"
)

// Config holds the egress worker's environment-based configuration.
type Config struct {
	appconfig.Common
	RunnerURL       string
	RunnerAPIKey    string
	RunnerTimeout   time.Duration
	RateLimitBucket string
	MetricsAddr     string
	Subject         string
	ForceAdapter    string
	PacksStrict     bool
}

func loadConfig() Config {
	return Config{
		Common:          appconfig.LoadCommon(),
		RunnerURL:       os.Getenv("RUNNER_HTTP_URL"),
		RunnerAPIKey:    os.Getenv("RUNNER_HTTP_API_KEY"),
		RunnerTimeout:   appconfig.DurationOr("RUNNER_HTTP_TIMEOUT", 10*time.Second),
		RateLimitBucket: appconfig.EnvOr("RATE_LIMIT_BUCKET", "messaging_ratelimit"),
		MetricsAddr:     ":" + appconfig.EnvOr("EGRESS_METRICS_PORT", "9090"),
		Subject:         os.Getenv("EGRESS_SUBJECT"),
		ForceAdapter:    os.Getenv("EGRESS_ADAPTER"),
		PacksStrict:     appconfig.BoolOr("PACKS_STRICT", false),
	}
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()
	if err := run(cfg, logger); err != nil {
		logger.Error("egress worker exited with error", "err", err)
		code := 1
		if errors.As(err, &packLoadError{}) {
			code = 2
		}
		if errors.As(err, &busUnreachableError{}) {
			code = 3
		}
		os.Exit(code)
	}
}

type packLoadError struct{ error }

func (e packLoadError) Unwrap() error { return e.error }

type busUnreachableError struct{ error }

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	natsClient, err := bus.NewNATSClient(cfg.BusURL)
	if err != nil {
		return busUnreachableError{err}
	}
	defer natsClient.Close()

	rateBucket, err := kv.OpenNATSBucket(natsClient.JetStream(), cfg.RateLimitBucket, 0)
	if err != nil {
		return err
	}

	limiter := ratelimit.New(rateBucket, 10*time.Second, ratelimit.DefaultTenantConfig)
	adapters, err := appconfig.LoadAdapters(logger, cfg.PacksStrict)
	if err != nil {
		return packLoadError{err}
	}
	namer := appconfig.LoadNamer()
	dlqWriter := dlq.NewWriter(natsClient, namer, logger)

	var runner egress.Runner
	if cfg.RunnerURL != "" {
		runner = egress.NewHTTPRunner(cfg.RunnerURL, cfg.RunnerAPIKey, cfg.RunnerTimeout)
	} else {
		logger.Warn("RUNNER_HTTP_URL not configured, falling back to stub runner")
		runner = &egress.StubRunner{Logger: logger}
	}

	reg := metrics.New()
	worker := egress.NewWorker(natsClient, namer, limiter, runner, adapters, dlqWriter, logger, reg)
	worker.Subject = cfg.Subject
	worker.ForceAdapter = cfg.ForceAdapter

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: reg.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server exited with error", "err", err)
		}
	}()
	defer metricsSrv.Shutdown(context.Background())

	logger.Info("egress worker starting", "env", cfg.Env, "metrics_addr", cfg.MetricsAddr)
	if err := worker.Run(ctx, cfg.Env); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("egress worker shutting down")
	return nil
}
