// Package main implements the ingress gateway process.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/greentic/messaging-core/internal/appconfig"
	"github.com/greentic/messaging-core/internal/gateway"
	"github.com/greentic/messaging-core/pkg/bus"
	"github.com/greentic/messaging-core/pkg/idempotency"
	"github.com/greentic/messaging-core/pkg/kv"
	"github.com/greentic/messaging-core/pkg/metrics"
	"github.com/greentic/messaging-core/pkg/mid"
	"github.com/greentic/messaging-core/pkg/ratelimit"
	"github.com/greentic/messaging-core/pkg/secrets"
)

// Config holds the gateway's environment-based configuration.
type Config struct {
	appconfig.Common
	Addr              string
	CORSOrigin        string
	IngressBearer     string
	IngressHMACSecret string
	IngressHMACHeader string
	IdempotencyBucket string
	RateLimitBucket   string
	PacksStrict       bool
}

func loadConfig() Config {
	return Config{
		Common:            appconfig.LoadCommon(),
		Addr:              ":" + appconfig.EnvOr("GATEWAY_PORT", appconfig.EnvOr("PORT", "8080")),
		CORSOrigin:        appconfig.EnvOr("CORS_ORIGIN", "*"),
		IngressBearer:     os.Getenv("INGRESS_BEARER"),
		IngressHMACSecret: os.Getenv("INGRESS_HMAC_SECRET"),
		IngressHMACHeader: appconfig.EnvOr("INGRESS_HMAC_HEADER", "X-Signature"),
		IdempotencyBucket: appconfig.EnvOr("IDEMPOTENCY_BUCKET", "messaging_idempotency"),
		RateLimitBucket:   appconfig.EnvOr("RATE_LIMIT_BUCKET", "messaging_ratelimit"),
		PacksStrict:       appconfig.BoolOr("PACKS_STRICT", false),
	}
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("gateway exited with error", "err", err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	switch err.(type) {
	case packLoadError:
		return 2
	case busUnreachableError:
		return 3
	default:
		return 1
	}
}

type packLoadError struct{ error }

type busUnreachableError struct{ error }

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	natsClient, err := bus.NewNATSClient(cfg.BusURL)
	if err != nil {
		return busUnreachableError{err}
	}
	defer natsClient.Close()

	idemBucket, err := kv.OpenNATSBucket(natsClient.JetStream(), cfg.IdempotencyBucket, 24*time.Hour)
	if err != nil {
		return err
	}
	rateBucket, err := kv.OpenNATSBucket(natsClient.JetStream(), cfg.RateLimitBucket, 0)
	if err != nil {
		return err
	}

	idemStore := idempotency.New(idemBucket, 24*time.Hour, 10_000)
	limiter := ratelimit.New(rateBucket, 10*time.Second, ratelimit.DefaultTenantConfig)
	adapters, err := appconfig.LoadAdapters(logger, cfg.PacksStrict)
	if err != nil {
		return packLoadError{err}
	}
	resolver := secrets.NewStatic()
	namer := appconfig.LoadNamer()

	reg := metrics.New()
	gw := gateway.New(cfg.Env, adapters, resolver, natsClient, namer, idemStore, limiter, logger, reg)

	handler := mid.Chain(gw.Routes(),
		mid.Recover(logger),
		mid.Logger(logger),
		mid.Metrics(reg),
		mid.CORS(cfg.CORSOrigin),
		mid.Bearer(cfg.IngressBearer),
		mid.HMAC(cfg.IngressHMACSecret, cfg.IngressHMACHeader),
	)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway starting", "addr", cfg.Addr, "env", cfg.Env)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}
