// Package main implements the standalone WebChat Direct Line server: an
// embedded HTTP + WebSocket protocol endpoint that is both an ingress and
// an egress channel for the WebChat platform without leaving the process.
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
	"github.com/greentic/messaging-core/internal/directline"
	"github.com/greentic/messaging-core/pkg/bus"
	"github.com/greentic/messaging-core/pkg/metrics"
	"github.com/greentic/messaging-core/pkg/mid"
)

// Config holds the Direct Line server's environment-based configuration.
type Config struct {
	appconfig.Common
	Addr          string
	CORSOrigin    string
	SigningKey    string
	TokenTTL      time.Duration
}

func loadConfig() Config {
	return Config{
		Common:     appconfig.LoadCommon(),
		Addr:       ":" + appconfig.EnvOr("DIRECTLINE_PORT", appconfig.EnvOr("PORT", "8089")),
		CORSOrigin: appconfig.EnvOr("CORS_ORIGIN", "*"),
		SigningKey: appconfig.EnvOr("WEBCHAT_JWT_SIGNING_KEY", "dev-only-insecure-signing-key"),
		TokenTTL:   appconfig.DurationOr("WEBCHAT_TOKEN_TTL", directline.DefaultTokenTTL),
	}
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()
	if err := run(cfg, logger); err != nil {
		logger.Error("directline server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	natsClient, err := bus.NewNATSClient(cfg.BusURL)
	if err != nil {
		return err
	}
	defer natsClient.Close()

	issuer := directline.NewTokenIssuer([]byte(cfg.SigningKey), cfg.TokenTTL)
	store := directline.NewMemoryStore()
	namer := appconfig.LoadNamer()

	reg := metrics.New()
	srv := directline.NewServer(issuer, store, natsClient, namer, logger, reg)

	handler := mid.Chain(srv.Routes(),
		mid.Recover(logger),
		mid.Logger(logger),
		mid.Metrics(reg),
		mid.CORS(cfg.CORSOrigin),
	)

	httpSrv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("directline server starting", "addr", cfg.Addr, "env", cfg.Env)
		errCh <- httpSrv.ListenAndServe()
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
	return httpSrv.Shutdown(shutCtx)
}
