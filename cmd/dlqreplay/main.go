// Package main implements the DLQ replay daemon. It subscribes to
// replay.{tenant}.{stage} for a configured tenant and republishes each
// entry's original bytes to the original stage's input subject; the
// entry's attempt_count is not carried with them.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/greentic/messaging-core/internal/appconfig"
	"github.com/greentic/messaging-core/pkg/bus"
	"github.com/greentic/messaging-core/pkg/dlq"
	"github.com/greentic/messaging-core/pkg/envelope"
)

// Config holds the replayer's environment-based configuration. A single
// replayer instance serves one tenant the way the egress worker serves one
// env.
type Config struct {
	appconfig.Common
	Tenant string
	Stages []string
}

func loadConfig() Config {
	stages := strings.Split(appconfig.EnvOr("REPLAY_STAGES", "ingress,runner,egress"), ",")
	for i := range stages {
		stages[i] = strings.TrimSpace(stages[i])
	}
	return Config{
		Common: appconfig.LoadCommon(),
		Tenant: os.Getenv("REPLAY_TENANT"),
		Stages: stages,
	}
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()
	if cfg.Tenant == "" {
		logger.Error("REPLAY_TENANT must be set")
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("dlq replayer exited with error", "err", err)
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

	namer := appconfig.LoadNamer()
	replayer := &dlq.Replayer{
		Bus:    natsClient,
		Namer:  namer,
		Logger: logger,
		// The original subject the worker dead-lettered from is recorded
		// verbatim on the entry, so replay simply resends to it.
		ResolveInputSubject: func(entry envelope.DLQEntry) (string, error) {
			return entry.Subject, nil
		},
	}

	// One subscription per configured stage, running until ctx is
	// cancelled; the first stage to fail (other than from shutdown) stops
	// the whole process rather than leaving a half-subscribed replayer.
	var wg sync.WaitGroup
	errCh := make(chan error, len(cfg.Stages))
	for _, stage := range cfg.Stages {
		wg.Add(1)
		go func(stage string) {
			defer wg.Done()
			logger.Info("dlq replayer subscribing", "tenant", cfg.Tenant, "stage", stage)
			if err := replayer.Start(ctx, cfg.Tenant, stage); err != nil && ctx.Err() == nil {
				errCh <- err
			}
		}(stage)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case err := <-errCh:
		return err
	case <-done:
	case <-ctx.Done():
		wg.Wait()
	}

	logger.Info("dlq replayer shutting down")
	return nil
}
