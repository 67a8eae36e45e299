// Package dlq implements the dead-letter queue: an append-only durable
// stream per (tenant, stage), and a replayer that re-publishes entries'
// original bytes to their original stage's input subject.
package dlq

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/greentic/messaging-core/pkg/bus"
	"github.com/greentic/messaging-core/pkg/envelope"
	"github.com/greentic/messaging-core/pkg/subject"
)

// Writer publishes DLQEntry records to the per-(tenant, stage) DLQ subject.
// Failures in the DLQ write itself must never block the primary path's ack;
// Write logs and swallows publish errors for that reason.
type Writer struct {
	Bus    bus.Client
	Namer  subject.Namer
	Logger *slog.Logger
}

// NewWriter builds a Writer. A nil logger falls back to slog.Default().
func NewWriter(b bus.Client, namer subject.Namer, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{Bus: b, Namer: namer, Logger: logger}
}

// Write publishes entry to dlq.{tenant}.{stage}. It never returns an error
// to the caller: a DLQ write failure is logged, not propagated, so it can
// never block the primary ack path.
func (w *Writer) Write(ctx context.Context, entry envelope.DLQEntry) {
	if entry.FirstSeen.IsZero() {
		entry.FirstSeen = time.Now().UTC()
	}
	subj, err := w.Namer.DLQ(entry.Tenant, string(entry.Stage))
	if err != nil {
		w.Logger.Error("dlq: cannot build subject", "tenant", entry.Tenant, "stage", entry.Stage, "err", err)
		return
	}
	if entry.ReplaySubject == "" {
		entry.ReplaySubject, _ = w.Namer.Replay(entry.Tenant, string(entry.Stage))
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		w.Logger.Error("dlq: marshal failed", "tenant", entry.Tenant, "stage", entry.Stage, "err", err)
		return
	}

	if err := w.Bus.Publish(ctx, subj, payload); err != nil {
		w.Logger.Error("dlq: publish failed", "subject", subj, "err", err)
		return
	}
}

// Replayer subscribes to replay.{tenant}.{stage} and republishes each
// entry's OriginalBytes to its original stage's input subject. Only those
// bytes are sent: the entry's attempt_count is not carried with the
// republished message.
type Replayer struct {
	Bus           bus.Client
	Namer         subject.Namer
	Logger        *slog.Logger
	// ResolveInputSubject maps a replayed DLQEntry back to the subject its
	// original stage should be resent to (e.g. the ingress or egress input
	// subject it was dead-lettered from).
	ResolveInputSubject func(envelope.DLQEntry) (string, error)
}

// Start subscribes for tenant/stage and blocks consuming replay requests
// until ctx is cancelled.
func (r *Replayer) Start(ctx context.Context, tenantID, stage string) error {
	subj, err := r.Namer.Replay(tenantID, stage)
	if err != nil {
		return err
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return r.Bus.Subscribe(ctx, bus.SubscribeOpts{
		Subject: subj,
		Durable: "dlq-replayer-" + tenantID + "-" + stage,
	}, func(ctx context.Context, msg bus.Delivery) error {
		var entry envelope.DLQEntry
		if err := json.Unmarshal(msg.Data(), &entry); err != nil {
			logger.Error("replayer: decode failed", "err", err)
			return msg.Ack(ctx)
		}

		target, err := r.ResolveInputSubject(entry)
		if err != nil {
			logger.Error("replayer: cannot resolve input subject", "tenant", entry.Tenant, "stage", entry.Stage, "err", err)
			return msg.Ack(ctx)
		}

		entry.AttemptCount++
		if err := r.Bus.Publish(ctx, target, entry.OriginalBytes); err != nil {
			logger.Error("replayer: republish failed", "target", target, "err", err)
			return msg.Nak(ctx, time.Second)
		}
		return msg.Ack(ctx)
	})
}
