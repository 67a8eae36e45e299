// Package egress implements the egress worker: durably consume outbound
// work units, drive the external flow runner, publish its results, and
// shepherd failures to the DLQ.
package egress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/greentic/messaging-core/pkg/adapter"
	"github.com/greentic/messaging-core/pkg/bus"
	"github.com/greentic/messaging-core/pkg/dlq"
	"github.com/greentic/messaging-core/pkg/envelope"
	"github.com/greentic/messaging-core/pkg/metrics"
	"github.com/greentic/messaging-core/pkg/ratelimit"
	"github.com/greentic/messaging-core/pkg/subject"
)

// MaxAttempts bounds retries before a transient/5xx failure is shepherded
// to the DLQ.
const MaxAttempts = 5

// decodeOutMessage parses and validates the raw bus payload.
func decodeOutMessage(data []byte) (envelope.OutMessage, error) {
	var msg envelope.OutMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return envelope.OutMessage{}, fmt.Errorf("decode: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return envelope.OutMessage{}, fmt.Errorf("decode: %w", err)
	}
	return msg, nil
}

// Worker consumes the egress wildcard subject and drives OutMessages
// through the runner-invoke-and-publish pipeline.
type Worker struct {
	Bus         bus.Client
	Namer       subject.Namer
	RateLimiter *ratelimit.Limiter
	Runner      Runner
	Adapters    *adapter.Registry
	DLQ         *dlq.Writer
	Logger      *slog.Logger
	Metrics     *metrics.Registry

	// Subject, when non-empty, replaces the default egress wildcard the
	// consumer filters on (EGRESS_SUBJECT).
	Subject string
	// ForceAdapter, when non-empty, overrides the adapter descriptor sent
	// to the runner for every delivery (EGRESS_ADAPTER).
	ForceAdapter string

	breakers *tenantBreakers
}

// NewWorker builds a Worker. A nil logger falls back to slog.Default(); a
// nil Runner falls back to the StubRunner dev affordance; a nil reg disables
// metrics recording (Worker.Metrics stays nil, all Counter calls are no-ops).
func NewWorker(b bus.Client, namer subject.Namer, limiter *ratelimit.Limiter, runner Runner, adapters *adapter.Registry, dlqWriter *dlq.Writer, logger *slog.Logger, reg *metrics.Registry) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if runner == nil {
		runner = &StubRunner{Logger: logger}
	}
	return &Worker{
		Bus: b, Namer: namer, RateLimiter: limiter, Runner: runner,
		Adapters: adapters, DLQ: dlqWriter, Logger: logger, Metrics: reg,
		breakers: newTenantBreakers(5, 30*time.Second),
	}
}

// incCounter increments a (tenant, platform, stage)-labelled counter.
// A nil Metrics registry makes this a no-op so tests that build a bare
// Worker don't need to stand up a registry.
func (w *Worker) incCounter(name, help, tenantID, platform, stage string) {
	if w.Metrics == nil {
		return
	}
	w.Metrics.Counter(metrics.WithLabels(name, "tenant", tenantID, "platform", platform, "stage", stage), help).Inc()
}

// Run starts the durable consumer on namer.EgressWildcard(env), or on
// w.Subject when configured, and blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context, env string) error {
	subj := w.Subject
	if subj == "" {
		var err error
		subj, err = w.Namer.EgressWildcard(env)
		if err != nil {
			return err
		}
	}
	return w.Bus.Subscribe(ctx, bus.SubscribeOpts{
		Subject:     subj,
		Durable:     "egress-worker-" + env,
		QueueGroup:  "egress-workers",
		AckWait:     30 * time.Second,
		MaxInflight: 256,
	}, w.handle)
}

func (w *Worker) handle(ctx context.Context, delivery bus.Delivery) error {
	// 1. Decode.
	msg, err := decodeOutMessage(delivery.Data())
	if err != nil {
		// An undecodable payload carries no parseable tenant; recover one
		// from the subject's routing coordinates (same env.tenant.team.
		// platform layout as ingress) so the poison record still lands on
		// a replayable per-tenant DLQ stream instead of being dropped for
		// lack of a subject to write it to.
		unknownTenant := tenantFromSubject(w.Namer, delivery.Subject())
		w.toDLQ(ctx, unknownTenant, envelope.StageEgress, delivery.Subject(), delivery.Data(), envelope.ErrorKindDecode, err)
		w.incCounter("egress_dlq_total", "egress messages shepherded to the DLQ", unknownTenant, "unknown", string(envelope.StageEgress))
		return delivery.Ack(ctx)
	}
	tenantID := msg.Ctx.Tenant
	platform := string(msg.Platform)

	// 2. Rate limit.
	if decision := w.RateLimiter.TryAcquire(ctx, tenantID); !decision.Allowed {
		w.incCounter("egress_rate_limited_total", "egress deliveries denied by the tenant rate limiter", tenantID, platform, string(envelope.StageEgress))
		return delivery.Nak(ctx, decision.RetryAfter)
	}

	// 3. Invoke the flow runner, guarded by a per-tenant circuit breaker so
	// one tenant's dead runner can't starve the worker's invoke capacity.
	descriptor := w.descriptorFor(platform)

	var result RunnerResult
	invokeErr := w.breakers.call(tenantID, func() error {
		var err error
		result, err = w.Runner.Invoke(ctx, msg, descriptor)
		return err
	})
	w.incCounter("egress_runner_invocations_total", "flow runner invocations", tenantID, platform, string(envelope.StageEgress))
	if invokeErr != nil {
		return w.onFailure(ctx, delivery, tenantID, msg, envelope.ErrorKindTransient, invokeErr)
	}

	switch {
	case result.StatusCode >= 200 && result.StatusCode < 300:
		// 4. Publish to egress_subject(tenant, platform) and ack.
		outSubj, err := w.Namer.EgressOut(tenantID, platform)
		if err != nil {
			w.toDLQ(ctx, tenantID, envelope.StageEgress, delivery.Subject(), delivery.Data(), envelope.ErrorKindPermanent, err)
			w.incCounter("egress_dlq_total", "egress messages shepherded to the DLQ", tenantID, platform, string(envelope.StageEgress))
			return delivery.Ack(ctx)
		}
		if err := w.Bus.Publish(ctx, outSubj, result.Body); err != nil {
			return w.onFailure(ctx, delivery, tenantID, msg, envelope.ErrorKindTransient, err)
		}
		w.incCounter("egress_published_total", "messages republished to the egress-out subject", tenantID, platform, string(envelope.StageEgress))
		return delivery.Ack(ctx)

	case result.StatusCode >= 400 && result.StatusCode < 500:
		// 6. Non-retryable: DLQ immediately.
		w.toDLQ(ctx, tenantID, envelope.StageEgress, delivery.Subject(), delivery.Data(), envelope.ErrorKindPermanent,
			fmt.Errorf("runner returned %d", result.StatusCode))
		w.incCounter("egress_dlq_total", "egress messages shepherded to the DLQ", tenantID, platform, string(envelope.StageEgress))
		return delivery.Ack(ctx)

	default:
		// 5. 5xx / unexpected status: treat as transient.
		return w.onFailure(ctx, delivery, tenantID, msg, envelope.ErrorKindTransient,
			fmt.Errorf("runner returned %d", result.StatusCode))
	}
}

// descriptorFor resolves the adapter descriptor handed to the runner: the
// forced override first, then the pack descriptor's component ref, then the
// registered adapter's provider id, then the raw platform name.
func (w *Worker) descriptorFor(platform string) string {
	if w.ForceAdapter != "" {
		return w.ForceAdapter
	}
	if d, ok := w.Adapters.DescriptorFor(platform); ok && d.ComponentRef != "" {
		return d.ComponentRef
	}
	if a, err := w.Adapters.LookupByPlatform(platform); err == nil {
		return a.ProviderID()
	}
	return platform
}

// onFailure retries with exponential back-off up to MaxAttempts, then
// DLQs.
func (w *Worker) onFailure(ctx context.Context, delivery bus.Delivery, tenantID string, msg envelope.OutMessage, kind envelope.ErrorKind, cause error) error {
	attempts := delivery.Attempts()
	if attempts < MaxAttempts {
		backoff := time.Duration(1<<uint(attempts)) * time.Second
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
		return delivery.Nak(ctx, backoff)
	}

	data, _ := json.Marshal(msg)
	w.toDLQ(ctx, tenantID, envelope.StageEgress, delivery.Subject(), data, kind, cause)
	w.incCounter("egress_dlq_total", "egress messages shepherded to the DLQ", tenantID, string(msg.Platform), string(envelope.StageEgress))
	return delivery.Ack(ctx)
}

// unknownTenantDLQBucket is the fallback DLQ tenant bucket for poison
// messages whose subject can't be parsed back into routing coordinates
// either; the raw bytes still have to land on a DLQ stream somewhere.
const unknownTenantDLQBucket = "_unknown_"

// tenantFromSubject recovers the tenant segment from an egress subject
// sharing the ingress layout ({prefix}.{env}.{tenant}.{team}.{platform}),
// falling back to unknownTenantDLQBucket when the subject itself doesn't
// parse.
func tenantFromSubject(namer subject.Namer, subj string) string {
	parsed, err := namer.ParseIngress(subj)
	if err != nil || parsed.Tenant == "" {
		return unknownTenantDLQBucket
	}
	return parsed.Tenant
}

func (w *Worker) toDLQ(ctx context.Context, tenantID string, stage envelope.Stage, subj string, data []byte, kind envelope.ErrorKind, cause error) {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	w.DLQ.Write(ctx, envelope.DLQEntry{
		Tenant:        tenantID,
		Stage:         stage,
		Subject:       subj,
		OriginalBytes: data,
		ErrorKind:     kind,
		ErrorDetail:   detail,
		AttemptCount:  1,
	})
}
