// Package gateway implements the ingress gateway: accept inbound HTTP
// traffic, authenticate and integrity-check it, normalise it via the
// platform adapter registry, deduplicate it, and hand it to the bus.
package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/greentic/messaging-core/pkg/adapter"
	"github.com/greentic/messaging-core/pkg/bus"
	"github.com/greentic/messaging-core/pkg/idempotency"
	"github.com/greentic/messaging-core/pkg/metrics"
	"github.com/greentic/messaging-core/pkg/ratelimit"
	"github.com/greentic/messaging-core/pkg/secrets"
	"github.com/greentic/messaging-core/pkg/subject"
	"github.com/greentic/messaging-core/pkg/tenant"
)

// maxBodyBytes bounds inbound request bodies; anything larger is rejected
// with 413.
const maxBodyBytes = 1 << 20

// Gateway holds the collaborators the ingress HTTP handlers need.
type Gateway struct {
	Env          string
	Adapters     *adapter.Registry
	Secrets      secrets.Resolver
	Bus          bus.Client
	Namer        subject.Namer
	Idempotency  *idempotency.Store
	RateLimiter  *ratelimit.Limiter
	Logger       *slog.Logger
	Metrics      *metrics.Registry

	activationOnce  sync.Once
	activationState *activation
}

// New builds a Gateway. A nil logger falls back to slog.Default(); a nil
// reg disables ingress metrics recording.
func New(env string, adapters *adapter.Registry, resolver secrets.Resolver, b bus.Client, namer subject.Namer, idem *idempotency.Store, limiter *ratelimit.Limiter, logger *slog.Logger, reg *metrics.Registry) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		Env: env, Adapters: adapters, Secrets: resolver, Bus: b, Namer: namer,
		Idempotency: idem, RateLimiter: limiter, Logger: logger, Metrics: reg,
	}
}

// incCounter increments a (tenant, platform)-labelled ingress counter. A nil
// Metrics registry makes this a no-op.
func (g *Gateway) incCounter(name, help, tenantID, platform string) {
	if g.Metrics == nil {
		return
	}
	g.Metrics.Counter(metrics.WithLabels(name, "tenant", tenantID, "platform", platform), help).Inc()
}

// Routes builds the ServeMux for the ingress gateway's public contract
// plus the admin endpoints and a /metrics endpoint.
func (g *Gateway) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", g.handleHealth)
	mux.HandleFunc("POST /api/{tenant}/{channel}", g.handleInbound(""))
	mux.HandleFunc("POST /api/{tenant}/{team}/{channel}", g.handleInboundTeam)
	mux.HandleFunc("POST /admin/{platform}/{tenant}/register", g.handleAdmin("register"))
	mux.HandleFunc("POST /admin/{platform}/{tenant}/deregister", g.handleAdmin("deregister"))
	mux.HandleFunc("GET /admin/{platform}/{tenant}/status", g.handleAdmin("status"))
	if g.Metrics != nil {
		mux.Handle("GET /metrics", g.Metrics.Handler())
	}
	return mux
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (g *Gateway) handleInboundTeam(w http.ResponseWriter, r *http.Request) {
	g.handleInbound(r.PathValue("team"))(w, r)
}

// handleInbound returns the handler for a fixed team (possibly "" meaning
// subject.DefaultTeam): read, verify, normalise, dedupe, rate-limit,
// publish.
func (g *Gateway) handleInbound(team string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.PathValue("tenant")
		channel := r.PathValue("channel")
		if team == "" {
			team = subject.DefaultTeam
		}

		// 1. Read body (bounded).
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}

		// 2. Resolve platform from the path channel via the adapter
		// registry.
		plat, err := g.Adapters.LookupByPlatform(channel)
		if err != nil {
			g.writeJSONError(w, http.StatusBadRequest, "unknown channel", g.knownChannels())
			return
		}
		if g.activation().isDisabled(tenantID, channel) {
			w.WriteHeader(http.StatusForbidden)
			return
		}

		// 3. Guard rails: platform-specific signature/credential check.
		verdict, err := plat.VerifyWebhook(r.Context(), g.Secrets, tenantID, r.Header, body)
		if err != nil || verdict != adapter.Accept {
			g.Logger.Warn("gateway: webhook verification failed", "tenant", tenantID, "platform", channel, "err", err)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		baseCtx, err := tenant.New(g.Env, tenantID, team, "")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		// 4. Normalise into a MessageEnvelope (computes msg_id via the
		// adapter; drops bot/self-loop traffic silently).
		env, err := plat.Normalise(r.Context(), baseCtx, body)
		if errors.Is(err, adapter.ErrDrop) {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		// 5. Claim idempotency; duplicates are accepted without publish.
		outcome, err := g.Idempotency.Claim(r.Context(), tenantID, env.Platform, env.MsgID)
		if err != nil {
			g.Logger.Error("gateway: idempotency claim error", "err", err)
		}
		if outcome == idempotency.Duplicate {
			g.incCounter("ingress_duplicate_total", "inbound messages rejected as duplicates", tenantID, string(env.Platform))
			w.WriteHeader(http.StatusAccepted)
			return
		}

		// Per-tenant rate limit.
		if decision := g.RateLimiter.TryAcquire(r.Context(), tenantID); !decision.Allowed {
			g.incCounter("ingress_rate_limited_total", "inbound messages denied by the tenant rate limiter", tenantID, string(env.Platform))
			w.Header().Set("Retry-After", decision.RetryAfter.String())
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}

		// 6/7. Publish to the ingress subject.
		subj, err := g.Namer.Ingress(g.Env, tenantID, team, string(env.Platform))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		payload, err := json.Marshal(env)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if err := g.Bus.Publish(r.Context(), subj, payload); err != nil {
			g.Logger.Error("gateway: publish failed", "subject", subj, "err", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		// 8. Ack.
		g.incCounter("ingress_accepted_total", "inbound messages accepted and published", tenantID, string(env.Platform))
		w.WriteHeader(http.StatusAccepted)
	}
}

func (g *Gateway) knownChannels() []string {
	platforms := g.Adapters.Platforms()
	out := make([]string, 0, len(platforms))
	for _, p := range platforms {
		out = append(out, string(p))
	}
	return out
}

func (g *Gateway) writeJSONError(w http.ResponseWriter, status int, msg string, available []string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"error": msg, "available": available})
}

