// Package adapter defines the platform adapter trait: every inbound
// channel (Slack, Teams, Telegram, Webex, WhatsApp, WebChat, local)
// implements VerifyWebhook and Normalise behind a common interface, and
// packs of adapters are discovered and registered by provider id at
// startup.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/greentic/messaging-core/pkg/envelope"
	"github.com/greentic/messaging-core/pkg/secrets"
	"github.com/greentic/messaging-core/pkg/tenant"
)

// VerifyResult is the outcome of verifying an inbound webhook request.
type VerifyResult int

const (
	// Accept means the request's signature/credentials check out.
	Accept VerifyResult = iota
	// Reject means verification failed; the gateway responds 401/403.
	Reject
)

// ErrDrop signals that Normalise recognised the payload as something that
// should never become a MessageEnvelope (bot echo, platform health check,
// self-loop) rather than an error. The gateway acks and discards silently.
var ErrDrop = errors.New("adapter: message dropped by normalise")

// Adapter is the platform trait: verify the webhook came from the platform
// it claims to, then normalise the platform-native payload into the
// canonical MessageEnvelope.
type Adapter interface {
	// ProviderID is the adapter's unique identifier used for registry
	// lookups and collision detection, e.g. "slack", "webex".
	ProviderID() string
	// Platform is the canonical Platform this adapter produces envelopes
	// for.
	Platform() envelope.Platform
	// VerifyWebhook checks the inbound request's authenticity (HMAC
	// signature, shared secret, signed timestamp, ...) using secrets
	// resolved for ctx's tenant. body is the raw, already-read request
	// body (signature schemes need the exact bytes).
	VerifyWebhook(ctx context.Context, resolver secrets.Resolver, tenantID string, header http.Header, body []byte) (VerifyResult, error)
	// Normalise converts a verified platform-native payload into a
	// canonical MessageEnvelope. Returning ErrDrop means the payload was
	// recognised but intentionally produces no envelope (e.g. a bot's own
	// message looping back).
	Normalise(ctx context.Context, base tenant.Context, body []byte) (envelope.MessageEnvelope, error)
}

// Registry maps provider ids and platforms to their Adapter, built once at
// startup from one or more packs.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]Adapter
	byPlat map[envelope.Platform]Adapter
	descs  map[envelope.Platform]Descriptor
	logger *slog.Logger
	strict bool
}

// NewRegistry builds an empty Registry. In strict mode, Register returns an
// error on collision; otherwise it logs a warning and keeps the
// first-registered adapter for that provider id/platform, so a bad pack
// never fails startup.
func NewRegistry(logger *slog.Logger, strict bool) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byID:   make(map[string]Adapter),
		byPlat: make(map[envelope.Platform]Adapter),
		descs:  make(map[envelope.Platform]Descriptor),
		logger: logger,
		strict: strict,
	}
}

// Register adds a into the registry, detecting provider-id and platform
// collisions.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[a.ProviderID()]; exists {
		msg := fmt.Sprintf("adapter: duplicate provider id %q", a.ProviderID())
		if r.strict {
			return errors.New(msg)
		}
		r.logger.Warn(msg)
		return nil
	}
	if _, exists := r.byPlat[a.Platform()]; exists {
		msg := fmt.Sprintf("adapter: duplicate platform %q (provider %q)", a.Platform(), a.ProviderID())
		if r.strict {
			return errors.New(msg)
		}
		r.logger.Warn(msg)
		return nil
	}

	r.byID[a.ProviderID()] = a
	r.byPlat[a.Platform()] = a
	return nil
}

// ErrUnknownPlatform is returned by LookupByPlatform for an unregistered
// channel; gateway handlers map this to HTTP 400.
var ErrUnknownPlatform = errors.New("adapter: unknown platform")

// LookupByPlatform resolves the adapter registered for platform, or
// ErrUnknownPlatform.
func (r *Registry) LookupByPlatform(platform string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byPlat[envelope.Platform(platform)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}
	return a, nil
}

// LookupByID resolves the adapter registered under provider id.
func (r *Registry) LookupByID(id string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, id)
	}
	return a, nil
}

// SetDescriptor records the pack descriptor for an already-registered
// platform. First write wins, matching Register's collision policy.
func (r *Registry) SetDescriptor(platform envelope.Platform, d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.descs[platform]; exists {
		r.logger.Warn("adapter: duplicate descriptor ignored", "platform", platform, "component_ref", d.ComponentRef)
		return
	}
	r.descs[platform] = d
}

// DescriptorFor returns the pack descriptor recorded for platform, if any.
func (r *Registry) DescriptorFor(platform string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descs[envelope.Platform(platform)]
	return d, ok
}

// Platforms lists every registered platform, for admin/status endpoints.
func (r *Registry) Platforms() []envelope.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]envelope.Platform, 0, len(r.byPlat))
	for p := range r.byPlat {
		out = append(out, p)
	}
	return out
}
