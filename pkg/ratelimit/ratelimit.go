// Package ratelimit implements the hybrid per-tenant token bucket: a local
// in-memory bucket for hot-path decisions, periodically reconciled against
// a shared key/value bucket so limits survive across replicas.
package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/greentic/messaging-core/pkg/envelope"
	"github.com/greentic/messaging-core/pkg/kv"
)

// localBucket is a single tenant's local token bucket: a refill-on-read
// bucket giving a boolean Allow() decision under its own lock, so tenants
// never contend with each other.
type localBucket struct {
	mu     sync.Mutex
	rate   float64
	burst  int
	tokens float64
	last   time.Time
}

func newLocalBucket(rate float64, burst int) *localBucket {
	if burst <= 0 {
		burst = 1
	}
	return &localBucket{rate: rate, burst: burst, tokens: float64(burst)}
}

// Allow reports whether a token is currently available, consuming it if so.
func (b *localBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

func (b *localBucket) refill() {
	now := time.Now()
	if b.last.IsZero() {
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Seconds()
	b.tokens += elapsed * b.rate
	if b.tokens > float64(b.burst) {
		b.tokens = float64(b.burst)
	}
	b.last = now
}

// Decision is the outcome of TryAcquire.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// TenantConfig is the rate and burst applied to a tenant absent an explicit
// override.
type TenantConfig struct {
	Rate  float64 // tokens/second
	Burst int
}

// DefaultTenantConfig is used for tenants with no explicit override.
var DefaultTenantConfig = TenantConfig{Rate: 10, Burst: 20}

// Limiter is the hybrid tenant-scoped rate limiter. The local half is one
// localBucket per tenant, each under its own lock, never a single global
// mutex over the whole map.
type Limiter struct {
	mu           sync.RWMutex
	locals       map[string]*localBucket
	configs      map[string]TenantConfig
	defaultCfg   TenantConfig
	bucket       kv.Bucket
	syncInterval time.Duration
	lastSync     sync.Map // tenant -> time.Time
}

// New builds a Limiter. bucket is the shared KV store the local buckets
// periodically reconcile against; it may be nil to run local-only (e.g. in
// tests or single-replica deployments).
func New(bucket kv.Bucket, syncInterval time.Duration, defaultCfg TenantConfig) *Limiter {
	if syncInterval <= 0 {
		syncInterval = 5 * time.Second
	}
	return &Limiter{
		locals:       make(map[string]*localBucket),
		configs:      make(map[string]TenantConfig),
		defaultCfg:   defaultCfg,
		bucket:       bucket,
		syncInterval: syncInterval,
	}
}

// SetTenantConfig overrides the rate/burst for a specific tenant.
func (l *Limiter) SetTenantConfig(tenantID string, cfg TenantConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.configs[tenantID] = cfg
	delete(l.locals, tenantID) // rebuild with new config on next use
}

func (l *Limiter) localFor(tenantID string) *localBucket {
	l.mu.RLock()
	lim, ok := l.locals[tenantID]
	l.mu.RUnlock()
	if ok {
		return lim
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.locals[tenantID]; ok {
		return lim
	}
	cfg, ok := l.configs[tenantID]
	if !ok {
		cfg = l.defaultCfg
	}
	lim = newLocalBucket(cfg.Rate, cfg.Burst)
	l.locals[tenantID] = lim
	return lim
}

// TryAcquire attempts to take one token for tenantID. When the local bucket
// denies, it carries a RetryAfter computed from the configured rate.
func (l *Limiter) TryAcquire(ctx context.Context, tenantID string) Decision {
	l.maybeReconcile(ctx, tenantID)

	lim := l.localFor(tenantID)
	if lim.Allow() {
		return Decision{Allowed: true}
	}

	l.mu.RLock()
	cfg, ok := l.configs[tenantID]
	l.mu.RUnlock()
	if !ok {
		cfg = l.defaultCfg
	}
	retryAfter := time.Second
	if cfg.Rate > 0 {
		retryAfter = time.Duration(float64(time.Second) / cfg.Rate)
	}
	return Decision{Allowed: false, RetryAfter: retryAfter}
}

// maybeReconcile pulls the shared bucket state when the tenant's local
// bucket hasn't synced within syncInterval. Each sync clamps the local token
// count down to the shared view and writes the local count back; between
// syncs, refills and decisions stay local to avoid a network round trip per
// request.
func (l *Limiter) maybeReconcile(ctx context.Context, tenantID string) {
	if l.bucket == nil {
		return
	}
	now := time.Now()
	if v, ok := l.lastSync.Load(tenantID); ok {
		if now.Sub(v.(time.Time)) < l.syncInterval {
			return
		}
	}
	l.lastSync.Store(tenantID, now)

	cctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	key := envelope.RateBucketKey(tenantID)
	raw, err := l.bucket.Get(cctx, key)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			return
		}
		// Seed the shared bucket with our current view so other replicas
		// have something to reconcile against.
		l.publishLocalState(cctx, tenantID, key)
		return
	}

	var shared envelope.RateBucket
	if json.Unmarshal(raw, &shared) != nil {
		return
	}

	// Reconcile: clamp the local view down to the shared one, crediting the
	// shared count with refill for the time since it was written. The local
	// bucket never gains tokens from a sync, so a tenant hammering several
	// replicas is bounded by the shared state, not by burst-per-replica.
	lim := l.localFor(tenantID)
	lim.mu.Lock()
	lim.refill()
	sharedView := shared.Tokens + time.Since(shared.Updated).Seconds()*lim.rate
	if sharedView > float64(lim.burst) {
		sharedView = float64(lim.burst)
	}
	if sharedView < lim.tokens {
		lim.tokens = sharedView
	}
	lim.mu.Unlock()

	l.publishLocalState(cctx, tenantID, key)
}

// publishLocalState writes the tenant's current local token count to the
// shared bucket so other replicas reconcile against real consumption.
func (l *Limiter) publishLocalState(ctx context.Context, tenantID, key string) {
	lim := l.localFor(tenantID)
	lim.mu.Lock()
	lim.refill()
	bucket := envelope.RateBucket{
		Key:     key,
		Tokens:  lim.tokens,
		Updated: time.Now().UTC(),
		Rate:    lim.rate,
		Burst:   lim.burst,
	}
	lim.mu.Unlock()

	payload, err := json.Marshal(bucket)
	if err != nil {
		return
	}
	_ = l.bucket.Put(ctx, key, payload)
}
