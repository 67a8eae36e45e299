// Package idempotency implements the durable dedupe store: claim(key, ttl)
// -> {fresh | duplicate}, backed by a durable key/value bucket with an
// in-process LRU as a fallback when the store is momentarily unavailable.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/greentic/messaging-core/pkg/envelope"
	"github.com/greentic/messaging-core/pkg/kv"
)

// Outcome is the result of a claim.
type Outcome int

const (
	// Fresh means this is the first observation of the key within the TTL
	// window; the caller should proceed.
	Fresh Outcome = iota
	// Duplicate means the key was already claimed within the TTL window;
	// the caller should treat this as an already-processed message.
	Duplicate
)

func (o Outcome) String() string {
	if o == Duplicate {
		return "duplicate"
	}
	return "fresh"
}

// Store claims idempotency keys against a durable bucket, falling back to
// an in-process LRU when the bucket round trip errs or times out.
type Store struct {
	bucket     kv.Bucket
	ttl        time.Duration
	fallback   *lruCache
	claimTimeout time.Duration
	logger     *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClaimTimeout bounds how long a single bucket round trip is allowed to
// take before the call falls back to the in-process LRU; claims are
// best-effort by design.
func WithClaimTimeout(d time.Duration) Option {
	return func(s *Store) { s.claimTimeout = d }
}

// WithLogger attaches a logger for fallback-path observability.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New builds a Store over the given durable bucket. ttl is the dedupe
// window; fallbackCapacity bounds the in-process LRU used when the bucket
// is unavailable.
func New(bucket kv.Bucket, ttl time.Duration, fallbackCapacity int, opts ...Option) *Store {
	s := &Store{
		bucket:       bucket,
		ttl:          ttl,
		fallback:     newLRUCache(fallbackCapacity, ttl),
		claimTimeout: 250 * time.Millisecond,
		logger:       slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Claim attempts to claim tenantID:platform:msgID. It returns Duplicate only
// when the durable bucket has already seen the key within the TTL window,
// or, when the bucket round trip fails for any other reason (unavailable or
// timed out), when the local LRU has; otherwise it returns Fresh per the
// documented best-effort trade-off. Bucket failures are logged, not
// returned.
func (s *Store) Claim(ctx context.Context, tenantID string, platform envelope.Platform, msgID string) (Outcome, error) {
	key := envelope.IdempotencyKey(tenantID, platform, msgID)

	cctx, cancel := context.WithTimeout(ctx, s.claimTimeout)
	defer cancel()

	rec := envelope.IdempotencyRecord{Key: key, FirstSeen: time.Now().UTC(), TTL: s.ttl}
	payload, err := json.Marshal(rec)
	if err != nil {
		return Fresh, err
	}

	err = s.bucket.Create(cctx, key, payload)
	switch {
	case err == nil:
		return Fresh, nil
	case errors.Is(err, kv.ErrKeyExists):
		return Duplicate, nil
	default:
		// Bucket unavailable or timed out: fall back to the local LRU so we
		// at least dedupe within this process, and proceed as fresh
		// downstream per the documented trade-off.
		s.logger.Warn("idempotency store unavailable, falling back to local cache",
			"tenant", tenantID, "platform", platform, "err", err)
		if s.fallback.claim(key) {
			return Fresh, nil
		}
		return Duplicate, nil
	}
}
