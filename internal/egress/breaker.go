package egress

import (
	"errors"
	"sync"
	"time"
)

// ErrRunnerCircuitOpen is returned when a tenant's runner circuit is open,
// short-circuiting calls without ever reaching the network.
var ErrRunnerCircuitOpen = errors.New("egress: runner circuit open for tenant")

type breakerPhase int

const (
	breakerClosed breakerPhase = iota
	breakerOpen
	breakerHalfOpen
)

// breaker is a single tenant's circuit state: closed/open/half-open,
// guarding one thing only, calls to the flow runner.
type breaker struct {
	mu           sync.Mutex
	phase        breakerPhase
	failures     int
	openedAt     time.Time
	halfOpenUsed bool
}

func (b *breaker) allow(openFor time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.phase == breakerOpen {
		if time.Since(b.openedAt) < openFor {
			return false
		}
		b.phase = breakerHalfOpen
		b.halfOpenUsed = false
	}
	if b.phase == breakerHalfOpen {
		if b.halfOpenUsed {
			return false
		}
		b.halfOpenUsed = true
	}
	return true
}

func (b *breaker) record(success bool, failThreshold int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if success {
		b.phase = breakerClosed
		b.failures = 0
		return
	}
	b.failures++
	if b.phase == breakerHalfOpen || b.failures >= failThreshold {
		b.phase = breakerOpen
		b.openedAt = time.Now()
		b.failures = 0
	}
}

// tenantBreakers runs one breaker per tenant, each under its own lock (the
// same per-key sharding pkg/ratelimit.Limiter uses for its per-tenant token
// buckets) so one tenant's failing runner never contends with, or trips the
// breaker for, any other tenant.
type tenantBreakers struct {
	mu            sync.RWMutex
	byTenant      map[string]*breaker
	failThreshold int
	openFor       time.Duration
}

// newTenantBreakers builds a tenantBreakers set. failThreshold defaults to 5
// consecutive failures; openFor defaults to 30s before a probe is allowed.
func newTenantBreakers(failThreshold int, openFor time.Duration) *tenantBreakers {
	if failThreshold <= 0 {
		failThreshold = 5
	}
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	return &tenantBreakers{byTenant: make(map[string]*breaker), failThreshold: failThreshold, openFor: openFor}
}

func (t *tenantBreakers) forTenant(tenantID string) *breaker {
	t.mu.RLock()
	b, ok := t.byTenant[tenantID]
	t.mu.RUnlock()
	if ok {
		return b
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.byTenant[tenantID]; ok {
		return b
	}
	b = &breaker{}
	t.byTenant[tenantID] = b
	return b
}

// call runs f through tenantID's breaker, returning ErrRunnerCircuitOpen
// without invoking f when the circuit is open.
func (t *tenantBreakers) call(tenantID string, f func() error) error {
	b := t.forTenant(tenantID)
	if !b.allow(t.openFor) {
		return ErrRunnerCircuitOpen
	}
	err := f()
	b.record(err == nil, t.failThreshold)
	return err
}
