package egress

import (
	"errors"
	"testing"
	"time"
)

func TestTenantBreakersOpenAfterThreshold(t *testing.T) {
	tb := newTenantBreakers(2, time.Hour)
	boom := errors.New("boom")

	if err := tb.call("acme", func() error { return boom }); err != boom {
		t.Fatalf("call 1: got %v", err)
	}
	if err := tb.call("acme", func() error { return boom }); err != boom {
		t.Fatalf("call 2: got %v", err)
	}
	if err := tb.call("acme", func() error { return nil }); err != ErrRunnerCircuitOpen {
		t.Fatalf("call 3: got %v want ErrRunnerCircuitOpen", err)
	}
}

func TestTenantBreakersIsolatedPerTenant(t *testing.T) {
	tb := newTenantBreakers(1, time.Hour)
	boom := errors.New("boom")

	tb.call("acme", func() error { return boom })
	if err := tb.call("acme", func() error { return nil }); err != ErrRunnerCircuitOpen {
		t.Fatalf("acme should be open: got %v", err)
	}
	if err := tb.call("globex", func() error { return nil }); err != nil {
		t.Fatalf("globex should be unaffected by acme's breaker: got %v", err)
	}
}

func TestTenantBreakersHalfOpenRecovers(t *testing.T) {
	tb := newTenantBreakers(1, 10*time.Millisecond)
	boom := errors.New("boom")

	tb.call("acme", func() error { return boom })
	if err := tb.call("acme", func() error { return nil }); err != ErrRunnerCircuitOpen {
		t.Fatalf("expected open immediately after trip, got %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if err := tb.call("acme", func() error { return nil }); err != nil {
		t.Fatalf("expected half-open probe to succeed, got %v", err)
	}
	// Breaker closed again; a normal call should proceed.
	if err := tb.call("acme", func() error { return nil }); err != nil {
		t.Fatalf("expected closed breaker to allow call, got %v", err)
	}
}
