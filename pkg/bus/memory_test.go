package bus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryFanOutDeliversToAllSubscribers(t *testing.T) {
	b := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var a, c int
	go b.Subscribe(ctx, SubscribeOpts{Subject: "greentic.messaging.ingress.dev.acme.default.slack"}, func(context.Context, Delivery) error {
		mu.Lock()
		a++
		mu.Unlock()
		return nil
	})
	go b.Subscribe(ctx, SubscribeOpts{Subject: "greentic.messaging.ingress.dev.*.default.*"}, func(context.Context, Delivery) error {
		mu.Lock()
		c++
		mu.Unlock()
		return nil
	})
	time.Sleep(10 * time.Millisecond)

	if err := b.Publish(context.Background(), "greentic.messaging.ingress.dev.acme.default.slack", []byte("x")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if a != 1 || c != 1 {
		t.Fatalf("got a=%d c=%d, want both subscribers to receive exactly once", a, c)
	}
}

func TestMemoryQueueGroupLoadBalances(t *testing.T) {
	b := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	counts := map[int]int{}
	for i := 0; i < 2; i++ {
		id := i
		go b.Subscribe(ctx, SubscribeOpts{Subject: "work.>", QueueGroup: "workers"}, func(context.Context, Delivery) error {
			mu.Lock()
			counts[id]++
			mu.Unlock()
			return nil
		})
	}
	time.Sleep(10 * time.Millisecond)

	for i := 0; i < 4; i++ {
		if err := b.Publish(context.Background(), "work.item", []byte("x")); err != nil {
			t.Fatalf("Publish #%d: %v", i, err)
		}
	}
	time.Sleep(10 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	total := counts[0] + counts[1]
	if total != 4 {
		t.Fatalf("got %d total deliveries, want 4", total)
	}
	if counts[0] == 0 || counts[1] == 0 {
		t.Fatalf("expected both queue members to receive at least one delivery, got %v", counts)
	}
}

func TestMemoryNakRequeuesAfterDelay(t *testing.T) {
	b := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var attempts []int
	go b.Subscribe(ctx, SubscribeOpts{Subject: "retry.subject"}, func(ctx context.Context, d Delivery) error {
		mu.Lock()
		attempts = append(attempts, d.Attempts())
		mu.Unlock()
		if d.Attempts() == 1 {
			return d.Nak(ctx, 20*time.Millisecond)
		}
		return d.Ack(ctx)
	})
	time.Sleep(10 * time.Millisecond)

	if err := b.Publish(context.Background(), "retry.subject", []byte("x")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Fatalf("got attempts %v, want [1 2]", attempts)
	}
}

func TestMemoryPublishAfterCloseReturnsErrClosed(t *testing.T) {
	b := NewMemory()
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Publish(context.Background(), "x", []byte("y")); err != ErrClosed {
		t.Fatalf("got %v want ErrClosed", err)
	}
}

func TestSubjectMatchesWildcards(t *testing.T) {
	cases := []struct {
		pattern, subject string
		want             bool
	}{
		{"a.b.c", "a.b.c", true},
		{"a.*.c", "a.b.c", true},
		{"a.*.c", "a.b.d", false},
		{"a.>", "a.b.c.d", true},
		{"a.b", "a.b.c", false},
		{"a.b.c", "a.b", false},
	}
	for _, tc := range cases {
		if got := subjectMatches(tc.pattern, tc.subject); got != tc.want {
			t.Errorf("subjectMatches(%q, %q) = %v want %v", tc.pattern, tc.subject, got, tc.want)
		}
	}
}
