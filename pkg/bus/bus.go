// Package bus defines the two-operation bus client: publish(subject,
// bytes) and subscribe(durable, queue-group, delivery-ack), with in-memory
// and durable JetStream-backed implementations. Every other component
// (ingress gateway, egress worker, DLQ writer/replayer, Direct Line server)
// depends only on this interface, never on *nats.Conn directly, so tests
// can swap in the in-memory bus.
package bus

import (
	"context"
	"time"
)

// Delivery is a single message handed to a subscription handler. Handlers
// must call exactly one of Ack/Nak/Term per delivery.
type Delivery interface {
	// Subject is the concrete subject the message was published to (may be
	// more specific than the subscription's wildcard subject).
	Subject() string
	// Data is the raw message payload.
	Data() []byte
	// Attempts returns how many times this message has been delivered,
	// starting at 1. Consumers use it to implement the retry-count
	// threshold before giving up and writing to the DLQ.
	Attempts() int
	// Ack acknowledges successful processing; the message will not be
	// redelivered.
	Ack(ctx context.Context) error
	// Nak requests redelivery after delay; retry back-off and rate-limit
	// retry-after are built on it.
	Nak(ctx context.Context, delay time.Duration) error
	// Term marks the message as permanently undeliverable (used for
	// decode/poison failures that have already been handled, e.g. written
	// to the DLQ) without counting as a redelivery attempt.
	Term(ctx context.Context) error
}

// Handler processes one Delivery. The returned error is not acted on by
// either implementation, so handlers call Ack/Nak/Term explicitly: a
// delivery left unsettled is redelivered by JetStream once AckWait lapses
// and is not redelivered by the in-memory bus.
type Handler func(ctx context.Context, msg Delivery) error

// SubscribeOpts configures a durable, queue-group, explicit-ack
// subscription.
type SubscribeOpts struct {
	// Subject may be a concrete subject or a wildcard (e.g. "foo.>").
	Subject string
	// Durable names the durable consumer so redelivery survives process
	// restarts. Required for at-least-once semantics.
	Durable string
	// QueueGroup, when set, load-balances deliveries across every
	// subscriber sharing the same (Subject, QueueGroup).
	QueueGroup string
	// AckWait bounds how long an unacked delivery stays claimed before
	// becoming redeliverable.
	AckWait time.Duration
	// MaxInflight bounds concurrent unacked deliveries for this
	// subscription (backpressure).
	MaxInflight int
}

// Client is the two-operation Bus Client interface: publish and subscribe,
// with explicit delivery acknowledgement. Implementations: Memory (in
// in-process, for tests and the dev-affordance fallback) and the
// JetStream-backed client in pkg/bus/nats.go.
type Client interface {
	// Publish sends bytes to subject. For durable implementations this is
	// at-least-once: the call does not return until the broker has
	// durably accepted the message.
	Publish(ctx context.Context, subject string, data []byte) error
	// Subscribe registers handler against opts and blocks until ctx is
	// cancelled or an unrecoverable subscription error occurs.
	Subscribe(ctx context.Context, opts SubscribeOpts, handler Handler) error
	// Close releases underlying connections/resources.
	Close() error
}
