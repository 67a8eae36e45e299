package bus

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

var streamNameSanitizer = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// headerCarrier adapts a *nats.Msg's headers to OTel's TextMapCarrier so
// trace context survives a publish/subscribe hop over the bus.
type headerCarrier nats.Msg

func (c *headerCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *headerCarrier) Set(key, value string) {
	if c.Header == nil {
		c.Header = nats.Header{}
	}
	c.Header.Set(key, value)
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// NATSClient is the durable, JetStream-backed bus client. It lazily
// provisions a stream for each subject it is asked to publish or subscribe
// to, then uses manual-ack consumers for at-least-once delivery.
type NATSClient struct {
	nc *nats.Conn
	js nats.JetStreamContext

	mu      sync.Mutex
	streams map[string]struct{}
}

// NewNATSClient connects to url and initialises JetStream. A long-running
// service never gives up on the broker connection, hence
// MaxReconnects(-1).
func NewNATSClient(url string) (*NATSClient, error) {
	nc, err := nats.Connect(url, nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("bus: nats connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("bus: jetstream init: %w", err)
	}
	return &NATSClient{nc: nc, js: js, streams: make(map[string]struct{})}, nil
}

// JetStream exposes the underlying context for callers that need it
// directly (e.g. pkg/kv's JetStream KV buckets share the same connection).
func (c *NATSClient) JetStream() nats.JetStreamContext { return c.js }

// Conn exposes the underlying connection.
func (c *NATSClient) Conn() *nats.Conn { return c.nc }

func defaultStreamName(subject string) string {
	s := streamNameSanitizer.ReplaceAllString(strings.TrimSpace(subject), "_")
	s = strings.Trim(s, "_")
	if s == "" {
		s = "messaging"
	}
	const max = 200
	if len(s) > max {
		s = s[:max]
	}
	return "mc_" + s
}

// ensureStream makes sure some stream covers subject, creating one on
// first use. A subject already covered by an existing stream (e.g. a
// concrete egress subject under the worker's wildcard stream) must not
// grow a second, overlapping stream, so an existing covering stream is
// looked up before anything is created.
func (c *NATSClient) ensureStream(subject string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.streams[subject]; ok {
		return nil
	}

	if name, err := c.js.StreamNameBySubject(subject); err == nil && name != "" {
		c.streams[subject] = struct{}{}
		return nil
	}

	cfg := &nats.StreamConfig{
		Name:      defaultStreamName(subject),
		Subjects:  []string{subject},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
		MaxAge:    7 * 24 * time.Hour,
		Replicas:  1,
	}
	if _, err := c.js.AddStream(cfg); err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return err
	}
	c.streams[subject] = struct{}{}
	return nil
}

// Publish durably publishes data to subject, provisioning the backing
// stream on first use. Trace context from ctx is injected into message
// headers so it survives to the subscriber.
func (c *NATSClient) Publish(ctx context.Context, subject string, data []byte) error {
	if err := c.ensureStream(subject); err != nil {
		return fmt.Errorf("bus: ensure stream for %q: %w", subject, err)
	}

	msg := &nats.Msg{Subject: subject, Data: data}
	otel.GetTextMapPropagator().Inject(ctx, (*headerCarrier)(msg))

	_, err := c.js.PublishMsg(msg, nats.Context(ctx))
	return err
}

// natsDelivery adapts a *nats.Msg into the bus.Delivery interface.
type natsDelivery struct {
	msg *nats.Msg
}

func (d *natsDelivery) Subject() string { return d.msg.Subject }
func (d *natsDelivery) Data() []byte    { return d.msg.Data }

func (d *natsDelivery) Attempts() int {
	meta, err := d.msg.Metadata()
	if err != nil {
		return 1
	}
	return int(meta.NumDelivered)
}

func (d *natsDelivery) Ack(ctx context.Context) error  { return d.msg.Ack(nats.Context(ctx)) }
func (d *natsDelivery) Term(ctx context.Context) error { return d.msg.Term(nats.Context(ctx)) }

func (d *natsDelivery) Nak(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return d.msg.Nak(nats.Context(ctx))
	}
	return d.msg.NakWithDelay(delay, nats.Context(ctx))
}

// Subscribe provisions the backing stream (subject may itself be a
// wildcard, e.g. "greentic.messaging.egress.dev.>") and registers a durable,
// manually-acked consumer, optionally load-balanced across a queue group.
func (c *NATSClient) Subscribe(ctx context.Context, opts SubscribeOpts, handler Handler) error {
	if err := c.ensureStream(opts.Subject); err != nil {
		return fmt.Errorf("bus: ensure stream for %q: %w", opts.Subject, err)
	}

	ackWait := opts.AckWait
	if ackWait <= 0 {
		ackWait = 30 * time.Second
	}
	maxInflight := opts.MaxInflight
	if maxInflight <= 0 {
		maxInflight = 64
	}

	subOpts := []nats.SubOpt{
		nats.ManualAck(),
		nats.AckWait(ackWait),
		nats.MaxAckPending(maxInflight),
	}
	if opts.Durable != "" {
		subOpts = append(subOpts, nats.Durable(opts.Durable))
	}

	natsHandler := func(msg *nats.Msg) {
		hctx := otel.GetTextMapPropagator().Extract(context.Background(), (*headerCarrier)(msg))
		_ = handler(hctx, &natsDelivery{msg: msg})
	}

	var sub *nats.Subscription
	var err error
	if opts.QueueGroup != "" {
		sub, err = c.js.QueueSubscribe(opts.Subject, opts.QueueGroup, natsHandler, subOpts...)
	} else {
		sub, err = c.js.Subscribe(opts.Subject, natsHandler, subOpts...)
	}
	if err != nil {
		return fmt.Errorf("bus: subscribe %q: %w", opts.Subject, err)
	}

	<-ctx.Done()
	_ = sub.Drain()
	return ctx.Err()
}

// Close drains and closes the NATS connection.
func (c *NATSClient) Close() error {
	if c.nc == nil {
		return nil
	}
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
		return err
	}
	c.nc.Close()
	return nil
}
