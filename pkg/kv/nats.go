package kv

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSBucket adapts a nats.KeyValue store to the Bucket interface. It
// follows an ensure-then-use pattern like pkg/bus's stream provisioning:
// OpenNATSBucket attaches to the bucket, creating it first if absent.
type NATSBucket struct {
	kv nats.KeyValue
}

// OpenNATSBucket creates (or attaches to) a JetStream KV bucket named
// bucketName with the given TTL, which is how idempotency and rate-limit
// state survive across replicas.
func OpenNATSBucket(js nats.JetStreamContext, bucketName string, ttl time.Duration) (*NATSBucket, error) {
	kvStore, err := js.KeyValue(bucketName)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kvStore, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket: bucketName,
			TTL:    ttl,
		})
	}
	if err != nil {
		return nil, err
	}
	return &NATSBucket{kv: kvStore}, nil
}

func (b *NATSBucket) Create(_ context.Context, key string, value []byte) error {
	_, err := b.kv.Create(key, value)
	if errors.Is(err, nats.ErrKeyExists) {
		return ErrKeyExists
	}
	return err
}

func (b *NATSBucket) Get(_ context.Context, key string) ([]byte, error) {
	entry, err := b.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return entry.Value(), nil
}

func (b *NATSBucket) Put(_ context.Context, key string, value []byte) error {
	_, err := b.kv.Put(key, value)
	return err
}

func (b *NATSBucket) Delete(_ context.Context, key string) error {
	return b.kv.Delete(key)
}
