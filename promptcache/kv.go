package promptcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// KVCache is a Cache backed by a NATS JetStream KeyValue bucket, shared by
// every worker connected to the same server.
type KVCache struct {
	kv  jetstream.KeyValue
	now func() time.Time
}

// NewKVCache creates or binds the bucket. maxAge bounds how long NATS keeps
// any entry regardless of its own expiry; zero keeps entries until replaced.
func NewKVCache(ctx context.Context, js jetstream.JetStream, bucket string, maxAge time.Duration) (*KVCache, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Rendered call-scoring context, keyed by content hash",
		TTL:         maxAge,
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("create cache bucket %s: %w", bucket, err)
	}
	return &KVCache{kv: kv, now: time.Now}, nil
}

// Get returns the entry for key, or a miss if absent or expired.
func (c *KVCache) Get(ctx context.Context, key string) (Entry, bool, error) {
	kve, err := c.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("get %s: %w", key, err)
	}

	var e Entry
	if err := json.Unmarshal(kve.Value(), &e); err != nil {
		return Entry{}, false, fmt.Errorf("decode %s: %w", key, err)
	}
	if e.Expired(c.now()) {
		return Entry{}, false, nil
	}
	return e, true, nil
}

// Put stores payload under key. A KV put is a single message, so readers
// see either the old entry or the new one.
func (c *KVCache) Put(ctx context.Context, key, payload string, ttl time.Duration) error {
	data, err := json.Marshal(newEntry(key, payload, c.now(), ttl))
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if _, err := c.kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}
