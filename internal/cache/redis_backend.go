package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend is the optional remote PreviewCache backend, mirroring
// `cache_redis.py`'s `get`/`setex` pair: a single string key per entry, TTL
// enforced by the store rather than by the client.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend dials url (a redis:// connection string) and returns a
// Backend. Dial errors are returned so callers can decide whether to run
// without a remote tier rather than crash.
func NewRedisBackend(url string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisBackend{client: redis.NewClient(opts)}, nil
}

// Get implements Backend.
func (r *RedisBackend) Get(ctx context.Context, key string) (Entry, bool, error) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	entry, err := unmarshalEntry(raw)
	if err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

// Put implements Backend.
func (r *RedisBackend) Put(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	data, err := marshalEntry(entry)
	if err != nil {
		return err
	}
	return r.client.SetEx(ctx, key, data, ttl).Err()
}
