package statestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBackend is the optional remote RouterStateStore tier, mirroring
// `services/state_redis.py`'s plain get/set on a single dimension-scoped
// key (`f"{base}:d{d}"`).
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend dials url and returns a RemoteBackend.
func NewRedisBackend(url string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisBackend{client: redis.NewClient(opts)}, nil
}

// Get implements RemoteBackend.
func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

// Set implements RemoteBackend.
func (r *RedisBackend) Set(ctx context.Context, key string, value []byte) error {
	return r.client.Set(ctx, key, value, 0).Err()
}

// RemoteKey builds the dimension-scoped key used by state_redis.py's
// `_resolve_key`, so two routers with different embedding dimensions never
// collide on the same remote key.
func RemoteKey(base string, dim int) string {
	return fmt.Sprintf("%s:d%d", base, dim)
}
