package cache

import (
	"context"
	"errors"
	"time"

	cachekey "github.com/always-cache/page-cache/pkg/cache-key"

	"github.com/go-redis/redis/v8"
)

// RedisStore keeps entries in redis, under `cache:<key>` (see cachekey).
// Expiration is handled by redis itself, so there is nothing to sweep.
type RedisStore struct {
	client *redis.Client
	keyer  cachekey.CacheKeyer
}

func NewRedisStore(client *redis.Client, keyer cachekey.CacheKeyer) RedisStore {
	return RedisStore{
		client: client,
		keyer:  keyer,
	}
}

func (r RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	bytes, err := r.client.Get(ctx, r.keyer.EntryKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (r RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return r.client.Set(ctx, r.keyer.EntryKey(key), value, ttl).Err()
}

func (r RedisStore) Purge(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.keyer.EntryKey(key)).Err()
}

// Close does not close the client, which is owned (and possibly shared) by the caller.
func (r RedisStore) Close() error {
	return nil
}

var _ Store = RedisStore{}
