package counter

import (
	"context"
	"errors"

	cachekey "github.com/always-cache/page-cache/pkg/cache-key"

	"github.com/go-redis/redis/v8"
)

// scanBatch is the COUNT hint passed to SCAN.
const scanBatch = 100

// Redis keeps counts in redis under `count:<key>` and relies on INCR for atomicity.
// Counts outlive the process; they are shared by every cache pointed at the same keyspace.
type Redis struct {
	client *redis.Client
	keyer  cachekey.CacheKeyer
}

func NewRedis(client *redis.Client, keyer cachekey.CacheKeyer) *Redis {
	return &Redis{
		client: client,
		keyer:  keyer,
	}
}

func (r *Redis) Increment(ctx context.Context, key string) (int64, error) {
	return r.client.Incr(ctx, r.keyer.CountKey(key)).Result()
}

func (r *Redis) Get(ctx context.Context, key string) (int64, error) {
	count, err := r.client.Get(ctx, r.keyer.CountKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return count, err
}

// ForEach walks the count keys with SCAN, so the order is unspecified
// and a key may be visited more than once if the keyspace is rehashed meanwhile.
func (r *Redis) ForEach(ctx context.Context, fn func(key string, count int64) bool) error {
	iter := r.client.Scan(ctx, 0, r.keyer.CountPattern(), scanBatch).Iterator()
	for iter.Next(ctx) {
		countKey := iter.Val()
		key, err := r.keyer.KeyFromCountKey(countKey)
		if err != nil {
			continue
		}
		count, err := r.client.Get(ctx, countKey).Int64()
		if errors.Is(err, redis.Nil) {
			// deleted since the scan returned it
			continue
		}
		if err != nil {
			return err
		}
		if !fn(key, count) {
			return nil
		}
	}
	return iter.Err()
}

var _ Counter = (*Redis)(nil)
