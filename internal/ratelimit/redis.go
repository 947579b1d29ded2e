package ratelimit

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis is a fixed-window counter shared by every instance pointing at the
// same server. The window starts at a key's first hit.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

func NewRedis(rdb *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "rl"
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

func (r *Redis) key(p Policy, key string) string {
	return r.prefix + ":" + p.Name + ":" + key
}

func (r *Redis) Allow(ctx context.Context, p Policy, key string) (Result, error) {
	k := r.key(p, key)
	count, err := r.rdb.Incr(ctx, k).Result()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: incr: %w", err)
	}
	if count == 1 {
		if err := r.rdb.Expire(ctx, k, p.Window).Err(); err != nil {
			return Result{}, fmt.Errorf("ratelimit: expire: %w", err)
		}
	}

	res := Result{Limit: p.Max}
	if count <= int64(p.Max) {
		res.Allowed = true
		res.Remaining = p.Max - int(count)
		return res, nil
	}
	ttl, err := r.rdb.PTTL(ctx, k).Result()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: pttl: %w", err)
	}
	if ttl < 0 {
		// lost its expiry; restart the window
		_ = r.rdb.Expire(ctx, k, p.Window).Err()
		ttl = p.Window
	}
	res.RetryAfter = ttl
	return res, nil
}
