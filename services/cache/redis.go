// Package cachesvc holds the Redis backed services.
package cachesvc

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/trezcool/academia/core"
	"github.com/trezcool/academia/core/gateway"
)

// NewRedisClient connects to the configured Redis server.
func NewRedisClient(ctx context.Context, conf *core.Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     conf.Redis.Addr,
		Password: conf.Redis.Password,
		DB:       conf.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "pinging redis")
	}
	return rdb, nil
}

// RedisGuard is a gateway.Guard shared by every API instance: a key is held with SET NX until
// it is released or its TTL expires.
type RedisGuard struct {
	rdb    redis.Cmdable
	ttl    time.Duration
	prefix string
}

var _ gateway.Guard = (*RedisGuard)(nil) // interface compliance check

func NewRedisGuard(rdb redis.Cmdable, ttl time.Duration, prefix string) *RedisGuard {
	return &RedisGuard{rdb: rdb, ttl: ttl, prefix: prefix}
}

func (g *RedisGuard) Acquire(ctx context.Context, key string) (bool, error) {
	ok, err := g.rdb.SetNX(ctx, g.prefix+key, time.Now().UTC().Format(time.RFC3339Nano), g.ttl).Result()
	if err != nil {
		return false, errors.Wrapf(err, "acquiring %s", key)
	}
	return ok, nil
}

func (g *RedisGuard) Release(ctx context.Context, key string) error {
	return errors.Wrapf(g.rdb.Del(ctx, g.prefix+key).Err(), "releasing %s", key)
}
