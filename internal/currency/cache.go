package currency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"supply-notifier/internal/config"
)

// SharedCache is a rate cache visible to several processes. The refresher and any
// operator command then agree on a date's rate without refetching it.
type SharedCache interface {
	Get(ctx context.Context, date string) (decimal.Decimal, bool, error)
	Set(ctx context.Context, date string, rate decimal.Decimal) error
}

// RedisCache stores rates as strings under prefix+date.
type RedisCache struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisCache wraps an existing client.
func NewRedisCache(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, prefix: prefix, ttl: ttl}
}

// DialRedisCache connects using cfg; it returns nil when no address is configured.
func DialRedisCache(ctx context.Context, cfg config.RedisConfig) (*RedisCache, func(), error) {
	if cfg.Addr == "" {
		return nil, func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}

	closer := func() { _ = rdb.Close() }
	return NewRedisCache(rdb, cfg.Prefix, cfg.TTL), closer, nil
}

// Get returns the cached rate for date, if any.
func (c *RedisCache) Get(ctx context.Context, date string) (decimal.Decimal, bool, error) {
	val, err := c.rdb.Get(ctx, c.prefix+date).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Decimal{}, false, nil
	}
	if err != nil {
		return decimal.Decimal{}, false, fmt.Errorf("redis get: %w", err)
	}

	rate, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Decimal{}, false, fmt.Errorf("parse cached rate %q: %w", val, err)
	}
	return rate, true, nil
}

// Set stores rate for date.
func (c *RedisCache) Set(ctx context.Context, date string, rate decimal.Decimal) error {
	if err := c.rdb.Set(ctx, c.prefix+date, rate.String(), c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

var _ SharedCache = (*RedisCache)(nil)
