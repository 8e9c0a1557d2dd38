package session

import (
	"time"

	"github.com/redis/go-redis/v9"
)

// StoreOption is a functional option for configuring a session store.
type StoreOption func(*Options)

// Options holds configuration for session stores.
type Options struct {
	RedisClient *redis.Client
	RedisTTL    time.Duration
	LockLease   time.Duration
}

// ApplyOptions folds opts into an Options value.
func ApplyOptions(opts ...StoreOption) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithRedisClient sets the Redis client for the Redis store.
func WithRedisClient(client *redis.Client) StoreOption {
	return func(o *Options) {
		o.RedisClient = client
	}
}

// WithRedisTTL sets the TTL for Redis keys.
func WithRedisTTL(ttl time.Duration) StoreOption {
	return func(o *Options) {
		o.RedisTTL = ttl
	}
}

// WithLockLease sets how long a distributed session lock is held before it
// expires on its own.
func WithLockLease(lease time.Duration) StoreOption {
	return func(o *Options) {
		o.LockLease = lease
	}
}
