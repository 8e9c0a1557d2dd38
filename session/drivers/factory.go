package drivers

import (
	"time"

	"github.com/creastat/triage/session"
)

// StoreType represents the type of session store.
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeRedis  StoreType = "redis"
)

// NewStore creates a new session.Store based on the given type.
// Supports "memory" and "redis" driver types.
// For Redis, requires session.WithRedisClient.
func NewStore(storeType StoreType, opts ...session.StoreOption) (session.Store, error) {
	o := session.ApplyOptions(opts...)

	switch storeType {
	case StoreTypeMemory:
		return NewInMemoryStore(), nil

	case StoreTypeRedis:
		if o.RedisClient == nil {
			return nil, session.ErrInvalidConfig
		}
		store := NewRedisStore(o.RedisClient, o.RedisTTL)
		if o.LockLease > 0 {
			store.lease = o.LockLease
		}
		return store, nil

	default:
		return nil, session.ErrInvalidStoreType
	}
}

func stamp(entry session.Entry) session.Entry {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	return entry
}
