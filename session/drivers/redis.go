package drivers

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/creastat/triage/session"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// Redis key prefix for sessions
	sessionKeyPrefix = "session:"
	// Redis key prefix for per-session handling leases
	lockKeyPrefix = "session-lock:"
	// Default TTL for session keys (24 hours)
	defaultTTL = 24 * time.Hour
	// Default lease for a session lock
	defaultLease = 60 * time.Second
	// How often a blocked Lock polls for the lease
	lockPollInterval = 25 * time.Millisecond
	// WATCH retries before giving up with ErrVersionConflict
	maxTxRetries = 64
)

// releaseScript deletes the lease only if it is still owned by the caller.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisStore implements session.Store using Redis with optimistic locking.
// Every mutation is a WATCH/MULTI/EXEC read-modify-write of the session
// document, retried when another writer got there first.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	lease  time.Duration
	locks  session.KeyedMutex
}

// NewRedisStore creates a new Redis-based session store.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisStore{
		client: client,
		ttl:    ttl,
		lease:  defaultLease,
	}
}

// Create implements session.Store.
// Creates a new session with Version set to 1 and sets TTL.
func (s *RedisStore) Create(ctx context.Context) (*session.Session, error) {
	now := time.Now()
	data := &session.Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
		Slots:     make(map[string]string),
	}

	val, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	if err := s.client.Set(ctx, s.key(data.ID), val, s.ttl).Err(); err != nil {
		return nil, err
	}
	return data, nil
}

// Get implements session.Store.
// Refreshes TTL on every read.
func (s *RedisStore) Get(ctx context.Context, id string) (*session.Session, error) {
	key := s.key(id)
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var data session.Session
	if err := json.Unmarshal([]byte(val), &data); err != nil {
		return nil, err
	}
	if data.Slots == nil {
		data.Slots = make(map[string]string)
	}

	// Refresh TTL on read; a failed refresh is not worth failing the read.
	_ = s.client.Expire(ctx, key, s.ttl).Err()

	return &data, nil
}

// Append implements session.Store.
func (s *RedisStore) Append(ctx context.Context, id string, entry session.Entry) error {
	return s.mutate(ctx, id, func(data *session.Session) error {
		data.History = append(data.History, stamp(entry))
		return nil
	})
}

// SetSlot implements session.Store.
func (s *RedisStore) SetSlot(ctx context.Context, id, key, value string) error {
	return s.mutate(ctx, id, func(data *session.Session) error {
		data.Slots[key] = value
		return nil
	})
}

// MarkEscalated implements session.Store.
func (s *RedisStore) MarkEscalated(ctx context.Context, id, reason string) (bool, error) {
	var changed bool
	err := s.mutate(ctx, id, func(data *session.Session) error {
		changed = false
		if data.Escalated {
			return nil
		}
		data.Escalated = true
		data.EscalationReason = reason
		changed = true
		return nil
	})
	return changed, err
}

// AddCost implements session.Store.
func (s *RedisStore) AddCost(ctx context.Context, id string, amount float64) (float64, error) {
	if amount < 0 {
		return 0, session.ErrNegativeCost
	}

	var total float64
	err := s.mutate(ctx, id, func(data *session.Session) error {
		data.CostBudgetConsumed += amount
		total = data.CostBudgetConsumed
		return nil
	})
	return total, err
}

// Lock implements session.Store.
// Goroutines of this process queue on an in-process mutex first, then the
// holder takes a Redis lease so other replicas are serialized too.
func (s *RedisStore) Lock(ctx context.Context, id string) (func(), error) {
	unlockLocal, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}

	key := lockKeyPrefix + id
	token := uuid.NewString()

	for {
		ok, err := s.client.SetNX(ctx, key, token, s.lease).Result()
		if err != nil {
			unlockLocal()
			return nil, err
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			unlockLocal()
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}

	return func() {
		// The caller's context may already be gone; the lease must still be released.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, s.client, []string{key}, token).Err()
		unlockLocal()
	}, nil
}

// Close implements session.Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// mutate runs fn inside WATCH/MULTI/EXEC.
// Increments Version, updates UpdatedAt and refreshes TTL on every write.
// Returns ErrNotFound if the session does not exist.
func (s *RedisStore) mutate(ctx context.Context, id string, fn func(*session.Session) error) error {
	key := s.key(id)

	txf := func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Result()
		if err == redis.Nil {
			return session.ErrNotFound
		}
		if err != nil {
			return err
		}

		var data session.Session
		if err := json.Unmarshal([]byte(val), &data); err != nil {
			return err
		}
		if data.Slots == nil {
			data.Slots = make(map[string]string)
		}

		if err := fn(&data); err != nil {
			return err
		}

		data.Version++
		data.UpdatedAt = time.Now()

		newVal, err := json.Marshal(&data)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newVal, s.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return session.ErrVersionConflict
}

// key constructs the Redis key for a session ID.
func (s *RedisStore) key(id string) string {
	return sessionKeyPrefix + id
}

var _ session.Store = (*RedisStore)(nil)
