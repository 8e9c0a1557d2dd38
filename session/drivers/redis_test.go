package drivers

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/creastat/triage/session"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	s, err := NewStore(StoreTypeRedis,
		session.WithRedisClient(client),
		session.WithRedisTTL(time.Hour),
		session.WithLockLease(5*time.Second),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s.(*RedisStore), mr
}

func TestRedisStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) session.Store {
		s, _ := newMiniredisStore(t)
		return s
	})
}

func TestRedisStoreTTL(t *testing.T) {
	s, mr := newMiniredisStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, mr.TTL(sessionKeyPrefix+created.ID))

	mr.FastForward(2 * time.Hour)
	_, err = s.Get(ctx, created.ID)
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestRedisStoreLockLease(t *testing.T) {
	s, mr := newMiniredisStore(t)
	ctx := context.Background()

	unlock, err := s.Lock(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, mr.Exists(lockKeyPrefix+"abc"))

	unlock()
	assert.False(t, mr.Exists(lockKeyPrefix+"abc"))
}

func TestRedisStoreLockLeaseHeldElsewhere(t *testing.T) {
	s, mr := newMiniredisStore(t)
	require.NoError(t, mr.Set(lockKeyPrefix+"abc", "other-replica"))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := s.Lock(ctx, "abc")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// A foreign lease is never released by us.
	got, err := mr.Get(lockKeyPrefix + "abc")
	require.NoError(t, err)
	assert.Equal(t, "other-replica", got)
}
