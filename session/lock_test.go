package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	t.Parallel()

	var km KeyedMutex
	unlock, err := km.Lock(context.Background(), "a")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		u, err := km.Lock(context.Background(), "a")
		if err == nil {
			close(acquired)
			u()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held key")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the key")
	}
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	t.Parallel()

	var km KeyedMutex
	unlockA, err := km.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := km.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()
}

func TestKeyedMutexHonoursContext(t *testing.T) {
	t.Parallel()

	var km KeyedMutex
	unlock, err := km.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = km.Lock(ctx, "a")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.Equal(t, 0, km.Len())
}

func TestKeyedMutexUnlockIsIdempotent(t *testing.T) {
	t.Parallel()

	var km KeyedMutex
	unlock, err := km.Lock(context.Background(), "a")
	require.NoError(t, err)
	unlock()
	unlock()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u, err := km.Lock(context.Background(), "a")
			if err == nil {
				u()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, km.Len())
}

func TestSessionCloneIsDeep(t *testing.T) {
	t.Parallel()

	orig := &Session{ID: "s", Slots: map[string]string{"a": "1"}, History: []Entry{{Role: RoleUser, Text: "ciao"}}}
	cp := orig.Clone()
	cp.Slots["a"] = "2"
	cp.History[0].Text = "changed"

	assert.Equal(t, "1", orig.Slot("a"))
	assert.Equal(t, "ciao", orig.History[0].Text)
	assert.Equal(t, "", (*Session)(nil).Slot("a"))
}
