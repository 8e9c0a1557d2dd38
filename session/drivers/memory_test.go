package drivers

import (
	"context"
	"testing"

	"github.com/creastat/triage/session"
	"github.com/stretchr/testify/require"
)

func TestInMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) session.Store {
		return NewInMemoryStore()
	})
}

func TestInMemoryStoreClosed(t *testing.T) {
	store := NewInMemoryStore()
	require.NoError(t, store.Close())

	_, err := store.Create(context.Background())
	require.ErrorIs(t, err, session.ErrClosed)
}

func TestNewStore(t *testing.T) {
	s, err := NewStore(StoreTypeMemory)
	require.NoError(t, err)
	require.IsType(t, &InMemoryStore{}, s)

	_, err = NewStore(StoreTypeRedis)
	require.ErrorIs(t, err, session.ErrInvalidConfig)

	_, err = NewStore("sqlite")
	require.ErrorIs(t, err, session.ErrInvalidStoreType)
}
