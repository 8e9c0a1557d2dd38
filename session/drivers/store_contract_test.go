package drivers

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/creastat/triage/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreContract exercises behaviour every driver must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) session.Store) {
	t.Run("create and get", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		created, err := store.Create(ctx)
		require.NoError(t, err)
		require.NotEmpty(t, created.ID)
		assert.Equal(t, int64(1), created.Version)

		got, err := store.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, created.ID, got.ID)
		assert.False(t, got.Escalated)
		assert.NotNil(t, got.Slots)
	})

	t.Run("unknown id", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Get(context.Background(), "missing")
		require.ErrorIs(t, err, session.ErrNotFound)
		require.ErrorIs(t, store.SetSlot(context.Background(), "missing", "k", "v"), session.ErrNotFound)
	})

	t.Run("history keeps order and slots last write wins", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		s, err := store.Create(ctx)
		require.NoError(t, err)

		for i := 0; i < 5; i++ {
			require.NoError(t, store.Append(ctx, s.ID, session.Entry{Role: session.RoleUser, Text: fmt.Sprintf("m%d", i)}))
		}
		require.NoError(t, store.SetSlot(ctx, s.ID, session.SlotCompanySize, "small"))
		require.NoError(t, store.SetSlot(ctx, s.ID, session.SlotCompanySize, "large"))

		got, err := store.Get(ctx, s.ID)
		require.NoError(t, err)
		require.Len(t, got.History, 5)
		for i, e := range got.History {
			assert.Equal(t, fmt.Sprintf("m%d", i), e.Text)
			assert.False(t, e.Timestamp.IsZero())
		}
		assert.Equal(t, "large", got.Slot(session.SlotCompanySize))
		assert.Greater(t, got.Version, s.Version)
	})

	t.Run("get returns a copy", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		s, err := store.Create(ctx)
		require.NoError(t, err)

		got, err := store.Get(ctx, s.ID)
		require.NoError(t, err)
		got.Slots["x"] = "local"

		again, err := store.Get(ctx, s.ID)
		require.NoError(t, err)
		assert.Empty(t, again.Slot("x"))
	})

	t.Run("mark escalated is sticky and idempotent", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		s, err := store.Create(ctx)
		require.NoError(t, err)

		changed, err := store.MarkEscalated(ctx, s.ID, "urgencyCritical")
		require.NoError(t, err)
		assert.True(t, changed)

		changed, err = store.MarkEscalated(ctx, s.ID, "explicitRequest")
		require.NoError(t, err)
		assert.False(t, changed)

		got, err := store.Get(ctx, s.ID)
		require.NoError(t, err)
		assert.True(t, got.Escalated)
		assert.Equal(t, "urgencyCritical", got.EscalationReason)
	})

	t.Run("add cost is atomic", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		s, err := store.Create(ctx)
		require.NoError(t, err)

		_, err = store.AddCost(ctx, s.ID, -1)
		require.ErrorIs(t, err, session.ErrNegativeCost)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.AddCost(ctx, s.ID, 1.5)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		total, err := store.AddCost(ctx, s.ID, 0)
		require.NoError(t, err)
		assert.InDelta(t, 30.0, total, 1e-9)
	})

	t.Run("lock serializes writers of one session", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		s, err := store.Create(ctx)
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				unlock, err := store.Lock(ctx, s.ID)
				if !assert.NoError(t, err) {
					return
				}
				defer unlock()
				text := fmt.Sprintf("w%d", i)
				assert.NoError(t, store.Append(ctx, s.ID, session.Entry{Role: session.RoleUser, Text: text}))
				assert.NoError(t, store.Append(ctx, s.ID, session.Entry{Role: session.RoleAssistant, Text: text}))
			}(i)
		}
		wg.Wait()

		got, err := store.Get(ctx, s.ID)
		require.NoError(t, err)
		require.Len(t, got.History, 16)
		for i := 0; i < len(got.History); i += 2 {
			assert.Equal(t, got.History[i].Text, got.History[i+1].Text, "turn pair interleaved at %d", i)
		}
	})
}
