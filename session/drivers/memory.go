package drivers

import (
	"context"
	"sync"
	"time"

	"github.com/creastat/triage/session"
	"github.com/google/uuid"
)

// InMemoryStore implements session.Store using an in-memory map.
// Reads hand out copies; every mutation bumps Version under the map lock.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
	closed   bool
	locks    session.KeyedMutex
}

// NewInMemoryStore creates a new in-memory session store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]*session.Session),
	}
}

// Create implements session.Store.
func (s *InMemoryStore) Create(ctx context.Context) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, session.ErrClosed
	}

	now := time.Now()
	data := &session.Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
		Slots:     make(map[string]string),
	}

	s.sessions[data.ID] = data
	return data.Clone(), nil
}

// Get implements session.Store.
func (s *InMemoryStore) Get(ctx context.Context, id string) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, exists := s.sessions[id]
	if !exists {
		return nil, session.ErrNotFound
	}
	return data.Clone(), nil
}

// Append implements session.Store.
func (s *InMemoryStore) Append(ctx context.Context, id string, entry session.Entry) error {
	return s.mutate(id, func(data *session.Session) error {
		data.History = append(data.History, stamp(entry))
		return nil
	})
}

// SetSlot implements session.Store.
func (s *InMemoryStore) SetSlot(ctx context.Context, id, key, value string) error {
	return s.mutate(id, func(data *session.Session) error {
		data.Slots[key] = value
		return nil
	})
}

// MarkEscalated implements session.Store.
func (s *InMemoryStore) MarkEscalated(ctx context.Context, id, reason string) (bool, error) {
	var changed bool
	err := s.mutate(id, func(data *session.Session) error {
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
func (s *InMemoryStore) AddCost(ctx context.Context, id string, amount float64) (float64, error) {
	if amount < 0 {
		return 0, session.ErrNegativeCost
	}

	var total float64
	err := s.mutate(id, func(data *session.Session) error {
		data.CostBudgetConsumed += amount
		total = data.CostBudgetConsumed
		return nil
	})
	return total, err
}

// Lock implements session.Store.
func (s *InMemoryStore) Lock(ctx context.Context, id string) (func(), error) {
	return s.locks.Lock(ctx, id)
}

// Close implements session.Store.
func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions = make(map[string]*session.Session)
	s.closed = true
	return nil
}

// mutate applies fn to the stored session, then increments Version and
// updates UpdatedAt.
func (s *InMemoryStore) mutate(id string, fn func(*session.Session) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return session.ErrClosed
	}

	data, exists := s.sessions[id]
	if !exists {
		return session.ErrNotFound
	}
	if data.Slots == nil {
		data.Slots = make(map[string]string)
	}

	if err := fn(data); err != nil {
		return err
	}

	data.Version++
	data.UpdatedAt = time.Now()
	return nil
}

var _ session.Store = (*InMemoryStore)(nil)
