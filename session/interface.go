package session

import "context"

// Store defines the interface for session storage operations.
type Store interface {
	// Create creates a new session with a fresh ID and Version set to 1.
	Create(ctx context.Context) (*Session, error)

	// Get retrieves a copy of the session.
	// Returns ErrNotFound if the session does not exist.
	Get(ctx context.Context, id string) (*Session, error)

	// Append adds an entry to the end of the session history.
	Append(ctx context.Context, id string, entry Entry) error

	// SetSlot stores value under key, replacing any previous value.
	SetSlot(ctx context.Context, id, key, value string) error

	// MarkEscalated flags the session as handed off to a human.
	// Reports true only for the call that performed the transition;
	// marking an escalated session again is a no-op.
	MarkEscalated(ctx context.Context, id, reason string) (bool, error)

	// AddCost atomically increments the consumed budget and returns the new total.
	AddCost(ctx context.Context, id string, amount float64) (float64, error)

	// Lock serializes message handling for one session.
	// Unrelated sessions never contend. The returned func releases the lock.
	Lock(ctx context.Context, id string) (func(), error)

	// Close closes the store and releases any resources.
	Close() error
}
