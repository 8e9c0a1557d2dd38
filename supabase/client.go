package supabase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/supabase-community/supabase-go"
	"golang.org/x/sync/singleflight"
)

const defaultCacheTTL = 5 * time.Minute

// Config holds Supabase connection configuration.
type Config struct {
	URL      string
	APIKey   string
	CacheTTL time.Duration // Default: 5 minutes
}

// Client implements the Store interface using Supabase.
// Assistants are cached by token; concurrent misses share one query.
type Client struct {
	client   *supabase.Client
	cacheTTL time.Duration

	mu         sync.RWMutex
	assistants map[string]cacheEntry
	group      singleflight.Group

	// fetchAssistant and insertHandoff are replaced in tests.
	fetchAssistant func(token string) (*Assistant, error)
	insertHandoff  func(handoff Handoff) error
}

type cacheEntry struct {
	value     *Assistant
	expiresAt time.Time
}

// New creates a new Supabase client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("supabase URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("supabase API key is required")
	}

	client, err := supabase.NewClient(cfg.URL, cfg.APIKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}

	c := newClient(cfg.CacheTTL)
	c.client = client
	c.fetchAssistant = c.queryAssistant
	c.insertHandoff = c.writeHandoff
	return c, nil
}

func newClient(ttl time.Duration) *Client {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Client{
		cacheTTL:   ttl,
		assistants: make(map[string]cacheEntry),
	}
}

// GetAssistantByToken retrieves an assistant by its public token.
func (c *Client) GetAssistantByToken(ctx context.Context, publicToken string) (*Assistant, error) {
	if cached := c.cached(publicToken); cached != nil {
		return cached, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v, err, _ := c.group.Do(publicToken, func() (any, error) {
		if cached := c.cached(publicToken); cached != nil {
			return cached, nil
		}
		assistant, err := c.fetchAssistant(publicToken)
		if err != nil {
			return nil, err
		}
		c.store(publicToken, assistant)
		return assistant, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Assistant), nil
}

func (c *Client) queryAssistant(token string) (*Assistant, error) {
	var assistants []Assistant
	_, err := c.client.From("assistants").
		Select("*", "", false).
		Eq("public_token", token).
		Eq("is_active", "true").
		ExecuteTo(&assistants)
	if err != nil {
		return nil, fmt.Errorf("failed to get assistant by token: %w", err)
	}
	if len(assistants) == 0 {
		return nil, ErrAssistantNotFound
	}
	return &assistants[0], nil
}

// GetSourcesByAssistantID retrieves all active sources for an assistant.
func (c *Client) GetSourcesByAssistantID(ctx context.Context, assistantID string) ([]Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var sources []Source
	_, err := c.client.From("sources").
		Select("*", "", false).
		Eq("assistant_id", assistantID).
		Eq("is_active", "true").
		ExecuteTo(&sources)
	if err != nil {
		return nil, fmt.Errorf("failed to get sources by assistant_id: %w", err)
	}
	return sources, nil
}

// InsertHandoff appends a row to the handoffs table. The PostgREST client
// takes no context, so the call returns when ctx is done and the request
// finishes in the background.
func (c *Client) InsertHandoff(ctx context.Context, handoff Handoff) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	errc := make(chan error, 1)
	go func() { errc <- c.insertHandoff(handoff) }()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("failed to insert handoff: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to insert handoff: %w", ctx.Err())
	}
}

func (c *Client) writeHandoff(handoff Handoff) error {
	_, _, err := c.client.From("handoffs").
		Insert(handoff, false, "", "minimal", "").
		Execute()
	return err
}

// Close closes the Supabase client.
func (c *Client) Close() error {
	// Supabase client doesn't require explicit close
	return nil
}

func (c *Client) cached(token string) *Assistant {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if e, ok := c.assistants[token]; ok && time.Now().Before(e.expiresAt) {
		return e.value
	}
	return nil
}

func (c *Client) store(token string, assistant *Assistant) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.assistants[token] = cacheEntry{
		value:     assistant,
		expiresAt: time.Now().Add(c.cacheTTL),
	}
}

// Compile-time check that Client implements Store
var _ Store = (*Client)(nil)
