// Package supabase reads assistant configuration and records handoffs in
// Supabase.
package supabase

import (
	"context"
	"errors"
	"time"
)

// ErrAssistantNotFound is returned when no active assistant has the token.
var ErrAssistantNotFound = errors.New("assistant not found")

// Store provides access to Supabase data for the triage service.
type Store interface {
	// GetAssistantByToken retrieves an assistant by its public token.
	GetAssistantByToken(ctx context.Context, publicToken string) (*Assistant, error)

	// GetSourcesByAssistantID retrieves all active sources for an assistant.
	GetSourcesByAssistantID(ctx context.Context, assistantID string) ([]Source, error)

	// InsertHandoff appends a row to the handoffs ledger.
	InsertHandoff(ctx context.Context, handoff Handoff) error

	// Close closes the Supabase client and releases resources.
	Close() error
}

// Assistant represents a configured chat assistant.
type Assistant struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	Name         string         `json:"name"`
	PublicToken  string         `json:"public_token"`
	SystemPrompt string         `json:"system_prompt"`
	Config       map[string]any `json:"config"`
	IsActive     bool           `json:"is_active"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Greeting is the opening message shown on a new conversation.
func (a *Assistant) Greeting() string { return a.configString("greeting") }

// ContactPhone is the phone number offered when a human is needed.
func (a *Assistant) ContactPhone() string { return a.configString("contact_phone") }

// QuickReplies are the options offered with the greeting.
func (a *Assistant) QuickReplies() []string {
	raw, ok := a.Config["quick_replies"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (a *Assistant) configString(key string) string {
	if a == nil {
		return ""
	}
	s, _ := a.Config[key].(string)
	return s
}

// Source represents a knowledge source indexed for an assistant.
type Source struct {
	ID          string    `json:"id"`
	AssistantID string    `json:"assistant_id"`
	Name        string    `json:"name"`
	SourceType  string    `json:"source_type"`
	Status      string    `json:"status"`
	TotalChunks int       `json:"total_chunks"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SourceIDs returns the ids of sources in order.
func SourceIDs(sources []Source) []string {
	ids := make([]string, 0, len(sources))
	for _, s := range sources {
		ids = append(ids, s.ID)
	}
	return ids
}

// Handoff is one row of the handoffs ledger.
type Handoff struct {
	ID          string            `json:"id"`
	AssistantID string            `json:"assistant_id,omitempty"`
	SessionID   string            `json:"session_id"`
	Reason      string            `json:"reason"`
	Priority    string            `json:"priority"`
	LeadQuality string            `json:"lead_quality"`
	LeadScore   float64           `json:"lead_score"`
	Slots       map[string]string `json:"slots"`
	LeadData    map[string]string `json:"lead_data"`
	Transcript  []TranscriptLine  `json:"transcript"`
	CreatedAt   time.Time         `json:"created_at"`
}

// TranscriptLine is one history entry copied into a handoff.
type TranscriptLine struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}
