package session

import (
	"maps"
	"time"
)

// Role identifies who produced a history entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Well-known slot names written by the classifier and the orchestrator.
const (
	SlotCompanySize      = "companySize"
	SlotLocation         = "location"
	SlotLocationPriority = "locationPriority"
	SlotServicesInterest = "servicesInterest"
	SlotBudget           = "budget"
	SlotTurns            = "turns"
	SlotReturning        = "returning"
	SlotFallbackStreak   = "fallbackStreak"

	// LeadSlotPrefix namespaces lead data supplied with an explicit handoff.
	LeadSlotPrefix = "lead."
)

// Entry represents a single conversation turn.
type Entry struct {
	Role       Role      `json:"role"`
	Text       string    `json:"text"`
	TokenCount int       `json:"token_count"` // Estimated tokens
	Timestamp  time.Time `json:"timestamp"`
}

// Session represents all serializable state of one conversation.
// It is persisted by the drivers as a single JSON document.
//
// History is append-only and kept in arrival order. Slots are last-write-wins.
// Escalated is sticky: once set it is never cleared for the session.
// CostBudgetConsumed only grows.
type Session struct {
	ID                 string            `json:"id"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
	Version            int64             `json:"version"` // Monotonically increasing for optimistic locking
	History            []Entry           `json:"history"`
	Slots              map[string]string `json:"slots"`
	Escalated          bool              `json:"escalated"`
	EscalationReason   string            `json:"escalation_reason,omitempty"`
	CostBudgetConsumed float64           `json:"cost_budget_consumed"`
}

// Slot returns the value stored under key, or "" when unset.
func (s *Session) Slot(key string) string {
	if s == nil || s.Slots == nil {
		return ""
	}
	return s.Slots[key]
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.History = append([]Entry(nil), s.History...)
	out.Slots = maps.Clone(s.Slots)
	if out.Slots == nil {
		out.Slots = make(map[string]string)
	}
	return &out
}
