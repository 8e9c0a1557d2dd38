// Package escalation decides when a conversation goes to a human agent and
// performs the handoff. It is the only writer of a session's escalated flag.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/creastat/triage/classify"
	"github.com/creastat/triage/failover"
	"github.com/creastat/triage/session"
)

const (
	transcriptTail = 10

	// DefaultNotifyTimeout bounds one handoff delivery.
	DefaultNotifyTimeout = 10 * time.Second
)

// Reason says why a conversation was escalated.
type Reason string

const (
	ReasonNone            Reason = "none"
	ReasonUrgencyCritical Reason = "urgencyCritical"
	ReasonCostLimit       Reason = "costLimitReached"
	ReasonRepeatedFailure Reason = "repeatedFailure"
	ReasonExplicitRequest Reason = "explicitRequest"
)

// Priority orders handoffs for the human team.
type Priority string

const (
	PriorityNormal    Priority = "normal"
	PriorityHigh      Priority = "high"
	PriorityImmediate Priority = "immediate"
)

// Decision is the escalation verdict for one message.
// When ShouldEscalate is false, Reason is none and Priority normal.
type Decision struct {
	ShouldEscalate bool     `json:"shouldEscalate"`
	Reason         Reason   `json:"reason"`
	Priority       Priority `json:"priority"`
	// Notified is set when this call delivered a handoff.
	Notified bool `json:"-"`
}

var noEscalation = Decision{Reason: ReasonNone, Priority: PriorityNormal}

// Marker flags sessions as escalated. session.Store satisfies it.
type Marker interface {
	MarkEscalated(ctx context.Context, id, reason string) (bool, error)
}

// Manager evaluates escalation rules and runs the handoff side effects.
type Manager struct {
	marker        Marker
	notifier      Notifier
	notifyTimeout time.Duration
	logger        *zap.Logger
	now           func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithNotifyTimeout bounds each handoff delivery. Non-positive values keep
// DefaultNotifyTimeout.
func WithNotifyTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.notifyTimeout = d
		}
	}
}

// NewManager creates a Manager. notifier may be nil.
func NewManager(marker Marker, notifier Notifier, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if marker == nil {
		return nil, errors.New("escalation: marker is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}
	m := &Manager{
		marker:        marker,
		notifier:      notifier,
		notifyTimeout: DefaultNotifyTimeout,
		logger:        logger,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Evaluate applies the escalation rules to a handled message. Escalation is
// sticky: an escalated session keeps its original reason.
func (m *Manager) Evaluate(ctx context.Context, sess *session.Session, cls classify.Result, fd failover.Decision) (Decision, error) {
	var reason Reason
	switch {
	case sess.Escalated:
		reason = restoreReason(sess.EscalationReason)
	case cls.Urgency == classify.UrgencyCritical:
		reason = ReasonUrgencyCritical
	case fd.Escalate:
		reason = reasonFor(fd.Cause)
	case cls.HumanRequested:
		reason = ReasonExplicitRequest
	default:
		return noEscalation, nil
	}

	d := Decision{
		ShouldEscalate: true,
		Reason:         reason,
		Priority:       priorityFor(reason, cls),
	}
	return m.escalate(ctx, sess, cls, d, nil)
}

// Request escalates on the caller's explicit demand, attaching lead data.
// A handoff is sent on the first escalation, and again whenever new lead
// data arrives for an escalated session.
func (m *Manager) Request(ctx context.Context, sess *session.Session, cls classify.Result, leadData map[string]string) (Decision, error) {
	d := Decision{
		ShouldEscalate: true,
		Reason:         ReasonExplicitRequest,
		Priority:       priorityFor(ReasonExplicitRequest, cls),
	}
	return m.escalate(ctx, sess, cls, d, leadData)
}

func (m *Manager) escalate(ctx context.Context, sess *session.Session, cls classify.Result, d Decision, leadData map[string]string) (Decision, error) {
	first, err := m.marker.MarkEscalated(ctx, sess.ID, string(d.Reason))
	if err != nil {
		return Decision{}, fmt.Errorf("mark session escalated: %w", err)
	}
	if first {
		sess.Escalated = true
		sess.EscalationReason = string(d.Reason)
	}

	if !first && len(leadData) == 0 {
		return d, nil
	}

	h := Handoff{
		ID:          uuid.NewString(),
		SessionID:   sess.ID,
		Reason:      d.Reason,
		Priority:    d.Priority,
		LeadQuality: cls.LeadQuality.String(),
		LeadScore:   cls.LeadScore,
		Slots:       maps.Clone(sess.Slots),
		LeadData:    maps.Clone(leadData),
		Transcript:  tail(sess.History, transcriptTail),
		CreatedAt:   m.now(),
	}
	// Delivery runs while the caller holds the session lock.
	nctx, cancel := context.WithTimeout(ctx, m.notifyTimeout)
	defer cancel()
	if err := m.notifier.Notify(nctx, h); err != nil {
		m.logger.Error("handoff notification failed",
			zap.String("session_id", sess.ID),
			zap.String("handoff_id", h.ID),
			zap.Error(err),
		)
		return d, nil
	}
	d.Notified = true
	return d, nil
}

func reasonFor(cause failover.Cause) Reason {
	switch cause {
	case failover.CauseCostLimit:
		return ReasonCostLimit
	default:
		return ReasonRepeatedFailure
	}
}

func restoreReason(stored string) Reason {
	switch r := Reason(stored); r {
	case ReasonUrgencyCritical, ReasonCostLimit, ReasonRepeatedFailure, ReasonExplicitRequest:
		return r
	default:
		return ReasonExplicitRequest
	}
}

func priorityFor(reason Reason, cls classify.Result) Priority {
	switch {
	case cls.Urgency == classify.UrgencyCritical, reason == ReasonUrgencyCritical, reason == ReasonCostLimit:
		return PriorityImmediate
	case cls.LeadQuality == classify.LeadHot:
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

func tail(history []session.Entry, n int) []session.Entry {
	if len(history) > n {
		history = history[len(history)-n:]
	}
	return append([]session.Entry(nil), history...)
}
