// Package orchestrator drives one message through the engine: session,
// classification, bounded upstream attempts, failover and escalation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/creastat/triage"
	"github.com/creastat/triage/classify"
	"github.com/creastat/triage/escalation"
	"github.com/creastat/triage/failover"
	"github.com/creastat/triage/session"
	"github.com/creastat/triage/upstream"
)

const defaultGreeting = "Buongiorno! Sono l'assistente virtuale. Come posso aiutarla?"

// State is the terminal state of one handled message.
type State string

const (
	StateAnswered             State = "answered"
	StateAnsweredAndEscalated State = "answeredAndEscalated"
	StateEscalatedOnly        State = "escalatedOnly"
)

// Reply is returned for every handled action. Response is never empty.
type Reply struct {
	SessionID    string               `json:"sessionId"`
	Response     string               `json:"response"`
	Escalate     bool                 `json:"escalate"`
	Priority     escalation.Priority  `json:"priority"`
	Reason       escalation.Reason    `json:"reason"`
	FallbackUsed bool                 `json:"fallbackUsed"`
	Intent       string               `json:"intent,omitempty"`
	Urgency      classify.Urgency     `json:"urgency"`
	LeadQuality  classify.LeadQuality `json:"leadQuality"`
	Attempts     int                  `json:"attempts"`
	State        State                `json:"state"`
	Options      []string             `json:"options,omitempty"`
}

// Classifier tags messages and scores sessions.
type Classifier interface {
	Classify(ctx context.Context, sess *session.Session, message string) (classify.Result, error)
	Assess(slots map[string]string) classify.Result
}

// Responder makes one upstream attempt.
type Responder interface {
	Respond(ctx context.Context, sess *session.Session, message string) upstream.Outcome
}

// Policy resolves upstream outcomes.
type Policy interface {
	Resolve(sess *session.Session, cls classify.Result, out upstream.Outcome, attempt int) failover.Decision
	MaxRetries() int
	HandoffMessage() string
}

// Escalator decides and performs handoffs.
type Escalator interface {
	Evaluate(ctx context.Context, sess *session.Session, cls classify.Result, fd failover.Decision) (escalation.Decision, error)
	Request(ctx context.Context, sess *session.Session, cls classify.Result, leadData map[string]string) (escalation.Decision, error)
}

var (
	_ Classifier = (*classify.Classifier)(nil)
	_ Responder  = (*upstream.Responder)(nil)
	_ Policy     = (*failover.Policy)(nil)
	_ Escalator  = (*escalation.Manager)(nil)
)

// Config holds the conversation opening.
type Config struct {
	Greeting string
	Options  []string
}

// Orchestrator is safe for concurrent use. Messages for one session are
// handled one at a time; different sessions never wait on each other.
type Orchestrator struct {
	store      session.Store
	classifier Classifier
	responder  Responder
	policy     Policy
	escalator  Escalator
	cfg        Config
	logger     *zap.Logger
}

// New wires the components together.
func New(store session.Store, classifier Classifier, responder Responder, policy Policy, escalator Escalator, cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	if store == nil || classifier == nil || responder == nil || policy == nil || escalator == nil {
		return nil, errors.New("orchestrator: store, classifier, responder, policy and escalator are required")
	}
	if strings.TrimSpace(cfg.Greeting) == "" {
		cfg.Greeting = defaultGreeting
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:      store,
		classifier: classifier,
		responder:  responder,
		policy:     policy,
		escalator:  escalator,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// Start opens a new conversation with the greeting. The greeting is not
// classified.
func (o *Orchestrator) Start(ctx context.Context) (Reply, error) {
	sess, err := o.store.Create(ctx)
	if err != nil {
		return Reply{}, fmt.Errorf("create session: %w", err)
	}
	if err := o.store.Append(ctx, sess.ID, triage.NewEntry(session.RoleAssistant, o.cfg.Greeting)); err != nil {
		return Reply{}, fmt.Errorf("record greeting: %w", err)
	}

	o.logger.Info("conversation started", zap.String("session_id", sess.ID))

	return Reply{
		SessionID: sess.ID,
		Response:  o.cfg.Greeting,
		Priority:  escalation.PriorityNormal,
		Reason:    escalation.ReasonNone,
		State:     StateAnswered,
		Options:   slices.Clone(o.cfg.Options),
	}, nil
}

// HandleMessage answers message within the session. An empty or unknown
// sessionID starts a new session. Once started, the work is not abandoned
// when ctx is cancelled, so spent budget and history are always recorded.
func (o *Orchestrator) HandleMessage(ctx context.Context, sessionID, message string) (Reply, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return Reply{}, triage.ErrEmptyMessage
	}
	ctx = context.WithoutCancel(ctx)
	start := time.Now()

	sess, unlock, err := o.acquire(ctx, sessionID)
	if err != nil {
		return Reply{}, err
	}
	defer unlock()

	cls, err := o.classifier.Classify(ctx, sess, message)
	if err != nil {
		return Reply{}, fmt.Errorf("classify: %w", err)
	}

	var (
		fd       failover.Decision
		out      upstream.Outcome
		attempts int
	)
	for attempt := 0; attempt <= o.policy.MaxRetries(); attempt++ {
		out = o.responder.Respond(ctx, sess, message)
		attempts++

		if out.Cost > 0 {
			total, err := o.store.AddCost(ctx, sess.ID, out.Cost)
			if err != nil {
				return Reply{}, fmt.Errorf("record cost: %w", err)
			}
			sess.CostBudgetConsumed = total
		}

		fd = o.policy.Resolve(sess, cls, out, attempt)
		if !fd.Retry {
			break
		}
	}
	if fd.Retry || strings.TrimSpace(fd.Response) == "" {
		fd = failover.Decision{
			Response:     o.policy.HandoffMessage(),
			FallbackUsed: true,
			Escalate:     true,
			Cause:        failover.CauseRepeatedFailure,
			HandoffOnly:  true,
		}
	}

	if err := o.updateStreak(ctx, sess, fd.FallbackUsed); err != nil {
		return Reply{}, err
	}

	// The user turn is stored before evaluation so a handoff transcript
	// ends with the message that triggered it.
	userEntry := triage.NewEntry(session.RoleUser, message)
	if err := o.store.Append(ctx, sess.ID, userEntry); err != nil {
		return Reply{}, fmt.Errorf("record message: %w", err)
	}
	sess.History = append(sess.History, userEntry)

	ed, err := o.escalator.Evaluate(ctx, sess, cls, fd)
	if err != nil {
		return Reply{}, fmt.Errorf("evaluate escalation: %w", err)
	}

	if err := o.store.Append(ctx, sess.ID, triage.NewEntry(session.RoleAssistant, fd.Response)); err != nil {
		return Reply{}, fmt.Errorf("record response: %w", err)
	}

	state := StateAnswered
	switch {
	case fd.HandoffOnly:
		state = StateEscalatedOnly
	case ed.ShouldEscalate:
		state = StateAnsweredAndEscalated
	}

	o.logger.Info("message handled",
		zap.String("session_id", sess.ID),
		zap.String("intent", cls.Primary),
		zap.Stringer("urgency", cls.Urgency),
		zap.Stringer("lead_quality", cls.LeadQuality),
		zap.String("outcome", string(out.Kind)),
		zap.Int("attempts", attempts),
		zap.Bool("fallback_used", fd.FallbackUsed),
		zap.Bool("escalate", ed.ShouldEscalate),
		zap.String("state", string(state)),
		zap.Duration("elapsed", time.Since(start)),
	)

	return Reply{
		SessionID:    sess.ID,
		Response:     fd.Response,
		Escalate:     ed.ShouldEscalate,
		Priority:     ed.Priority,
		Reason:       ed.Reason,
		FallbackUsed: fd.FallbackUsed,
		Intent:       cls.Primary,
		Urgency:      cls.Urgency,
		LeadQuality:  cls.LeadQuality,
		Attempts:     attempts,
		State:        state,
	}, nil
}

// Escalate hands the conversation to a human on the caller's request,
// storing leadData as lead.<key> slots. Classification is skipped.
func (o *Orchestrator) Escalate(ctx context.Context, sessionID string, leadData map[string]string) (Reply, error) {
	ctx = context.WithoutCancel(ctx)

	sess, unlock, err := o.acquire(ctx, sessionID)
	if err != nil {
		return Reply{}, err
	}
	defer unlock()

	updates := make(map[string]string, len(leadData)+1)
	for k, v := range leadData {
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		updates[session.LeadSlotPrefix+k] = v
		if k == session.SlotReturning && isTruthy(v) {
			updates[session.SlotReturning] = "true"
		}
	}
	for _, key := range slices.Sorted(maps.Keys(updates)) {
		if err := o.store.SetSlot(ctx, sess.ID, key, updates[key]); err != nil {
			return Reply{}, fmt.Errorf("store lead data: %w", err)
		}
		sess.Slots[key] = updates[key]
	}

	cls := o.classifier.Assess(sess.Slots)
	ed, err := o.escalator.Request(ctx, sess, cls, leadData)
	if err != nil {
		return Reply{}, fmt.Errorf("request escalation: %w", err)
	}

	response := o.policy.HandoffMessage()
	if err := o.store.Append(ctx, sess.ID, triage.NewEntry(session.RoleAssistant, response)); err != nil {
		return Reply{}, fmt.Errorf("record handoff message: %w", err)
	}

	o.logger.Info("escalation requested",
		zap.String("session_id", sess.ID),
		zap.String("priority", string(ed.Priority)),
		zap.Int("lead_fields", len(leadData)),
	)

	return Reply{
		SessionID:   sess.ID,
		Response:    response,
		Escalate:    ed.ShouldEscalate,
		Priority:    ed.Priority,
		Reason:      ed.Reason,
		Intent:      classify.IntentHumanRequest,
		Urgency:     cls.Urgency,
		LeadQuality: cls.LeadQuality,
		State:       StateEscalatedOnly,
	}, nil
}

// acquire resolves or creates the session, locks it and re-reads it under
// the lock.
func (o *Orchestrator) acquire(ctx context.Context, sessionID string) (*session.Session, func(), error) {
	id := sessionID
	if id != "" {
		if _, err := o.store.Get(ctx, id); err != nil {
			if !errors.Is(err, session.ErrNotFound) {
				return nil, nil, fmt.Errorf("load session: %w", err)
			}
			id = ""
		}
	}
	if id == "" {
		created, err := o.store.Create(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("create session: %w", err)
		}
		if sessionID != "" {
			o.logger.Info("unknown session replaced",
				zap.String("requested_id", sessionID),
				zap.String("session_id", created.ID),
			)
		}
		id = created.ID
	}

	unlock, err := o.store.Lock(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("lock session: %w", err)
	}
	sess, err := o.store.Get(ctx, id)
	if err != nil {
		unlock()
		return nil, nil, fmt.Errorf("load session: %w", err)
	}
	if sess.Slots == nil {
		sess.Slots = make(map[string]string)
	}
	return sess, unlock, nil
}

func (o *Orchestrator) updateStreak(ctx context.Context, sess *session.Session, fallback bool) error {
	streak, _ := strconv.Atoi(sess.Slot(session.SlotFallbackStreak))
	next := 0
	if fallback {
		next = streak + 1
	}
	if next == streak && sess.Slot(session.SlotFallbackStreak) != "" {
		return nil
	}
	if next == 0 && sess.Slot(session.SlotFallbackStreak) == "" {
		return nil
	}
	if err := o.store.SetSlot(ctx, sess.ID, session.SlotFallbackStreak, strconv.Itoa(next)); err != nil {
		return fmt.Errorf("update fallback streak: %w", err)
	}
	sess.Slots[session.SlotFallbackStreak] = strconv.Itoa(next)
	return nil
}

func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "true", "1", "si", "sì", "yes":
		return true
	default:
		return false
	}
}
