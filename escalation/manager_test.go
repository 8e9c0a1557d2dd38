package escalation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/creastat/triage/classify"
	"github.com/creastat/triage/failover"
	"github.com/creastat/triage/session"
	"github.com/creastat/triage/session/drivers"
	"github.com/creastat/triage/supabase"
)

type recordingNotifier struct {
	mu       sync.Mutex
	handoffs []Handoff
	err      error
}

func (r *recordingNotifier) Notify(_ context.Context, h Handoff) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handoffs = append(r.handoffs, h)
	return r.err
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handoffs)
}

func setup(t *testing.T) (*Manager, session.Store, *recordingNotifier) {
	t.Helper()
	store := drivers.NewInMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	rec := &recordingNotifier{}
	m, err := NewManager(store, rec, nil)
	require.NoError(t, err)
	return m, store, rec
}

func newSession(t *testing.T, store session.Store) *session.Session {
	t.Helper()
	sess, err := store.Create(context.Background())
	require.NoError(t, err)
	return sess
}

func TestEvaluateNoEscalation(t *testing.T) {
	t.Parallel()
	m, store, rec := setup(t)
	sess := newSession(t, store)

	d, err := m.Evaluate(context.Background(), sess, classify.Result{Urgency: classify.UrgencyHigh, LeadQuality: classify.LeadHot}, failover.Decision{})
	require.NoError(t, err)
	assert.Equal(t, Decision{Reason: ReasonNone, Priority: PriorityNormal}, d)
	assert.Zero(t, rec.count())

	stored, err := store.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.False(t, stored.Escalated)
}

func TestEvaluateRules(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		cls      classify.Result
		fd       failover.Decision
		reason   Reason
		priority Priority
	}{
		{
			name:     "critical urgency",
			cls:      classify.Result{Urgency: classify.UrgencyCritical},
			reason:   ReasonUrgencyCritical,
			priority: PriorityImmediate,
		},
		{
			name:     "cost limit",
			cls:      classify.Result{Urgency: classify.UrgencyLow},
			fd:       failover.Decision{Escalate: true, Cause: failover.CauseCostLimit},
			reason:   ReasonCostLimit,
			priority: PriorityImmediate,
		},
		{
			name:     "repeated failure hot lead",
			cls:      classify.Result{LeadQuality: classify.LeadHot},
			fd:       failover.Decision{Escalate: true, Cause: failover.CauseRepeatedFailure},
			reason:   ReasonRepeatedFailure,
			priority: PriorityHigh,
		},
		{
			name:     "human requested",
			cls:      classify.Result{HumanRequested: true, LeadQuality: classify.LeadWarm},
			reason:   ReasonExplicitRequest,
			priority: PriorityNormal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, store, rec := setup(t)
			sess := newSession(t, store)

			d, err := m.Evaluate(context.Background(), sess, tt.cls, tt.fd)
			require.NoError(t, err)
			assert.True(t, d.ShouldEscalate)
			assert.Equal(t, tt.reason, d.Reason)
			assert.Equal(t, tt.priority, d.Priority)
			assert.True(t, d.Notified)
			assert.Equal(t, 1, rec.count())

			stored, err := store.Get(context.Background(), sess.ID)
			require.NoError(t, err)
			assert.True(t, stored.Escalated)
			assert.Equal(t, string(tt.reason), stored.EscalationReason)
		})
	}
}

func TestEvaluateIsSticky(t *testing.T) {
	t.Parallel()
	m, store, rec := setup(t)
	ctx := context.Background()
	sess := newSession(t, store)

	_, err := m.Evaluate(ctx, sess, classify.Result{}, failover.Decision{Escalate: true, Cause: failover.CauseCostLimit})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		sess, err = store.Get(ctx, sess.ID)
		require.NoError(t, err)

		d, err := m.Evaluate(ctx, sess, classify.Result{}, failover.Decision{})
		require.NoError(t, err)
		assert.True(t, d.ShouldEscalate)
		assert.Equal(t, ReasonCostLimit, d.Reason)
		assert.Equal(t, PriorityImmediate, d.Priority)
		assert.False(t, d.Notified)
	}
	assert.Equal(t, 1, rec.count(), "one handoff per session")
}

func TestRequestAttachesLeadData(t *testing.T) {
	t.Parallel()
	m, store, rec := setup(t)
	ctx := context.Background()
	sess := newSession(t, store)
	require.NoError(t, store.Append(ctx, sess.ID, session.Entry{Role: session.RoleUser, Text: "ciao"}))
	sess, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)

	lead := map[string]string{"name": "Mario Rossi", "phone": "333 1234567"}
	d, err := m.Request(ctx, sess, classify.Result{LeadQuality: classify.LeadHot, LeadScore: 9.1}, lead)
	require.NoError(t, err)
	assert.Equal(t, ReasonExplicitRequest, d.Reason)
	assert.Equal(t, PriorityHigh, d.Priority)
	assert.True(t, d.Notified)

	require.Equal(t, 1, rec.count())
	h := rec.handoffs[0]
	assert.Equal(t, sess.ID, h.SessionID)
	assert.Equal(t, lead, h.LeadData)
	assert.Equal(t, "hot", h.LeadQuality)
	require.Len(t, h.Transcript, 1)
	assert.NotEmpty(t, h.ID)

	// Escalated already: new lead data still reaches the team, none does not.
	sess, err = store.Get(ctx, sess.ID)
	require.NoError(t, err)
	d, err = m.Request(ctx, sess, classify.Result{}, map[string]string{"email": "m@rossi.it"})
	require.NoError(t, err)
	assert.True(t, d.Notified)
	d, err = m.Request(ctx, sess, classify.Result{}, nil)
	require.NoError(t, err)
	assert.True(t, d.ShouldEscalate)
	assert.False(t, d.Notified)
	assert.Equal(t, 2, rec.count())
}

func TestNotifierFailureIsNotSurfaced(t *testing.T) {
	t.Parallel()
	store := drivers.NewInMemoryStore()
	core, logs := observer.New(zap.ErrorLevel)
	m, err := NewManager(store, &recordingNotifier{err: errors.New("smtp down")}, zap.New(core))
	require.NoError(t, err)
	sess := newSession(t, store)

	d, err := m.Evaluate(context.Background(), sess, classify.Result{Urgency: classify.UrgencyCritical}, failover.Decision{})
	require.NoError(t, err)
	assert.True(t, d.ShouldEscalate)
	assert.False(t, d.Notified)
	assert.Equal(t, 1, logs.FilterMessage("handoff notification failed").Len())
}

type stalledNotifier struct{}

func (stalledNotifier) Notify(ctx context.Context, _ Handoff) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestSlowNotifierIsCutOff(t *testing.T) {
	t.Parallel()
	store := drivers.NewInMemoryStore()
	core, logs := observer.New(zap.ErrorLevel)
	m, err := NewManager(store, stalledNotifier{}, zap.New(core), WithNotifyTimeout(20*time.Millisecond))
	require.NoError(t, err)
	sess := newSession(t, store)

	start := time.Now()
	d, err := m.Evaluate(context.Background(), sess, classify.Result{Urgency: classify.UrgencyCritical}, failover.Decision{})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, d.ShouldEscalate)
	assert.False(t, d.Notified)
	assert.True(t, sess.Escalated, "the session is marked even when delivery stalls")

	entries := logs.FilterMessage("handoff notification failed").All()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].ContextMap()["error"], context.DeadlineExceeded.Error())
}

func TestNotifyTimeoutDefault(t *testing.T) {
	t.Parallel()
	m, err := NewManager(drivers.NewInMemoryStore(), nil, nil, WithNotifyTimeout(0))
	require.NoError(t, err)
	assert.Equal(t, DefaultNotifyTimeout, m.notifyTimeout)
}

func TestMarkerFailureIsReturned(t *testing.T) {
	t.Parallel()
	store := drivers.NewInMemoryStore()
	m, err := NewManager(store, nil, nil)
	require.NoError(t, err)

	_, err = m.Evaluate(context.Background(), &session.Session{ID: "missing"}, classify.Result{Urgency: classify.UrgencyCritical}, failover.Decision{})
	require.ErrorIs(t, err, session.ErrNotFound)

	_, err = NewManager(nil, nil, nil)
	require.Error(t, err)
}

type fakeWriter struct {
	rows []supabase.Handoff
	err  error
}

func (f *fakeWriter) InsertHandoff(_ context.Context, h supabase.Handoff) error {
	f.rows = append(f.rows, h)
	return f.err
}

func TestNotifiers(t *testing.T) {
	t.Parallel()

	writer := &fakeWriter{}
	core, logs := observer.New(zap.InfoLevel)
	multi := MultiNotifier{NewLogNotifier(zap.New(core)), NewLedgerNotifier(writer, "asst-1")}

	h := Handoff{
		ID:        "h1",
		SessionID: "s1",
		Reason:    ReasonCostLimit,
		Priority:  PriorityImmediate,
		LeadData:  map[string]string{"phone": "333 1234567"},
		Transcript: []session.Entry{
			{Role: session.RoleUser, Text: "serve aiuto"},
		},
	}
	require.NoError(t, multi.Notify(context.Background(), h))

	require.Len(t, writer.rows, 1)
	row := writer.rows[0]
	assert.Equal(t, "asst-1", row.AssistantID)
	assert.Equal(t, "costLimitReached", row.Reason)
	assert.Equal(t, "immediate", row.Priority)
	assert.Equal(t, []supabase.TranscriptLine{{Role: "user", Text: "serve aiuto"}}, row.Transcript)

	entries := logs.FilterMessage("handoff requested").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "s1", fields["session_id"])
	assert.NotContains(t, fields, "lead_data")
	for _, v := range fields {
		assert.NotEqual(t, "333 1234567", v)
	}

	boom := errors.New("insert failed")
	failing := MultiNotifier{NewLedgerNotifier(&fakeWriter{err: boom}, ""), NewLogNotifier(nil)}
	require.ErrorIs(t, failing.Notify(context.Background(), h), boom)
}
