package escalation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/creastat/triage/session"
	"github.com/creastat/triage/supabase"
)

// Handoff is what a human agent receives when a conversation escalates.
type Handoff struct {
	ID          string
	SessionID   string
	Reason      Reason
	Priority    Priority
	LeadQuality string
	LeadScore   float64
	Slots       map[string]string
	LeadData    map[string]string
	Transcript  []session.Entry // most recent entries, oldest first
	CreatedAt   time.Time
}

// Notifier delivers handoffs to people or systems.
type Notifier interface {
	Notify(ctx context.Context, h Handoff) error
}

// LogNotifier writes handoffs to the log. Lead data and transcript text are
// left out.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, h Handoff) error {
	n.logger.Info("handoff requested",
		zap.String("handoff_id", h.ID),
		zap.String("session_id", h.SessionID),
		zap.String("reason", string(h.Reason)),
		zap.String("priority", string(h.Priority)),
		zap.String("lead_quality", h.LeadQuality),
		zap.Float64("lead_score", h.LeadScore),
		zap.Int("lead_fields", len(h.LeadData)),
		zap.Int("transcript_entries", len(h.Transcript)),
	)
	return nil
}

// MultiNotifier fans a handoff out to every notifier, even when some fail.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, h Handoff) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HandoffWriter persists ledger rows. *supabase.Client satisfies it.
type HandoffWriter interface {
	InsertHandoff(ctx context.Context, handoff supabase.Handoff) error
}

// LedgerNotifier records handoffs in the Supabase handoffs table.
type LedgerNotifier struct {
	writer      HandoffWriter
	assistantID string
}

func NewLedgerNotifier(writer HandoffWriter, assistantID string) *LedgerNotifier {
	return &LedgerNotifier{writer: writer, assistantID: assistantID}
}

func (n *LedgerNotifier) Notify(ctx context.Context, h Handoff) error {
	row := supabase.Handoff{
		ID:          h.ID,
		AssistantID: n.assistantID,
		SessionID:   h.SessionID,
		Reason:      string(h.Reason),
		Priority:    string(h.Priority),
		LeadQuality: h.LeadQuality,
		LeadScore:   h.LeadScore,
		Slots:       h.Slots,
		LeadData:    h.LeadData,
		Transcript:  make([]supabase.TranscriptLine, 0, len(h.Transcript)),
		CreatedAt:   h.CreatedAt,
	}
	for _, e := range h.Transcript {
		row.Transcript = append(row.Transcript, supabase.TranscriptLine{Role: string(e.Role), Text: e.Text, At: e.Timestamp})
	}

	if err := n.writer.InsertHandoff(ctx, row); err != nil {
		return fmt.Errorf("record handoff %s: %w", h.ID, err)
	}
	return nil
}
