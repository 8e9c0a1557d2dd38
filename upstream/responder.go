package upstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/creastat/triage"
	"github.com/creastat/triage/session"
	"go.uber.org/zap"
)

const (
	DefaultTimeout         = 8 * time.Second
	DefaultHistoryMessages = 20
	DefaultHistoryTokens   = 3000

	defaultSystemPrompt = "Sei l'assistente virtuale di un'azienda di servizi informatici. " +
		"Rispondi in italiano, in modo chiaro e cortese, con risposte brevi e concrete."
)

// Request is everything a generator needs for one answer.
type Request struct {
	SystemPrompt string
	Knowledge    []string
	History      []session.Entry
	Message      string
}

// Instructions merges the system prompt with retrieved knowledge.
func (r Request) Instructions() string {
	if len(r.Knowledge) == 0 {
		return r.SystemPrompt
	}
	var b strings.Builder
	b.WriteString(r.SystemPrompt)
	b.WriteString("\n\nInformazioni utili per rispondere:\n")
	for _, k := range r.Knowledge {
		b.WriteString("- ")
		b.WriteString(strings.TrimSpace(k))
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r Request) promptParts() []string {
	parts := make([]string, 0, len(r.History)+2)
	parts = append(parts, r.Instructions(), r.Message)
	for _, e := range r.History {
		parts = append(parts, e.Text)
	}
	return parts
}

// Generator produces an answer. Implementations wrap one provider.
type Generator interface {
	Name() string
	Generate(ctx context.Context, req Request) (string, error)
}

// Retriever returns knowledge snippets relevant to a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]string, error)
}

// Config bounds one call.
type Config struct {
	Timeout         time.Duration
	CostCap         float64 // estimated tokens per session; 0 disables the cap
	SystemPrompt    string
	HistoryMessages int
	HistoryTokens   int
}

// Option customizes a Responder.
type Option func(*Responder)

// WithRetriever adds knowledge retrieval to every prompt.
func WithRetriever(r Retriever) Option {
	return func(rs *Responder) {
		rs.retriever = r
	}
}

// Responder wraps a Generator with a timeout, cost accounting and error
// classification.
type Responder struct {
	gen       Generator
	cfg       Config
	retriever Retriever
	logger    *zap.Logger
}

// NewResponder creates a Responder.
func NewResponder(gen Generator, cfg Config, logger *zap.Logger, opts ...Option) (*Responder, error) {
	if gen == nil {
		return nil, errors.New("upstream: generator is required")
	}
	if cfg.CostCap < 0 {
		return nil, errors.New("upstream: cost cap must not be negative")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.HistoryMessages == 0 {
		cfg.HistoryMessages = DefaultHistoryMessages
	}
	if cfg.HistoryTokens == 0 {
		cfg.HistoryTokens = DefaultHistoryTokens
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Responder{gen: gen, cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Respond makes one call for message in the context of sess.
// The call is abandoned after the configured timeout.
func (r *Responder) Respond(ctx context.Context, sess *session.Session, message string) Outcome {
	start := time.Now()

	if r.cfg.CostCap > 0 && sess.CostBudgetConsumed >= r.cfg.CostCap {
		return Outcome{Kind: KindCostLimit, Latency: time.Since(start)}
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	req := r.request(ctx, sess, message)
	text, err := r.call(ctx, req)

	out := r.outcome(text, err)
	out.Cost = triage.EstimateCost(req.promptParts(), out.Payload)
	out.Latency = time.Since(start)

	fields := []zap.Field{
		zap.String("session_id", sess.ID),
		zap.String("generator", r.gen.Name()),
		zap.String("kind", string(out.Kind)),
		zap.Int("status", out.StatusCode),
		zap.Float64("cost", out.Cost),
		zap.Duration("latency", out.Latency),
	}
	if out.OK() {
		r.logger.Debug("upstream call finished", fields...)
	} else {
		r.logger.Warn("upstream call failed", append(fields, zap.Error(out.Err))...)
	}
	return out
}

// call races the generator against ctx. A late answer is dropped.
func (r *Responder) call(ctx context.Context, req Request) (string, error) {
	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("%w: %v", errPanic, p)}
			}
		}()
		text, err := r.gen.Generate(ctx, req)
		done <- result{text: text, err: err}
	}()

	select {
	case res := <-done:
		return res.text, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *Responder) outcome(text string, err error) Outcome {
	if err != nil {
		kind, code := kindOf(err)
		return Outcome{Kind: kind, StatusCode: code, Err: err}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Outcome{Kind: KindEmpty}
	}
	return Outcome{Kind: KindSuccess, Payload: text}
}

func (r *Responder) request(ctx context.Context, sess *session.Session, message string) Request {
	req := Request{
		SystemPrompt: r.cfg.SystemPrompt,
		History:      triage.TruncateHistory(sess.History, r.cfg.HistoryTokens, r.cfg.HistoryMessages),
		Message:      message,
	}

	if r.retriever != nil {
		snippets, err := r.retriever.Retrieve(ctx, message)
		if err != nil {
			r.logger.Warn("knowledge retrieval failed",
				zap.String("session_id", sess.ID),
				zap.Error(err),
			)
		} else {
			req.Knowledge = snippets
		}
	}
	return req
}
