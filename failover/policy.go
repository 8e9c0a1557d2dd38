// Package failover decides what to do with an upstream outcome: pass the
// answer through, retry, degrade to a pre-authored reply or ask for a
// handoff. Resolve only reads memory; it never performs I/O.
package failover

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/creastat/triage/classify"
	"github.com/creastat/triage/session"
	"github.com/creastat/triage/upstream"
)

const (
	DefaultMaxRetries               = 3
	DefaultRepeatedFailureThreshold = 3
)

// Cause explains why a decision asks for escalation.
type Cause string

const (
	CauseNone            Cause = ""
	CauseCostLimit       Cause = "costLimitReached"
	CauseRepeatedFailure Cause = "repeatedFailure"
)

// Decision is the policy's verdict for one attempt.
type Decision struct {
	Response     string
	FallbackUsed bool
	Escalate     bool
	Cause        Cause
	// Retry asks the caller to call the responder again; Response is empty.
	Retry bool
	// HandoffOnly means no content was available and Response is the
	// handoff message.
	HandoffOnly bool
}

// Config tunes the policy. Zero values take the defaults; use a negative
// MaxRetries to disable retries.
type Config struct {
	MaxRetries               int
	RepeatedFailureThreshold int
	OrgName                  string
	Phone                    string
	Email                    string
}

// Policy holds rendered templates and retry limits.
type Policy struct {
	maxRetries int
	threshold  int
	phone      string
	tpl        *Templates
	contact    string
}

// New renders and validates templates.
func New(templates *Templates, cfg Config) (*Policy, error) {
	if templates == nil {
		return nil, errors.New("failover: templates are required")
	}

	switch {
	case cfg.MaxRetries == 0:
		cfg.MaxRetries = DefaultMaxRetries
	case cfg.MaxRetries < 0:
		cfg.MaxRetries = 0
	}
	if cfg.RepeatedFailureThreshold <= 0 {
		cfg.RepeatedFailureThreshold = DefaultRepeatedFailureThreshold
	}

	tpl := templates.render(strings.NewReplacer(
		"{{org}}", cfg.OrgName,
		"{{phone}}", cfg.Phone,
		"{{email}}", cfg.Email,
	))
	if err := tpl.validate(); err != nil {
		return nil, fmt.Errorf("failover: %w", err)
	}

	p := &Policy{
		maxRetries: cfg.MaxRetries,
		threshold:  cfg.RepeatedFailureThreshold,
		phone:      cfg.Phone,
		tpl:        tpl,
	}
	switch {
	case cfg.Phone != "" && tpl.Contact.Phone != "":
		p.contact = tpl.Contact.Phone
	case cfg.Email != "" && tpl.Contact.Email != "":
		p.contact = tpl.Contact.Email
	default:
		p.contact = tpl.Contact.None
	}
	return p, nil
}

// MaxRetries is how many times a retryable failure is retried per message.
func (p *Policy) MaxRetries() int { return p.maxRetries }

// HandoffMessage is the reply used when a conversation goes to a human
// without other content, contact channel included.
func (p *Policy) HandoffMessage() string {
	return p.withContact(p.tpl.Handoff)
}

// Resolve decides the next step for the outcome of attempt (0-based).
func (p *Policy) Resolve(sess *session.Session, cls classify.Result, out upstream.Outcome, attempt int) Decision {
	switch out.Kind {
	case upstream.KindSuccess:
		if strings.TrimSpace(out.Payload) == "" {
			return p.degrade(sess, cls, p.topic(cls), CauseNone)
		}
		return Decision{Response: out.Payload}

	case upstream.KindTimeout, upstream.KindServerError:
		if out.Retryable() && attempt < p.maxRetries {
			return Decision{Retry: true}
		}
		return p.degrade(sess, cls, p.topic(cls), CauseNone)

	case upstream.KindRateLimited:
		return p.degrade(sess, cls, p.tpl.Continuity, CauseNone)

	case upstream.KindMalformed, upstream.KindEmpty:
		return p.degrade(sess, cls, p.topic(cls), CauseNone)

	case upstream.KindCostLimit:
		return p.degrade(sess, cls, p.topic(cls), CauseCostLimit)

	default:
		return p.handoff(CauseRepeatedFailure)
	}
}

func (p *Policy) degrade(sess *session.Session, cls classify.Result, body string, cause Cause) Decision {
	if body == "" {
		if cause == CauseNone {
			cause = CauseRepeatedFailure
		}
		return p.handoff(cause)
	}

	d := Decision{FallbackUsed: true, Cause: cause, Escalate: cause != CauseNone}

	streak, _ := strconv.Atoi(sess.Slot(session.SlotFallbackStreak))
	if !d.Escalate && streak+1 >= p.threshold {
		d.Escalate = true
		d.Cause = CauseRepeatedFailure
	}

	d.Response = body
	if d.Escalate || needsContact(cls) {
		d.Response = p.withContact(body)
	}
	return d
}

func (p *Policy) handoff(cause Cause) Decision {
	return Decision{
		Response:     p.HandoffMessage(),
		FallbackUsed: true,
		Escalate:     true,
		Cause:        cause,
		HandoffOnly:  true,
	}
}

// topic picks the template for the most important intent that has one.
func (p *Policy) topic(cls classify.Result) string {
	if t, ok := p.tpl.Topics[cls.Primary]; ok {
		return t
	}
	for _, in := range cls.Intents {
		if t, ok := p.tpl.Topics[in]; ok {
			return t
		}
	}
	return p.tpl.Topics[classify.IntentGeneric]
}

func (p *Policy) withContact(body string) string {
	if p.contact == "" || (p.phone != "" && strings.Contains(body, p.phone)) {
		return body
	}
	return body + "\n\n" + p.contact
}

// needsContact reports whether the user must be given a way to reach us.
func needsContact(cls classify.Result) bool {
	return cls.Urgency >= classify.UrgencyHigh ||
		cls.HumanRequested ||
		cls.Has(classify.IntentPricing)
}
