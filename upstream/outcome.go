// Package upstream makes one bounded call to the answer generator and
// reports the result as a typed Outcome. It never retries and never lets a
// failure escape as an error or a panic.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Kind discriminates Outcome. Exactly one kind is set per call.
type Kind string

const (
	KindSuccess     Kind = "success"
	KindTimeout     Kind = "timeout"
	KindServerError Kind = "serverError"
	KindRateLimited Kind = "rateLimited"
	KindMalformed   Kind = "malformed"
	KindEmpty       Kind = "empty"
	KindCostLimit   Kind = "costLimitReached"
)

// Outcome is the result of one generator call.
type Outcome struct {
	Kind       Kind          `json:"kind"`
	Payload    string        `json:"payload,omitempty"` // set only for KindSuccess
	StatusCode int           `json:"statusCode,omitempty"`
	Cost       float64       `json:"cost"` // estimated tokens incurred by the attempt
	Latency    time.Duration `json:"latency"`
	Err        error         `json:"-"`
}

// OK reports whether the call produced a usable answer.
func (o Outcome) OK() bool { return o.Kind == KindSuccess }

var (
	// ErrMalformed marks a reply that could not be decoded.
	ErrMalformed = errors.New("malformed reply")
	// ErrQuotaExceeded marks a provider-side spending or quota limit.
	ErrQuotaExceeded = errors.New("quota exceeded")

	errPanic = errors.New("generator panicked")
)

// StatusError carries the HTTP status of a failed provider call.
type StatusError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("upstream status %d", e.StatusCode)
}

func (e *StatusError) Unwrap() error { return e.Err }

// kindOf maps a generator error to an outcome kind and, when known, the
// HTTP status behind it.
func kindOf(err error) (Kind, int) {
	var (
		statusErr *StatusError
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
		netErr    net.Error
	)

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout, 0
	case errors.Is(err, ErrQuotaExceeded):
		code := 0
		if errors.As(err, &statusErr) {
			code = statusErr.StatusCode
		}
		return KindCostLimit, code
	case errors.As(err, &statusErr):
		return kindOfStatus(statusErr.StatusCode), statusErr.StatusCode
	case errors.Is(err, ErrMalformed), errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		return KindMalformed, 0
	case errors.As(err, &netErr) && netErr.Timeout():
		return KindTimeout, 0
	default:
		return KindServerError, 0
	}
}

func kindOfStatus(code int) Kind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code == http.StatusPaymentRequired:
		return KindCostLimit
	default:
		// 5xx, 401, 403 and any other rejection.
		return KindServerError
	}
}

// Retryable reports whether the same request may succeed when sent again.
// Authentication failures never will.
func (o Outcome) Retryable() bool {
	switch o.Kind {
	case KindTimeout:
		return true
	case KindServerError:
		return o.StatusCode != http.StatusUnauthorized && o.StatusCode != http.StatusForbidden
	default:
		return false
	}
}
