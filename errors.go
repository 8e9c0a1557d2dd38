// Package triage holds the pieces shared by every layer of the chatbot
// triage engine: caller-input errors, token estimation and history windowing.
package triage

import "errors"

// Caller-input errors. These are the only failures reported back to the
// HTTP layer as errors; upstream trouble is always absorbed into a reply.
var (
	ErrMissingAction    = errors.New("missing action")
	ErrUnknownAction    = errors.New("unknown action")
	ErrInvalidPayload   = errors.New("invalid payload")
	ErrInvalidSessionID = errors.New("invalid session id")
	ErrEmptyMessage     = errors.New("empty message")
)
