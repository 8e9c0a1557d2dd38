// Package api exposes the conversation engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/creastat/triage"
	"github.com/creastat/triage/orchestrator"
)

// DefaultMaxBody limits request bodies.
const DefaultMaxBody = 64 << 10

// Actions accepted by POST /api/chat.
const (
	ActionStart    = "start"
	ActionMessage  = "message"
	ActionEscalate = "escalate"
)

// Conversation is the engine behind the endpoint.
type Conversation interface {
	Start(ctx context.Context) (orchestrator.Reply, error)
	HandleMessage(ctx context.Context, sessionID, message string) (orchestrator.Reply, error)
	Escalate(ctx context.Context, sessionID string, leadData map[string]string) (orchestrator.Reply, error)
}

var _ Conversation = (*orchestrator.Orchestrator)(nil)

type chatRequest struct {
	Action    string         `json:"action"`
	Message   string         `json:"message,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	LeadData  map[string]any `json:"leadData,omitempty"`
}

type chatResponse struct {
	Success bool `json:"success"`
	*orchestrator.Reply
	Error string `json:"error,omitempty"`
}

// Handler serves POST /api/chat and GET /healthz.
type Handler struct {
	conv    Conversation
	logger  *zap.Logger
	maxBody int64
	mux     *http.ServeMux
}

// NewHandler creates the HTTP handler. maxBody <= 0 uses DefaultMaxBody.
func NewHandler(conv Conversation, logger *zap.Logger, maxBody int64) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxBody <= 0 {
		maxBody = DefaultMaxBody
	}
	h := &Handler{conv: conv, logger: logger, maxBody: maxBody, mux: http.NewServeMux()}
	h.mux.HandleFunc("/api/chat", h.handleChat)
	h.mux.HandleFunc("GET /healthz", h.handleHealth)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	h.mux.ServeHTTP(rec, r)
	h.logger.Debug("http request",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", rec.status),
		zap.Duration("elapsed", time.Since(start)),
	)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, chatResponse{Error: "method not allowed"})
		return
	}

	req, err := h.decode(w, r)
	if err != nil {
		h.fail(w, err)
		return
	}

	var reply orchestrator.Reply
	switch req.Action {
	case ActionStart:
		reply, err = h.conv.Start(r.Context())
	case ActionMessage:
		if strings.TrimSpace(req.Message) == "" {
			err = triage.ErrEmptyMessage
			break
		}
		reply, err = h.conv.HandleMessage(r.Context(), req.SessionID, req.Message)
	case ActionEscalate:
		var lead map[string]string
		if lead, err = leadStrings(req.LeadData); err == nil {
			reply, err = h.conv.Escalate(r.Context(), req.SessionID, lead)
		}
	case "":
		err = triage.ErrMissingAction
	default:
		err = fmt.Errorf("%w: %q", triage.ErrUnknownAction, req.Action)
	}
	if err != nil {
		h.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{Success: true, Reply: &reply})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (chatRequest, error) {
	var req chatRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err := dec.Decode(&req); err != nil {
		return req, fmt.Errorf("%w: %v", triage.ErrInvalidPayload, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return req, fmt.Errorf("%w: trailing data after JSON body", triage.ErrInvalidPayload)
	}
	req.Action = strings.ToLower(strings.TrimSpace(req.Action))
	if req.SessionID != "" {
		if _, err := uuid.Parse(req.SessionID); err != nil {
			return req, fmt.Errorf("%w: %q", triage.ErrInvalidSessionID, req.SessionID)
		}
	}
	return req, nil
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	if isCallerError(err) {
		writeJSON(w, http.StatusBadRequest, chatResponse{Error: err.Error()})
		return
	}
	h.logger.Error("chat request failed", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, chatResponse{Error: "internal error"})
}

func isCallerError(err error) bool {
	for _, target := range []error{
		triage.ErrMissingAction,
		triage.ErrUnknownAction,
		triage.ErrInvalidPayload,
		triage.ErrInvalidSessionID,
		triage.ErrEmptyMessage,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// leadStrings flattens scalar lead values; nested values are rejected.
func leadStrings(in map[string]any) (map[string]string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch v := v.(type) {
		case nil:
		case string:
			out[k] = v
		case float64:
			out[k] = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(v)
		default:
			return nil, fmt.Errorf("%w: leadData.%s must be a string, number or boolean", triage.ErrInvalidPayload, k)
		}
	}
	return out, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
