package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxErrorBody = 512

// HTTPClient is the subset of *http.Client the webhook generator needs.
type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

var _ HTTPClient = (*http.Client)(nil)

// HTTPGenerator posts the request as JSON to a webhook and expects
// {"response": "..."} back.
type HTTPGenerator struct {
	url    string
	apiKey string
	client HTTPClient
}

// NewHTTPGenerator creates a webhook generator. client may be nil.
func NewHTTPGenerator(url, apiKey string, client HTTPClient) *HTTPGenerator {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPGenerator{url: url, apiKey: apiKey, client: client}
}

func (g *HTTPGenerator) Name() string { return "http" }

type webhookMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type webhookRequest struct {
	System  string           `json:"system"`
	History []webhookMessage `json:"history"`
	Message string           `json:"message"`
}

type webhookResponse struct {
	Response *string `json:"response"`
}

// Generate implements Generator.
func (g *HTTPGenerator) Generate(ctx context.Context, req Request) (string, error) {
	body := webhookRequest{
		System:  req.Instructions(),
		History: make([]webhookMessage, 0, len(req.History)),
		Message: req.Message,
	}
	for _, e := range req.History {
		body.History = append(body.History, webhookMessage{Role: string(e.Role), Text: e.Text})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &StatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	var out webhookResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		// A 2xx without a body carries no answer, which is not a protocol error.
		if errors.Is(err, io.EOF) {
			return "", nil
		}
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if out.Response == nil {
		return "", fmt.Errorf("%w: missing response field", ErrMalformed)
	}
	return *out.Response, nil
}
