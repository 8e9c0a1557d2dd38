package upstream

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/creastat/triage/session"
)

const anthropicMaxTokens = 1024

// AnthropicGenerator answers through the Messages API.
type AnthropicGenerator struct {
	client anthropic.Client
	model  string
}

// NewAnthropicGenerator creates an Anthropic generator with SDK retries off.
func NewAnthropicGenerator(apiKey, model string) *AnthropicGenerator {
	return &AnthropicGenerator{
		client: anthropic.NewClient(option.WithAPIKey(apiKey), option.WithMaxRetries(0)),
		model:  model,
	}
}

func (g *AnthropicGenerator) Name() string { return "anthropic" }

// Generate implements Generator.
func (g *AnthropicGenerator) Generate(ctx context.Context, req Request) (string, error) {
	messages := make([]anthropic.MessageParam, 0, len(req.History)+1)
	for _, e := range req.History {
		switch e.Role {
		case session.RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(e.Text)))
		case session.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(e.Text)))
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(req.Message)))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: anthropicMaxTokens,
		Messages:  messages,
	}
	if system := req.Instructions(); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	message, err := g.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return "", &StatusError{StatusCode: apiErr.StatusCode, Err: err}
		}
		return "", err
	}

	var b strings.Builder
	for _, block := range message.Content {
		b.WriteString(block.Text)
	}
	return b.String(), nil
}
