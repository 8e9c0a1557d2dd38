package upstream

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/creastat/triage/session"
)

// OpenAIGenerator answers through the Chat Completions API.
type OpenAIGenerator struct {
	client openai.Client
	model  string
}

// NewOpenAIGenerator creates an OpenAI generator. baseURL may be empty.
// SDK retries are disabled; retry policy lives with the caller.
func NewOpenAIGenerator(apiKey, model, baseURL string) *OpenAIGenerator {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIGenerator{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

func (g *OpenAIGenerator) Name() string { return "openai" }

// Generate implements Generator.
func (g *OpenAIGenerator) Generate(ctx context.Context, req Request) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+2)
	messages = append(messages, openai.SystemMessage(req.Instructions()))
	for _, e := range req.History {
		switch e.Role {
		case session.RoleUser:
			messages = append(messages, openai.UserMessage(e.Text))
		case session.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(e.Text))
		}
	}
	messages = append(messages, openai.UserMessage(req.Message))

	completion, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(g.model),
		Messages: messages,
	})
	if err != nil {
		return "", openAIError(err)
	}
	if len(completion.Choices) == 0 {
		return "", nil
	}
	return completion.Choices[0].Message.Content, nil
}

func openAIError(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	statusErr := &StatusError{StatusCode: apiErr.StatusCode, Body: apiErr.Message, Err: err}
	if apiErr.Code == "insufficient_quota" {
		return errors.Join(ErrQuotaExceeded, statusErr)
	}
	return statusErr
}
