package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"

	"github.com/shiai-ai/shiai/internal/model"
)

// OpenAI adapts the OpenAI chat completions API. Also covers
// OpenAI-compatible gateways via baseURL.
type OpenAI struct {
	id        string
	modelName string
	client    openai.Client
}

// NewOpenAI creates an OpenAI adapter.
func NewOpenAI(id, apiKey, modelName, baseURL string) *OpenAI {
	opts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, ooption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &OpenAI{
		id:        id,
		modelName: modelName,
		client:    openai.NewClient(opts...),
	}
}

// ID returns the configured provider id.
func (p *OpenAI) ID() string { return p.id }

// Capabilities reports cooperative cancellation and streaming support.
func (p *OpenAI) Capabilities() Capabilities {
	return Capabilities{SupportsCancellation: true, SupportsStreaming: true}
}

// Generate runs one chat completion and returns the first choice's content.
func (p *OpenAI) Generate(ctx context.Context, gc model.GenerationContext, strategyTag string) (string, error) {
	system, prompt := renderPrompt(gc, strategyTag)

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if strings.TrimSpace(system) != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	messages = append(messages, openai.UserMessage(prompt))

	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.modelName),
		Messages: messages,
	})
	if err != nil {
		return "", p.classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", NewTransient(p.id, fmt.Errorf("openai: no choices returned"))
	}
	text := resp.Choices[0].Message.Content
	if strings.TrimSpace(text) == "" {
		return "", NewTransient(p.id, fmt.Errorf("openai: empty completion"))
	}
	return text, nil
}

func (p *OpenAI) classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		if classifyStatus(apierr.StatusCode) == Permanent {
			return NewPermanent(p.id, err)
		}
		return NewTransient(p.id, err)
	}
	return NewTransient(p.id, err)
}
