package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"

	"github.com/shiai-ai/shiai/internal/model"
)

// anthropicDefaultMaxTokens bounds generation length when the job spec
// doesn't care; long-form scene output fits comfortably.
const anthropicDefaultMaxTokens = 4096

// Anthropic adapts the Anthropic Messages API.
type Anthropic struct {
	id        string
	modelName string
	maxTokens int64
	client    anthropic.Client
}

// NewAnthropic creates an Anthropic adapter. baseURL overrides the API host
// when non-empty (gateways, test servers).
func NewAnthropic(id, apiKey, modelName, baseURL string) *Anthropic {
	opts := []aoption.RequestOption{aoption.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, aoption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &Anthropic{
		id:        id,
		modelName: modelName,
		maxTokens: anthropicDefaultMaxTokens,
		client:    anthropic.NewClient(opts...),
	}
}

// ID returns the configured provider id.
func (p *Anthropic) ID() string { return p.id }

// Capabilities reports cooperative cancellation and streaming support.
func (p *Anthropic) Capabilities() Capabilities {
	return Capabilities{SupportsCancellation: true, SupportsStreaming: true}
}

// Generate runs one non-streaming message turn and returns the text blocks.
func (p *Anthropic) Generate(ctx context.Context, gc model.GenerationContext, strategyTag string) (string, error) {
	system, prompt := renderPrompt(gc, strategyTag)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.modelName),
		MaxTokens: p.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if strings.TrimSpace(system) != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", p.classify(err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}
	text := sb.String()
	if strings.TrimSpace(text) == "" {
		return "", NewTransient(p.id, fmt.Errorf("anthropic: empty completion"))
	}
	return text, nil
}

func (p *Anthropic) classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		if classifyStatus(apierr.StatusCode) == Permanent {
			return NewPermanent(p.id, err)
		}
		return NewTransient(p.id, err)
	}
	// Transport-level failures (DNS, connection reset) are worth retrying.
	return NewTransient(p.id, err)
}
