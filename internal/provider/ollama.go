package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shiai-ai/shiai/internal/model"
)

// Ollama adapts a local Ollama server's generate API. This is the local
// fallback backend: generations stay on-premises with no external API costs.
type Ollama struct {
	id         string
	baseURL    string
	modelName  string
	httpClient *http.Client
}

// NewOllama creates an Ollama adapter against baseURL
// (default http://localhost:11434).
func NewOllama(id, baseURL, modelName string) *Ollama {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &Ollama{
		id:        id,
		baseURL:   baseURL,
		modelName: modelName,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// ID returns the configured provider id.
func (p *Ollama) ID() string { return p.id }

// Capabilities reports cooperative cancellation support; the generate API
// is used non-streaming.
func (p *Ollama) Capabilities() Capabilities {
	return Capabilities{SupportsCancellation: true, SupportsStreaming: false}
}

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
	Stream bool   `json:"stream"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
}

// Generate runs one non-streaming completion against /api/generate.
func (p *Ollama) Generate(ctx context.Context, gc model.GenerationContext, strategyTag string) (string, error) {
	system, prompt := renderPrompt(gc, strategyTag)

	reqBody, err := json.Marshal(ollamaGenerateRequest{
		Model:  p.modelName,
		Prompt: prompt,
		System: system,
		Stream: false,
	})
	if err != nil {
		return "", NewPermanent(p.id, fmt.Errorf("ollama: marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/generate", bytes.NewReader(reqBody))
	if err != nil {
		return "", NewPermanent(p.id, fmt.Errorf("ollama: create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", NewTransient(p.id, fmt.Errorf("ollama: send request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("ollama: status %d: %s", resp.StatusCode, string(body))
		if classifyStatus(resp.StatusCode) == Permanent {
			return "", NewPermanent(p.id, err)
		}
		return "", NewTransient(p.id, err)
	}

	var result ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", NewTransient(p.id, fmt.Errorf("ollama: decode response: %w", err))
	}
	if strings.TrimSpace(result.Response) == "" {
		return "", NewTransient(p.id, fmt.Errorf("ollama: empty completion"))
	}
	return result.Response, nil
}

// Reachable probes the Ollama root endpoint with a short timeout.
// Used by provider auto-detection and health-check jobs.
func (p *Ollama) Reachable(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, p.baseURL+"/", nil)
	if err != nil {
		return false
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
