// Package ollama implements models.Analyzer against a local Ollama server.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/reviewlens/internal/ai/prompt"
	"github.com/kiranshivaraju/reviewlens/internal/config"
	"github.com/kiranshivaraju/reviewlens/pkg/models"
)

// Provider implements models.Analyzer using Ollama's generate endpoint.
type Provider struct {
	cfg    config.OllamaConfig
	client *http.Client
}

// NewProvider creates a Provider. The per-call deadline comes from the context.
func NewProvider(cfg config.OllamaConfig) *Provider {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Provider{cfg: cfg, client: &http.Client{}}
}

func (p *Provider) Name() string { return "ollama" }

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format"`
}

type generateResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

func (p *Provider) Analyze(ctx context.Context, req models.AnalysisRequest) ([]models.Theme, error) {
	text, err := prompt.Build(req)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(generateRequest{Model: p.cfg.Model, Prompt: text, Format: "json"})
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", prompt.ErrInferenceTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", prompt.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", prompt.ErrProviderUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, prompt.ErrRateLimited
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", prompt.ErrProviderUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var gen generateResponse
	if err := json.Unmarshal(payload, &gen); err != nil {
		return nil, fmt.Errorf("%w: %v", prompt.ErrInvalidResponse, err)
	}
	if gen.Error != "" {
		return nil, fmt.Errorf("ollama: %s", gen.Error)
	}
	return prompt.Parse(gen.Response)
}

var _ models.Analyzer = (*Provider)(nil)
