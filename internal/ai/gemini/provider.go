// Package gemini implements models.Analyzer on Google's Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kiranshivaraju/reviewlens/internal/ai/prompt"
	"github.com/kiranshivaraju/reviewlens/internal/config"
	"github.com/kiranshivaraju/reviewlens/pkg/models"
	"google.golang.org/genai"
)

// contentGenerator is the part of *genai.Models the provider calls.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Provider implements models.Analyzer using Gemini.
type Provider struct {
	gen         contentGenerator
	model       string
	temperature float32
	logger      *slog.Logger
}

// NewProvider creates a Gemini client for the configured API key and model.
func NewProvider(ctx context.Context, cfg config.GeminiConfig, logger *slog.Logger) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini API key cannot be empty")
	}
	if cfg.Model == "" {
		return nil, errors.New("gemini model name cannot be empty")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return newProvider(client.Models, cfg.Model, logger), nil
}

func newProvider(gen contentGenerator, model string, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{gen: gen, model: model, temperature: 0.2, logger: logger}
}

func (p *Provider) Name() string { return "gemini" }

func (p *Provider) Analyze(ctx context.Context, req models.AnalysisRequest) ([]models.Theme, error) {
	text, err := prompt.Build(req)
	if err != nil {
		return nil, err
	}

	resp, err := p.gen.GenerateContent(ctx, p.model, genai.Text(text), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr(p.temperature),
	})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", prompt.ErrInferenceTimeout, err)
		}
		return nil, fmt.Errorf("gemini generate content: %w", err)
	}

	body, err := responseText(resp)
	if err != nil {
		return nil, err
	}

	themes, err := prompt.Parse(body)
	if err != nil {
		p.logger.WarnContext(ctx, "unparseable gemini response", "model", p.model, "response_length", len(body))
		return nil, err
	}
	return themes, nil
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("%w: no candidates", prompt.ErrInvalidResponse)
	}
	cand := resp.Candidates[0]
	if cand.FinishReason == genai.FinishReasonSafety {
		return "", fmt.Errorf("%w: content blocked by safety filters", prompt.ErrInvalidResponse)
	}
	if cand.Content == nil {
		return "", fmt.Errorf("%w: empty content", prompt.ErrInvalidResponse)
	}

	var sb strings.Builder
	for _, part := range cand.Content.Parts {
		if part != nil {
			sb.WriteString(part.Text)
		}
	}
	return sb.String(), nil
}

var _ models.Analyzer = (*Provider)(nil)
