// Package ai selects the Analyzer implementation for the configured provider.
package ai

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/reviewlens/internal/ai/gemini"
	"github.com/kiranshivaraju/reviewlens/internal/ai/mock"
	"github.com/kiranshivaraju/reviewlens/internal/ai/ollama"
	"github.com/kiranshivaraju/reviewlens/internal/config"
	"github.com/kiranshivaraju/reviewlens/pkg/models"
)

// NewAnalyzer constructs the appropriate analyzer based on config.
// Called once at server startup.
func NewAnalyzer(ctx context.Context, cfg config.AIConfig, logger *slog.Logger) (models.Analyzer, error) {
	switch cfg.Provider {
	case "gemini":
		return gemini.NewProvider(ctx, cfg.Gemini, logger)
	case "ollama":
		return ollama.NewProvider(cfg.Ollama), nil
	case "mock":
		return mock.NewMockProvider(), nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q: must be one of gemini, ollama, mock", cfg.Provider)
	}
}
