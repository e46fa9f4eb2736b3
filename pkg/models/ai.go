package models

import "context"

// Analyzer is the core interface that all LLM integrations must implement.
// Never call specific providers directly. Always inject this interface.
type Analyzer interface {
	// Analyze extracts themes from one batch of review items.
	Analyze(ctx context.Context, req AnalysisRequest) ([]Theme, error)
	// Name returns the provider identifier (e.g., "gemini", "ollama").
	Name() string
}

// AnalysisRequest is the input to an analysis operation.
type AnalysisRequest struct {
	AppName string
	Items   []ReviewItem
}

// Theme is one recurring topic extracted from reviews.
type Theme struct {
	Name      string   `json:"name"`
	Summary   string   `json:"summary"`
	Sentiment string   `json:"sentiment"`
	Mentions  int      `json:"mentions"`
	Quotes    []string `json:"quotes,omitempty"`
}
