package mock

import (
	"context"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/kiranshivaraju/reviewlens/internal/ai/prompt"
	"github.com/kiranshivaraju/reviewlens/pkg/models"
)

// MockProvider satisfies models.Analyzer for testing and local runs.
type MockProvider struct {
	Name_       string
	AnalyzeFunc func(ctx context.Context, req models.AnalysisRequest) ([]models.Theme, error)

	calls atomic.Int64
}

func (m *MockProvider) Name() string { return m.Name_ }

func (m *MockProvider) Analyze(ctx context.Context, req models.AnalysisRequest) ([]models.Theme, error) {
	m.calls.Add(1)
	if m.AnalyzeFunc != nil {
		return m.AnalyzeFunc(ctx, req)
	}
	return []models.Theme{}, nil
}

// Calls returns how many times Analyze has been invoked.
func (m *MockProvider) Calls() int64 { return m.calls.Load() }

// NewMockProvider returns a MockProvider that derives one theme per review source,
// so results are deterministic for a given batch.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock",
		AnalyzeFunc: func(_ context.Context, req models.AnalysisRequest) ([]models.Theme, error) {
			return SourceThemes(req.Items), nil
		},
	}
}

// NewFailingProvider returns a MockProvider that always returns the given error.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_: "mock-failing",
		AnalyzeFunc: func(_ context.Context, _ models.AnalysisRequest) ([]models.Theme, error) {
			return nil, err
		},
	}
}

// NewTimeoutProvider returns a MockProvider that blocks until context is cancelled.
func NewTimeoutProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock-timeout",
		AnalyzeFunc: func(ctx context.Context, _ models.AnalysisRequest) ([]models.Theme, error) {
			<-ctx.Done()
			return nil, prompt.ErrInferenceTimeout
		},
	}
}

// NewFlakyProvider fails the first n calls with err, then behaves like NewMockProvider.
func NewFlakyProvider(n int64, err error) *MockProvider {
	var seen atomic.Int64
	return &MockProvider{
		Name_: "mock-flaky",
		AnalyzeFunc: func(_ context.Context, req models.AnalysisRequest) ([]models.Theme, error) {
			if seen.Add(1) <= n {
				return nil, err
			}
			return SourceThemes(req.Items), nil
		},
	}
}

// SourceThemes groups items by source into one theme each, ordered by source name.
func SourceThemes(items []models.ReviewItem) []models.Theme {
	bySource := map[string][]string{}
	for _, it := range items {
		bySource[it.Source] = append(bySource[it.Source], it.Text)
	}
	sources := make([]string, 0, len(bySource))
	for s := range bySource {
		sources = append(sources, s)
	}
	sort.Strings(sources)

	themes := make([]models.Theme, 0, len(sources))
	for _, s := range sources {
		texts := bySource[s]
		quotes := texts
		if len(quotes) > 2 {
			quotes = quotes[:2]
		}
		themes = append(themes, models.Theme{
			Name:      "feedback from " + strings.ReplaceAll(s, "_", " "),
			Summary:   "Simulated theme from mock provider",
			Sentiment: "neutral",
			Mentions:  len(texts),
			Quotes:    append([]string(nil), quotes...),
		})
	}
	return themes
}

// Compile-time check that MockProvider implements Analyzer.
var _ models.Analyzer = (*MockProvider)(nil)
