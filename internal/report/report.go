// Package report builds the final report of a finished job from its task results.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/reviewlens/internal/jobstate"
	"github.com/kiranshivaraju/reviewlens/internal/quality"
	"github.com/kiranshivaraju/reviewlens/internal/store"
	"github.com/kiranshivaraju/reviewlens/pkg/models"
)

const maxQuotesPerTheme = 5

// ReportStore is the slice of the store the aggregator needs.
type ReportStore interface {
	ListTasks(ctx context.Context, filter store.TaskFilter) ([]*models.Task, error)
	SaveJobReport(ctx context.Context, id uuid.UUID, report *models.Report) error
}

// StatusInvalidator drops any cached view of a job.
type StatusInvalidator interface {
	InvalidateJob(ctx context.Context, jobID uuid.UUID) error
}

// Aggregator merges per-task themes into a job report.
type Aggregator struct {
	store  ReportStore
	cache  StatusInvalidator
	logger *slog.Logger
	now    func() time.Time
}

// NewAggregator creates an Aggregator. cache may be nil.
func NewAggregator(s ReportStore, cache StatusInvalidator, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		store:  s,
		cache:  cache,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

var _ jobstate.Aggregator = (*Aggregator)(nil)

// Aggregate implements jobstate.Aggregator.
func (a *Aggregator) Aggregate(ctx context.Context, job *models.Job, outcome jobstate.Outcome) error {
	tasks, err := a.store.ListTasks(ctx, store.TaskFilter{
		JobID:    job.ID,
		Statuses: []models.TaskStatus{models.TaskCompleted},
	})
	if err != nil {
		return fmt.Errorf("list completed tasks: %w", err)
	}

	var themes []models.Theme
	items := 0
	for _, t := range tasks {
		themes = append(themes, t.Themes...)
		items += len(t.Items)
	}

	r := &models.Report{
		Themes:         MergeThemes(themes),
		TasksCompleted: outcome.Completed,
		TasksFailed:    outcome.Failed,
		ItemsAnalyzed:  items,
		GeneratedAt:    a.now(),
	}
	if err := a.store.SaveJobReport(ctx, job.ID, r); err != nil {
		return fmt.Errorf("save report: %w", err)
	}

	if a.cache != nil {
		if err := a.cache.InvalidateJob(ctx, job.ID); err != nil {
			a.logger.Warn("failed to invalidate job cache", "job_id", job.ID, "error", err)
		}
	}

	a.logger.Info("report generated",
		"job_id", job.ID,
		"status", job.Status,
		"themes", len(r.Themes),
		"items_analyzed", items)
	return nil
}

// MergeThemes groups themes by normalized name, summing mentions and pooling quotes.
// The result is sorted by mentions (desc) then name.
func MergeThemes(themes []models.Theme) []models.Theme {
	if len(themes) == 0 {
		return []models.Theme{}
	}

	type group struct {
		theme      models.Theme
		sentiments map[string]int
		quotes     map[string]struct{}
	}
	groups := make(map[string]*group)
	var order []string

	for _, th := range themes {
		key := quality.NormalizeText(th.Name)
		if key == "" {
			continue
		}
		g, ok := groups[key]
		if !ok {
			g = &group{
				theme:      models.Theme{Name: th.Name, Summary: th.Summary},
				sentiments: make(map[string]int),
				quotes:     make(map[string]struct{}),
			}
			groups[key] = g
			order = append(order, key)
		}

		mentions := th.Mentions
		if mentions <= 0 {
			mentions = 1
		}
		g.theme.Mentions += mentions
		if th.Sentiment != "" {
			g.sentiments[th.Sentiment] += mentions
		}
		for _, q := range th.Quotes {
			if len(g.theme.Quotes) >= maxQuotesPerTheme {
				break
			}
			if _, dup := g.quotes[q]; dup {
				continue
			}
			g.quotes[q] = struct{}{}
			g.theme.Quotes = append(g.theme.Quotes, q)
		}
	}

	merged := make([]models.Theme, 0, len(groups))
	for _, key := range order {
		g := groups[key]
		g.theme.Sentiment = dominant(g.sentiments)
		merged = append(merged, g.theme)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Mentions != merged[j].Mentions {
			return merged[i].Mentions > merged[j].Mentions
		}
		return merged[i].Name < merged[j].Name
	})
	return merged
}

// dominant returns the sentiment with the highest weight, ties broken alphabetically.
func dominant(weights map[string]int) string {
	best, bestWeight := "", -1
	for s, w := range weights {
		if w > bestWeight || (w == bestWeight && s < best) {
			best, bestWeight = s, w
		}
	}
	return best
}
