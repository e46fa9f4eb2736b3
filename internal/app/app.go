// Package app assembles the reviewlens object graph shared by the server and the CLI.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/reviewlens/internal/alert"
	"github.com/kiranshivaraju/reviewlens/internal/api"
	"github.com/kiranshivaraju/reviewlens/internal/api/handler"
	mw "github.com/kiranshivaraju/reviewlens/internal/api/middleware"
	"github.com/kiranshivaraju/reviewlens/internal/cache"
	"github.com/kiranshivaraju/reviewlens/internal/config"
	"github.com/kiranshivaraju/reviewlens/internal/jobstate"
	"github.com/kiranshivaraju/reviewlens/internal/metrics"
	"github.com/kiranshivaraju/reviewlens/internal/pipeline"
	"github.com/kiranshivaraju/reviewlens/internal/quality"
	"github.com/kiranshivaraju/reviewlens/internal/recovery"
	"github.com/kiranshivaraju/reviewlens/internal/report"
	"github.com/kiranshivaraju/reviewlens/internal/retry"
	"github.com/kiranshivaraju/reviewlens/internal/scheduler"
	"github.com/kiranshivaraju/reviewlens/internal/source"
	"github.com/kiranshivaraju/reviewlens/internal/store"
	"github.com/kiranshivaraju/reviewlens/internal/worker"
	"github.com/kiranshivaraju/reviewlens/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Options overrides parts of the graph. Zero values use the production defaults.
type Options struct {
	// Sampler replaces the store-backed load sampler.
	Sampler scheduler.Sampler
	// Scrapers replaces the scrapers built from cfg.Sources.
	Scrapers []source.Scraper
	// Registry receives the metrics. A fresh registry is created when nil.
	Registry *prometheus.Registry
}

// App is a fully wired reviewlens instance.
type App struct {
	Store      store.Store
	Cache      cache.Cache
	Metrics    *metrics.Collector
	Scheduler  *scheduler.Scheduler
	Dispatcher *scheduler.GoDispatcher
	Monitor    *recovery.Monitor
	Notifier   *alert.Notifier
	Pipeline   *pipeline.Service
	Handler    http.Handler

	logger *slog.Logger
}

// New wires every component over st, c and analyzer. ctx bounds the lifetime
// of dispatched task executions.
func New(ctx context.Context, cfg *config.Config, st store.Store, c cache.Cache, analyzer models.Analyzer,
	logger *slog.Logger, opts Options) *App {
	if logger == nil {
		logger = slog.Default()
	}

	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	m := metrics.NewCollector(reg)

	agg := report.NewAggregator(st, c, logger)
	jobs := jobstate.NewMachine(st, cfg.Pipeline.JobFailureThreshold, agg, m, logger)
	engine := retry.NewEngine(st,
		retry.WithMaxDelay(cfg.Scheduler.MaxDelay),
		retry.WithMetrics(m),
		retry.WithLogger(logger),
	)
	w := worker.New(st, analyzer, engine, jobs, cfg.AI.InferenceTimeout, m, logger)

	sampler := opts.Sampler
	if sampler == nil {
		sampler = scheduler.NewStoreSampler(st, cfg.Scheduler.Capacity, cfg.Scheduler.MemoryBudgetMB, cfg.Scheduler.ErrorRateWindow)
	}
	sched := scheduler.New(st, sampler, nil, jobs, m, logger)
	d := scheduler.NewGoDispatcher(ctx, w, logger)
	sched.SetDispatcher(d)
	w.OnSettled = func(ctx context.Context, jobID uuid.UUID) {
		if _, err := sched.Drive(ctx, jobID); err != nil {
			logger.Warn("drive after settle failed", "job_id", jobID, "error", err)
		}
	}

	channels := []alert.Channel{alert.NewLogChannel(logger)}
	if cfg.Alerts.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookChannel(cfg.Alerts.WebhookURL, 0))
	}
	notifier := alert.NewNotifier(st, m, logger, channels...)

	mon := recovery.New(recovery.Config{
		Interval:     cfg.Recovery.Interval,
		StuckAfter:   cfg.Recovery.StuckAfter,
		StarvedAfter: cfg.Recovery.StarvedAfter,
		Retention:    cfg.Recovery.TaskRetention,
	}, st, engine, sched, jobs, notifier, m, logger)

	scrapers := opts.Scrapers
	if scrapers == nil {
		scrapers = Scrapers(cfg.Sources)
	}

	svc := pipeline.New(pipeline.Config{
		BatchSize:   cfg.Pipeline.BatchSize,
		MaxRetries:  cfg.Pipeline.MaxRetries,
		Quality:     QualityConfig(cfg.Quality),
		StatusTTL:   cfg.Pipeline.StatusCacheTTL,
		ScrapeLimit: cfg.Sources.Limit,
	}, st, jobs, sched, mon, c, scrapers, m, logger)

	a := &App{
		Store:      st,
		Cache:      c,
		Metrics:    m,
		Scheduler:  sched,
		Dispatcher: d,
		Monitor:    mon,
		Notifier:   notifier,
		Pipeline:   svc,
		logger:     logger,
	}
	a.Handler = api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(st),
		RateLimit: mw.NewRateLimit(c, cfg.Server.RequestsPerMinute),

		HealthHandler:  handler.NewHealthHandler(map[string]handler.Pinger{"database": st, "cache": c}),
		MetricsHandler: m.Handler(),

		CreateJobHandler:   handler.NewCreateJobHandler(svc),
		GetJobHandler:      handler.NewGetJobHandler(svc),
		CollectHandler:     handler.NewCollectHandler(svc),
		CreateTasksHandler: handler.NewCreateTasksHandler(svc),
		DriveHandler:       handler.NewDriveHandler(svc),
		ListTasksHandler:   handler.NewListTasksHandler(svc),
		ReconcileHandler:   handler.NewReconcileHandler(svc),
	})
	return a
}

// LoadRules upserts the rules in path. An empty path is a no-op.
func (a *App) LoadRules(ctx context.Context, path string) (int, error) {
	if path == "" {
		return 0, nil
	}
	rules, err := alert.LoadRulesFile(path)
	if err != nil {
		return 0, err
	}
	if err := alert.SaveRules(ctx, a.Store, rules); err != nil {
		return 0, err
	}
	a.logger.Info("alert rules loaded", "path", path, "count", len(rules))
	return len(rules), nil
}

// Close stops accepting dispatches and waits for in-flight tasks until ctx expires.
func (a *App) Close(ctx context.Context) error {
	if err := a.Dispatcher.Close(ctx); err != nil {
		return fmt.Errorf("close dispatcher: %w", err)
	}
	return nil
}

// Scrapers builds one HTTP scraper per configured endpoint, ordered by name.
func Scrapers(cfg config.SourcesConfig) []source.Scraper {
	names := make([]string, 0, len(cfg.Endpoints))
	for name := range cfg.Endpoints {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]source.Scraper, 0, len(names))
	for _, name := range names {
		out = append(out, source.NewHTTPScraper(name, cfg.Endpoints[name], cfg.Token, cfg.Timeout))
	}
	return out
}

// QualityConfig converts the environment-level policy to the filter's config.
func QualityConfig(c config.QualityConfig) quality.Config {
	return quality.Config{
		Window:           c.Window,
		KeepUndated:      c.KeepUndated,
		MinLength:        c.MinLength,
		MaxLength:        c.MaxLength,
		FingerprintChars: c.FingerprintChars,
		SourceQuotas:     c.SourceQuotas,
		DefaultQuota:     c.DefaultQuota,
		Keywords:         c.Keywords,
	}
}
