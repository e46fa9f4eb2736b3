// Package pipeline is the trigger surface of the review pipeline. It creates jobs,
// collects and filters review items into tasks, and exposes drive, reconcile and
// status operations to the HTTP API and the CLI.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/reviewlens/internal/cache"
	"github.com/kiranshivaraju/reviewlens/internal/jobstate"
	"github.com/kiranshivaraju/reviewlens/internal/metrics"
	"github.com/kiranshivaraju/reviewlens/internal/quality"
	"github.com/kiranshivaraju/reviewlens/internal/recovery"
	"github.com/kiranshivaraju/reviewlens/internal/scheduler"
	"github.com/kiranshivaraju/reviewlens/internal/source"
	"github.com/kiranshivaraju/reviewlens/internal/store"
	"github.com/kiranshivaraju/reviewlens/pkg/models"
)

var (
	// ErrJobNotCollecting is returned when tasks are created for a job that already has them.
	ErrJobNotCollecting = errors.New("job is not collecting")
	// ErrNoSources is returned by Collect when no scrapers are configured.
	ErrNoSources = errors.New("no review sources configured")
	// ErrAllSourcesFailed is returned by Collect when every scraper failed.
	ErrAllSourcesFailed = errors.New("all review sources failed")
)

// PipelineStore is the slice of the store the service needs.
type PipelineStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	CreateTasks(ctx context.Context, tasks []*models.Task) error
	ListTasks(ctx context.Context, filter store.TaskFilter) ([]*models.Task, error)
	TaskCounts(ctx context.Context, jobID uuid.UUID) (models.TaskCounts, error)
}

// Driver dispatches a job's eligible tasks.
type Driver interface {
	Drive(ctx context.Context, jobID uuid.UUID) (scheduler.DriveResult, error)
}

// Reconciler runs one recovery pass.
type Reconciler interface {
	Reconcile(ctx context.Context) recovery.Report
}

// Config holds the task-creation policy.
type Config struct {
	BatchSize  int
	MaxRetries int
	Quality    quality.Config
	// StatusTTL is how long a finished job's status stays cached.
	StatusTTL time.Duration
	// ScrapeLimit caps the items requested from each scraper. Zero means no cap.
	ScrapeLimit int
}

// Service implements the pipeline operations.
type Service struct {
	cfg        Config
	store      PipelineStore
	jobs       *jobstate.Machine
	driver     Driver
	reconciler Reconciler
	cache      cache.Cache
	scrapers   []source.Scraper
	metrics    *metrics.Collector
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a Service. cache, reconciler and scrapers may be nil.
func New(cfg Config, s PipelineStore, jobs *jobstate.Machine, driver Driver, reconciler Reconciler,
	c cache.Cache, scrapers []source.Scraper, m *metrics.Collector, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	return &Service{
		cfg:        cfg,
		store:      s,
		jobs:       jobs,
		driver:     driver,
		reconciler: reconciler,
		cache:      c,
		scrapers:   scrapers,
		metrics:    m,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// CreateJobParams holds validated parameters for a new job.
type CreateJobParams struct {
	AppName  string
	Priority int
}

// CreateJob creates a job in the collecting status.
func (s *Service) CreateJob(ctx context.Context, params CreateJobParams) (*models.Job, error) {
	now := s.now()
	job := &models.Job{
		ID:        uuid.New(),
		AppName:   params.AppName,
		Priority:  params.Priority,
		Status:    models.JobCollecting,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}
	s.logger.Info("job created", "job_id", job.ID, "app_name", job.AppName, "priority", job.Priority)
	return job, nil
}

// CreateTasksResult describes the tasks created for a job.
type CreateTasksResult struct {
	JobID   uuid.UUID          `json:"job_id"`
	Status  models.JobStatus   `json:"status"`
	TaskIDs []uuid.UUID        `json:"task_ids"`
	Stats   models.FilterStats `json:"filter_stats"`
}

// CreateTasks filters items, splits the survivors into batches and stores one pending
// task per batch, then moves the job from collecting to ready. A job whose items all
// filter out completes immediately with an empty report.
//
// Task IDs derive from the job ID and batch index, so a concurrent or repeated call
// for the same job collides on insert instead of creating a second set.
func (s *Service) CreateTasks(ctx context.Context, jobID uuid.UUID, items []models.ReviewItem) (*CreateTasksResult, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("loading job: %w", err)
	}
	if job.Status != models.JobCollecting {
		return nil, fmt.Errorf("%w: job %s is %s", ErrJobNotCollecting, jobID, job.Status)
	}

	now := s.now()
	filtered, stats := quality.Filter(items, job.AppName, s.cfg.Quality, now)
	tasks := s.batch(job, filtered, now)

	taskCount := len(tasks)
	if err := s.store.CreateTasks(ctx, tasks); err != nil {
		if !errors.Is(err, store.ErrDuplicateKey) {
			return nil, fmt.Errorf("creating tasks: %w", err)
		}
		// An earlier attempt stored the tasks but did not advance the job.
		counts, cerr := s.store.TaskCounts(ctx, jobID)
		if cerr != nil {
			return nil, fmt.Errorf("counting existing tasks: %w", cerr)
		}
		taskCount = counts.Total()
		tasks = nil
	}

	ok, err := s.jobs.Advance(ctx, jobID, models.JobCollecting, models.JobReady,
		store.WithTaskCount(taskCount), store.WithFilterStats(stats))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: job %s was advanced concurrently", ErrJobNotCollecting, jobID)
	}
	s.invalidate(ctx, jobID)

	status := models.JobReady
	if taskCount == 0 {
		out, _, err := s.jobs.Settle(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if out.Done {
			status = out.Status
		}
	}

	s.logger.Info("tasks created",
		"job_id", jobID,
		"tasks", taskCount,
		"items_in", stats.Original.Total,
		"items_kept", stats.Final.Total,
	)

	ids := make([]uuid.UUID, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	return &CreateTasksResult{JobID: jobID, Status: status, TaskIDs: ids, Stats: stats}, nil
}

func (s *Service) batch(job *models.Job, items []models.ReviewItem, now time.Time) []*models.Task {
	var tasks []*models.Task
	for i := 0; len(items) > 0; i++ {
		n := min(s.cfg.BatchSize, len(items))
		tasks = append(tasks, &models.Task{
			ID:         BatchTaskID(job.ID, i),
			JobID:      job.ID,
			BatchIndex: i,
			Priority:   job.Priority,
			Items:      append([]models.ReviewItem(nil), items[:n]...),
			Status:     models.TaskPending,
			MaxRetries: s.cfg.MaxRetries,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
		items = items[n:]
	}
	return tasks
}

// BatchTaskID returns the stable task ID of a job's batch.
func BatchTaskID(jobID uuid.UUID, index int) uuid.UUID {
	return uuid.NewSHA1(jobID, []byte(fmt.Sprintf("batch-%d", index)))
}

// CollectParams selects what to fetch from each scraper.
type CollectParams struct {
	Since time.Time
}

// CollectResult reports per-source collection and the resulting tasks.
type CollectResult struct {
	Items  map[string]int     `json:"items"`
	Errors map[string]string  `json:"errors,omitempty"`
	Tasks  *CreateTasksResult `json:"tasks"`
}

// Collect runs every scraper concurrently for the job's app and turns the combined
// items into tasks. A failing scraper is logged and skipped. The job stays collecting
// when every scraper fails, so collection can be retried.
func (s *Service) Collect(ctx context.Context, jobID uuid.UUID, params CollectParams) (*CollectResult, error) {
	if len(s.scrapers) == 0 {
		return nil, ErrNoSources
	}
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("loading job: %w", err)
	}
	if job.Status != models.JobCollecting {
		return nil, fmt.Errorf("%w: job %s is %s", ErrJobNotCollecting, jobID, job.Status)
	}

	q := source.Query{AppName: job.AppName, Since: params.Since, Limit: s.cfg.ScrapeLimit}
	type scrapeResult struct {
		name  string
		items []models.ReviewItem
		err   error
	}
	results := make([]scrapeResult, len(s.scrapers))

	var wg sync.WaitGroup
	for i, sc := range s.scrapers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			items, err := sc.Scrape(ctx, q)
			results[i] = scrapeResult{name: sc.Name(), items: items, err: err}
		}()
	}
	wg.Wait()

	res := &CollectResult{Items: make(map[string]int), Errors: make(map[string]string)}
	var all []models.ReviewItem
	var errs []error
	for _, r := range results {
		s.metrics.RecordScrape(r.name, len(r.items), r.err)
		if r.err != nil {
			s.logger.Warn("scraper failed", "job_id", jobID, "source", r.name, "error", r.err)
			res.Errors[r.name] = r.err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", r.name, r.err))
			continue
		}
		res.Items[r.name] = len(r.items)
		all = append(all, r.items...)
	}
	if len(errs) == len(results) {
		return nil, fmt.Errorf("%w: %w", ErrAllSourcesFailed, errors.Join(errs...))
	}

	tasks, err := s.CreateTasks(ctx, jobID, all)
	if err != nil {
		return nil, err
	}
	res.Tasks = tasks
	return res, nil
}

// Drive dispatches the job's eligible tasks under the current concurrency budget.
func (s *Service) Drive(ctx context.Context, jobID uuid.UUID) (scheduler.DriveResult, error) {
	res, err := s.driver.Drive(ctx, jobID)
	if err != nil {
		return res, err
	}
	s.invalidate(ctx, jobID)
	return res, nil
}

// Reconcile runs one recovery pass. It returns an empty report when no reconciler
// is wired.
func (s *Service) Reconcile(ctx context.Context) recovery.Report {
	if s.reconciler == nil {
		return recovery.Report{Alerts: []models.Alert{}}
	}
	return s.reconciler.Reconcile(ctx)
}

// JobStatus is a job together with its per-status task counts.
type JobStatus struct {
	Job    *models.Job       `json:"job"`
	Counts models.TaskCounts `json:"task_counts"`
}

// Status returns the job and its task counts. Finished jobs are served from the
// cache when possible; cache failures fall through to the store.
func (s *Service) Status(ctx context.Context, jobID uuid.UUID) (*JobStatus, error) {
	if cached := s.cachedStatus(ctx, jobID); cached != nil {
		return cached, nil
	}

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("loading job: %w", err)
	}
	counts, err := s.store.TaskCounts(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("counting tasks: %w", err)
	}
	st := &JobStatus{Job: job, Counts: counts}

	// running jobs change without passing through here, so only terminal ones are cached
	if s.cache != nil && job.Status.IsTerminal() {
		if b, err := json.Marshal(st); err == nil {
			if err := s.cache.SetJobStatus(ctx, jobID, b, s.cfg.StatusTTL); err != nil {
				s.logger.Warn("caching job status", "job_id", jobID, "error", err)
			}
		}
	}
	return st, nil
}

func (s *Service) cachedStatus(ctx context.Context, jobID uuid.UUID) *JobStatus {
	if s.cache == nil {
		return nil
	}
	b, ok, err := s.cache.GetJobStatus(ctx, jobID)
	if err != nil {
		s.logger.Warn("reading cached job status", "job_id", jobID, "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	var st JobStatus
	if err := json.Unmarshal(b, &st); err != nil || st.Job == nil {
		return nil
	}
	return &st
}

func (s *Service) invalidate(ctx context.Context, jobID uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateJob(ctx, jobID); err != nil {
		s.logger.Warn("invalidating job status", "job_id", jobID, "error", err)
	}
}

// ListTasksParams filters a job's tasks.
type ListTasksParams struct {
	Statuses []models.TaskStatus
	Limit    int
}

// ListTasks returns the job's tasks ordered by batch index.
func (s *Service) ListTasks(ctx context.Context, jobID uuid.UUID, params ListTasksParams) ([]*models.Task, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, fmt.Errorf("loading job: %w", err)
	}
	tasks, err := s.store.ListTasks(ctx, store.TaskFilter{
		JobID:    jobID,
		Statuses: params.Statuses,
		Limit:    params.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].BatchIndex < tasks[j].BatchIndex })
	return tasks, nil
}
