// Package recovery periodically reconciles pipeline state: it reclaims tasks whose
// worker vanished, reports tasks nobody picks up, keeps jobs moving, and closes out
// jobs whose tasks have all finished.
package recovery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/reviewlens/internal/alert"
	"github.com/kiranshivaraju/reviewlens/internal/jobstate"
	"github.com/kiranshivaraju/reviewlens/internal/metrics"
	"github.com/kiranshivaraju/reviewlens/internal/retry"
	"github.com/kiranshivaraju/reviewlens/internal/scheduler"
	"github.com/kiranshivaraju/reviewlens/internal/store"
	"github.com/kiranshivaraju/reviewlens/pkg/models"
)

// ErrStuck is the failure recorded against a task that stayed running past the stuck
// threshold. Its text classifies as a timeout.
var ErrStuck = errors.New("task exceeded running timeout")

// StuckFailureMessage is persisted on a stuck task that has no retries left.
const StuckFailureMessage = "exceeded retries after timeout"

// MonitorStore is the slice of the store the monitor reads.
type MonitorStore interface {
	ListTasks(ctx context.Context, filter store.TaskFilter) ([]*models.Task, error)
	ListJobsByStatus(ctx context.Context, statuses ...models.JobStatus) ([]*models.Job, error)
	DeleteTerminalTasksBefore(ctx context.Context, before time.Time) (int64, error)
}

// FailureHandler applies retry policy; satisfied by *retry.Engine.
type FailureHandler interface {
	HandleFailure(ctx context.Context, task *models.Task, cause error, opts ...retry.Option) (retry.Decision, error)
}

// Driver dispatches a job's eligible tasks; satisfied by *scheduler.Scheduler.
type Driver interface {
	Drive(ctx context.Context, jobID uuid.UUID) (scheduler.DriveResult, error)
}

// Settler closes finished jobs; satisfied by *jobstate.Machine.
type Settler interface {
	Settle(ctx context.Context, jobID uuid.UUID) (jobstate.Outcome, bool, error)
}

// AlertEvaluator fires alert rules against a metric snapshot; satisfied by *alert.Notifier.
type AlertEvaluator interface {
	EvaluateAll(ctx context.Context, snapshot map[string]float64) ([]models.Alert, error)
}

// Config holds the monitor's thresholds. Zero Retention disables the sweep.
type Config struct {
	Interval     time.Duration
	StuckAfter   time.Duration
	StarvedAfter time.Duration
	Retention    time.Duration
}

// Report summarizes one reconciliation pass.
type Report struct {
	StuckRequeued int            `json:"stuck_requeued"`
	StuckFailed   int            `json:"stuck_failed"`
	Starved       int            `json:"starved"`
	JobsDriven    int            `json:"jobs_driven"`
	Dispatched    int            `json:"dispatched"`
	JobsSettled   int            `json:"jobs_settled"`
	TasksDeleted  int64          `json:"tasks_deleted"`
	Alerts        []models.Alert `json:"alerts"`
	Errors        int            `json:"errors"`
	Duration      time.Duration  `json:"duration_ns"`
}

// Stuck returns the number of stuck tasks found in the pass.
func (r Report) Stuck() int { return r.StuckRequeued + r.StuckFailed }

// Monitor runs reconciliation passes. Every mutation it makes is a conditional
// update, so any number of monitors may run at once.
type Monitor struct {
	cfg     Config
	store   MonitorStore
	retry   FailureHandler
	driver  Driver
	jobs    Settler
	alerts  AlertEvaluator
	metrics *metrics.Collector
	logger  *slog.Logger
	now     func() time.Time

	mu   sync.Mutex
	last *Report
}

// New creates a Monitor. driver and alerts may be nil.
func New(cfg Config, s MonitorStore, rh FailureHandler, driver Driver, jobs Settler, alerts AlertEvaluator, m *metrics.Collector, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Monitor{
		cfg:     cfg,
		store:   s,
		retry:   rh,
		driver:  driver,
		jobs:    jobs,
		alerts:  alerts,
		metrics: m,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Reconcile runs one pass. Individual record failures are logged and counted, never
// returned, so one bad row cannot stall the rest.
func (m *Monitor) Reconcile(ctx context.Context) Report {
	start := m.now()
	rep := Report{Alerts: []models.Alert{}}

	m.recoverStuck(ctx, start, &rep)
	m.detectStarved(ctx, start, &rep)
	m.driveJobs(ctx, &rep)
	m.settleJobs(ctx, &rep)
	m.sweep(ctx, start, &rep)
	m.evaluateAlerts(ctx, &rep)

	rep.Duration = m.now().Sub(start)
	m.metrics.SetReconcileResult(rep.Stuck(), rep.Starved, rep.Duration.Seconds())

	if rep.Stuck() > 0 || rep.Starved > 0 || rep.Errors > 0 || rep.JobsSettled > 0 {
		m.logger.Info("reconciliation pass finished",
			"stuck_requeued", rep.StuckRequeued,
			"stuck_failed", rep.StuckFailed,
			"starved", rep.Starved,
			"jobs_settled", rep.JobsSettled,
			"errors", rep.Errors,
			"duration", rep.Duration)
	}

	m.mu.Lock()
	m.last = &rep
	m.mu.Unlock()
	return rep
}

// LastReport returns the most recent pass, or nil before the first one.
func (m *Monitor) LastReport() *Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Run reconciles immediately and then on every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.Reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Reconcile(ctx)
		}
	}
}

func (m *Monitor) recoverStuck(ctx context.Context, now time.Time, rep *Report) {
	if m.cfg.StuckAfter <= 0 {
		return
	}
	stuck, err := m.store.ListTasks(ctx, store.TaskFilter{
		Statuses:      []models.TaskStatus{models.TaskRunning},
		StartedBefore: now.Add(-m.cfg.StuckAfter),
	})
	if err != nil {
		m.logger.Error("list stuck tasks", "error", err)
		rep.Errors++
		return
	}

	for _, task := range stuck {
		d, err := m.retry.HandleFailure(ctx, task, ErrStuck, retry.WithFailureMessage(StuckFailureMessage))
		if err != nil {
			m.logger.Error("recover stuck task", "task_id", task.ID, "error", err)
			rep.Errors++
			continue
		}
		switch d.Action {
		case retry.ActionRequeued:
			rep.StuckRequeued++
		case retry.ActionFailed:
			rep.StuckFailed++
		}
	}
}

func (m *Monitor) detectStarved(ctx context.Context, now time.Time, rep *Report) {
	if m.cfg.StarvedAfter <= 0 {
		return
	}
	starved, err := m.store.ListTasks(ctx, store.TaskFilter{
		Statuses:      []models.TaskStatus{models.TaskPending, models.TaskQueued},
		UpdatedBefore: now.Add(-m.cfg.StarvedAfter),
	})
	if err != nil {
		m.logger.Error("list starved tasks", "error", err)
		rep.Errors++
		return
	}
	rep.Starved = len(starved)
	for _, task := range starved {
		m.logger.Warn("task starved", "task_id", task.ID, "job_id", task.JobID, "status", task.Status, "updated_at", task.UpdatedAt)
	}
}

func (m *Monitor) driveJobs(ctx context.Context, rep *Report) {
	if m.driver == nil {
		return
	}
	jobs, err := m.store.ListJobsByStatus(ctx, models.JobReady, models.JobAnalyzing)
	if err != nil {
		m.logger.Error("list active jobs", "error", err)
		rep.Errors++
		return
	}
	for _, job := range jobs {
		res, err := m.driver.Drive(ctx, job.ID)
		if err != nil {
			m.logger.Error("drive job", "job_id", job.ID, "error", err)
			rep.Errors++
			continue
		}
		rep.JobsDriven++
		rep.Dispatched += len(res.Dispatched)
	}
}

func (m *Monitor) settleJobs(ctx context.Context, rep *Report) {
	jobs, err := m.store.ListJobsByStatus(ctx, models.JobAnalyzing)
	if err != nil {
		m.logger.Error("list analyzing jobs", "error", err)
		rep.Errors++
		return
	}
	for _, job := range jobs {
		_, won, err := m.jobs.Settle(ctx, job.ID)
		if err != nil {
			m.logger.Error("settle job", "job_id", job.ID, "error", err)
			rep.Errors++
			continue
		}
		if won {
			rep.JobsSettled++
		}
	}
}

func (m *Monitor) sweep(ctx context.Context, now time.Time, rep *Report) {
	if m.cfg.Retention <= 0 {
		return
	}
	n, err := m.store.DeleteTerminalTasksBefore(ctx, now.Add(-m.cfg.Retention))
	if err != nil {
		m.logger.Error("retention sweep", "error", err)
		rep.Errors++
		return
	}
	rep.TasksDeleted = n
}

func (m *Monitor) evaluateAlerts(ctx context.Context, rep *Report) {
	if m.alerts == nil {
		return
	}
	fired, err := m.alerts.EvaluateAll(ctx, map[string]float64{
		alert.MetricStuckTasks:   float64(rep.Stuck()),
		alert.MetricStarvedTasks: float64(rep.Starved),
		alert.MetricFailedTasks:  float64(rep.StuckFailed),
		alert.MetricDriveErrors:  float64(rep.Errors),
	})
	if err != nil {
		m.logger.Warn("alert evaluation", "error", err)
	}
	rep.Alerts = append(rep.Alerts, fired...)
}
