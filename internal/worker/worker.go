// Package worker executes a single analysis task end to end.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/reviewlens/internal/jobstate"
	"github.com/kiranshivaraju/reviewlens/internal/metrics"
	"github.com/kiranshivaraju/reviewlens/internal/retry"
	"github.com/kiranshivaraju/reviewlens/internal/store"
	"github.com/kiranshivaraju/reviewlens/pkg/models"
)

// DefaultTimeout bounds a single analysis call.
const DefaultTimeout = 90 * time.Second

// WorkerStore is the slice of the store the worker needs.
type WorkerStore interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error)
	TransitionTask(ctx context.Context, id uuid.UUID, from, to models.TaskStatus, opts ...store.TaskUpdateOption) (bool, error)
}

// Worker claims a queued task, runs the analyzer over its items and records the outcome.
type Worker struct {
	store    WorkerStore
	analyzer models.Analyzer
	retry    *retry.Engine
	jobs     *jobstate.Machine
	timeout  time.Duration
	metrics  *metrics.Collector
	logger   *slog.Logger
	now      func() time.Time

	// OnSettled runs after a task reached completed, failed or a retry. It is
	// typically wired to Scheduler.Drive so the job keeps moving.
	OnSettled func(ctx context.Context, jobID uuid.UUID)
}

// New creates a Worker. timeout <= 0 uses DefaultTimeout.
func New(s WorkerStore, analyzer models.Analyzer, engine *retry.Engine, jobs *jobstate.Machine, timeout time.Duration, m *metrics.Collector, logger *slog.Logger) *Worker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:    s,
		analyzer: analyzer,
		retry:    engine,
		jobs:     jobs,
		timeout:  timeout,
		metrics:  m,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Claim moves the task from queued to running and stamps its start time. The
// returned task reflects the claimed state, including its new version, so every
// later write of this run is tied to this attempt. Losing the race returns false.
func (w *Worker) Claim(ctx context.Context, task *models.Task) (*models.Task, bool, error) {
	startedAt := w.now()
	ok, err := w.store.TransitionTask(ctx, task.ID, models.TaskQueued, models.TaskRunning,
		store.IfVersion(task.Version),
		store.WithStartedAt(startedAt))
	if err != nil {
		return nil, false, fmt.Errorf("claim task %s: %w", task.ID, err)
	}
	if !ok {
		return nil, false, nil
	}
	claimed := task.Clone()
	claimed.Status = models.TaskRunning
	claimed.Version = task.Version + 1
	claimed.StartedAt = &startedAt
	return claimed, true, nil
}

// Execute claims and runs the task synchronously. A task that is not queued, or
// that another worker claims first, is left alone.
func (w *Worker) Execute(ctx context.Context, taskID uuid.UUID) error {
	task, err := w.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", taskID, err)
	}
	if task.Status != models.TaskQueued {
		return nil
	}
	claimed, ok, err := w.Claim(ctx, task)
	if err != nil || !ok {
		return err
	}
	w.Run(ctx, claimed)
	return nil
}

// Run performs the analysis for a claimed task and records the outcome. Failures,
// panics included, are handed to the retry engine and never propagate.
func (w *Worker) Run(ctx context.Context, task *models.Task) {
	// outcome writes must land even if the run context was cancelled mid-call
	persistCtx := context.WithoutCancel(ctx)
	log := w.logger.With("task_id", task.ID, "job_id", task.JobID, "batch_index", task.BatchIndex)

	defer func() {
		if w.OnSettled != nil {
			w.OnSettled(persistCtx, task.JobID)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in task run", "panic", r, "stack", string(debug.Stack()))
			w.fail(persistCtx, task, fmt.Errorf("panic during analysis: %v", r))
		}
	}()

	job, err := w.store.GetJob(ctx, task.JobID)
	if err != nil {
		w.fail(persistCtx, task, fmt.Errorf("load job: %w", err))
		return
	}

	start := w.now()
	callCtx, cancel := context.WithTimeout(ctx, w.timeout)
	themes, err := w.analyzer.Analyze(callCtx, models.AnalysisRequest{AppName: job.AppName, Items: task.Items})
	cancel()
	elapsed := w.now().Sub(start)

	if err != nil {
		log.Warn("analysis failed", "error", err, "duration", elapsed)
		w.fail(persistCtx, task, err)
		return
	}

	ok, err := w.store.TransitionTask(persistCtx, task.ID, models.TaskRunning, models.TaskCompleted,
		store.IfVersion(task.Version),
		store.WithThemes(themes),
		store.WithCompletedAt(w.now()))
	if err != nil {
		log.Error("failed to record task result", "error", err)
		return
	}
	if !ok {
		// presumed stuck and requeued while we were working; the newer attempt owns it
		log.Warn("task no longer running, discarding result")
		return
	}

	w.metrics.RecordOutcome(string(models.TaskCompleted), elapsed.Seconds())
	log.Info("task completed", "themes", len(themes), "duration", elapsed)
	w.settleJob(persistCtx, task.JobID)
}

func (w *Worker) fail(ctx context.Context, task *models.Task, cause error) {
	d, err := w.retry.HandleFailure(ctx, task, cause)
	if err != nil {
		w.logger.Error("failed to record task failure", "task_id", task.ID, "error", err)
		return
	}
	if d.Action == retry.ActionFailed {
		w.settleJob(ctx, task.JobID)
	}
}

func (w *Worker) settleJob(ctx context.Context, jobID uuid.UUID) {
	if _, _, err := w.jobs.Settle(ctx, jobID); err != nil {
		w.logger.Error("failed to settle job", "job_id", jobID, "error", err)
	}
}
