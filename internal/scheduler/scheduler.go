// Package scheduler decides how many of a job's tasks may run and starts them.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/reviewlens/internal/jobstate"
	"github.com/kiranshivaraju/reviewlens/internal/metrics"
	"github.com/kiranshivaraju/reviewlens/internal/queue"
	"github.com/kiranshivaraju/reviewlens/internal/store"
	"github.com/kiranshivaraju/reviewlens/pkg/models"
)

// SchedulerStore is the slice of the store the scheduler needs.
type SchedulerStore interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListTasks(ctx context.Context, filter store.TaskFilter) ([]*models.Task, error)
	CountTasks(ctx context.Context, filter store.TaskFilter) (int, error)
	TransitionTask(ctx context.Context, id uuid.UUID, from, to models.TaskStatus, opts ...store.TaskUpdateOption) (bool, error)
}

// DriveResult summarizes one Drive call.
type DriveResult struct {
	JobID      uuid.UUID   `json:"job_id"`
	Budget     int         `json:"budget"`
	// Running counts tasks of all jobs; the budget is shared between them.
	Running    int         `json:"running"`
	Available  int         `json:"available"`
	Candidates int         `json:"candidates"`
	Dispatched []uuid.UUID `json:"dispatched"`
}

// Scheduler selects eligible tasks in priority order and hands them to a Dispatcher.
// Drive calls on one Scheduler are serialized so a drive always sees the running
// count left by the previous one.
type Scheduler struct {
	store      SchedulerStore
	sampler    Sampler
	dispatcher Dispatcher
	jobs       *jobstate.Machine
	metrics    *metrics.Collector
	logger     *slog.Logger
	now        func() time.Time

	mu sync.Mutex
}

// New creates a Scheduler. The dispatcher may be set later with SetDispatcher, which
// lets the dispatcher's executor call back into Drive.
func New(s SchedulerStore, sampler Sampler, d Dispatcher, jobs *jobstate.Machine, m *metrics.Collector, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:      s,
		sampler:    sampler,
		dispatcher: d,
		jobs:       jobs,
		metrics:    m,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetDispatcher replaces the dispatcher.
func (s *Scheduler) SetDispatcher(d Dispatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatcher = d
}

// Drive dispatches eligible tasks of the job until the running tasks of all jobs
// fill the concurrency budget. It is idempotent and safe to call repeatedly.
func (s *Scheduler) Drive(ctx context.Context, jobID uuid.UUID) (DriveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := DriveResult{JobID: jobID, Dispatched: []uuid.UUID{}}
	log := s.logger.With("job_id", jobID)

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return res, fmt.Errorf("drive job %s: %w", jobID, err)
	}
	if job.Status.IsTerminal() || job.Status == models.JobCollecting {
		return res, nil
	}
	if job.Status == models.JobReady {
		if _, err := s.jobs.Advance(ctx, jobID, models.JobReady, models.JobAnalyzing); err != nil {
			return res, err
		}
	}

	sig, err := s.sampler.Sample(ctx)
	if err != nil {
		log.Warn("load sampling failed, using minimum budget", "error", err)
		res.Budget = MinBudget
	} else {
		res.Budget = Budget(sig)
	}
	s.metrics.SetSchedulerState(res.Budget, sig.Load, sig.Mem, sig.QueueDepth, sig.Running)

	// the budget covers every job, so count running tasks system-wide
	res.Running, err = s.store.CountTasks(ctx, store.TaskFilter{
		Statuses: []models.TaskStatus{models.TaskRunning},
	})
	if err != nil {
		return res, fmt.Errorf("count running tasks: %w", err)
	}
	res.Available = max(res.Budget-res.Running, 0)
	if res.Available == 0 {
		return res, nil
	}

	candidates, err := s.store.ListTasks(ctx, store.TaskFilter{
		JobID:      jobID,
		Statuses:   []models.TaskStatus{models.TaskPending, models.TaskQueued},
		EligibleAt: s.now(),
	})
	if err != nil {
		return res, fmt.Errorf("list candidate tasks: %w", err)
	}
	res.Candidates = len(candidates)

	q := queue.New(candidates)
	for len(res.Dispatched) < res.Available && q.Len() > 0 {
		task := q.Pop()

		if task.Status == models.TaskPending {
			ok, err := s.store.TransitionTask(ctx, task.ID, models.TaskPending, models.TaskQueued,
				store.IfVersion(task.Version))
			if err != nil {
				log.Error("failed to queue task", "task_id", task.ID, "error", err)
				continue
			}
			if !ok {
				continue
			}
			task.Status = models.TaskQueued
			task.Version++
		}

		started, err := s.dispatcher.Dispatch(ctx, task)
		if err != nil {
			// task stays queued; the next drive or reconciliation picks it up
			log.Error("dispatch failed", "task_id", task.ID, "error", err)
			if errors.Is(err, ErrDispatcherClosed) {
				break
			}
			continue
		}
		if !started {
			continue
		}
		s.metrics.RecordDispatch()
		res.Dispatched = append(res.Dispatched, task.ID)
	}

	if len(res.Dispatched) > 0 {
		log.Info("tasks dispatched",
			"count", len(res.Dispatched),
			"budget", res.Budget,
			"running", res.Running,
			"candidates", res.Candidates)
	}
	return res, nil
}
