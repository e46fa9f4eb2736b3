// Package jobstate owns job status progression. Every component that needs to know
// whether a job is done, or needs to move it forward, goes through here.
package jobstate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/reviewlens/internal/metrics"
	"github.com/kiranshivaraju/reviewlens/internal/store"
	"github.com/kiranshivaraju/reviewlens/pkg/models"
)

// DefaultFailureThreshold is the failed fraction above which a finished job fails.
const DefaultFailureThreshold = 0.5

// JobStore is the slice of the store the state machine needs.
type JobStore interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	TaskCounts(ctx context.Context, jobID uuid.UUID) (models.TaskCounts, error)
	TransitionJob(ctx context.Context, id uuid.UUID, from, to models.JobStatus, opts ...store.JobUpdateOption) (bool, error)
}

// Aggregator receives a job exactly once, after the job reached a terminal status.
type Aggregator interface {
	Aggregate(ctx context.Context, job *models.Job, outcome Outcome) error
}

// Outcome is the evaluation of a job's task counts.
type Outcome struct {
	Done      bool
	Status    models.JobStatus
	Total     int
	Completed int
	Failed    int
	Reason    string
}

// Evaluate decides whether a job with the given task counts is finished and how.
// A job with zero tasks is complete. Otherwise it finishes only once every task is
// terminal, and fails when all tasks failed or the failed fraction exceeds threshold.
func Evaluate(counts models.TaskCounts, threshold float64) Outcome {
	out := Outcome{
		Total:     counts.Total(),
		Completed: counts[models.TaskCompleted],
		Failed:    counts[models.TaskFailed],
	}
	if counts.Open() > 0 {
		return out
	}

	out.Done = true
	switch {
	case out.Total == 0:
		out.Status = models.JobCompleted
	case out.Failed == out.Total:
		out.Status = models.JobFailed
		out.Reason = fmt.Sprintf("all %d tasks failed", out.Total)
	case float64(out.Failed)/float64(out.Total) > threshold:
		out.Status = models.JobFailed
		out.Reason = fmt.Sprintf("%d of %d tasks failed", out.Failed, out.Total)
	default:
		out.Status = models.JobCompleted
	}
	return out
}

// Machine applies job transitions against the store.
type Machine struct {
	store      JobStore
	threshold  float64
	aggregator Aggregator
	metrics    *metrics.Collector
	logger     *slog.Logger
}

// NewMachine creates a Machine. A nil aggregator skips the downstream step.
func NewMachine(s JobStore, threshold float64, agg Aggregator, m *metrics.Collector, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{store: s, threshold: threshold, aggregator: agg, metrics: m, logger: logger}
}

// Advance moves a job forward from the observed status. It returns false when the job
// was already moved by someone else; backwards or sideways moves are errors.
func (m *Machine) Advance(ctx context.Context, jobID uuid.UUID, from, to models.JobStatus, opts ...store.JobUpdateOption) (bool, error) {
	ok, err := m.store.TransitionJob(ctx, jobID, from, to, opts...)
	if err != nil {
		return false, fmt.Errorf("advance job %s: %w", jobID, err)
	}
	if ok {
		m.logger.Info("job advanced", "job_id", jobID, "from", from, "to", to)
	}
	return ok, nil
}

// Settle evaluates a job and, when it is finished, transitions it to its terminal
// status. Only the caller whose compare-and-set wins runs the aggregator, so
// concurrent settlers never aggregate twice. The returned bool reports whether this
// call performed the transition.
func (m *Machine) Settle(ctx context.Context, jobID uuid.UUID) (Outcome, bool, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return Outcome{}, false, fmt.Errorf("settle job %s: %w", jobID, err)
	}
	if job.Status.IsTerminal() || job.Status == models.JobCollecting {
		return Outcome{Done: job.Status.IsTerminal(), Status: job.Status}, false, nil
	}

	counts, err := m.store.TaskCounts(ctx, jobID)
	if err != nil {
		return Outcome{}, false, fmt.Errorf("settle job %s: %w", jobID, err)
	}
	out := Evaluate(counts, m.threshold)
	if !out.Done {
		return out, false, nil
	}

	var opts []store.JobUpdateOption
	if out.Reason != "" {
		opts = append(opts, store.WithErrorMessage(out.Reason))
	}
	ok, err := m.store.TransitionJob(ctx, jobID, job.Status, out.Status, opts...)
	if err != nil {
		return out, false, fmt.Errorf("settle job %s: %w", jobID, err)
	}
	if !ok {
		return out, false, nil
	}

	m.metrics.RecordJobFinished(string(out.Status))
	m.logger.Info("job finished",
		"job_id", jobID,
		"status", out.Status,
		"tasks_completed", out.Completed,
		"tasks_failed", out.Failed)

	if m.aggregator != nil {
		job.Status = out.Status
		if err := m.aggregator.Aggregate(ctx, job, out); err != nil {
			return out, true, fmt.Errorf("aggregate job %s: %w", jobID, err)
		}
	}
	return out, true, nil
}
