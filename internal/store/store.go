package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/reviewlens/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidTransition = errors.New("invalid status transition")

// Store is the data access interface. All database operations go through here.
//
// Status changes are compare-and-set: TransitionJob and TransitionTask apply only
// while the row is still in the expected prior status (and, for tasks given
// IfVersion, the expected version). Losing that race returns (false, nil); it is
// not an error.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobsByStatus(ctx context.Context, statuses ...models.JobStatus) ([]*models.Job, error)
	TransitionJob(ctx context.Context, id uuid.UUID, from, to models.JobStatus, opts ...JobUpdateOption) (bool, error)
	SaveJobReport(ctx context.Context, id uuid.UUID, report *models.Report) error

	CreateTasks(ctx context.Context, tasks []*models.Task) error
	GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, error)
	CountTasks(ctx context.Context, filter TaskFilter) (int, error)
	TaskCounts(ctx context.Context, jobID uuid.UUID) (models.TaskCounts, error)
	TransitionTask(ctx context.Context, id uuid.UUID, from, to models.TaskStatus, opts ...TaskUpdateOption) (bool, error)
	CountOutcomesSince(ctx context.Context, since time.Time) (completed, failed int, err error)
	// DeleteTerminalTasksBefore removes finished tasks last updated before the given
	// time. Tasks of a job that is still open are kept so its counts stay whole.
	DeleteTerminalTasksBefore(ctx context.Context, before time.Time) (int64, error)

	ListAlertRules(ctx context.Context) ([]*models.AlertRule, error)
	UpsertAlertRule(ctx context.Context, rule *models.AlertRule) error
	ClaimAlertTrigger(ctx context.Context, name string, prev *time.Time, at time.Time) (bool, error)
}

// TaskFilter selects tasks. Zero-valued fields do not constrain the query.
type TaskFilter struct {
	JobID    uuid.UUID
	Statuses []models.TaskStatus
	// StartedBefore matches tasks whose started_at is older than the given time.
	StartedBefore time.Time
	// UpdatedBefore matches tasks whose updated_at is older than the given time.
	UpdatedBefore time.Time
	// EligibleAt matches tasks with no not-before timestamp or one at or before the given time.
	EligibleAt time.Time
	Limit      int
}

type jobUpdateParams struct {
	ErrorMessage *string
	TaskCount    *int
	FilterStats  *models.FilterStats
}

type JobUpdateOption func(*jobUpdateParams)

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorMessage = &msg
	}
}

func WithTaskCount(n int) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.TaskCount = &n
	}
}

func WithFilterStats(stats models.FilterStats) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.FilterStats = &stats
	}
}

type taskUpdateParams struct {
	ExpectedVersion   *int
	RetryCount        *int
	ErrorClass        *string
	ErrorMessage      *string
	ClearErrorMessage bool
	NotBefore         *time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
	Themes            []models.Theme
	SetThemes         bool
}

type TaskUpdateOption func(*taskUpdateParams)

// IfVersion additionally requires the task to still be at version v, so a writer
// acting on an earlier attempt loses even when the status matches again.
func IfVersion(v int) TaskUpdateOption {
	return func(p *taskUpdateParams) {
		p.ExpectedVersion = &v
	}
}

func WithRetryCount(n int) TaskUpdateOption {
	return func(p *taskUpdateParams) {
		p.RetryCount = &n
	}
}

// WithError records the last error class and its message.
func WithError(class, msg string) TaskUpdateOption {
	return func(p *taskUpdateParams) {
		p.ErrorClass = &class
		p.ErrorMessage = &msg
		p.ClearErrorMessage = false
	}
}

// WithErrorClass records the last error class and clears the message.
func WithErrorClass(class string) TaskUpdateOption {
	return func(p *taskUpdateParams) {
		p.ErrorClass = &class
		p.ErrorMessage = nil
		p.ClearErrorMessage = true
	}
}

func WithNotBefore(t time.Time) TaskUpdateOption {
	return func(p *taskUpdateParams) {
		p.NotBefore = &t
	}
}

func WithStartedAt(t time.Time) TaskUpdateOption {
	return func(p *taskUpdateParams) {
		p.StartedAt = &t
	}
}

func WithCompletedAt(t time.Time) TaskUpdateOption {
	return func(p *taskUpdateParams) {
		p.CompletedAt = &t
	}
}

func WithThemes(themes []models.Theme) TaskUpdateOption {
	return func(p *taskUpdateParams) {
		p.Themes = themes
		p.SetThemes = true
	}
}

func applyJobOptions(opts []JobUpdateOption) *jobUpdateParams {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}
	return params
}

func applyTaskOptions(opts []TaskUpdateOption) *taskUpdateParams {
	params := &taskUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}
	return params
}

// checkJobTransition rejects transitions that would move a job backwards or sideways.
func checkJobTransition(from, to models.JobStatus) error {
	if from.Rank() < 0 || to.Rank() < 0 || to.Rank() <= from.Rank() {
		return fmt.Errorf("%w: job %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

var validTaskTransitions = map[models.TaskStatus][]models.TaskStatus{
	models.TaskPending: {models.TaskQueued, models.TaskFailed},
	models.TaskQueued:  {models.TaskRunning, models.TaskFailed},
	models.TaskRunning: {models.TaskCompleted, models.TaskFailed, models.TaskQueued},
}

func checkTaskTransition(from, to models.TaskStatus) error {
	for _, allowed := range validTaskTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: task %s -> %s", ErrInvalidTransition, from, to)
}
