package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/reviewlens/internal/metrics"
	"github.com/kiranshivaraju/reviewlens/internal/store"
	"github.com/kiranshivaraju/reviewlens/pkg/models"
)

// DefaultMaxDelay caps the computed backoff when no other cap is configured.
const DefaultMaxDelay = 10 * time.Minute

// JitterFraction is the upper bound of the random extra delay, relative to the base delay.
const JitterFraction = 0.10

// TaskTransitioner is the slice of the store the engine needs.
type TaskTransitioner interface {
	TransitionTask(ctx context.Context, id uuid.UUID, from, to models.TaskStatus, opts ...store.TaskUpdateOption) (bool, error)
}

// Action is what HandleFailure did to a task.
type Action string

const (
	ActionRequeued Action = "requeued"
	ActionFailed   Action = "failed"
	// ActionSkipped means the task was already terminal or another writer moved it first.
	ActionSkipped Action = "skipped"
)

// Decision describes the outcome of HandleFailure.
type Decision struct {
	Action     Action
	Class      Class
	RetryCount int
	MaxRetries int
	Delay      time.Duration
	NotBefore  time.Time
}

type options struct {
	forceFail      bool
	failureMessage string
}

// Option adjusts a single HandleFailure call.
type Option func(*options)

// ForceFail makes the failure terminal regardless of remaining retries.
func ForceFail() Option {
	return func(o *options) { o.forceFail = true }
}

// WithFailureMessage replaces the error text persisted when the task fails terminally.
func WithFailureMessage(msg string) Option {
	return func(o *options) { o.failureMessage = msg }
}

// Engine applies retry policy to failed tasks.
type Engine struct {
	store    TaskTransitioner
	policies map[Class]Policy
	maxDelay time.Duration
	logger   *slog.Logger
	metrics  *metrics.Collector

	now    func() time.Time
	jitter func() float64
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithPolicies overrides the class policies. Classes missing from p keep their defaults.
func WithPolicies(p map[Class]Policy) EngineOption {
	return func(e *Engine) {
		for class, policy := range p {
			e.policies[class] = policy
		}
	}
}

func WithMaxDelay(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.maxDelay = d
		}
	}
}

func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

func WithMetrics(c *metrics.Collector) EngineOption {
	return func(e *Engine) { e.metrics = c }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithJitterSource overrides the uniform [0,1) source used for jitter.
func WithJitterSource(f func() float64) EngineOption {
	return func(e *Engine) { e.jitter = f }
}

// NewEngine creates an Engine with the default policies.
func NewEngine(s TaskTransitioner, opts ...EngineOption) *Engine {
	e := &Engine{
		store:    s,
		policies: DefaultPolicies(),
		maxDelay: DefaultMaxDelay,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		jitter:   rand.Float64,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the policy for class, falling back to ClassUnknown.
func (e *Engine) Policy(class Class) Policy {
	if p, ok := e.policies[class]; ok {
		return p
	}
	return e.policies[ClassUnknown]
}

// BaseDelay is min(base * factor^retryCount, maxDelay) without jitter.
func (e *Engine) BaseDelay(class Class, retryCount int) time.Duration {
	p := e.Policy(class)
	if retryCount < 0 {
		retryCount = 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.Factor, float64(retryCount))
	if math.IsInf(d, 0) || math.IsNaN(d) || d > float64(e.maxDelay) {
		return e.maxDelay
	}
	return time.Duration(d)
}

// Delay is BaseDelay plus up to JitterFraction of uniform random jitter.
func (e *Engine) Delay(class Class, retryCount int) time.Duration {
	base := e.BaseDelay(class, retryCount)
	return base + time.Duration(float64(base)*JitterFraction*e.jitter())
}

// MaxRetriesFor is the class limit, tightened by the task's own limit when set.
func (e *Engine) MaxRetriesFor(task *models.Task, class Class) int {
	limit := e.Policy(class).MaxRetries
	if task.MaxRetries > 0 && task.MaxRetries < limit {
		limit = task.MaxRetries
	}
	return limit
}

// HandleFailure folds a task failure into the task's retry state. The task is moved
// from the status and version observed in task to either queued with a not-before
// time or terminal failed. Terminal tasks and lost races are no-ops, including a
// view of an earlier attempt that has since been requeued and claimed again.
func (e *Engine) HandleFailure(ctx context.Context, task *models.Task, cause error, opts ...Option) (Decision, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	class := Classify(cause)
	d := Decision{
		Action:     ActionSkipped,
		Class:      class,
		RetryCount: task.RetryCount,
		MaxRetries: e.MaxRetriesFor(task, class),
	}
	if task.Status.IsTerminal() {
		return d, nil
	}

	log := e.logger.With("task_id", task.ID, "job_id", task.JobID, "error_class", class)
	now := e.now()

	if o.forceFail || task.RetryCount >= d.MaxRetries {
		msg := errorText(cause)
		if o.failureMessage != "" {
			msg = o.failureMessage
		}
		ok, err := e.store.TransitionTask(ctx, task.ID, task.Status, models.TaskFailed,
			store.IfVersion(task.Version),
			store.WithError(string(class), msg),
			store.WithCompletedAt(now))
		if err != nil {
			return d, fmt.Errorf("fail task %s: %w", task.ID, err)
		}
		if !ok {
			log.Debug("task moved by another writer, skipping failure")
			return d, nil
		}
		d.Action = ActionFailed
		e.metrics.RecordOutcome(string(models.TaskFailed), 0)
		log.Warn("task failed permanently", "retry_count", task.RetryCount, "error", msg)
		return d, nil
	}

	d.Delay = e.Delay(class, task.RetryCount)
	d.NotBefore = now.Add(d.Delay)
	d.RetryCount = task.RetryCount + 1

	ok, err := e.store.TransitionTask(ctx, task.ID, task.Status, models.TaskQueued,
		store.IfVersion(task.Version),
		store.WithRetryCount(d.RetryCount),
		store.WithErrorClass(string(class)),
		store.WithNotBefore(d.NotBefore))
	if err != nil {
		return d, fmt.Errorf("requeue task %s: %w", task.ID, err)
	}
	if !ok {
		log.Debug("task moved by another writer, skipping requeue")
		d.RetryCount = task.RetryCount
		return d, nil
	}
	d.Action = ActionRequeued
	e.metrics.RecordRetry(string(class))
	log.Info("task requeued", "retry_count", d.RetryCount, "delay", d.Delay, "error", errorText(cause))
	return d, nil
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
