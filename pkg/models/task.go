package models

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// IsTerminal reports whether no further transitions are expected from s.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Task is one schedulable unit of analysis over a fixed batch of review items.
// Items never change after creation; only status, retry bookkeeping, result and
// timestamps are mutated.
type Task struct {
	ID           uuid.UUID    `db:"id"            json:"id"`
	JobID        uuid.UUID    `db:"job_id"        json:"job_id"`
	BatchIndex   int          `db:"batch_index"   json:"batch_index"`
	Priority     int          `db:"priority"      json:"priority"`
	Items        []ReviewItem `db:"items"         json:"items"`
	Status       TaskStatus   `db:"status"        json:"status"`
	RetryCount   int          `db:"retry_count"   json:"retry_count"`
	MaxRetries   int          `db:"max_retries"   json:"max_retries"`
	// Version is bumped by every status transition. A writer holding an older
	// version is looking at a previous attempt.
	Version      int          `db:"version"       json:"version"`
	ErrorClass   *string      `db:"error_class"   json:"error_class,omitempty"`
	ErrorMessage *string      `db:"error_message" json:"error_message,omitempty"`
	NotBefore    *time.Time   `db:"not_before"    json:"not_before,omitempty"`
	Themes       []Theme      `db:"themes"        json:"themes,omitempty"`
	CreatedAt    time.Time    `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time    `db:"updated_at"    json:"updated_at"`
	StartedAt    *time.Time   `db:"started_at"    json:"started_at,omitempty"`
	CompletedAt  *time.Time   `db:"completed_at"  json:"completed_at,omitempty"`
}

// EligibleAt returns the earliest time the task may be dispatched.
func (t *Task) EligibleAt() time.Time {
	if t.NotBefore != nil {
		return *t.NotBefore
	}
	return t.CreatedAt
}

// Clone returns a deep copy of the mutable parts of t.
func (t *Task) Clone() *Task {
	c := *t
	c.Items = append([]ReviewItem(nil), t.Items...)
	c.Themes = append([]Theme(nil), t.Themes...)
	c.ErrorClass = clonePtr(t.ErrorClass)
	c.ErrorMessage = clonePtr(t.ErrorMessage)
	c.NotBefore = clonePtr(t.NotBefore)
	c.StartedAt = clonePtr(t.StartedAt)
	c.CompletedAt = clonePtr(t.CompletedAt)
	return &c
}

// TaskCounts is the number of tasks per status for one job.
type TaskCounts map[TaskStatus]int

// Total returns the number of tasks across all statuses.
func (c TaskCounts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// Open returns the number of tasks that are not yet terminal.
func (c TaskCounts) Open() int {
	return c[TaskPending] + c[TaskQueued] + c[TaskRunning]
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
