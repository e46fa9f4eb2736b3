package models

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a Job. Statuses only ever move forward.
type JobStatus string

const (
	JobCollecting JobStatus = "collecting"
	JobReady      JobStatus = "ready"
	JobAnalyzing  JobStatus = "analyzing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

var jobStatusRank = map[JobStatus]int{
	JobCollecting: 0,
	JobReady:      1,
	JobAnalyzing:  2,
	JobCompleted:  3,
	JobFailed:     3,
}

// Rank orders statuses along the progression. Unknown statuses rank -1.
func (s JobStatus) Rank() int {
	r, ok := jobStatusRank[s]
	if !ok {
		return -1
	}
	return r
}

// IsTerminal reports whether the job has finished.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job is the user-facing report that owns a set of Tasks.
type Job struct {
	ID           uuid.UUID    `db:"id"            json:"id"`
	AppName      string       `db:"app_name"      json:"app_name"`
	Priority     int          `db:"priority"      json:"priority"`
	Status       JobStatus    `db:"status"        json:"status"`
	TaskCount    int          `db:"task_count"    json:"task_count"`
	FilterStats  *FilterStats `db:"filter_stats"  json:"filter_stats,omitempty"`
	Report       *Report      `db:"report"        json:"report,omitempty"`
	ErrorMessage *string      `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time    `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time    `db:"updated_at"    json:"updated_at"`
	CompletedAt  *time.Time   `db:"completed_at"  json:"completed_at,omitempty"`
}

// Report is the aggregated outcome of a completed job.
type Report struct {
	Themes         []Theme   `json:"themes"`
	TasksCompleted int       `json:"tasks_completed"`
	TasksFailed    int       `json:"tasks_failed"`
	ItemsAnalyzed  int       `json:"items_analyzed"`
	GeneratedAt    time.Time `json:"generated_at"`
}
