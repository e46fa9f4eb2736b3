package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/reviewlens/pkg/models"
)

// MemoryStore is an in-process Store with the same compare-and-set semantics as
// PostgresStore. Values are copied on the way in and out.
type MemoryStore struct {
	mu    sync.Mutex
	now   func() time.Time
	keys  map[uuid.UUID]*models.APIKey
	jobs  map[uuid.UUID]*models.Job
	tasks map[uuid.UUID]*models.Task
	rules map[string]*models.AlertRule
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:   func() time.Time { return time.Now().UTC() },
		keys:  make(map[uuid.UUID]*models.APIKey),
		jobs:  make(map[uuid.UUID]*models.Job),
		tasks: make(map[uuid.UUID]*models.Task),
		rules: make(map[string]*models.AlertRule),
	}
}

// SetClock overrides the clock used for updated_at stamps.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// --- API Keys ---

func (s *MemoryStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []*models.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			c := *k
			keys = append(keys, &c)
		}
	}
	return keys, nil
}

func (s *MemoryStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return nil
	}
	now := s.now()
	k.LastUsedAt = &now
	k.UpdatedAt = now
	return nil
}

func (s *MemoryStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range s.keys {
		if k.KeyPrefix == key.KeyPrefix {
			return ErrDuplicateKey
		}
	}
	c := *key
	s.keys[key.ID] = &c
	return nil
}

// --- Jobs ---

func (s *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return ErrDuplicateKey
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(j), nil
}

func (s *MemoryStore) ListJobsByStatus(_ context.Context, statuses ...models.JobStatus) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []*models.Job
	for _, j := range s.jobs {
		for _, st := range statuses {
			if j.Status == st {
				jobs = append(jobs, cloneJob(j))
				break
			}
		}
	}
	sort.Slice(jobs, func(a, b int) bool {
		if jobs[a].Priority != jobs[b].Priority {
			return jobs[a].Priority > jobs[b].Priority
		}
		return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
	})
	return jobs, nil
}

func (s *MemoryStore) TransitionJob(_ context.Context, id uuid.UUID, from, to models.JobStatus, opts ...JobUpdateOption) (bool, error) {
	if err := checkJobTransition(from, to); err != nil {
		return false, err
	}
	params := applyJobOptions(opts)

	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	if j.Status != from {
		return false, nil
	}

	now := s.now()
	j.Status = to
	j.UpdatedAt = now
	if to.IsTerminal() {
		j.CompletedAt = &now
	}
	if params.ErrorMessage != nil {
		msg := *params.ErrorMessage
		j.ErrorMessage = &msg
	}
	if params.TaskCount != nil {
		j.TaskCount = *params.TaskCount
	}
	if params.FilterStats != nil {
		stats := *params.FilterStats
		j.FilterStats = &stats
	}
	return true, nil
}

func (s *MemoryStore) SaveJobReport(_ context.Context, id uuid.UUID, report *models.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	r := *report
	r.Themes = append([]models.Theme(nil), report.Themes...)
	j.Report = &r
	j.UpdatedAt = s.now()
	return nil
}

// --- Tasks ---

func (s *MemoryStore) CreateTasks(_ context.Context, tasks []*models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range tasks {
		if _, ok := s.tasks[t.ID]; ok {
			return ErrDuplicateKey
		}
		if _, ok := s.jobs[t.JobID]; !ok {
			return fmt.Errorf("create tasks: job %s: %w", t.JobID, ErrNotFound)
		}
	}
	for _, t := range tasks {
		s.tasks[t.ID] = t.Clone()
	}
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, id uuid.UUID) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryStore) ListTasks(_ context.Context, filter TaskFilter) ([]*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := s.matchTasks(filter)
	sort.Slice(tasks, func(a, b int) bool {
		ta, tb := tasks[a], tasks[b]
		if ta.Priority != tb.Priority {
			return ta.Priority > tb.Priority
		}
		if ea, eb := ta.EligibleAt(), tb.EligibleAt(); !ea.Equal(eb) {
			return ea.Before(eb)
		}
		if ta.BatchIndex != tb.BatchIndex {
			return ta.BatchIndex < tb.BatchIndex
		}
		return ta.CreatedAt.Before(tb.CreatedAt)
	})
	if filter.Limit > 0 && len(tasks) > filter.Limit {
		tasks = tasks[:filter.Limit]
	}

	out := make([]*models.Task, len(tasks))
	for i, t := range tasks {
		out[i] = t.Clone()
	}
	return out, nil
}

func (s *MemoryStore) CountTasks(_ context.Context, filter TaskFilter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.matchTasks(filter)), nil
}

func (s *MemoryStore) TaskCounts(_ context.Context, jobID uuid.UUID) (models.TaskCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := models.TaskCounts{}
	for _, t := range s.tasks {
		if t.JobID == jobID {
			counts[t.Status]++
		}
	}
	return counts, nil
}

func (s *MemoryStore) TransitionTask(_ context.Context, id uuid.UUID, from, to models.TaskStatus, opts ...TaskUpdateOption) (bool, error) {
	if err := checkTaskTransition(from, to); err != nil {
		return false, err
	}
	params := applyTaskOptions(opts)

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return false, ErrNotFound
	}
	if t.Status != from {
		return false, nil
	}
	if params.ExpectedVersion != nil && t.Version != *params.ExpectedVersion {
		return false, nil
	}

	t.Status = to
	t.Version++
	t.UpdatedAt = s.now()
	if params.RetryCount != nil {
		t.RetryCount = *params.RetryCount
	}
	if params.ErrorClass != nil {
		class := *params.ErrorClass
		t.ErrorClass = &class
	}
	if params.ErrorMessage != nil {
		msg := *params.ErrorMessage
		t.ErrorMessage = &msg
	} else if params.ClearErrorMessage {
		t.ErrorMessage = nil
	}
	if params.NotBefore != nil {
		nb := *params.NotBefore
		t.NotBefore = &nb
	}
	if params.StartedAt != nil {
		st := *params.StartedAt
		t.StartedAt = &st
	}
	if params.CompletedAt != nil {
		ct := *params.CompletedAt
		t.CompletedAt = &ct
	}
	if params.SetThemes {
		t.Themes = append([]models.Theme(nil), params.Themes...)
	}
	return true, nil
}

func (s *MemoryStore) CountOutcomesSince(_ context.Context, since time.Time) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var completed, failed int
	for _, t := range s.tasks {
		if t.CompletedAt == nil || t.CompletedAt.Before(since) {
			continue
		}
		switch t.Status {
		case models.TaskCompleted:
			completed++
		case models.TaskFailed:
			failed++
		}
	}
	return completed, failed, nil
}

func (s *MemoryStore) DeleteTerminalTasksBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, t := range s.tasks {
		job, ok := s.jobs[t.JobID]
		if !ok || !job.Status.IsTerminal() {
			continue
		}
		if t.Status.IsTerminal() && t.UpdatedAt.Before(before) {
			delete(s.tasks, id)
			n++
		}
	}
	return n, nil
}

// matchTasks returns the stored tasks matching filter. Callers hold s.mu.
func (s *MemoryStore) matchTasks(filter TaskFilter) []*models.Task {
	var out []*models.Task
	for _, t := range s.tasks {
		if filter.JobID != uuid.Nil && t.JobID != filter.JobID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, t.Status) {
			continue
		}
		if !filter.StartedBefore.IsZero() && (t.StartedAt == nil || !t.StartedAt.Before(filter.StartedBefore)) {
			continue
		}
		if !filter.UpdatedBefore.IsZero() && !t.UpdatedAt.Before(filter.UpdatedBefore) {
			continue
		}
		if !filter.EligibleAt.IsZero() && t.NotBefore != nil && t.NotBefore.After(filter.EligibleAt) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// --- Alert Rules ---

func (s *MemoryStore) ListAlertRules(_ context.Context) ([]*models.AlertRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rules := make([]*models.AlertRule, 0, len(s.rules))
	for _, r := range s.rules {
		rules = append(rules, cloneRule(r))
	}
	sort.Slice(rules, func(a, b int) bool { return rules[a].Name < rules[b].Name })
	return rules, nil
}

func (s *MemoryStore) UpsertAlertRule(_ context.Context, rule *models.AlertRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := cloneRule(rule)
	if existing, ok := s.rules[rule.Name]; ok {
		c.LastTriggeredAt = existing.LastTriggeredAt
	} else {
		c.LastTriggeredAt = nil
	}
	s.rules[rule.Name] = c
	return nil
}

func (s *MemoryStore) ClaimAlertTrigger(_ context.Context, name string, prev *time.Time, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rules[name]
	if !ok {
		return false, nil
	}
	if !sameTime(r.LastTriggeredAt, prev) {
		return false, nil
	}
	r.LastTriggeredAt = &at
	return true, nil
}

func containsStatus(statuses []models.TaskStatus, st models.TaskStatus) bool {
	for _, s := range statuses {
		if s == st {
			return true
		}
	}
	return false
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func cloneJob(j *models.Job) *models.Job {
	c := *j
	if j.FilterStats != nil {
		stats := *j.FilterStats
		c.FilterStats = &stats
	}
	if j.Report != nil {
		r := *j.Report
		r.Themes = append([]models.Theme(nil), j.Report.Themes...)
		c.Report = &r
	}
	if j.ErrorMessage != nil {
		msg := *j.ErrorMessage
		c.ErrorMessage = &msg
	}
	if j.CompletedAt != nil {
		at := *j.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

func cloneRule(r *models.AlertRule) *models.AlertRule {
	c := *r
	c.Channels = append([]string(nil), r.Channels...)
	if r.LastTriggeredAt != nil {
		at := *r.LastTriggeredAt
		c.LastTriggeredAt = &at
	}
	return &c
}
