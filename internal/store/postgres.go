package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/reviewlens/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// --- Jobs ---

const jobColumns = `id, app_name, priority, status, task_count, filter_stats, report, error_message,
	created_at, updated_at, completed_at`

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	stats, err := marshalNullable(job.FilterStats)
	if err != nil {
		return fmt.Errorf("encode filter stats: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (id, app_name, priority, status, task_count, filter_stats, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.AppName, job.Priority, string(job.Status), job.TaskCount, stats, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobsByStatus(ctx context.Context, statuses ...models.JobStatus) ([]*models.Job, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ANY($1) ORDER BY priority DESC, created_at ASC`, names)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) TransitionJob(ctx context.Context, id uuid.UUID, from, to models.JobStatus, opts ...JobUpdateOption) (bool, error) {
	if err := checkJobTransition(from, to); err != nil {
		return false, err
	}
	params := applyJobOptions(opts)

	now := time.Now().UTC()
	query := `UPDATE jobs SET status = $3, updated_at = $4`
	args := []any{id, string(from), string(to), now}
	argIdx := 5

	if to.IsTerminal() {
		query += fmt.Sprintf(", completed_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if params.ErrorMessage != nil {
		query += fmt.Sprintf(", error_message = $%d", argIdx)
		args = append(args, *params.ErrorMessage)
		argIdx++
	}
	if params.TaskCount != nil {
		query += fmt.Sprintf(", task_count = $%d", argIdx)
		args = append(args, *params.TaskCount)
		argIdx++
	}
	if params.FilterStats != nil {
		stats, err := json.Marshal(params.FilterStats)
		if err != nil {
			return false, fmt.Errorf("encode filter stats: %w", err)
		}
		query += fmt.Sprintf(", filter_stats = $%d", argIdx)
		args = append(args, stats)
	}

	query += " WHERE id = $1 AND status = $2"

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("transition job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, s.ensureExists(ctx, "jobs", id)
	}
	return true, nil
}

func (s *PostgresStore) SaveJobReport(ctx context.Context, id uuid.UUID, report *models.Report) error {
	raw, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET report = $2, updated_at = NOW() WHERE id = $1`, id, raw)
	if err != nil {
		return fmt.Errorf("save job report: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j      models.Job
		status string
		stats  []byte
		report []byte
	)
	if err := row.Scan(&j.ID, &j.AppName, &j.Priority, &status, &j.TaskCount, &stats, &report,
		&j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt, &j.CompletedAt); err != nil {
		return nil, err
	}
	j.Status = models.JobStatus(status)
	if len(stats) > 0 {
		j.FilterStats = &models.FilterStats{}
		if err := json.Unmarshal(stats, j.FilterStats); err != nil {
			return nil, fmt.Errorf("decode filter stats: %w", err)
		}
	}
	if len(report) > 0 {
		j.Report = &models.Report{}
		if err := json.Unmarshal(report, j.Report); err != nil {
			return nil, fmt.Errorf("decode report: %w", err)
		}
	}
	return &j, nil
}

// --- Tasks ---

const taskColumns = `id, job_id, batch_index, priority, items, status, retry_count, max_retries, version,
	error_class, error_message, not_before, themes, created_at, updated_at, started_at, completed_at`

// CreateTasks inserts all tasks in one batch. The batch is sent in a single
// transaction so a job never ends up with a partial task set.
func (s *PostgresStore) CreateTasks(ctx context.Context, tasks []*models.Task) error {
	if len(tasks) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create tasks: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	batch := &pgx.Batch{}
	for _, t := range tasks {
		items, err := json.Marshal(t.Items)
		if err != nil {
			return fmt.Errorf("encode task items: %w", err)
		}
		batch.Queue(
			`INSERT INTO tasks (id, job_id, batch_index, priority, items, status, retry_count, max_retries,
			   not_before, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			t.ID, t.JobID, t.BatchIndex, t.Priority, items, string(t.Status), t.RetryCount, t.MaxRetries,
			t.NotBefore, t.CreatedAt, t.UpdatedAt)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create tasks: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create tasks: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// taskWhere builds the WHERE clause for a TaskFilter.
func taskWhere(filter TaskFilter) (string, []any) {
	conditions := []string{"TRUE"}
	var args []any
	argIdx := 1

	if filter.JobID != uuid.Nil {
		conditions = append(conditions, fmt.Sprintf("job_id = $%d", argIdx))
		args = append(args, filter.JobID)
		argIdx++
	}
	if len(filter.Statuses) > 0 {
		names := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			names[i] = string(st)
		}
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", argIdx))
		args = append(args, names)
		argIdx++
	}
	if !filter.StartedBefore.IsZero() {
		conditions = append(conditions, fmt.Sprintf("started_at < $%d", argIdx))
		args = append(args, filter.StartedBefore)
		argIdx++
	}
	if !filter.UpdatedBefore.IsZero() {
		conditions = append(conditions, fmt.Sprintf("updated_at < $%d", argIdx))
		args = append(args, filter.UpdatedBefore)
		argIdx++
	}
	if !filter.EligibleAt.IsZero() {
		conditions = append(conditions, fmt.Sprintf("(not_before IS NULL OR not_before <= $%d)", argIdx))
		args = append(args, filter.EligibleAt)
	}

	return strings.Join(conditions, " AND "), args
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, error) {
	where, args := taskWhere(filter)
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + where +
		` ORDER BY priority DESC, COALESCE(not_before, created_at) ASC, batch_index ASC, created_at ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) CountTasks(ctx context.Context, filter TaskFilter) (int, error) {
	where, args := taskWhere(filter)
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tasks WHERE `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) TaskCounts(ctx context.Context, jobID uuid.UUID) (models.TaskCounts, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM tasks WHERE job_id = $1 GROUP BY status`, jobID)
	if err != nil {
		return nil, fmt.Errorf("task counts: %w", err)
	}
	defer rows.Close()

	counts := models.TaskCounts{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		counts[models.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *PostgresStore) TransitionTask(ctx context.Context, id uuid.UUID, from, to models.TaskStatus, opts ...TaskUpdateOption) (bool, error) {
	if err := checkTaskTransition(from, to); err != nil {
		return false, err
	}
	params := applyTaskOptions(opts)

	query := `UPDATE tasks SET status = $3, updated_at = $4, version = version + 1`
	args := []any{id, string(from), string(to), time.Now().UTC()}
	argIdx := 5

	set := func(column string, value any) {
		query += fmt.Sprintf(", %s = $%d", column, argIdx)
		args = append(args, value)
		argIdx++
	}

	if params.RetryCount != nil {
		set("retry_count", *params.RetryCount)
	}
	if params.ErrorClass != nil {
		set("error_class", *params.ErrorClass)
	}
	if params.ErrorMessage != nil {
		set("error_message", *params.ErrorMessage)
	} else if params.ClearErrorMessage {
		query += ", error_message = NULL"
	}
	if params.NotBefore != nil {
		set("not_before", *params.NotBefore)
	}
	if params.StartedAt != nil {
		set("started_at", *params.StartedAt)
	}
	if params.CompletedAt != nil {
		set("completed_at", *params.CompletedAt)
	}
	if params.SetThemes {
		themes, err := json.Marshal(params.Themes)
		if err != nil {
			return false, fmt.Errorf("encode themes: %w", err)
		}
		set("themes", themes)
	}

	query += " WHERE id = $1 AND status = $2"
	if params.ExpectedVersion != nil {
		query += fmt.Sprintf(" AND version = $%d", argIdx)
		args = append(args, *params.ExpectedVersion)
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("transition task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, s.ensureExists(ctx, "tasks", id)
	}
	return true, nil
}

func (s *PostgresStore) CountOutcomesSince(ctx context.Context, since time.Time) (int, int, error) {
	var completed, failed int
	err := s.pool.QueryRow(ctx,
		`SELECT
		   COUNT(*) FILTER (WHERE status = 'completed'),
		   COUNT(*) FILTER (WHERE status = 'failed')
		 FROM tasks WHERE status IN ('completed', 'failed') AND completed_at >= $1`, since,
	).Scan(&completed, &failed)
	if err != nil {
		return 0, 0, fmt.Errorf("count outcomes: %w", err)
	}
	return completed, failed, nil
}

func (s *PostgresStore) DeleteTerminalTasksBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM tasks t USING jobs j
		 WHERE t.job_id = j.id
		   AND j.status IN ('completed', 'failed')
		   AND t.status IN ('completed', 'failed')
		   AND t.updated_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete terminal tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanTask(row pgx.Row) (*models.Task, error) {
	var (
		t      models.Task
		status string
		items  []byte
		themes []byte
	)
	if err := row.Scan(&t.ID, &t.JobID, &t.BatchIndex, &t.Priority, &items, &status, &t.RetryCount,
		&t.MaxRetries, &t.Version, &t.ErrorClass, &t.ErrorMessage, &t.NotBefore, &themes, &t.CreatedAt,
		&t.UpdatedAt, &t.StartedAt, &t.CompletedAt); err != nil {
		return nil, err
	}
	t.Status = models.TaskStatus(status)
	if err := json.Unmarshal(items, &t.Items); err != nil {
		return nil, fmt.Errorf("decode task items: %w", err)
	}
	if len(themes) > 0 {
		if err := json.Unmarshal(themes, &t.Themes); err != nil {
			return nil, fmt.Errorf("decode task themes: %w", err)
		}
	}
	return &t, nil
}

// --- Alert Rules ---

func (s *PostgresStore) ListAlertRules(ctx context.Context) ([]*models.AlertRule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, metric, operator, threshold, severity, channels, cooldown_seconds, last_triggered_at
		 FROM alert_rules ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list alert rules: %w", err)
	}
	defer rows.Close()

	var rules []*models.AlertRule
	for rows.Next() {
		var (
			r        models.AlertRule
			cooldown int64
		)
		if err := rows.Scan(&r.Name, &r.Metric, &r.Operator, &r.Threshold, &r.Severity, &r.Channels,
			&cooldown, &r.LastTriggeredAt); err != nil {
			return nil, fmt.Errorf("scan alert rule: %w", err)
		}
		r.Cooldown = time.Duration(cooldown) * time.Second
		rules = append(rules, &r)
	}
	return rules, rows.Err()
}

// UpsertAlertRule creates or redefines a rule. The trigger timestamp of an
// existing rule is preserved so reloading rules never resets a cooldown.
func (s *PostgresStore) UpsertAlertRule(ctx context.Context, rule *models.AlertRule) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO alert_rules (name, metric, operator, threshold, severity, channels, cooldown_seconds)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (name) DO UPDATE SET
		   metric = EXCLUDED.metric,
		   operator = EXCLUDED.operator,
		   threshold = EXCLUDED.threshold,
		   severity = EXCLUDED.severity,
		   channels = EXCLUDED.channels,
		   cooldown_seconds = EXCLUDED.cooldown_seconds,
		   updated_at = NOW()`,
		rule.Name, rule.Metric, rule.Operator, rule.Threshold, rule.Severity, rule.Channels,
		int64(rule.Cooldown/time.Second))
	if err != nil {
		return fmt.Errorf("upsert alert rule: %w", err)
	}
	return nil
}

// ClaimAlertTrigger sets last_triggered_at to at only if it still equals prev.
func (s *PostgresStore) ClaimAlertTrigger(ctx context.Context, name string, prev *time.Time, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE alert_rules SET last_triggered_at = $3, updated_at = NOW()
		 WHERE name = $1 AND last_triggered_at IS NOT DISTINCT FROM $2`, name, prev, at)
	if err != nil {
		return false, fmt.Errorf("claim alert trigger: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ensureExists distinguishes a lost compare-and-set (nil) from a missing row.
func (s *PostgresStore) ensureExists(ctx context.Context, table string, id uuid.UUID) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check %s exists: %w", table, err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

func marshalNullable[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
