package store_test

import (
	"context"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/reviewlens/internal/config"
	"github.com/kiranshivaraju/reviewlens/internal/store"
	"github.com/kiranshivaraju/reviewlens/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("reviewlens_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

// backends runs fn against the in-memory store and, outside -short, against Postgres.
func backends(t *testing.T, fn func(t *testing.T, s store.Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, store.NewMemoryStore())
	})
	t.Run("postgres", func(t *testing.T) {
		if testing.Short() {
			t.Skip("skipping integration test")
		}
		fn(t, store.NewPostgresStore(setupTestDB(t)))
	})
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func newJob(t *testing.T, s store.Store, status models.JobStatus) *models.Job {
	t.Helper()
	ts := now()
	job := &models.Job{
		ID:        uuid.New(),
		AppName:   "acme",
		Status:    status,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	require.NoError(t, s.CreateJob(context.Background(), job))
	return job
}

func newTasks(t *testing.T, s store.Store, jobID uuid.UUID, n int) []*models.Task {
	t.Helper()
	ts := now()
	tasks := make([]*models.Task, n)
	for i := range tasks {
		tasks[i] = &models.Task{
			ID:         uuid.New(),
			JobID:      jobID,
			BatchIndex: i,
			Items:      []models.ReviewItem{{ID: "r", Source: models.SourceAppStore, Text: "crashes a lot"}},
			Status:     models.TaskPending,
			MaxRetries: 3,
			CreatedAt:  ts,
			UpdatedAt:  ts,
		}
	}
	require.NoError(t, s.CreateTasks(context.Background(), tasks))
	return tasks
}

// --- Jobs ---

func TestJob_CreateAndGet(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job := newJob(t, s, models.JobCollecting)

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, "acme", got.AppName)
		assert.Equal(t, models.JobCollecting, got.Status)
		assert.Nil(t, got.FilterStats)

		_, err = s.GetJob(ctx, uuid.New())
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestJob_TransitionIsCompareAndSet(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job := newJob(t, s, models.JobCollecting)

		stats := models.FilterStats{Final: models.StageCount{Total: 7, BySource: map[string]int{"reddit": 7}}}
		ok, err := s.TransitionJob(ctx, job.ID, models.JobCollecting, models.JobReady,
			store.WithTaskCount(2), store.WithFilterStats(stats))
		require.NoError(t, err)
		assert.True(t, ok)

		// stale expectation loses silently
		ok, err = s.TransitionJob(ctx, job.ID, models.JobCollecting, models.JobReady)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobReady, got.Status)
		assert.Equal(t, 2, got.TaskCount)
		require.NotNil(t, got.FilterStats)
		assert.Equal(t, 7, got.FilterStats.Final.BySource["reddit"])
	})
}

func TestJob_TransitionNeverRegresses(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job := newJob(t, s, models.JobAnalyzing)

		_, err := s.TransitionJob(ctx, job.ID, models.JobAnalyzing, models.JobReady)
		assert.ErrorIs(t, err, store.ErrInvalidTransition)

		_, err = s.TransitionJob(ctx, job.ID, models.JobAnalyzing, models.JobAnalyzing)
		assert.ErrorIs(t, err, store.ErrInvalidTransition)

		ok, err := s.TransitionJob(ctx, job.ID, models.JobAnalyzing, models.JobFailed, store.WithErrorMessage("too many failures"))
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobFailed, got.Status)
		require.NotNil(t, got.CompletedAt)
		require.NotNil(t, got.ErrorMessage)
		assert.Equal(t, "too many failures", *got.ErrorMessage)
	})
}

func TestJob_TransitionUnknownID(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		_, err := s.TransitionJob(context.Background(), uuid.New(), models.JobReady, models.JobAnalyzing)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestJob_ListByStatusAndReport(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		ready := newJob(t, s, models.JobReady)
		analyzing := newJob(t, s, models.JobAnalyzing)
		newJob(t, s, models.JobCompleted)

		jobs, err := s.ListJobsByStatus(ctx, models.JobReady, models.JobAnalyzing)
		require.NoError(t, err)
		ids := []uuid.UUID{}
		for _, j := range jobs {
			ids = append(ids, j.ID)
		}
		assert.ElementsMatch(t, []uuid.UUID{ready.ID, analyzing.ID}, ids)

		report := &models.Report{Themes: []models.Theme{{Name: "crashes", Mentions: 3}}, TasksCompleted: 2}
		require.NoError(t, s.SaveJobReport(ctx, ready.ID, report))

		got, err := s.GetJob(ctx, ready.ID)
		require.NoError(t, err)
		require.NotNil(t, got.Report)
		assert.Equal(t, "crashes", got.Report.Themes[0].Name)
	})
}

// --- Tasks ---

func TestTask_CreateGetAndCounts(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job := newJob(t, s, models.JobReady)
		tasks := newTasks(t, s, job.ID, 3)

		got, err := s.GetTask(ctx, tasks[1].ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.BatchIndex)
		assert.Equal(t, models.TaskPending, got.Status)
		require.Len(t, got.Items, 1)
		assert.Equal(t, "crashes a lot", got.Items[0].Text)

		counts, err := s.TaskCounts(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, counts[models.TaskPending])
		assert.Equal(t, 3, counts.Total())
		assert.Equal(t, 3, counts.Open())

		_, err = s.GetTask(ctx, uuid.New())
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestTask_TransitionOptions(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job := newJob(t, s, models.JobReady)
		task := newTasks(t, s, job.ID, 1)[0]

		ok, err := s.TransitionTask(ctx, task.ID, models.TaskPending, models.TaskQueued)
		require.NoError(t, err)
		require.True(t, ok)

		started := now()
		ok, err = s.TransitionTask(ctx, task.ID, models.TaskQueued, models.TaskRunning, store.WithStartedAt(started))
		require.NoError(t, err)
		require.True(t, ok)

		notBefore := now().Add(time.Minute)
		ok, err = s.TransitionTask(ctx, task.ID, models.TaskRunning, models.TaskQueued,
			store.WithRetryCount(1), store.WithError("network", "connection refused"), store.WithNotBefore(notBefore))
		require.NoError(t, err)
		require.True(t, ok)

		got, err := s.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TaskQueued, got.Status)
		assert.Equal(t, 1, got.RetryCount)
		require.NotNil(t, got.ErrorMessage)
		assert.Equal(t, "connection refused", *got.ErrorMessage)
		require.NotNil(t, got.NotBefore)
		assert.True(t, notBefore.Equal(*got.NotBefore))

		ok, err = s.TransitionTask(ctx, task.ID, models.TaskQueued, models.TaskRunning)
		require.NoError(t, err)
		require.True(t, ok)

		themes := []models.Theme{{Name: "stability", Sentiment: "negative", Mentions: 1}}
		ok, err = s.TransitionTask(ctx, task.ID, models.TaskRunning, models.TaskCompleted,
			store.WithThemes(themes), store.WithCompletedAt(now()), store.WithErrorClass("network"))
		require.NoError(t, err)
		require.True(t, ok)

		got, err = s.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TaskCompleted, got.Status)
		assert.Equal(t, themes, got.Themes)
		assert.Nil(t, got.ErrorMessage)
		require.NotNil(t, got.ErrorClass)
		assert.Equal(t, "network", *got.ErrorClass)
		assert.NotNil(t, got.CompletedAt)
	})
}

func TestTask_TransitionRejectsIllegalEdges(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job := newJob(t, s, models.JobReady)
		task := newTasks(t, s, job.ID, 1)[0]

		_, err := s.TransitionTask(ctx, task.ID, models.TaskCompleted, models.TaskQueued)
		assert.ErrorIs(t, err, store.ErrInvalidTransition)

		_, err = s.TransitionTask(ctx, task.ID, models.TaskPending, models.TaskCompleted)
		assert.ErrorIs(t, err, store.ErrInvalidTransition)
	})
}

func TestTask_TransitionIfVersion(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job := newJob(t, s, models.JobAnalyzing)
		task := newTasks(t, s, job.ID, 1)[0]

		ok, err := s.TransitionTask(ctx, task.ID, models.TaskPending, models.TaskQueued, store.IfVersion(0))
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = s.TransitionTask(ctx, task.ID, models.TaskQueued, models.TaskRunning, store.IfVersion(1))
		require.NoError(t, err)
		require.True(t, ok)

		first, err := s.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, first.Version)

		// requeue and claim again: status is back to running, version is not
		ok, err = s.TransitionTask(ctx, task.ID, models.TaskRunning, models.TaskQueued,
			store.IfVersion(first.Version), store.WithRetryCount(1))
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = s.TransitionTask(ctx, task.ID, models.TaskQueued, models.TaskRunning, store.IfVersion(3))
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = s.TransitionTask(ctx, task.ID, models.TaskRunning, models.TaskQueued,
			store.IfVersion(first.Version), store.WithRetryCount(1))
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TaskRunning, got.Status)
		assert.Equal(t, 4, got.Version)
		assert.Equal(t, 1, got.RetryCount)

		_, err = s.TransitionTask(ctx, uuid.New(), models.TaskRunning, models.TaskQueued, store.IfVersion(0))
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestTask_ConcurrentClaimHasOneWinner(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job := newJob(t, s, models.JobReady)
		task := newTasks(t, s, job.ID, 1)[0]

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.TransitionTask(ctx, task.ID, models.TaskPending, models.TaskQueued)
				assert.NoError(t, err)
				if ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})
}

func TestTask_ListFilters(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job := newJob(t, s, models.JobReady)
		other := newJob(t, s, models.JobReady)
		tasks := newTasks(t, s, job.ID, 4)
		newTasks(t, s, other.ID, 2)

		// task 0 deferred into the future
		_, err := s.TransitionTask(ctx, tasks[0].ID, models.TaskPending, models.TaskQueued,
			store.WithNotBefore(now().Add(time.Hour)))
		require.NoError(t, err)
		// task 3 running
		_, err = s.TransitionTask(ctx, tasks[3].ID, models.TaskPending, models.TaskQueued)
		require.NoError(t, err)
		_, err = s.TransitionTask(ctx, tasks[3].ID, models.TaskQueued, models.TaskRunning,
			store.WithStartedAt(now().Add(-time.Hour)))
		require.NoError(t, err)

		eligible, err := s.ListTasks(ctx, store.TaskFilter{
			JobID:      job.ID,
			Statuses:   []models.TaskStatus{models.TaskPending, models.TaskQueued},
			EligibleAt: now(),
		})
		require.NoError(t, err)
		require.Len(t, eligible, 2)
		assert.Equal(t, 1, eligible[0].BatchIndex)
		assert.Equal(t, 2, eligible[1].BatchIndex)

		limited, err := s.ListTasks(ctx, store.TaskFilter{JobID: job.ID, Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)

		stuck, err := s.ListTasks(ctx, store.TaskFilter{
			Statuses:      []models.TaskStatus{models.TaskRunning},
			StartedBefore: now().Add(-time.Minute),
		})
		require.NoError(t, err)
		require.Len(t, stuck, 1)
		assert.Equal(t, tasks[3].ID, stuck[0].ID)

		running, err := s.CountTasks(ctx, store.TaskFilter{Statuses: []models.TaskStatus{models.TaskRunning}})
		require.NoError(t, err)
		assert.Equal(t, 1, running)

		all, err := s.CountTasks(ctx, store.TaskFilter{})
		require.NoError(t, err)
		assert.Equal(t, 6, all)
	})
}

func TestTask_OutcomesAndRetention(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job := newJob(t, s, models.JobAnalyzing)
		tasks := newTasks(t, s, job.ID, 3)

		finish := func(task *models.Task, to models.TaskStatus) {
			_, err := s.TransitionTask(ctx, task.ID, models.TaskPending, models.TaskQueued)
			require.NoError(t, err)
			_, err = s.TransitionTask(ctx, task.ID, models.TaskQueued, models.TaskRunning)
			require.NoError(t, err)
			ok, err := s.TransitionTask(ctx, task.ID, models.TaskRunning, to, store.WithCompletedAt(now()))
			require.NoError(t, err)
			require.True(t, ok)
		}
		finish(tasks[0], models.TaskCompleted)
		finish(tasks[1], models.TaskFailed)

		completed, failed, err := s.CountOutcomesSince(ctx, now().Add(-time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, completed)
		assert.Equal(t, 1, failed)

		// the job is still open, so its finished tasks stay
		n, err := s.DeleteTerminalTasksBefore(ctx, now().Add(time.Minute))
		require.NoError(t, err)
		assert.Zero(t, n)

		ok, err := s.TransitionJob(ctx, job.ID, models.JobAnalyzing, models.JobCompleted)
		require.NoError(t, err)
		require.True(t, ok)

		n, err = s.DeleteTerminalTasksBefore(ctx, now().Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		counts, err := s.TaskCounts(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, counts.Total())
	})
}

// --- Alert Rules ---

func TestAlertRule_ClaimTrigger(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		rule := &models.AlertRule{
			Name:      "stuck-tasks",
			Metric:    "stuck_tasks",
			Operator:  ">",
			Threshold: 0,
			Severity:  models.SeverityWarning,
			Channels:  []string{"log"},
			Cooldown:  10 * time.Minute,
		}
		require.NoError(t, s.UpsertAlertRule(ctx, rule))

		first := now()
		ok, err := s.ClaimAlertTrigger(ctx, rule.Name, nil, first)
		require.NoError(t, err)
		assert.True(t, ok)

		// second claimant with the same stale view loses
		ok, err = s.ClaimAlertTrigger(ctx, rule.Name, nil, first.Add(time.Second))
		require.NoError(t, err)
		assert.False(t, ok)

		// reloading rule definitions keeps the trigger time
		require.NoError(t, s.UpsertAlertRule(ctx, rule))
		rules, err := s.ListAlertRules(ctx)
		require.NoError(t, err)
		require.Len(t, rules, 1)
		require.NotNil(t, rules[0].LastTriggeredAt)
		assert.True(t, first.Equal(*rules[0].LastTriggeredAt))
		assert.Equal(t, 10*time.Minute, rules[0].Cooldown)

		ok, err = s.ClaimAlertTrigger(ctx, rule.Name, rules[0].LastTriggeredAt, first.Add(time.Hour))
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

// --- API Keys ---

func TestAPIKey_CreateAndGet(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		ts := now()
		key := &models.APIKey{
			ID:        uuid.New(),
			Name:      "test-key",
			KeyHash:   "bcrypt-hash-here",
			KeyPrefix: "rl_abcd",
			Scopes:    []string{"jobs", "reconcile"},
			CreatedAt: ts,
			UpdatedAt: ts,
		}
		require.NoError(t, s.CreateAPIKey(ctx, key))

		keys, err := s.GetAPIKeyByPrefix(ctx, "rl_abcd")
		require.NoError(t, err)
		require.Len(t, keys, 1)
		assert.Equal(t, key.ID, keys[0].ID)
		assert.Equal(t, []string{"jobs", "reconcile"}, keys[0].Scopes)

		err = s.CreateAPIKey(ctx, &models.APIKey{ID: uuid.New(), Name: "dup", KeyHash: "x", KeyPrefix: "rl_abcd", CreatedAt: ts, UpdatedAt: ts})
		assert.ErrorIs(t, err, store.ErrDuplicateKey)

		require.NoError(t, s.UpdateAPIKeyLastUsed(ctx, key.ID))
		keys, err = s.GetAPIKeyByPrefix(ctx, "rl_abcd")
		require.NoError(t, err)
		assert.NotNil(t, keys[0].LastUsedAt)
	})
}

func TestPoolConfig(t *testing.T) {
	const url = "postgres://u:p@localhost:5432/reviewlens?sslmode=disable"

	tests := []struct {
		name    string
		cfg     config.DatabaseConfig
		maxConn int32
		minConn int32
		appName string
	}{
		{
			name:    "from config",
			cfg:     config.DatabaseConfig{URL: url, MaxOpenConns: 20, MaxIdleConns: 4, ConnMaxLifetime: time.Minute, ApplicationName: "reviewctl"},
			maxConn: 20, minConn: 4, appName: "reviewctl",
		},
		{
			name:    "idle clamped to max",
			cfg:     config.DatabaseConfig{URL: url, MaxOpenConns: 2, MaxIdleConns: 10},
			maxConn: 2, minConn: 2, appName: "reviewlens",
		},
		{
			name:    "zero max",
			cfg:     config.DatabaseConfig{URL: url},
			maxConn: 1, minConn: 0, appName: "reviewlens",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pc, err := store.PoolConfig(tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.maxConn, pc.MaxConns)
			assert.Equal(t, tt.minConn, pc.MinConns)
			assert.Equal(t, tt.appName, pc.ConnConfig.RuntimeParams["application_name"])
		})
	}

	_, err := store.PoolConfig(config.DatabaseConfig{URL: "postgres://u:p@host:5432/%zz"})
	assert.Error(t, err)
}

func TestMigrationVersion(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	pool := setupTestDB(t)
	connStr := pool.Config().ConnString()
	require.NoError(t, pool.Ping(ctx))

	version, dirty, err := store.MigrationVersion(connStr, migrationsDir())
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)
}
