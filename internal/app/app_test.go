package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kiranshivaraju/reviewlens/internal/ai/mock"
	"github.com/kiranshivaraju/reviewlens/internal/app"
	"github.com/kiranshivaraju/reviewlens/internal/cache"
	"github.com/kiranshivaraju/reviewlens/internal/config"
	"github.com/kiranshivaraju/reviewlens/internal/pipeline"
	"github.com/kiranshivaraju/reviewlens/internal/scheduler"
	"github.com/kiranshivaraju/reviewlens/internal/store"
	"github.com/kiranshivaraju/reviewlens/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{RequestsPerMinute: 100},
		AI:     config.AIConfig{Provider: "mock", InferenceTimeout: time.Second},
		Pipeline: config.PipelineConfig{
			BatchSize:           5,
			MaxRetries:          2,
			JobFailureThreshold: 0.5,
			StatusCacheTTL:      time.Minute,
		},
		Quality: config.QualityConfig{
			Window:           24 * time.Hour,
			KeepUndated:      true,
			MinLength:        5,
			MaxLength:        1000,
			FingerprintChars: 50,
			DefaultQuota:     100,
		},
		Scheduler: config.SchedulerConfig{Capacity: 4, MemoryBudgetMB: 256, MaxDelay: time.Second},
		Recovery: config.RecoveryConfig{
			Interval:     time.Minute,
			StuckAfter:   time.Minute,
			StarvedAfter: time.Hour,
		},
	}
}

func newApp(t *testing.T) (*app.App, *store.MemoryStore) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s := store.NewMemoryStore()
	a := app.New(ctx, testConfig(), s, cache.NewMemoryCache(), mock.NewMockProvider(), nil, app.Options{
		Sampler: scheduler.FixedSampler{Load: 0.2, Mem: 0.2},
	})
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a, s
}

func TestNew_ProcessesJobEndToEnd(t *testing.T) {
	a, s := newApp(t)
	ctx := context.Background()

	job, err := a.Pipeline.CreateJob(ctx, pipeline.CreateJobParams{AppName: "acme"})
	require.NoError(t, err)

	items := make([]models.ReviewItem, 12)
	for i := range items {
		items[i] = models.ReviewItem{
			ID:     string(rune('a' + i)),
			Source: models.SourceGooglePlay,
			Text:   strings.Repeat(string(rune('a'+i)), 10) + " checkout keeps failing",
		}
	}
	res, err := a.Pipeline.CreateTasks(ctx, job.ID, items)
	require.NoError(t, err)
	assert.Len(t, res.TaskIDs, 3)

	_, err = a.Pipeline.Drive(ctx, job.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := s.GetJob(ctx, job.ID)
		return err == nil && got.Status == models.JobCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNew_ServesHealthAndMetrics(t *testing.T) {
	a, _ := newApp(t)

	for _, path := range []string{"/health", "/metrics"} {
		w := httptest.NewRecorder()
		a.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestLoadRules(t *testing.T) {
	a, s := newApp(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - name: high-failure-rate
    metric: failure_rate
    operator: ">"
    threshold: 0.3
    cooldown: 10m
  - name: starved
    metric: starved_tasks
    operator: ">="
    threshold: 1
    severity: critical
`), 0o600))

	n, err := a.LoadRules(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rules, err := s.ListAlertRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 2)

	// loading again keeps one row per name
	_, err = a.LoadRules(ctx, path)
	require.NoError(t, err)
	rules, err = s.ListAlertRules(ctx)
	require.NoError(t, err)
	assert.Len(t, rules, 2)
}

func TestLoadRules_EmptyPath(t *testing.T) {
	a, _ := newApp(t)
	n, err := a.LoadRules(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLoadRules_InvalidFile(t *testing.T) {
	a, _ := newApp(t)
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - name: x\n    operator: \"~\"\n"), 0o600))

	_, err := a.LoadRules(context.Background(), path)
	assert.Error(t, err)
}

func TestScrapers_SortedByName(t *testing.T) {
	scrapers := app.Scrapers(config.SourcesConfig{
		Endpoints: map[string]string{
			"reddit":    "http://reddit.local",
			"app_store": "http://appstore.local",
		},
		Timeout: time.Second,
	})
	require.Len(t, scrapers, 2)
	assert.Equal(t, "app_store", scrapers[0].Name())
	assert.Equal(t, "reddit", scrapers[1].Name())
}

func TestQualityConfig(t *testing.T) {
	qc := app.QualityConfig(config.QualityConfig{
		MinLength:    10,
		MaxLength:    20,
		SourceQuotas: map[string]int{"reddit": 3},
		DefaultQuota: 7,
		Keywords:     []string{"crash"},
	})
	assert.Equal(t, 10, qc.MinLength)
	assert.Equal(t, 3, qc.QuotaFor("reddit"))
	assert.Equal(t, 7, qc.QuotaFor("app_store"))
	assert.Equal(t, []string{"crash"}, qc.Keywords)
}

func TestLoadRules_ShippedExample(t *testing.T) {
	a, _ := newApp(t)
	n, err := a.LoadRules(context.Background(), filepath.Join("..", "..", "configs", "alert-rules.yaml"))
	require.NoError(t, err)
	assert.Positive(t, n)
}
