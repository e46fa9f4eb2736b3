package alert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kiranshivaraju/reviewlens/internal/store"
	"github.com/kiranshivaraju/reviewlens/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingChannel struct {
	name string
	err  error

	mu     sync.Mutex
	alerts []models.Alert
}

func (c *recordingChannel) Name() string { return c.name }

func (c *recordingChannel) Deliver(_ context.Context, a models.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
	return c.err
}

func (c *recordingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

func stuckRule() *models.AlertRule {
	return &models.AlertRule{
		Name:      "stuck-tasks",
		Metric:    MetricStuckTasks,
		Operator:  ">",
		Threshold: 5,
		Severity:  models.SeverityCritical,
		Channels:  []string{"test"},
		Cooldown:  10 * time.Minute,
	}
}

// storedRule upserts rule and returns the stored copy.
func storedRule(t *testing.T, s *store.MemoryStore, rule *models.AlertRule) *models.AlertRule {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.UpsertAlertRule(ctx, rule))
	rules, err := s.ListAlertRules(ctx)
	require.NoError(t, err)
	for _, r := range rules {
		if r.Name == rule.Name {
			return r
		}
	}
	t.Fatalf("rule %s not stored", rule.Name)
	return nil
}

func TestCompare(t *testing.T) {
	tests := []struct {
		op   string
		v    float64
		want bool
	}{
		{">", 6, true}, {">", 5, false},
		{">=", 5, true}, {"<", 4, true},
		{"<=", 5, true}, {"==", 5, true}, {"!=", 5, false},
	}
	for _, tt := range tests {
		got, err := Compare(tt.v, tt.op, 5)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%v %s 5", tt.v, tt.op)
	}
	_, err := Compare(1, "~", 1)
	assert.ErrorIs(t, err, ErrUnknownOperator)
}

func TestEvaluate_CooldownSuppressesRepeat(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	ch := &recordingChannel{name: "test"}
	n := NewNotifier(s, nil, nil, ch)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return now }

	// first breach fires
	rule := storedRule(t, s, stuckRule())
	a, err := n.Evaluate(ctx, rule, map[string]float64{MetricStuckTasks: 7})
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "stuck-tasks", a.Rule)
	assert.Equal(t, 7.0, a.Value)
	assert.Equal(t, models.SeverityCritical, a.Severity)

	// breach within cooldown does not
	now = now.Add(5 * time.Minute)
	rule = storedRule(t, s, stuckRule())
	a, err = n.Evaluate(ctx, rule, map[string]float64{MetricStuckTasks: 8})
	require.NoError(t, err)
	assert.Nil(t, a)

	// after the cooldown it fires again
	now = now.Add(6 * time.Minute)
	rule = storedRule(t, s, stuckRule())
	a, err = n.Evaluate(ctx, rule, map[string]float64{MetricStuckTasks: 8})
	require.NoError(t, err)
	require.NotNil(t, a)

	assert.Equal(t, 2, ch.count())
}

func TestEvaluate_ConditionFalseOrMetricMissing(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	ch := &recordingChannel{name: "test"}
	n := NewNotifier(s, nil, nil, ch)
	rule := storedRule(t, s, stuckRule())

	a, err := n.Evaluate(ctx, rule, map[string]float64{MetricStuckTasks: 5})
	require.NoError(t, err)
	assert.Nil(t, a)

	a, err = n.Evaluate(ctx, rule, map[string]float64{MetricStarvedTasks: 100})
	require.NoError(t, err)
	assert.Nil(t, a)
	assert.Zero(t, ch.count())
}

func TestEvaluate_ConcurrentEvaluatorsFireOnce(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	ch := &recordingChannel{name: "test"}
	rule := storedRule(t, s, stuckRule())

	var fired atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := NewNotifier(s, nil, nil, ch)
			a, err := n.Evaluate(ctx, rule, map[string]float64{MetricStuckTasks: 9})
			assert.NoError(t, err)
			if a != nil {
				fired.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, fired.Load())
	assert.Equal(t, 1, ch.count())
}

func TestEvaluate_ChannelFailuresAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	bad := &recordingChannel{name: "bad", err: errors.New("smtp down")}
	good := &recordingChannel{name: "good"}
	n := NewNotifier(s, nil, nil, bad, good)

	r := stuckRule()
	r.Channels = []string{"bad", "missing", "good"}
	rule := storedRule(t, s, r)

	a, err := n.Evaluate(ctx, rule, map[string]float64{MetricStuckTasks: 6})
	require.NotNil(t, a)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownChannel)
	assert.Contains(t, err.Error(), "smtp down")
	assert.Equal(t, 1, good.count())
	assert.Equal(t, 1, bad.count())
}

func TestEvaluateAll(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	ch := &recordingChannel{name: "test"}
	n := NewNotifier(s, nil, nil, ch)

	storedRule(t, s, stuckRule())
	starved := stuckRule()
	starved.Name = "starved-tasks"
	starved.Metric = MetricStarvedTasks
	starved.Threshold = 0
	storedRule(t, s, starved)

	fired, err := n.EvaluateAll(ctx, map[string]float64{MetricStuckTasks: 1, MetricStarvedTasks: 3})
	require.NoError(t, err)
	require.Len(t, fired, 1)
	assert.Equal(t, "starved-tasks", fired[0].Rule)
}

func TestWebhookChannel(t *testing.T) {
	var got models.Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL, time.Second)
	err := ch.Deliver(context.Background(), models.Alert{Rule: "r", Metric: MetricStuckTasks, Value: 3})
	require.NoError(t, err)
	assert.Equal(t, "r", got.Rule)
	assert.Equal(t, "webhook", ch.Name())
}

func TestWebhookChannel_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewWebhookChannel(srv.URL, time.Second).Deliver(context.Background(), models.Alert{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestLogChannel(t *testing.T) {
	ch := NewLogChannel(nil)
	assert.Equal(t, "log", ch.Name())
	assert.NoError(t, ch.Deliver(context.Background(), models.Alert{Severity: models.SeverityCritical}))
}

func TestLoadRules(t *testing.T) {
	src := `
rules:
  - name: stuck-tasks
    metric: stuck_tasks
    operator: ">"
    threshold: 5
    severity: critical
    channels: [log, webhook]
    cooldown: 15m
  - name: starved
    metric: starved_tasks
    operator: ">="
    threshold: 1
`
	rules, err := LoadRules(strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, 15*time.Minute, rules[0].Cooldown)
	assert.Equal(t, []string{"log", "webhook"}, rules[0].Channels)
	assert.Equal(t, models.SeverityWarning, rules[1].Severity)
	assert.Equal(t, []string{"log"}, rules[1].Channels)
}

func TestLoadRules_Invalid(t *testing.T) {
	tests := map[string]string{
		"bad operator":  "rules:\n  - {name: a, metric: m, operator: '~'}\n",
		"missing name":  "rules:\n  - {metric: m, operator: '>'}\n",
		"duplicate":     "rules:\n  - {name: a, metric: m, operator: '>'}\n  - {name: a, metric: m, operator: '<'}\n",
		"unknown field": "rules:\n  - {name: a, metric: m, operator: '>', colour: red}\n",
		"bad severity":  "rules:\n  - {name: a, metric: m, operator: '>', severity: loud}\n",
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadRules(strings.NewReader(src))
			assert.Error(t, err)
		})
	}
}

func TestLoadRules_Empty(t *testing.T) {
	rules, err := LoadRules(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestSaveRules_KeepsTriggerTime(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	rule := storedRule(t, s, stuckRule())
	at := time.Now().UTC()
	ok, err := s.ClaimAlertTrigger(ctx, rule.Name, nil, at)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, SaveRules(ctx, s, []*models.AlertRule{stuckRule()}))
	rules, err := s.ListAlertRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.NotNil(t, rules[0].LastTriggeredAt)
	assert.True(t, rules[0].LastTriggeredAt.Equal(at))
}
