// Package alert evaluates threshold rules against pipeline metrics and delivers
// notifications, at most once per rule per cooldown window.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/reviewlens/internal/metrics"
	"github.com/kiranshivaraju/reviewlens/pkg/models"
)

// Metric names reported by the recovery monitor.
const (
	MetricStuckTasks   = "stuck_tasks"
	MetricStarvedTasks = "starved_tasks"
	MetricFailedTasks  = "failed_tasks"
	MetricDriveErrors  = "drive_errors"
)

var (
	ErrUnknownOperator = errors.New("unknown alert operator")
	ErrUnknownChannel  = errors.New("unknown alert channel")
)

// RuleStore persists rules and arbitrates concurrent triggers.
type RuleStore interface {
	ListAlertRules(ctx context.Context) ([]*models.AlertRule, error)
	ClaimAlertTrigger(ctx context.Context, name string, prev *time.Time, at time.Time) (bool, error)
}

// Channel delivers one alert to an external destination.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, a models.Alert) error
}

// Notifier fires rules whose condition holds and whose cooldown has elapsed.
type Notifier struct {
	store    RuleStore
	channels map[string]Channel
	metrics  *metrics.Collector
	logger   *slog.Logger
	now      func() time.Time
}

// NewNotifier creates a Notifier. Rules reference channels by Name().
func NewNotifier(s RuleStore, m *metrics.Collector, logger *slog.Logger, channels ...Channel) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	byName := make(map[string]Channel, len(channels))
	for _, c := range channels {
		byName[c.Name()] = c
	}
	return &Notifier{
		store:    s,
		channels: byName,
		metrics:  m,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Compare applies a rule operator.
func Compare(value float64, op string, threshold float64) (bool, error) {
	switch op {
	case ">":
		return value > threshold, nil
	case ">=":
		return value >= threshold, nil
	case "<":
		return value < threshold, nil
	case "<=":
		return value <= threshold, nil
	case "==":
		return value == threshold, nil
	case "!=":
		return value != threshold, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownOperator, op)
	}
}

// Evaluate checks one rule against the metric snapshot. It returns the alert when
// this call fired it, nil when the condition is false, the rule is cooling down, or
// another evaluator claimed the trigger first. Delivery failures are joined into the
// returned error; the alert still counts as fired.
func (n *Notifier) Evaluate(ctx context.Context, rule *models.AlertRule, snapshot map[string]float64) (*models.Alert, error) {
	value, ok := snapshot[rule.Metric]
	if !ok {
		return nil, nil
	}
	hit, err := Compare(value, rule.Operator, rule.Threshold)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", rule.Name, err)
	}
	if !hit {
		return nil, nil
	}

	now := n.now()
	if rule.LastTriggeredAt != nil && now.Sub(*rule.LastTriggeredAt) < rule.Cooldown {
		return nil, nil
	}

	claimed, err := n.store.ClaimAlertTrigger(ctx, rule.Name, rule.LastTriggeredAt, now)
	if err != nil {
		return nil, fmt.Errorf("claim trigger for rule %s: %w", rule.Name, err)
	}
	if !claimed {
		return nil, nil
	}

	a := models.Alert{
		ID:        uuid.New(),
		Rule:      rule.Name,
		Severity:  rule.Severity,
		Metric:    rule.Metric,
		Value:     value,
		Threshold: rule.Threshold,
		Message:   fmt.Sprintf("%s %s %g (current %g)", rule.Metric, rule.Operator, rule.Threshold, value),
		CreatedAt: now,
	}
	n.metrics.RecordAlert(rule.Name)
	n.logger.Info("alert fired", "rule", rule.Name, "metric", rule.Metric, "value", value, "severity", rule.Severity)

	var errs []error
	for _, name := range rule.Channels {
		ch, ok := n.channels[name]
		if !ok {
			errs = append(errs, fmt.Errorf("rule %s: %w: %q", rule.Name, ErrUnknownChannel, name))
			continue
		}
		if err := ch.Deliver(ctx, a); err != nil {
			errs = append(errs, fmt.Errorf("deliver %s via %s: %w", rule.Name, name, err))
		}
	}
	return &a, errors.Join(errs...)
}

// EvaluateAll loads every stored rule and evaluates it. A failing rule does not
// stop the others.
func (n *Notifier) EvaluateAll(ctx context.Context, snapshot map[string]float64) ([]models.Alert, error) {
	rules, err := n.store.ListAlertRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("list alert rules: %w", err)
	}

	fired := []models.Alert{}
	var errs []error
	for _, rule := range rules {
		a, err := n.Evaluate(ctx, rule, snapshot)
		if err != nil {
			n.logger.Warn("alert rule evaluation failed", "rule", rule.Name, "error", err)
			errs = append(errs, err)
		}
		if a != nil {
			fired = append(fired, *a)
		}
	}
	return fired, errors.Join(errs...)
}
