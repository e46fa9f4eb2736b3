package models

import (
	"time"

	"github.com/google/uuid"
)

// Alert severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// AlertRule defines a metric condition and where to send notifications when it holds.
// LastTriggeredAt is the only mutable field and gates repeat notifications.
type AlertRule struct {
	Name            string        `db:"name"              json:"name"      yaml:"name"`
	Metric          string        `db:"metric"            json:"metric"    yaml:"metric"`
	Operator        string        `db:"operator"          json:"operator"  yaml:"operator"`
	Threshold       float64       `db:"threshold"         json:"threshold" yaml:"threshold"`
	Severity        string        `db:"severity"          json:"severity"  yaml:"severity"`
	Channels        []string      `db:"channels"          json:"channels"  yaml:"channels"`
	Cooldown        time.Duration `db:"cooldown"          json:"cooldown"  yaml:"cooldown"`
	LastTriggeredAt *time.Time    `db:"last_triggered_at" json:"last_triggered_at,omitempty" yaml:"-"`
}

// Alert is an immutable notification produced when a rule fires.
type Alert struct {
	ID        uuid.UUID `json:"id"`
	Rule      string    `json:"rule"`
	Severity  string    `json:"severity"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
