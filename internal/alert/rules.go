package alert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/kiranshivaraju/reviewlens/pkg/models"
	"gopkg.in/yaml.v3"
)

// RuleFile is the on-disk shape of an alert rules file.
type RuleFile struct {
	Rules []*models.AlertRule `yaml:"rules"`
}

// RuleWriter persists rules. Existing trigger timestamps are kept.
type RuleWriter interface {
	UpsertAlertRule(ctx context.Context, rule *models.AlertRule) error
}

// LoadRules decodes and validates rules from YAML.
func LoadRules(r io.Reader) ([]*models.AlertRule, error) {
	var f RuleFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return []*models.AlertRule{}, nil
		}
		return nil, fmt.Errorf("decode alert rules: %w", err)
	}

	seen := make(map[string]bool, len(f.Rules))
	for i, rule := range f.Rules {
		if err := Validate(rule); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		if seen[rule.Name] {
			return nil, fmt.Errorf("rule %d: duplicate name %q", i, rule.Name)
		}
		seen[rule.Name] = true
	}
	if f.Rules == nil {
		f.Rules = []*models.AlertRule{}
	}
	return f.Rules, nil
}

// LoadRulesFile reads rules from path.
func LoadRulesFile(path string) ([]*models.AlertRule, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open alert rules: %w", err)
	}
	defer fh.Close()
	return LoadRules(fh)
}

// SaveRules upserts every rule.
func SaveRules(ctx context.Context, w RuleWriter, rules []*models.AlertRule) error {
	for _, rule := range rules {
		if err := w.UpsertAlertRule(ctx, rule); err != nil {
			return fmt.Errorf("save rule %s: %w", rule.Name, err)
		}
	}
	return nil
}

// Validate checks a rule for required fields and a known operator.
func Validate(rule *models.AlertRule) error {
	if rule == nil {
		return errors.New("empty rule")
	}
	if rule.Name == "" {
		return errors.New("name is required")
	}
	if rule.Metric == "" {
		return fmt.Errorf("rule %s: metric is required", rule.Name)
	}
	if _, err := Compare(0, rule.Operator, 0); err != nil {
		return fmt.Errorf("rule %s: %w", rule.Name, err)
	}
	if rule.Cooldown < 0 {
		return fmt.Errorf("rule %s: cooldown must not be negative", rule.Name)
	}
	switch rule.Severity {
	case "":
		rule.Severity = models.SeverityWarning
	case models.SeverityInfo, models.SeverityWarning, models.SeverityCritical:
	default:
		return fmt.Errorf("rule %s: unknown severity %q", rule.Name, rule.Severity)
	}
	if len(rule.Channels) == 0 {
		rule.Channels = []string{"log"}
	}
	return nil
}
