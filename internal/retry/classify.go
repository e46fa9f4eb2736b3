// Package retry classifies task failures and decides whether and when a failed
// task runs again.
package retry

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Class is the failure category that selects a retry policy.
type Class string

const (
	ClassTimeout  Class = "timeout"
	ClassAPILimit Class = "api_limit"
	ClassMemory   Class = "memory"
	ClassNetwork  Class = "network"
	ClassData     Class = "data"
	ClassUnknown  Class = "unknown"
)

// rules are checked in order; the first class with a matching substring wins.
var rules = []struct {
	class    Class
	patterns []string
}{
	{ClassTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{ClassAPILimit, []string{"api_limit", "rate limit", "ratelimit", "429", "too many requests", "quota exceeded"}},
	{ClassMemory, []string{"memory", "heap"}},
	{ClassNetwork, []string{"network", "connection"}},
	{ClassData, []string{"invalid data", "parse error"}},
}

// Classify maps an error to its Class by case-insensitive substring match
// against the error text.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	msg := strings.ToLower(err.Error())
	for _, r := range rules {
		for _, p := range r.patterns {
			if strings.Contains(msg, p) {
				return r.class
			}
		}
	}
	return ClassUnknown
}

// Policy is the retry schedule for one class.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Factor     float64
}

// DefaultPolicies returns the per-class schedule. Callers may modify the returned map.
func DefaultPolicies() map[Class]Policy {
	return map[Class]Policy{
		ClassTimeout:  {MaxRetries: 2, BaseDelay: 5 * time.Second, Factor: 1.5},
		ClassAPILimit: {MaxRetries: 5, BaseDelay: 60 * time.Second, Factor: 1.2},
		ClassMemory:   {MaxRetries: 1, BaseDelay: 10 * time.Second, Factor: 2.0},
		ClassNetwork:  {MaxRetries: 4, BaseDelay: 1 * time.Second, Factor: 2.0},
		ClassData:     {MaxRetries: 1, BaseDelay: 5 * time.Second, Factor: 1.0},
		ClassUnknown:  {MaxRetries: 2, BaseDelay: 3 * time.Second, Factor: 1.5},
	}
}
