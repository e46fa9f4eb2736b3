package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Scopes an API key can carry. Trigger keys create and drive jobs; admin keys
// additionally run reconciliation and pass every other scope check.
const (
	ScopeTrigger = "trigger"
	ScopeAdmin   = "admin"
)

// IsValidScope reports whether s is a scope the trigger surface understands.
func IsValidScope(s string) bool {
	return s == ScopeTrigger || s == ScopeAdmin
}

// APIKey authenticates callers of the trigger surface. Only the bcrypt hash and a
// short clear-text prefix for lookup are stored.
type APIKey struct {
	ID         uuid.UUID  `db:"id"           json:"id"`
	Name       string     `db:"name"         json:"name"`
	KeyHash    string     `db:"key_hash"     json:"-"`
	KeyPrefix  string     `db:"key_prefix"   json:"key_prefix"`
	Scopes     []string   `db:"scopes"       json:"scopes"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	DeletedAt  *time.Time `db:"deleted_at"   json:"-"`
	CreatedAt  time.Time  `db:"created_at"   json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"   json:"updated_at"`
}

// Grants reports whether scopes allow an action that needs want.
func Grants(scopes []string, want string) bool {
	return slices.Contains(scopes, want) || slices.Contains(scopes, ScopeAdmin)
}

// Grants reports whether the key allows an action that needs scope.
func (k *APIKey) Grants(scope string) bool {
	return k.DeletedAt == nil && Grants(k.Scopes, scope)
}
