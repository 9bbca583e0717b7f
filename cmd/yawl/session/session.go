// Package session mints and resolves the handles that authenticate
// Interface B callers. A handle is an opaque token with a sliding TTL:
// every successful resolve pushes the expiry forward, so a session dies
// only after a full idle window. Sessions live in a pluggable store, in
// memory by default and in Redis when the engine runs with more than one
// replica behind it.
package session

import (
	"fmt"
	"time"
)

// DefaultTTL is the idle window applied when a manager is built with a
// non-positive TTL.
const DefaultTTL = 30 * time.Minute

// Scope names a capability tier a principal holds.
type Scope string

const (
	// ScopeAdmin may perform every operation.
	ScopeAdmin Scope = "admin"
	// ScopeDesigner manages specifications over Interface A.
	ScopeDesigner Scope = "designer"
	// ScopeOperator runs cases and works items over Interface B.
	ScopeOperator Scope = "operator"
	// ScopeAgent works like an operator but only on the task names its
	// account is assigned.
	ScopeAgent Scope = "agent"
	// ScopeMonitor reads case and item state.
	ScopeMonitor Scope = "monitor"
)

// ParseScope validates a configured scope name.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeAdmin, ScopeDesigner, ScopeOperator, ScopeAgent, ScopeMonitor:
		return Scope(s), nil
	}
	return "", fmt.Errorf("unknown scope %q", s)
}

// ParseScopes validates a configured scope list.
func ParseScopes(names []string) ([]Scope, error) {
	scopes := make([]Scope, 0, len(names))
	for _, n := range names {
		s, err := ParseScope(n)
		if err != nil {
			return nil, err
		}
		scopes = append(scopes, s)
	}
	return scopes, nil
}

// covers reports whether a held scope satisfies a required one. Admin
// covers every tier and every tier covers monitor; beyond that only an
// exact match counts. Agent is deliberately not covered by operator, so
// routes that admit agents name them explicitly.
func (s Scope) covers(required Scope) bool {
	return s == required || s == ScopeAdmin || required == ScopeMonitor
}

// Session is one authenticated Interface B connection.
type Session struct {
	Handle    string    `json:"handle"`
	Principal string    `json:"principal"`
	Scopes    []Scope   `json:"scopes"`
	TaskNames []string  `json:"task_names,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Allows reports whether any held scope covers any of the required ones.
// An empty requirement list admits every authenticated session.
func (s *Session) Allows(required ...Scope) bool {
	if len(required) == 0 {
		return true
	}
	for _, held := range s.Scopes {
		for _, want := range required {
			if held.covers(want) {
				return true
			}
		}
	}
	return false
}

// CanWorkOn reports whether the session may act on items of the named
// task. Operators and admins see every task; agents only the task names
// assigned to their account.
func (s *Session) CanWorkOn(taskName string) bool {
	if s.Allows(ScopeOperator) {
		return true
	}
	if !s.Allows(ScopeAgent) {
		return false
	}
	for _, name := range s.TaskNames {
		if name == taskName {
			return true
		}
	}
	return false
}
