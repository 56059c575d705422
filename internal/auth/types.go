package auth

import (
	"strings"
	"time"
)

// Token represents an API token for MCP access
type Token struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Scope      string     `json:"scope"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Scope constants
const (
	ScopeAdmin   = "admin"
	ScopeAdminRO = "admin:ro"
)

// ScopeSession returns a session-scoped scope string
func ScopeSession(sessionID string) string {
	return "session:" + sessionID
}

// ScopeSessionRO returns a read-only session-scoped scope string
func ScopeSessionRO(sessionID string) string {
	return "session:" + sessionID + ":ro"
}

// IsAdminScope returns true if scope is admin or admin:ro
func IsAdminScope(scope string) bool {
	return scope == ScopeAdmin || scope == ScopeAdminRO
}

// IsSessionScope returns true if scope is session:<id> or session:<id>:ro
func IsSessionScope(scope string) bool {
	return strings.HasPrefix(scope, "session:")
}

// IsReadOnlyScope returns true for admin:ro and session:*:ro scopes
func IsReadOnlyScope(scope string) bool {
	return scope == ScopeAdminRO || strings.HasSuffix(scope, ":ro")
}

// ExtractSessionID extracts the session ID from a session scope, or
// empty when the scope is not session-bound
func ExtractSessionID(scope string) string {
	if !strings.HasPrefix(scope, "session:") {
		return ""
	}
	rest := strings.TrimPrefix(scope, "session:")
	return strings.TrimSuffix(rest, ":ro")
}

// AuthContext holds authentication information for a request
type AuthContext struct {
	Token *Token
}

// CanAccessSession checks if the auth context allows access to a session
func (a *AuthContext) CanAccessSession(sessionID string) bool {
	if a.Token == nil {
		return false
	}
	if IsAdminScope(a.Token.Scope) {
		return true
	}
	if IsSessionScope(a.Token.Scope) {
		return ExtractSessionID(a.Token.Scope) == sessionID
	}
	return false
}

// CanWrite checks if the auth context allows write operations
func (a *AuthContext) CanWrite() bool {
	if a.Token == nil {
		return false
	}
	return !IsReadOnlyScope(a.Token.Scope)
}

// IsAdmin checks if the auth context has full admin scope
func (a *AuthContext) IsAdmin() bool {
	return a.Token != nil && a.Token.Scope == ScopeAdmin
}
