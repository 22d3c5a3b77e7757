// Package auth - scopes.go defines the capability scopes understood by the block
// directory and the Caller identity that request middleware attaches to a request.
package auth

import (
	"fmt"
)

// Scope represents a capability a caller may hold
type Scope string

const (
	// Block module scopes. Searching the directory requires both.
	ScopeBlocksInstall  Scope = "blocks:install"
	ScopeBlocksActivate Scope = "blocks:activate"

	// Admin scope (wildcard - all permissions)
	ScopeAdmin Scope = "admin"
)

// AllScopes returns all valid scopes
func AllScopes() []Scope {
	return []Scope{
		ScopeBlocksInstall,
		ScopeBlocksActivate,
		ScopeAdmin,
	}
}

// SearchScopes returns the scopes a caller needs to query the block directory.
func SearchScopes() []Scope {
	return []Scope{ScopeBlocksInstall, ScopeBlocksActivate}
}

// ValidateScopes checks if all provided scopes are valid
func ValidateScopes(scopes []string) error {
	valid := make(map[string]bool, len(AllScopes()))
	for _, s := range AllScopes() {
		valid[string(s)] = true
	}
	for _, scope := range scopes {
		if !valid[scope] {
			return fmt.Errorf("invalid scope: %s", scope)
		}
	}
	return nil
}

// HasScope checks if a scope list grants the required scope.
// The admin scope grants everything.
func HasScope(userScopes []string, required Scope) bool {
	for _, scope := range userScopes {
		if scope == string(required) || scope == string(ScopeAdmin) {
			return true
		}
	}
	return false
}

// HasAllScopes checks if a scope list grants every required scope
func HasAllScopes(userScopes []string, required []Scope) bool {
	for _, r := range required {
		if !HasScope(userScopes, r) {
			return false
		}
	}
	return true
}

// Caller is the identity resolved for a request. The zero value is an
// anonymous caller with no scopes.
type Caller struct {
	ID            string
	Method        string // "jwt", "api_key" or "" for anonymous
	Scopes        []string
	Authenticated bool
}

// Anonymous returns the caller used when a request carries no credentials.
func Anonymous() Caller {
	return Caller{}
}

// ScopeChecker answers capability questions from the caller's scope list.
type ScopeChecker struct{}

// Allowed reports whether caller holds every required scope.
func (ScopeChecker) Allowed(caller Caller, required ...Scope) bool {
	return HasAllScopes(caller.Scopes, required)
}
