package models

import (
	"strings"
	"time"
)

// User is the identity-service projection of an authenticated principal.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// AuthResult is the outcome of one authentication attempt. It is constructed
// once by the authentication gateway and never mutated afterwards.
type AuthResult struct {
	Success      bool                `json:"success"`
	UserID       string              `json:"user_id,omitempty"`
	Email        string              `json:"email,omitempty"`
	Permissions  map[string]struct{} `json:"-"`
	ErrorKind    ErrorKind           `json:"error_kind,omitempty"`
	ErrorMessage string              `json:"error_message,omitempty"`
	Metadata     map[string]string   `json:"metadata,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
}

// HasPermission reports whether the result carries the named permission.
func (r *AuthResult) HasPermission(name string) bool {
	if r == nil || r.Permissions == nil {
		return false
	}
	_, ok := r.Permissions[strings.TrimSpace(name)]
	return ok
}

// PermissionSet builds a permission set from a slice, dropping blanks.
func PermissionSet(perms []string) map[string]struct{} {
	if len(perms) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out[p] = struct{}{}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// ExecutionContext is the per-connection identity bundle handed to downstream
// message consumers. Generated once per successful authentication and owned
// exclusively by the connection it was created for.
type ExecutionContext struct {
	UserID             string `json:"user_id"`
	ConnectionClientID string `json:"connection_client_id"`
	ThreadID           string `json:"thread_id"`
	RunID              string `json:"run_id"`
	RequestID          string `json:"request_id"`
}
