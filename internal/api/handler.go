// Package api provides the upward HTTP API used by the action handlers and
// operators.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ashureev/campusbot/internal/domain"
)

// Conversations is the engine's upward interface.
type Conversations interface {
	CurrentAuthState(conversationID string) domain.AuthState
	StudentContext(conversationID string) (domain.StudentRef, bool)
	Destroy(conversationID string) bool
}

// AuditLog reads the authentication journal.
type AuditLog interface {
	ListAuthEvents(ctx context.Context, conversationID string, limit int) ([]domain.AuthEvent, error)
}

// Pinger is a dependency with a health probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping implements Pinger.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
