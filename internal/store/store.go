// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/campusbot/internal/domain"
)

// Repository persists the authentication audit trail and the sanitization
// ledger. Neither table stores emails, registration identifiers or message text.
type Repository interface {
	// RecordAuthEvent appends a state transition to the journal.
	RecordAuthEvent(ctx context.Context, ev *domain.AuthEvent) error

	// ListAuthEvents returns the latest transitions for a conversation, newest first.
	ListAuthEvents(ctx context.Context, conversationID string, limit int) ([]domain.AuthEvent, error)

	// UpsertSanitization records the latest status of a tagged message.
	UpsertSanitization(ctx context.Context, rec *domain.SanitizationRecord) error

	// UnsettledSanitizations returns tagged messages still pending deletion.
	UnsettledSanitizations(ctx context.Context, limit int) ([]domain.SanitizationRecord, error)

	// PurgeJournal removes auth events and settled ledger rows older than cutoff.
	PurgeJournal(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
