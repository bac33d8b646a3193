package domain

import (
	"time"
)

// AuthEvent is a journaled state transition. It never carries emails or
// registration identifiers.
type AuthEvent struct {
	ID             int64
	ConversationID string
	FromState      AuthState
	ToState        AuthState
	Reason         string
	Challenge      string
	Attempts       int
	CreatedAt      time.Time
}

// SanitizationStatus is the lifecycle of a tagged message in the ledger.
type SanitizationStatus string

const (
	SanitizationPending SanitizationStatus = "pending"
	SanitizationDeleted SanitizationStatus = "deleted"
	SanitizationFailed  SanitizationStatus = "failed"
)

// SanitizationRecord tracks one sensitive channel message.
type SanitizationRecord struct {
	ConversationID string
	MessageID      string
	Direction      string
	Status         SanitizationStatus
	Attempts       int
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
