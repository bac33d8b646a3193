// Package domain contains core domain types for the campusbot engine.
package domain

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// AuthState is the authentication state of a conversation.
type AuthState string

const (
	// StateUnauthenticated is the initial state and the state after any full reset.
	StateUnauthenticated AuthState = "UNAUTHENTICATED"
	// StateAwaitingEmail waits for the user's institutional email.
	StateAwaitingEmail AuthState = "AWAITING_EMAIL"
	// StateAwaitingChallengeAnswer waits for the answer to an active challenge.
	StateAwaitingChallengeAnswer AuthState = "AWAITING_CHALLENGE_ANSWER"
	// StateAuthenticated allows protected intents.
	StateAuthenticated AuthState = "AUTHENTICATED"
)

// InRound reports whether the state belongs to an authentication round in progress.
func (s AuthState) InRound() bool {
	return s == StateAwaitingEmail || s == StateAwaitingChallengeAnswer
}

// recentMessageWindow bounds how many inbound message ids are remembered for
// duplicate delivery detection.
const recentMessageWindow = 32

var errInvariant = errors.New("session invariant violated")

// ConversationSession holds the authentication state of one conversation thread.
type ConversationSession struct {
	ConversationID       string
	AuthState            AuthState
	Student              *StudentRef
	ActiveChallenge      *Challenge
	ChallengeAttempts    int
	LastActivityAt       time.Time
	PendingSanitizations []string

	// AccessToken is minted on successful authentication and wiped on reset.
	AccessToken          string
	AccessTokenExpiresAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time

	recentMessages []string
}

// NewConversationSession returns an unauthenticated session.
func NewConversationSession(conversationID string, now time.Time) *ConversationSession {
	return &ConversationSession{
		ConversationID: conversationID,
		AuthState:      StateUnauthenticated,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// ResetTo moves the session to state and clears every authentication field.
// Pending sanitizations survive the reset: the transcript still needs scrubbing.
func (s *ConversationSession) ResetTo(state AuthState) {
	s.AuthState = state
	s.Student = nil
	s.ActiveChallenge = nil
	s.ChallengeAttempts = 0
	s.AccessToken = ""
	s.AccessTokenExpiresAt = time.Time{}
}

// Touch records inbound activity.
func (s *ConversationSession) Touch(now time.Time) {
	s.LastActivityAt = now
	s.UpdatedAt = now
}

// IdleFor returns how long the session has been idle at now.
func (s *ConversationSession) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivityAt)
}

// TagSensitive appends messageID to the sanitization queue unless it is
// already queued. It reports whether the id was added.
func (s *ConversationSession) TagSensitive(messageID string) bool {
	if messageID == "" || slices.Contains(s.PendingSanitizations, messageID) {
		return false
	}
	s.PendingSanitizations = append(s.PendingSanitizations, messageID)
	return true
}

// RemoveSanitization drops messageID from the sanitization queue.
func (s *ConversationSession) RemoveSanitization(messageID string) bool {
	i := slices.Index(s.PendingSanitizations, messageID)
	if i < 0 {
		return false
	}
	s.PendingSanitizations = slices.Delete(s.PendingSanitizations, i, i+1)
	return true
}

// SeenMessage reports whether messageID was already processed and records it
// otherwise. Empty ids are never considered duplicates.
func (s *ConversationSession) SeenMessage(messageID string) bool {
	if messageID == "" {
		return false
	}
	if slices.Contains(s.recentMessages, messageID) {
		return true
	}
	s.recentMessages = append(s.recentMessages, messageID)
	if len(s.recentMessages) > recentMessageWindow {
		s.recentMessages = s.recentMessages[len(s.recentMessages)-recentMessageWindow:]
	}
	return false
}

// Validate checks the structural invariants that must hold after every transition.
func (s *ConversationSession) Validate() error {
	hasChallenge := s.ActiveChallenge != nil
	if hasChallenge != (s.AuthState == StateAwaitingChallengeAnswer) {
		return fmt.Errorf("%w: active challenge present=%t in state %s", errInvariant, hasChallenge, s.AuthState)
	}
	if (s.AuthState == StateAwaitingChallengeAnswer || s.AuthState == StateAuthenticated) && s.Student == nil {
		return fmt.Errorf("%w: no student in state %s", errInvariant, s.AuthState)
	}
	if s.AuthState == StateAwaitingEmail && s.Student != nil {
		return fmt.Errorf("%w: student retained in state %s", errInvariant, s.AuthState)
	}
	if s.AuthState == StateAuthenticated && s.Student.RegistrationID != "" {
		return fmt.Errorf("%w: registration identifier retained after authentication", errInvariant)
	}
	return nil
}

// Clone returns a deep copy suitable for handing outside the session lock.
func (s *ConversationSession) Clone() ConversationSession {
	out := *s
	if s.Student != nil {
		st := *s.Student
		out.Student = &st
	}
	if s.ActiveChallenge != nil {
		ch := *s.ActiveChallenge
		out.ActiveChallenge = &ch
	}
	out.PendingSanitizations = slices.Clone(s.PendingSanitizations)
	out.recentMessages = slices.Clone(s.recentMessages)
	return out
}
