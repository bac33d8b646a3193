package session

import (
	"github.com/ashureev/campusbot/internal/domain"
)

// EventKind identifies a state-machine input.
type EventKind int

const (
	// EventBegin starts an authentication round.
	EventBegin EventKind = iota + 1
	// EventEmailSubmitted carries the email the user typed.
	EventEmailSubmitted
	// EventStudentResolved carries the gateway result for the submitted email.
	EventStudentResolved
	// EventStudentNotFound reports that no student matches the email.
	EventStudentNotFound
	// EventGatewayUnavailable reports a transient backend failure.
	EventGatewayUnavailable
	// EventAnswerSubmitted carries the user's challenge answer.
	EventAnswerSubmitted
	// EventTokenIssued records the access token minted after authentication.
	EventTokenIssued
	// EventLogout is an explicit logout.
	EventLogout
	// EventInactivityTimeout is emitted by the inactivity monitor.
	EventInactivityTimeout
)

var eventNames = map[EventKind]string{
	EventBegin:              "begin",
	EventEmailSubmitted:     "email_submitted",
	EventStudentResolved:    "student_resolved",
	EventStudentNotFound:    "student_not_found",
	EventGatewayUnavailable: "gateway_unavailable",
	EventAnswerSubmitted:    "answer_submitted",
	EventTokenIssued:        "token_issued",
	EventLogout:             "logout",
	EventInactivityTimeout:  "inactivity_timeout",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return "unknown"
}

// BeginReason selects the opening prompt of a round.
type BeginReason int

const (
	// BeginGreeting is a user greeting.
	BeginGreeting BeginReason = iota
	// BeginProtected is a redirected protected intent.
	BeginProtected
	// BeginVolunteered is a user who typed credentials without being asked.
	BeginVolunteered
)

// Event is a state-machine input.
type Event struct {
	Kind EventKind
	// MessageID is the inbound channel message that carried the input.
	MessageID string
	// Text is the raw email or answer.
	Text    string
	Student *domain.StudentRef
	Reason  BeginReason
	// Greeting is the salutation to open with on EventBegin.
	Greeting string
	Token    *IssuedToken
}

// IssuedToken is the result of an EffectIssueToken.
type IssuedToken struct {
	Value     string
	ExpiresAt int64
}

// EffectKind identifies an outbound action requested by a transition.
type EffectKind int

const (
	// EffectSendMessage sends Text to the conversation.
	EffectSendMessage EffectKind = iota + 1
	// EffectScheduleSanitization tags an inbound message for deletion.
	EffectScheduleSanitization
	// EffectLookupStudent resolves Email through the backend gateway.
	EffectLookupStudent
	// EffectIssueToken mints an access token for the authenticated student.
	EffectIssueToken
	// EffectFlushSanitizations releases the session's sanitization queue to the worker.
	EffectFlushSanitizations
)

// SideEffect is an outbound action produced by a transition.
type SideEffect struct {
	Kind EffectKind
	Text string
	// Sensitive marks outbound messages that must be sanitized once sent.
	Sensitive bool
	MessageID string
	Email     string
}

func send(text string) SideEffect {
	return SideEffect{Kind: EffectSendMessage, Text: text}
}

func sendSensitive(text string) SideEffect {
	return SideEffect{Kind: EffectSendMessage, Text: text, Sensitive: true}
}
