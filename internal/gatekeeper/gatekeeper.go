// Package gatekeeper decides whether a classified intent may run in the
// current authentication state.
package gatekeeper

import "github.com/ashureev/campusbot/internal/domain"

// Decision is the outcome of Guard.
type Decision int

const (
	// Deny rejects malformed or unrecognized intents with a generic reply.
	Deny Decision = iota
	// Allow lets the intent run.
	Allow
	// RedirectToAuth discards the intent and starts the authentication flow.
	RedirectToAuth
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case RedirectToAuth:
		return "redirect_to_auth"
	default:
		return "deny"
	}
}

var openIntents = map[domain.Intent]struct{}{
	domain.IntentGreet:        {},
	domain.IntentHelp:         {},
	domain.IntentGoodbye:      {},
	domain.IntentLogout:       {},
	domain.IntentInformEmail:  {},
	domain.IntentInformAnswer: {},
}

var protectedIntents = map[domain.Intent]struct{}{
	domain.IntentGrades:          {},
	domain.IntentSchedule:        {},
	domain.IntentAssessmentDate:  {},
	domain.IntentAssessmentTopic: {},
	domain.IntentAssessmentList:  {},
	domain.IntentActivityInfo:    {},
	domain.IntentOfficeHours:     {},
	domain.IntentMaterial:        {},
	domain.IntentSyllabus:        {},
	domain.IntentProfessorInfo:   {},
	domain.IntentNotices:         {},
	domain.IntentFAQ:             {},
	domain.IntentClassSize:       {},
}

// Guard returns the decision for intent in state.
func Guard(state domain.AuthState, intent domain.Intent) Decision {
	if _, ok := openIntents[intent]; ok {
		return Allow
	}
	if _, ok := protectedIntents[intent]; !ok {
		return Deny
	}
	if state == domain.StateAuthenticated {
		return Allow
	}
	return RedirectToAuth
}

// Protected reports whether intent requires an authenticated session.
func Protected(intent domain.Intent) bool {
	_, ok := protectedIntents[intent]
	return ok
}
