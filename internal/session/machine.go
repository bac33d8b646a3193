// Package session owns conversation sessions and their authentication state machine.
package session

import (
	"errors"
	"fmt"
	"net/mail"
	"slices"
	"strings"
	"time"

	"github.com/ashureev/campusbot/internal/challenge"
	"github.com/ashureev/campusbot/internal/domain"
)

var (
	// ErrInvalidTransition is returned for an event with no edge from the
	// current state. The session is unchanged and the effects re-prompt.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrSessionNotFound is returned when an event targets a destroyed session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrAttemptsExhausted is returned alongside the effects of the transition
	// that restarts a round after too many wrong answers.
	ErrAttemptsExhausted = errors.New("challenge attempts exhausted")
	// ErrInvariantViolation is returned when a transition leaves the session in
	// an illegal shape. The session is reset before returning.
	ErrInvariantViolation = errors.New("session invariant violation")
)

// MachineConfig tunes the state machine.
type MachineConfig struct {
	// RetryLimit is the number of wrong answers that restarts a round.
	RetryLimit int
	// AllowedEmailDomains restricts accepted emails. Empty accepts any domain.
	AllowedEmailDomains []string
	// InactivityTimeout is only used to word the timeout notice.
	InactivityTimeout time.Duration
}

// Machine applies events to sessions. It is synchronous and performs no I/O:
// gateway lookups and token issuance are requested through side effects.
type Machine struct {
	cfg MachineConfig
	gen *challenge.Generator
	now func() time.Time
}

// NewMachine creates a state machine.
func NewMachine(cfg MachineConfig, gen *challenge.Generator, now func() time.Time) *Machine {
	if cfg.RetryLimit < 1 {
		cfg.RetryLimit = 3
	}
	if now == nil {
		now = time.Now
	}
	domains := make([]string, 0, len(cfg.AllowedEmailDomains))
	for _, d := range cfg.AllowedEmailDomains {
		if d = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(d), "@")); d != "" {
			domains = append(domains, d)
		}
	}
	cfg.AllowedEmailDomains = domains
	return &Machine{cfg: cfg, gen: gen, now: now}
}

// Apply runs ev against sess and returns the side effects the caller must
// perform. A non-nil error never means the effects should be dropped.
func (m *Machine) Apply(sess *domain.ConversationSession, ev Event) ([]SideEffect, error) {
	effects, err := m.transition(sess, ev)
	sess.UpdatedAt = m.now()
	if verr := sess.Validate(); verr != nil {
		sess.ResetTo(domain.StateUnauthenticated)
		return []SideEffect{{Kind: EffectFlushSanitizations}}, fmt.Errorf("%w after %s: %v", ErrInvariantViolation, ev.Kind, verr)
	}
	return effects, err
}

func (m *Machine) transition(sess *domain.ConversationSession, ev Event) ([]SideEffect, error) {
	switch ev.Kind {
	case EventBegin:
		return m.begin(sess, ev)
	case EventEmailSubmitted:
		return m.emailSubmitted(sess, ev)
	case EventStudentResolved:
		return m.studentResolved(sess, ev)
	case EventStudentNotFound:
		return m.inAwaitingEmail(sess, ev, msgStudentNotFound)
	case EventGatewayUnavailable:
		return m.inAwaitingEmail(sess, ev, msgGatewayDown)
	case EventAnswerSubmitted:
		return m.answerSubmitted(sess, ev)
	case EventTokenIssued:
		if sess.AuthState != domain.StateAuthenticated || ev.Token == nil {
			return nil, m.invalid(sess, ev)
		}
		sess.AccessToken = ev.Token.Value
		sess.AccessTokenExpiresAt = time.Unix(ev.Token.ExpiresAt, 0)
		return nil, nil
	case EventLogout:
		return m.reset(sess, ev, msgLoggedOut)
	case EventInactivityTimeout:
		return m.reset(sess, ev, fmt.Sprintf(msgInactive, humanDuration(m.cfg.InactivityTimeout)))
	default:
		return nil, m.invalid(sess, ev)
	}
}

func (m *Machine) begin(sess *domain.ConversationSession, ev Event) ([]SideEffect, error) {
	if sess.AuthState != domain.StateUnauthenticated {
		return m.reprompt(sess, msgAlreadyInRound), m.invalid(sess, ev)
	}
	sess.ResetTo(domain.StateAwaitingEmail)
	if ev.Reason == BeginVolunteered {
		return nil, nil
	}
	return []SideEffect{send(opening(ev.Greeting, ev.Reason))}, nil
}

func (m *Machine) emailSubmitted(sess *domain.ConversationSession, ev Event) ([]SideEffect, error) {
	effects := m.tag(sess, ev.MessageID)
	if sess.AuthState != domain.StateAwaitingEmail {
		return append(effects, m.reprompt(sess, "")...), m.invalid(sess, ev)
	}

	email, ok := parseEmail(ev.Text)
	if !ok {
		return append(effects, send(msgEmailInvalid)), nil
	}
	if !m.domainAllowed(email) {
		return append(effects, send(msgEmailDomain)), nil
	}
	return append(effects, SideEffect{Kind: EffectLookupStudent, Email: email}), nil
}

func (m *Machine) studentResolved(sess *domain.ConversationSession, ev Event) ([]SideEffect, error) {
	if sess.AuthState != domain.StateAwaitingEmail || ev.Student == nil {
		return m.reprompt(sess, ""), m.invalid(sess, ev)
	}

	c, err := m.gen.Generate(ev.Student.RegistrationID, nil)
	if err != nil {
		// Nothing to ask about; the user cannot finish this round.
		return []SideEffect{send(msgNoRegistration)}, nil
	}

	student := *ev.Student
	sess.AuthState = domain.StateAwaitingChallengeAnswer
	sess.Student = &student
	sess.ActiveChallenge = &c
	sess.ChallengeAttempts = 0
	return []SideEffect{sendSensitive(identified(student.Name, challenge.Question(c)))}, nil
}

func (m *Machine) inAwaitingEmail(sess *domain.ConversationSession, ev Event, text string) ([]SideEffect, error) {
	if sess.AuthState != domain.StateAwaitingEmail {
		return m.reprompt(sess, ""), m.invalid(sess, ev)
	}
	return []SideEffect{send(text)}, nil
}

func (m *Machine) answerSubmitted(sess *domain.ConversationSession, ev Event) ([]SideEffect, error) {
	effects := m.tag(sess, ev.MessageID)
	if sess.AuthState != domain.StateAwaitingChallengeAnswer {
		return append(effects, m.reprompt(sess, "")...), m.invalid(sess, ev)
	}

	active := *sess.ActiveChallenge
	if active.Expired(m.now(), m.gen.Policy().TTL) {
		next, err := m.gen.Generate(sess.Student.RegistrationID, &active)
		if err != nil {
			return append(effects, m.abort(sess)...), nil
		}
		sess.ActiveChallenge = &next
		return append(effects, sendSensitive(msgChallengeExpired+" "+challenge.Question(next))), nil
	}

	if challenge.Validate(active, ev.Text) == nil {
		redacted := sess.Student.Redacted()
		sess.AuthState = domain.StateAuthenticated
		sess.Student = &redacted
		sess.ActiveChallenge = nil
		sess.ChallengeAttempts = 0
		return append(effects,
			send(welcome(redacted.Name)),
			SideEffect{Kind: EffectIssueToken},
			SideEffect{Kind: EffectFlushSanitizations},
		), nil
	}

	sess.ChallengeAttempts++
	if sess.ChallengeAttempts >= m.cfg.RetryLimit {
		return append(effects, m.abort(sess)...), ErrAttemptsExhausted
	}

	next, err := m.gen.Generate(sess.Student.RegistrationID, &active)
	if err != nil {
		return append(effects, m.abort(sess)...), nil
	}
	sess.ActiveChallenge = &next
	return append(effects, sendSensitive(msgWrongAnswer+" "+challenge.Question(next))), nil
}

// abort restarts the round from AWAITING_EMAIL.
func (m *Machine) abort(sess *domain.ConversationSession) []SideEffect {
	sess.ResetTo(domain.StateAwaitingEmail)
	return []SideEffect{send(msgAttemptsExceeded), {Kind: EffectFlushSanitizations}}
}

func (m *Machine) reset(sess *domain.ConversationSession, ev Event, text string) ([]SideEffect, error) {
	if sess.AuthState == domain.StateUnauthenticated {
		return nil, m.invalid(sess, ev)
	}
	sess.ResetTo(domain.StateUnauthenticated)
	return []SideEffect{send(text), {Kind: EffectFlushSanitizations}}, nil
}

// tag queues an inbound message carrying credentials for deletion. Outside a
// round the message is flushed right away.
func (m *Machine) tag(sess *domain.ConversationSession, messageID string) []SideEffect {
	if !sess.TagSensitive(messageID) {
		return nil
	}
	effects := []SideEffect{{Kind: EffectScheduleSanitization, MessageID: messageID}}
	if !sess.AuthState.InRound() {
		effects = append(effects, SideEffect{Kind: EffectFlushSanitizations})
	}
	return effects
}

// reprompt repeats the question the current state is waiting on. Settled
// states have nothing to repeat.
func (m *Machine) reprompt(sess *domain.ConversationSession, lead string) []SideEffect {
	prefix := ""
	if lead != "" {
		prefix = lead + " "
	}
	switch sess.AuthState {
	case domain.StateAwaitingEmail:
		return []SideEffect{send(prefix + msgAskEmail)}
	case domain.StateAwaitingChallengeAnswer:
		return []SideEffect{sendSensitive(prefix + challenge.Question(*sess.ActiveChallenge))}
	default:
		return nil
	}
}

func (m *Machine) invalid(sess *domain.ConversationSession, ev Event) error {
	return fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, ev.Kind, sess.AuthState)
}

func (m *Machine) domainAllowed(email string) bool {
	if len(m.cfg.AllowedEmailDomains) == 0 {
		return true
	}
	at := strings.LastIndexByte(email, '@')
	return slices.Contains(m.cfg.AllowedEmailDomains, email[at+1:])
}

// parseEmail extracts a lower-cased bare address from user text.
func parseEmail(text string) (string, bool) {
	for _, field := range strings.Fields(text) {
		field = strings.Trim(field, ".,;:!?<>()\"'")
		if !strings.Contains(field, "@") {
			continue
		}
		addr, err := mail.ParseAddress(field)
		if err != nil {
			continue
		}
		return strings.ToLower(addr.Address), true
	}
	return "", false
}

func humanDuration(d time.Duration) string {
	if d <= 0 {
		return "a while"
	}
	if d%time.Minute == 0 {
		m := int(d / time.Minute)
		if m == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", m)
	}
	return d.String()
}
