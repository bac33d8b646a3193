// Package engine routes inbound messages through the gatekeeper and the
// authentication state machine and performs the resulting side effects.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/ashureev/campusbot/internal/actions"
	"github.com/ashureev/campusbot/internal/classifier"
	"github.com/ashureev/campusbot/internal/domain"
	"github.com/ashureev/campusbot/internal/gatekeeper"
	"github.com/ashureev/campusbot/internal/gateway"
	"github.com/ashureev/campusbot/internal/logger"
	"github.com/ashureev/campusbot/internal/monitor"
	"github.com/ashureev/campusbot/internal/session"
	"github.com/ashureev/campusbot/internal/transport"
)

// handleTimeout bounds the work done for one inbound message.
const handleTimeout = 30 * time.Second

// Sanitizer schedules transcript clean-up.
type Sanitizer interface {
	Flush(conversationID string)
	Enqueue(conversationID string, ids []string)
}

// Journal receives audit records.
type Journal interface {
	RecordTransition(ev domain.AuthEvent)
	RecordSanitization(rec domain.SanitizationRecord)
}

// TokenIssuer mints access tokens for authenticated conversations.
type TokenIssuer interface {
	Issue(student domain.StudentRef, conversationID string) (string, time.Time, error)
}

// ActionForwarder runs protected intents.
type ActionForwarder interface {
	Forward(ctx context.Context, req actions.Request) (string, error)
}

// Deps are the engine's collaborators. Tokens, Actions and Journal may be nil.
type Deps struct {
	Store      *session.Store
	Classifier classifier.Classifier
	Gateway    gateway.StudentLookup
	Transport  transport.Transport
	Sanitizer  Sanitizer
	Tokens     TokenIssuer
	Actions    ActionForwarder
	Journal    Journal
	Logger     *slog.Logger
}

// Config holds engine policy.
type Config struct {
	InactivityTimeout time.Duration
	InboundRate       float64
	InboundBurst      int
	Now               func() time.Time
	// Location is used for time-of-day greetings.
	Location *time.Location
}

type mailbox struct {
	queue   []domain.InboundEvent
	running bool
}

// Engine is the conversation orchestrator.
type Engine struct {
	Deps
	cfg     Config
	machine *session.Machine

	mu        sync.Mutex
	mailboxes map[string]*mailbox
	limiters  map[string]*rate.Limiter
	wg        sync.WaitGroup
}

// New creates an engine.
func New(deps Deps, cfg Config) *Engine {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.InboundRate <= 0 {
		cfg.InboundRate = 1
	}
	if cfg.InboundBurst < 1 {
		cfg.InboundBurst = 5
	}
	return &Engine{
		Deps:      deps,
		cfg:       cfg,
		machine:   deps.Store.Machine(),
		mailboxes: make(map[string]*mailbox),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Submit queues ev on its conversation's mailbox and returns immediately.
// Events of one conversation are handled one at a time in arrival order.
func (e *Engine) Submit(ev domain.InboundEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	mb, ok := e.mailboxes[ev.ConversationID]
	if !ok {
		mb = &mailbox{}
		e.mailboxes[ev.ConversationID] = mb
	}
	mb.queue = append(mb.queue, ev)
	if mb.running {
		return
	}
	mb.running = true
	e.wg.Add(1)
	go e.drain(ev.ConversationID, mb)
}

func (e *Engine) drain(conversationID string, mb *mailbox) {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		if len(mb.queue) == 0 {
			mb.running = false
			delete(e.mailboxes, conversationID)
			e.evictLimiterLocked(conversationID)
			e.mu.Unlock()
			return
		}
		ev := mb.queue[0]
		mb.queue = mb.queue[1:]
		e.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
		_ = e.Handle(ctx, ev)
		cancel()
	}
}

// Wait blocks until every mailbox is empty or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// outcome collects what happened while the session lock was held.
type outcome struct {
	effects   []session.SideEffect
	state     domain.AuthState
	duplicate bool
	forward   *actions.Request
	reply     string
}

// Handle processes one inbound message synchronously. Callers that need
// per-conversation ordering use Submit.
func (e *Engine) Handle(ctx context.Context, ev domain.InboundEvent) (err error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		ConversationID: ev.ConversationID,
		MessageID:      ev.MessageID,
		Component:      "engine",
	})
	ctx, span := logger.StartSpan(ctx, "engine.handle")
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic handling message: %v", r)
			e.Logger.ErrorContext(ctx, "recovered panic", "panic", r, "stack", string(debug.Stack()))
			e.send(ctx, ev.ConversationID, msgInternalError)
		}
		logger.EndSpan(span, err)
	}()

	if !e.limiter(ev.ConversationID).Allow() {
		e.Logger.InfoContext(ctx, "inbound message throttled")
		return e.handleThrottled(ctx, ev)
	}

	res, cerr := e.Classifier.Classify(ctx, ev.Text)
	if cerr != nil {
		e.Logger.WarnContext(ctx, "classification failed", "error", cerr)
		res = classifier.Result{Intent: domain.IntentUnknown}
	}
	span.SetAttributes(attribute.String("intent", string(res.Intent)))

	var out outcome
	err = e.Store.Do(ev.ConversationID, func(sess *domain.ConversationSession) error {
		e.route(ctx, sess, ev, res, &out)
		return nil
	})
	if err != nil {
		e.Logger.WarnContext(ctx, "session unavailable", "error", err)
		return err
	}
	if out.duplicate {
		// Only an expiry found on the way in has anything to perform.
		e.Logger.DebugContext(ctx, "duplicate delivery ignored")
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{AuthState: string(out.state)})
	e.perform(ctx, ev.ConversationID, out.effects)
	if out.reply != "" {
		e.send(ctx, ev.ConversationID, out.reply)
	}
	if out.forward != nil {
		e.forward(ctx, *out.forward)
	}
	return nil
}

// handleThrottled skips classification and routing but still does the
// bookkeeping every inbound message owes: expiry, activity and clean-up of
// anything that may carry credentials.
func (e *Engine) handleThrottled(ctx context.Context, ev domain.InboundEvent) error {
	var out outcome
	err := e.Store.Do(ev.ConversationID, func(sess *domain.ConversationSession) error {
		e.routeThrottled(ctx, sess, ev, &out)
		return nil
	})
	if err != nil {
		e.Logger.WarnContext(ctx, "session unavailable", "error", err)
		return err
	}
	e.perform(ctx, ev.ConversationID, out.effects)
	if !out.duplicate {
		e.send(ctx, ev.ConversationID, msgSlowDown)
	}
	return nil
}

// routeThrottled runs under the session lock. Inside a round any text may be
// an email or an identifier fragment; outside one only text with an address
// is tagged.
func (e *Engine) routeThrottled(ctx context.Context, sess *domain.ConversationSession, ev domain.InboundEvent, out *outcome) {
	now := e.cfg.Now()
	defer func() { out.state = sess.AuthState }()

	if monitor.Idle(sess, now, e.cfg.InactivityTimeout) {
		e.apply(ctx, sess, session.Event{Kind: session.EventInactivityTimeout}, out)
	}
	if sess.SeenMessage(ev.MessageID) {
		out.duplicate = true
		return
	}
	sess.Touch(now)

	inRound := sess.AuthState.InRound()
	if !inRound && !strings.Contains(ev.Text, "@") {
		return
	}
	if !sess.TagSensitive(ev.MessageID) {
		return
	}
	out.effects = append(out.effects, session.SideEffect{Kind: session.EffectScheduleSanitization, MessageID: ev.MessageID})
	if !inRound {
		out.effects = append(out.effects, session.SideEffect{Kind: session.EffectFlushSanitizations})
	}
}

// route decides which state-machine events ev maps to. It runs under the
// session lock.
func (e *Engine) route(ctx context.Context, sess *domain.ConversationSession, ev domain.InboundEvent, res classifier.Result, out *outcome) {
	now := e.cfg.Now()
	defer func() { out.state = sess.AuthState }()

	if monitor.Idle(sess, now, e.cfg.InactivityTimeout) {
		e.apply(ctx, sess, session.Event{Kind: session.EventInactivityTimeout}, out)
	}
	if sess.SeenMessage(ev.MessageID) {
		out.duplicate = true
		return
	}
	sess.Touch(now)

	logout := res.Intent == domain.IntentLogout
	switch sess.AuthState {
	case domain.StateAwaitingChallengeAnswer:
		if logout {
			e.apply(ctx, sess, session.Event{Kind: session.EventLogout}, out)
			return
		}
		e.apply(ctx, sess, session.Event{Kind: session.EventAnswerSubmitted, MessageID: ev.MessageID, Text: ev.Text}, out)
		return
	case domain.StateAwaitingEmail:
		if logout {
			e.apply(ctx, sess, session.Event{Kind: session.EventLogout}, out)
			return
		}
		e.apply(ctx, sess, session.Event{Kind: session.EventEmailSubmitted, MessageID: ev.MessageID, Text: ev.Text}, out)
		return
	}

	decision := gatekeeper.Guard(sess.AuthState, res.Intent)
	e.Logger.DebugContext(ctx, "intent guarded", "intent", res.Intent, "decision", decision, "auth_state", sess.AuthState)

	switch decision {
	case gatekeeper.Deny:
		out.reply = msgFallback
	case gatekeeper.RedirectToAuth:
		e.apply(ctx, sess, session.Event{Kind: session.EventBegin, Reason: session.BeginProtected}, out)
	case gatekeeper.Allow:
		e.routeAllowed(ctx, sess, ev, res, out, now)
	}
}

func (e *Engine) routeAllowed(ctx context.Context, sess *domain.ConversationSession, ev domain.InboundEvent, res classifier.Result, out *outcome, now time.Time) {
	authenticated := sess.AuthState == domain.StateAuthenticated

	switch res.Intent {
	case domain.IntentGreet:
		hello := greeting(ev.Text, now.In(e.cfg.Location))
		if authenticated {
			out.reply = hello + " " + msgHowCanIHelp
			return
		}
		e.apply(ctx, sess, session.Event{Kind: session.EventBegin, Reason: session.BeginGreeting, Greeting: hello}, out)
	case domain.IntentHelp:
		out.reply = msgHelp
	case domain.IntentGoodbye:
		out.reply = msgGoodbye
	case domain.IntentLogout:
		if !e.apply(ctx, sess, session.Event{Kind: session.EventLogout}, out) {
			out.reply = msgNotSignedIn
		}
	case domain.IntentInformEmail:
		if !authenticated {
			e.apply(ctx, sess, session.Event{Kind: session.EventBegin, Reason: session.BeginVolunteered}, out)
		}
		if !e.apply(ctx, sess, session.Event{Kind: session.EventEmailSubmitted, MessageID: ev.MessageID, Text: ev.Text}, out) {
			out.reply = msgAlreadySigned
		}
	case domain.IntentInformAnswer:
		if !e.apply(ctx, sess, session.Event{Kind: session.EventAnswerSubmitted, MessageID: ev.MessageID, Text: ev.Text}, out) {
			out.reply = msgFallback
		}
	default:
		if !gatekeeper.Protected(res.Intent) {
			out.reply = msgFallback
			return
		}
		// A protected intent in an authenticated session.
		e.refreshToken(ctx, sess, now, out)
		out.forward = &actions.Request{
			ConversationID: sess.ConversationID,
			Intent:         res.Intent,
			Text:           ev.Text,
			Entities:       res.Entities,
			AccessToken:    sess.AccessToken,
		}
	}
}

// refreshToken reissues an expired access token before a protected action.
func (e *Engine) refreshToken(ctx context.Context, sess *domain.ConversationSession, now time.Time, out *outcome) {
	if sess.AccessToken != "" && now.Before(sess.AccessTokenExpiresAt) {
		return
	}
	e.apply(ctx, sess, session.Event{Kind: session.EventTokenIssued, Token: e.issueToken(ctx, sess)}, out)
}

// apply runs ev and any events its effects lead to (student lookup, token
// issue). It reports whether ev was a valid transition.
func (e *Engine) apply(ctx context.Context, sess *domain.ConversationSession, ev session.Event, out *outcome) bool {
	valid := true
	queue := []session.Event{ev}
	for first := true; len(queue) > 0; first = false {
		next := queue[0]
		queue = queue[1:]
		if next.Kind == session.EventTokenIssued && next.Token == nil {
			continue
		}

		effects, err := e.Apply(sess, next)
		if err != nil {
			if first && errors.Is(err, session.ErrInvalidTransition) {
				valid = false
			}
			e.logApplyError(ctx, next, err)
		}
		for _, eff := range effects {
			switch eff.Kind {
			case session.EffectLookupStudent:
				queue = append(queue, e.lookup(ctx, eff.Email))
			case session.EffectIssueToken:
				queue = append(queue, session.Event{Kind: session.EventTokenIssued, Token: e.issueToken(ctx, sess)})
			default:
				out.effects = append(out.effects, eff)
			}
		}
	}
	return valid
}

// Apply runs ev through the state machine and journals any state change. It
// is also the transition hook the inactivity monitor uses.
func (e *Engine) Apply(sess *domain.ConversationSession, ev session.Event) ([]session.SideEffect, error) {
	from := sess.AuthState
	effects, err := e.machine.Apply(sess, ev)
	if e.Journal != nil && sess.AuthState != from {
		rec := domain.AuthEvent{
			ConversationID: sess.ConversationID,
			FromState:      from,
			ToState:        sess.AuthState,
			Reason:         ev.Kind.String(),
			Attempts:       sess.ChallengeAttempts,
			CreatedAt:      e.cfg.Now(),
		}
		if errors.Is(err, session.ErrAttemptsExhausted) {
			rec.Reason = "attempts_exhausted"
		}
		if sess.ActiveChallenge != nil {
			rec.Challenge = sess.ActiveChallenge.String()
		}
		e.Journal.RecordTransition(rec)
	}
	return effects, err
}

func (e *Engine) logApplyError(ctx context.Context, ev session.Event, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidTransition):
		e.Logger.InfoContext(ctx, "event ignored in current state", "event", ev.Kind, "error", err)
	case errors.Is(err, session.ErrAttemptsExhausted):
		e.Logger.InfoContext(ctx, "challenge attempts exhausted, round restarted")
	default:
		e.Logger.ErrorContext(ctx, "state machine error", "event", ev.Kind, "error", err)
	}
}

// lookup resolves email while the session lock is held.
func (e *Engine) lookup(ctx context.Context, email string) session.Event {
	student, err := e.Gateway.LookupByEmail(ctx, email)
	switch {
	case err == nil:
		return session.Event{Kind: session.EventStudentResolved, Student: &student}
	case errors.Is(err, gateway.ErrNotFound):
		return session.Event{Kind: session.EventStudentNotFound}
	default:
		e.Logger.WarnContext(ctx, "student lookup unavailable", "error", err)
		return session.Event{Kind: session.EventGatewayUnavailable}
	}
}

func (e *Engine) issueToken(ctx context.Context, sess *domain.ConversationSession) *session.IssuedToken {
	if e.Tokens == nil || sess.Student == nil {
		return nil
	}
	value, expires, err := e.Tokens.Issue(*sess.Student, sess.ConversationID)
	if err != nil {
		e.Logger.ErrorContext(ctx, "access token not issued", "error", err)
		return nil
	}
	return &session.IssuedToken{Value: value, ExpiresAt: expires.Unix()}
}

// perform carries out side effects outside the session lock.
func (e *Engine) perform(ctx context.Context, conversationID string, effects []session.SideEffect) {
	flush := false
	for _, eff := range effects {
		switch eff.Kind {
		case session.EffectSendMessage:
			msgID := e.send(ctx, conversationID, eff.Text)
			if eff.Sensitive && msgID != "" {
				flush = e.tagOutbound(ctx, conversationID, msgID) || flush
			}
		case session.EffectScheduleSanitization:
			e.recordPending(conversationID, eff.MessageID, "inbound")
		case session.EffectFlushSanitizations:
			flush = true
		}
	}
	if flush && e.Sanitizer != nil {
		e.Sanitizer.Flush(conversationID)
	}
}

// tagOutbound queues a sent challenge question for deletion. It reports
// whether the round settled before the message went out.
func (e *Engine) tagOutbound(ctx context.Context, conversationID, msgID string) bool {
	settled := false
	err := e.Store.Update(conversationID, func(sess *domain.ConversationSession) error {
		sess.TagSensitive(msgID)
		settled = !sess.AuthState.InRound()
		return nil
	})
	if err != nil {
		if e.Sanitizer != nil {
			e.Sanitizer.Enqueue(conversationID, []string{msgID})
		}
		e.Logger.DebugContext(ctx, "session gone before tagging outbound message", "error", err)
		return false
	}
	e.recordPending(conversationID, msgID, "outbound")
	return settled
}

func (e *Engine) recordPending(conversationID, msgID, direction string) {
	if e.Journal == nil || msgID == "" {
		return
	}
	e.Journal.RecordSanitization(domain.SanitizationRecord{
		ConversationID: conversationID,
		MessageID:      msgID,
		Direction:      direction,
		Status:         domain.SanitizationPending,
		CreatedAt:      e.cfg.Now(),
	})
}

func (e *Engine) send(ctx context.Context, conversationID, text string) string {
	msgID, err := e.Transport.SendMessage(ctx, conversationID, text)
	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, transport.ErrNotConnected) {
			level = slog.LevelDebug
		}
		e.Logger.Log(ctx, level, "reply not delivered", "error", err)
		return ""
	}
	return msgID
}

func (e *Engine) forward(ctx context.Context, req actions.Request) {
	if e.Actions == nil {
		e.send(ctx, req.ConversationID, msgActionMissing)
		return
	}
	reply, err := e.Actions.Forward(ctx, req)
	switch {
	case err == nil:
		if reply == "" {
			reply = msgActionFailed
		}
		e.send(ctx, req.ConversationID, reply)
	case errors.Is(err, actions.ErrNotConfigured):
		e.send(ctx, req.ConversationID, msgActionMissing)
	default:
		e.Logger.WarnContext(ctx, "protected action failed", "intent", req.Intent, "error", err)
		e.send(ctx, req.ConversationID, msgActionFailed)
	}
}

// HandleTimeout performs the side effects of an inactivity logout. It is the
// monitor's callback.
func (e *Engine) HandleTimeout(ctx context.Context, conversationID string, effects []session.SideEffect) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		ConversationID: conversationID,
		Component:      "engine",
		AuthState:      string(domain.StateUnauthenticated),
	})
	e.perform(ctx, conversationID, effects)
}

func (e *Engine) limiter(conversationID string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.limiters[conversationID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(e.cfg.InboundRate), e.cfg.InboundBurst)
		e.limiters[conversationID] = l
	}
	return l
}

// evictLimiterLocked drops a limiter whose bucket has refilled. A full
// bucket behaves exactly like a new one, so nothing is forgotten. e.mu must
// be held.
func (e *Engine) evictLimiterLocked(conversationID string) {
	l, ok := e.limiters[conversationID]
	if ok && l.Tokens() >= float64(e.cfg.InboundBurst) {
		delete(e.limiters, conversationID)
	}
}

// ActiveConversations returns the number of live sessions.
func (e *Engine) ActiveConversations() int {
	return e.Store.Len()
}

// CurrentAuthState returns the conversation's state. Unknown conversations
// are unauthenticated.
func (e *Engine) CurrentAuthState(conversationID string) domain.AuthState {
	snap, ok := e.Store.Snapshot(conversationID)
	if !ok {
		return domain.StateUnauthenticated
	}
	return snap.AuthState
}

// StudentContext returns the authenticated student of a conversation.
func (e *Engine) StudentContext(conversationID string) (domain.StudentRef, bool) {
	snap, ok := e.Store.Snapshot(conversationID)
	if !ok || snap.AuthState != domain.StateAuthenticated || snap.Student == nil {
		return domain.StudentRef{}, false
	}
	return *snap.Student, true
}

// Destroy removes a conversation. Messages still pending sanitization are
// handed to the sanitizer.
func (e *Engine) Destroy(conversationID string) bool {
	snap, ok := e.Store.Snapshot(conversationID)
	if !e.Store.Destroy(conversationID) {
		return false
	}

	e.mu.Lock()
	delete(e.limiters, conversationID)
	e.mu.Unlock()

	if ok && e.Journal != nil && snap.AuthState != domain.StateUnauthenticated {
		e.Journal.RecordTransition(domain.AuthEvent{
			ConversationID: conversationID,
			FromState:      snap.AuthState,
			ToState:        domain.StateUnauthenticated,
			Reason:         "destroyed",
			CreatedAt:      e.cfg.Now(),
		})
	}
	if ok && e.Sanitizer != nil {
		e.Sanitizer.Enqueue(conversationID, snap.PendingSanitizations)
	}
	ctx := logger.WithLogFields(context.Background(), logger.LogFields{
		ConversationID: conversationID,
		Component:      "engine",
	})
	e.Logger.InfoContext(ctx, "conversation destroyed")
	return true
}
