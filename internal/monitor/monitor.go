// Package monitor logs out idle conversations on a fixed schedule.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ashureev/campusbot/internal/domain"
	"github.com/ashureev/campusbot/internal/session"
)

// Sessions is the part of the session store the monitor needs.
type Sessions interface {
	Keys() []string
	Update(id string, fn func(*domain.ConversationSession) error) error
}

// Transitioner applies state-machine events.
type Transitioner interface {
	Apply(sess *domain.ConversationSession, ev session.Event) ([]session.SideEffect, error)
}

// TimeoutCallback receives the side effects of a forced logout. It runs
// outside the session lock.
type TimeoutCallback func(ctx context.Context, conversationID string, effects []session.SideEffect)

// Idle reports whether sess should be logged out at now.
func Idle(sess *domain.ConversationSession, now time.Time, timeout time.Duration) bool {
	return sess.AuthState != domain.StateUnauthenticated && sess.IdleFor(now) > timeout
}

// Monitor sweeps sessions and forces logout of idle ones.
type Monitor struct {
	sessions  Sessions
	machine   Transitioner
	timeout   time.Duration
	interval  time.Duration
	now       func() time.Time
	onTimeout TimeoutCallback
	logger    *slog.Logger
}

// Config configures a Monitor.
type Config struct {
	Timeout  time.Duration
	Interval time.Duration
	Now      func() time.Time
}

// New creates a monitor.
func New(sessions Sessions, machine Transitioner, cfg Config, onTimeout TimeoutCallback, logger *slog.Logger) *Monitor {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		sessions:  sessions,
		machine:   machine,
		timeout:   cfg.Timeout,
		interval:  cfg.Interval,
		now:       cfg.Now,
		onTimeout: onTimeout,
		logger:    logger,
	}
}

// Run sweeps every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.logger.Info("inactivity monitor started", "interval", m.interval, "timeout", m.timeout)

	for {
		select {
		case <-ticker.C:
			m.Sweep(ctx)
		case <-ctx.Done():
			m.logger.Info("inactivity monitor shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

// Sweep logs out every idle session and returns how many were logged out.
// It works over a snapshot of keys and takes each session's lock in turn,
// so sessions created or touched meanwhile are judged on their latest state.
func (m *Monitor) Sweep(ctx context.Context) int {
	expired := 0
	for _, id := range m.sessions.Keys() {
		if ctx.Err() != nil {
			break
		}

		var effects []session.SideEffect
		err := m.sessions.Update(id, func(sess *domain.ConversationSession) error {
			if !Idle(sess, m.now(), m.timeout) {
				return nil
			}
			var aerr error
			effects, aerr = m.machine.Apply(sess, session.Event{Kind: session.EventInactivityTimeout})
			return aerr
		})
		if errors.Is(err, session.ErrSessionNotFound) {
			continue
		}
		if err != nil {
			m.logger.Warn("inactivity logout failed", "conversation_id", id, "error", err)
			continue
		}
		if effects == nil {
			continue
		}

		expired++
		m.logger.Info("session logged out after inactivity", "conversation_id", id)
		if m.onTimeout != nil {
			m.onTimeout(ctx, id, effects)
		}
	}

	if expired > 0 {
		m.logger.Info("inactivity sweep completed", "logged_out", expired)
	}
	return expired
}
