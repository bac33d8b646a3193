package monitor

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/campusbot/internal/challenge"
	"github.com/ashureev/campusbot/internal/domain"
	"github.com/ashureev/campusbot/internal/session"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

const (
	timeout  = 10 * time.Minute
	interval = 30 * time.Second
)

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

type harness struct {
	clock   *clock
	store   *session.Store
	monitor *Monitor

	mu       sync.Mutex
	timedOut map[string][]session.SideEffect
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{clock: &clock{t: t0}, timedOut: map[string][]session.SideEffect{}}
	gen := challenge.NewGenerator(challenge.DefaultPolicy(), rand.New(rand.NewPCG(1, 2)), h.clock.Now)
	machine := session.NewMachine(session.MachineConfig{InactivityTimeout: timeout}, gen, h.clock.Now)
	h.store = session.NewStore(machine, h.clock.Now)
	h.monitor = New(h.store, machine, Config{Timeout: timeout, Interval: interval, Now: h.clock.Now},
		func(_ context.Context, id string, effects []session.SideEffect) {
			h.mu.Lock()
			h.timedOut[id] = effects
			h.mu.Unlock()
		}, nil)
	return h
}

// authenticate puts a session straight into AUTHENTICATED at the current time.
func (h *harness) authenticate(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, h.store.Do(id, func(sess *domain.ConversationSession) error {
		sess.AuthState = domain.StateAuthenticated
		sess.Student = &domain.StudentRef{Email: id + "@inst.edu"}
		sess.Touch(h.clock.Now())
		return sess.Validate()
	}))
}

func (h *harness) state(t *testing.T, id string) domain.AuthState {
	t.Helper()
	sess, ok := h.store.Snapshot(id)
	require.True(t, ok)
	return sess.AuthState
}

func TestSessionLoggedOutWithinTimeoutPlusInterval(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.authenticate(t, "c1")

	// Sweep on the schedule the ticker would.
	var loggedOutAt time.Time
	for at := t0; at.Before(t0.Add(timeout + 2*interval)); at = at.Add(interval) {
		h.clock.Set(at)
		h.monitor.Sweep(context.Background())
		if h.state(t, "c1") == domain.StateUnauthenticated {
			loggedOutAt = at
			break
		}
	}

	require.False(t, loggedOutAt.IsZero(), "session never logged out")
	assert.True(t, loggedOutAt.After(t0.Add(timeout)), "logged out at %v, before timeout", loggedOutAt)
	assert.False(t, loggedOutAt.After(t0.Add(timeout+interval)), "logged out at %v, too late", loggedOutAt)

	effects := h.timedOut["c1"]
	require.NotEmpty(t, effects)
	assert.Equal(t, session.EffectSendMessage, effects[0].Kind)
	assert.Contains(t, effects[0].Text, "inactive")
}

func TestExactBoundaryIsNotExpired(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.authenticate(t, "c1")

	h.clock.Set(t0.Add(timeout))
	assert.Zero(t, h.monitor.Sweep(context.Background()))
	assert.Equal(t, domain.StateAuthenticated, h.state(t, "c1"))

	h.clock.Set(t0.Add(timeout + time.Nanosecond))
	assert.Equal(t, 1, h.monitor.Sweep(context.Background()))
	assert.Equal(t, domain.StateUnauthenticated, h.state(t, "c1"))
}

func TestActivityPostponesLogout(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.authenticate(t, "c1")

	h.clock.Set(t0.Add(9 * time.Minute))
	require.NoError(t, h.store.Update("c1", func(sess *domain.ConversationSession) error {
		sess.Touch(h.clock.Now())
		return nil
	}))

	h.clock.Set(t0.Add(timeout + time.Minute))
	assert.Zero(t, h.monitor.Sweep(context.Background()))
	assert.Equal(t, domain.StateAuthenticated, h.state(t, "c1"))
}

func TestMidRoundSessionsAreAlsoReset(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, _, err := h.store.Apply("c1", session.Event{Kind: session.EventBegin})
	require.NoError(t, err)
	require.NoError(t, h.store.Do("idle-unauth", func(*domain.ConversationSession) error { return nil }))

	h.clock.Set(t0.Add(timeout + time.Second))
	assert.Equal(t, 1, h.monitor.Sweep(context.Background()))
	assert.Equal(t, domain.StateUnauthenticated, h.state(t, "c1"))
	assert.NotContains(t, h.timedOut, "idle-unauth")
}

func TestSweepSkipsDestroyedSessions(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.authenticate(t, "c1")
	h.authenticate(t, "c2")
	h.store.Destroy("c1")

	h.clock.Set(t0.Add(timeout + time.Second))
	assert.Equal(t, 1, h.monitor.Sweep(context.Background()))
	assert.Contains(t, h.timedOut, "c2")
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	m := New(h.store, h.store.Machine(), Config{Timeout: timeout, Interval: time.Millisecond, Now: h.clock.Now}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
