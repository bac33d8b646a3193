package session

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/campusbot/internal/domain"
)

type entry struct {
	mu        sync.Mutex
	sess      *domain.ConversationSession
	destroyed atomic.Bool
}

// Store is the in-memory keyed session store. Each session has its own lock;
// the map lock is held only to find or create entries.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	machine *Machine
	now     func() time.Time
}

// NewStore creates an empty store.
func NewStore(machine *Machine, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		entries: make(map[string]*entry),
		machine: machine,
		now:     now,
	}
}

// Machine returns the state machine used by Apply.
func (s *Store) Machine() *Machine {
	return s.machine
}

func (s *Store) lookup(id string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id]
}

func (s *Store) getOrCreate(id string) *entry {
	if e := s.lookup(id); e != nil {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		return e
	}
	e := &entry{sess: domain.NewConversationSession(id, s.now())}
	s.entries[id] = e
	return e
}

func (s *Store) run(e *entry, fn func(*domain.ConversationSession) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	// Destroyed while we were waiting for the lock.
	if e.destroyed.Load() {
		return ErrSessionNotFound
	}
	return fn(e.sess)
}

// Do runs fn with exclusive access to the session for id, creating the
// session on first use.
func (s *Store) Do(id string, fn func(*domain.ConversationSession) error) error {
	return s.run(s.getOrCreate(id), fn)
}

// Update runs fn with exclusive access to an existing session. It returns
// ErrSessionNotFound for unknown or destroyed ids.
func (s *Store) Update(id string, fn func(*domain.ConversationSession) error) error {
	e := s.lookup(id)
	if e == nil {
		return ErrSessionNotFound
	}
	return s.run(e, fn)
}

// Apply runs ev through the state machine for id, creating the session on
// first use, and returns the resulting state and side effects.
func (s *Store) Apply(id string, ev Event) (domain.AuthState, []SideEffect, error) {
	return s.apply(id, ev, s.Do)
}

func (s *Store) apply(id string, ev Event, with func(string, func(*domain.ConversationSession) error) error) (domain.AuthState, []SideEffect, error) {
	var (
		state    domain.AuthState
		effects  []SideEffect
		applyErr error
	)
	err := with(id, func(sess *domain.ConversationSession) error {
		effects, applyErr = s.machine.Apply(sess, ev)
		state = sess.AuthState
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return state, effects, applyErr
}

// Snapshot returns a copy of the session for id.
func (s *Store) Snapshot(id string) (domain.ConversationSession, bool) {
	var out domain.ConversationSession
	err := s.Update(id, func(sess *domain.ConversationSession) error {
		out = sess.Clone()
		return nil
	})
	return out, err == nil
}

// Keys returns a sorted snapshot of the session ids.
func (s *Store) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Destroy removes the session for id. Work already waiting on the session
// lock observes ErrSessionNotFound.
func (s *Store) Destroy(id string) bool {
	s.mu.Lock()
	e, ok := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()
	if ok {
		e.destroyed.Store(true)
	}
	return ok
}
