package engine_test

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/campusbot/internal/actions"
	"github.com/ashureev/campusbot/internal/classifier"
	"github.com/ashureev/campusbot/internal/domain"
	"github.com/ashureev/campusbot/internal/gateway"
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

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type sent struct {
	ConversationID string
	ID             string
	Text           string
}

// fakeTransport records sends and deletes.
type fakeTransport struct {
	mu      sync.Mutex
	seq     int
	sent    []sent
	deleted []string
}

func (f *fakeTransport) SendMessage(_ context.Context, conversationID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("out-%d", f.seq)
	f.sent = append(f.sent, sent{ConversationID: conversationID, ID: id, Text: text})
	return id, nil
}

func (f *fakeTransport) DeleteMessage(_ context.Context, _ string, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeTransport) Texts(conversationID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		if s.ConversationID == conversationID {
			out = append(out, s.Text)
		}
	}
	return out
}

func (f *fakeTransport) Last(conversationID string) string {
	texts := f.Texts(conversationID)
	if len(texts) == 0 {
		return ""
	}
	return texts[len(texts)-1]
}

func (f *fakeTransport) IDOf(substr string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sent {
		if strings.Contains(s.Text, substr) {
			return s.ID
		}
	}
	return ""
}

func (f *fakeTransport) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

type fakeGateway struct {
	mu          sync.Mutex
	students    map[string]domain.StudentRef
	unavailable bool
	calls       int
}

func (g *fakeGateway) LookupByEmail(_ context.Context, email string) (domain.StudentRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.unavailable {
		return domain.StudentRef{}, gateway.ErrUnavailable
	}
	s, ok := g.students[email]
	if !ok {
		return domain.StudentRef{}, gateway.ErrNotFound
	}
	return s, nil
}

type fakeJournal struct {
	mu          sync.Mutex
	transitions []domain.AuthEvent
	sanitized   []domain.SanitizationRecord
}

func (j *fakeJournal) RecordTransition(ev domain.AuthEvent) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.transitions = append(j.transitions, ev)
}

func (j *fakeJournal) RecordSanitization(rec domain.SanitizationRecord) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.sanitized = append(j.sanitized, rec)
}

func (j *fakeJournal) Reasons() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []string
	for _, t := range j.transitions {
		out = append(out, t.Reason)
	}
	return out
}

// Pending returns the message ids recorded as awaiting deletion.
func (j *fakeJournal) Pending() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []string
	for _, r := range j.sanitized {
		if r.Status == domain.SanitizationPending {
			out = append(out, r.MessageID)
		}
	}
	return out
}

func (j *fakeJournal) Transitions() []domain.AuthEvent {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]domain.AuthEvent(nil), j.transitions...)
}

type fakeTokens struct {
	mu     sync.Mutex
	issued int
}

func (t *fakeTokens) Issue(student domain.StudentRef, conversationID string) (string, time.Time, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.issued++
	return fmt.Sprintf("token-%d-%s", t.issued, student.StudentID), time.Now().Add(time.Hour), nil
}

type fakeActions struct {
	mu       sync.Mutex
	requests []actions.Request
	err      error
}

func (a *fakeActions) Forward(_ context.Context, req actions.Request) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, req)
	if a.err != nil {
		return "", a.err
	}
	return "Your grades: Calculus 9.5", nil
}

func (a *fakeActions) Requests() []actions.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]actions.Request(nil), a.requests...)
}

type panickingClassifier struct{}

func (panickingClassifier) Classify(context.Context, string) (classifier.Result, error) {
	panic("classifier exploded")
}

// fixedRand always draws the shortest PREFIX question.
type fixedRand struct{}

func (fixedRand) Float64() float64 { return 0.5 }
func (fixedRand) IntN(int) int     { return 0 }

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// Lines returns the non-empty lines written so far.
func (b *syncBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, line := range strings.Split(b.buf.String(), "\n") {
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
