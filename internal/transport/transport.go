// Package transport adapts messaging channels to the send, delete and
// receive primitives the engine consumes.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ashureev/campusbot/internal/domain"
)

var (
	// ErrMessageGone means the message no longer exists on the channel.
	ErrMessageGone = errors.New("message already gone")
	// ErrPermission means the bot may not delete the message.
	ErrPermission = errors.New("permission denied")
	// ErrRateLimited is a retryable channel throttle.
	ErrRateLimited = errors.New("rate limited by channel")
	// ErrNotConnected means no client is attached to the conversation.
	ErrNotConnected = errors.New("conversation not connected")
	// ErrUnknownConversation means no adapter owns the conversation id.
	ErrUnknownConversation = errors.New("no transport for conversation")
)

// Transport sends and deletes channel messages.
type Transport interface {
	SendMessage(ctx context.Context, conversationID, text string) (string, error)
	DeleteMessage(ctx context.Context, conversationID, messageID string) error
}

// Sink receives inbound user messages.
type Sink interface {
	Submit(ev domain.InboundEvent)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev domain.InboundEvent)

// Submit implements Sink.
func (f SinkFunc) Submit(ev domain.InboundEvent) { f(ev) }

// Permanent reports whether err should not be retried.
func Permanent(err error) bool {
	return errors.Is(err, ErrMessageGone) || errors.Is(err, ErrPermission) || errors.Is(err, ErrUnknownConversation)
}

// Mux routes conversations to adapters by id prefix ("tg:", "ws:").
type Mux struct {
	mu     sync.RWMutex
	routes map[string]Transport
}

// NewMux creates an empty mux.
func NewMux() *Mux {
	return &Mux{routes: make(map[string]Transport)}
}

// Handle registers t for conversation ids starting with prefix.
func (m *Mux) Handle(prefix string, t Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[prefix] = t
}

func (m *Mux) route(conversationID string) (Transport, error) {
	prefix, _, ok := strings.Cut(conversationID, ":")
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConversation, conversationID)
	}
	m.mu.RLock()
	t, ok := m.routes[prefix+":"]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConversation, conversationID)
	}
	return t, nil
}

// SendMessage implements Transport.
func (m *Mux) SendMessage(ctx context.Context, conversationID, text string) (string, error) {
	t, err := m.route(conversationID)
	if err != nil {
		return "", err
	}
	return t.SendMessage(ctx, conversationID, text)
}

// DeleteMessage implements Transport.
func (m *Mux) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	t, err := m.route(conversationID)
	if err != nil {
		return err
	}
	return t.DeleteMessage(ctx, conversationID, messageID)
}
