package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/campusbot/internal/domain"
	"github.com/ashureev/campusbot/internal/id"
	"github.com/ashureev/campusbot/internal/identity"
)

const (
	maxChatMessageBytes = 4 << 10
	writeTimeout        = 5 * time.Second
)

// wsMessage is the web chat frame format in both directions.
type wsMessage struct {
	Type     string `json:"type"`
	ID       string `json:"id,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	Text     string `json:"text,omitempty"`
	From     string `json:"from,omitempty"`
}

// WebChat serves browser chat over websockets. A conversation may have
// several tabs open; every frame goes to all of them.
type WebChat struct {
	mu     sync.RWMutex
	active map[string]map[*websocket.Conn]struct{}

	sink          Sink
	allowedOrigin []string
	isDev         bool
	now           func() time.Time
	logger        *slog.Logger
}

// NewWebChat creates the adapter.
func NewWebChat(sink Sink, allowedOrigins []string, isDev bool, logger *slog.Logger) *WebChat {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebChat{
		active:        make(map[string]map[*websocket.Conn]struct{}),
		sink:          sink,
		allowedOrigin: allowedOrigins,
		isDev:         isDev,
		now:           time.Now,
		logger:        logger,
	}
}

func (c *WebChat) register(conversationID string, conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.active[conversationID]; !ok {
		c.active[conversationID] = make(map[*websocket.Conn]struct{})
	}
	c.active[conversationID][conn] = struct{}{}
}

func (c *WebChat) unregister(conversationID string, conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conns, ok := c.active[conversationID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(c.active, conversationID)
		}
	}
}

func (c *WebChat) conns(conversationID string) []*websocket.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*websocket.Conn, 0, len(c.active[conversationID]))
	for conn := range c.active[conversationID] {
		out = append(out, conn)
	}
	return out
}

// Connected reports whether any tab is attached to the conversation.
func (c *WebChat) Connected(conversationID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.active[conversationID]) > 0
}

// broadcast writes msg to every tab and reports how many writes succeeded.
func (c *WebChat) broadcast(ctx context.Context, conversationID string, msg wsMessage) int {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0
	}
	delivered := 0
	for _, conn := range c.conns(conversationID) {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := conn.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			c.logger.Debug("web chat write failed", "conversation_id", conversationID, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// SendMessage implements Transport.
func (c *WebChat) SendMessage(ctx context.Context, conversationID, text string) (string, error) {
	msgID := id.NewString()
	if c.broadcast(ctx, conversationID, wsMessage{Type: "message", ID: msgID, Text: text, From: "bot"}) == 0 {
		return "", ErrNotConnected
	}
	return msgID, nil
}

// DeleteMessage implements Transport. The transcript lives only in open tabs,
// so with none open there is nothing left to delete.
func (c *WebChat) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	if c.broadcast(ctx, conversationID, wsMessage{Type: "delete", ID: messageID}) == 0 {
		return ErrMessageGone
	}
	return nil
}

// ServeHTTP upgrades the request and runs the read loop. The conversation id
// comes from identity.Middleware.
func (c *WebChat) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conversationID := identity.ConversationIDFromContext(r.Context())
	if conversationID == "" {
		http.Error(w, "missing chat identity", http.StatusUnauthorized)
		return
	}
	if !c.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		c.logger.Error("failed to accept websocket", "error", err, "conversation_id", conversationID)
		return
	}
	ws.SetReadLimit(maxChatMessageBytes)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "chat ended"); closeErr != nil {
			c.logger.Debug("failed to close websocket", "error", closeErr, "conversation_id", conversationID)
		}
	}()

	c.register(conversationID, ws)
	defer c.unregister(conversationID, ws)
	c.logger.Info("web chat connected", "conversation_id", conversationID, "ip", identity.IPFromRequest(r))

	c.readLoop(r.Context(), ws, conversationID)
	c.logger.Info("web chat disconnected", "conversation_id", conversationID)
}

func (c *WebChat) readLoop(ctx context.Context, ws *websocket.Conn, conversationID string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				c.logger.Warn("websocket read error", "error", err, "conversation_id", conversationID)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "message":
			text := strings.TrimSpace(msg.Text)
			if text == "" {
				continue
			}
			msgID := id.NewString()
			// Let every tab tag the user's bubble with the server id so it can
			// be deleted later.
			c.broadcast(ctx, conversationID, wsMessage{Type: "ack", ID: msgID, ClientID: msg.ClientID, Text: text, From: "user"})
			c.sink.Submit(domain.InboundEvent{
				ConversationID: conversationID,
				MessageID:      msgID,
				Text:           text,
				ReceivedAt:     c.now(),
			})
		case "ping":
			c.broadcast(ctx, conversationID, wsMessage{Type: "pong"})
		}
	}
}

func (c *WebChat) checkOrigin(r *http.Request) bool {
	if c.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range c.allowedOrigin {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	c.logger.Warn("websocket origin rejected", "origin", origin)
	return false
}
