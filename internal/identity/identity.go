// Package identity provides anonymous per-browser chat identity.
package identity

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const (
	// ChatCookieName holds the browser's anonymous chat id.
	ChatCookieName = "campusbot_chat_id"
	// ConversationPrefix prefixes web chat conversation ids.
	ConversationPrefix = "ws:"
	chatCookieMaxAge   = 30 * 24 * time.Hour
)

type contextKey int

const conversationIDKey contextKey = iota

// ConversationIDFromContext extracts the web chat conversation id.
func ConversationIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(conversationIDKey).(string); ok {
		return v
	}
	return ""
}

// WithConversationID returns ctx carrying id.
func WithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, conversationIDKey, id)
}

func isValidChatID(id string) bool {
	parsed, err := uuid.Parse(id)
	return err == nil && parsed.Version() == 4
}

func getOrCreateChatID(w http.ResponseWriter, r *http.Request, isDev bool) string {
	id := ""
	if c, err := r.Cookie(ChatCookieName); err == nil && isValidChatID(c.Value) {
		id = c.Value
	} else {
		id = uuid.NewString()
	}

	http.SetCookie(w, &http.Cookie{
		Name:     ChatCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(chatCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(chatCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
	return id
}

// Middleware assigns each browser a cookie-scoped conversation id.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := getOrCreateChatID(w, r, isDev)
			ctx := WithConversationID(r.Context(), ConversationPrefix+id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for request logging.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
