package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/campusbot/internal/domain"
)

// ConversationHandler exposes conversation state to trusted services.
type ConversationHandler struct {
	conversations Conversations
	audit         AuditLog
}

// NewConversationHandler creates a handler. audit may be nil.
func NewConversationHandler(conversations Conversations, audit AuditLog) *ConversationHandler {
	return &ConversationHandler{conversations: conversations, audit: audit}
}

type authResponse struct {
	ConversationID string           `json:"conversation_id"`
	AuthState      domain.AuthState `json:"auth_state"`
	Authenticated  bool             `json:"authenticated"`
}

type eventResponse struct {
	ID        string           `json:"id"`
	FromState domain.AuthState `json:"from_state"`
	ToState   domain.AuthState `json:"to_state"`
	Reason    string           `json:"reason"`
	Challenge string           `json:"challenge,omitempty"`
	Attempts  int              `json:"attempts"`
	CreatedAt time.Time        `json:"created_at"`
}

// AuthState returns the conversation's authentication state.
func (h *ConversationHandler) AuthState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")
	state := h.conversations.CurrentAuthState(id)
	JSON(w, http.StatusOK, authResponse{
		ConversationID: id,
		AuthState:      state,
		Authenticated:  state == domain.StateAuthenticated,
	})
}

// Student returns the authenticated student of the conversation. The
// registration id backs the challenge and never leaves the process.
func (h *ConversationHandler) Student(w http.ResponseWriter, r *http.Request) {
	student, ok := h.conversations.StudentContext(chi.URLParam(r, "conversationID"))
	if !ok {
		Error(w, http.StatusNotFound, "conversation is not authenticated")
		return
	}
	JSON(w, http.StatusOK, student.Redacted())
}

// Events returns the latest journaled transitions, newest first.
func (h *ConversationHandler) Events(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		Error(w, http.StatusNotImplemented, "audit journal disabled")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			Error(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	events, err := h.audit.ListAuthEvents(r.Context(), chi.URLParam(r, "conversationID"), limit)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to list auth events", "error", err)
		Error(w, http.StatusInternalServerError, "failed to read journal")
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, eventResponse{
			ID:        strconv.FormatInt(ev.ID, 10),
			FromState: ev.FromState,
			ToState:   ev.ToState,
			Reason:    ev.Reason,
			Challenge: ev.Challenge,
			Attempts:  ev.Attempts,
			CreatedAt: ev.CreatedAt.UTC(),
		})
	}
	JSON(w, http.StatusOK, map[string]any{"events": out})
}

// Destroy removes the conversation's session.
func (h *ConversationHandler) Destroy(w http.ResponseWriter, r *http.Request) {
	if !h.conversations.Destroy(chi.URLParam(r, "conversationID")) {
		Error(w, http.StatusNotFound, "conversation not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RegisterRoutes mounts the conversation routes on r.
func (h *ConversationHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/conversations/{conversationID}", func(r chi.Router) {
		r.Get("/auth", h.AuthState)
		r.Get("/student", h.Student)
		r.Get("/events", h.Events)
		r.Delete("/", h.Destroy)
	})
}
