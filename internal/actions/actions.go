// Package actions forwards allowed protected intents to the academic action
// service with the conversation's access token.
package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ashureev/campusbot/internal/domain"
	"github.com/ashureev/campusbot/internal/logger"
)

var (
	// ErrNotConfigured is returned when no action service URL is set.
	ErrNotConfigured = errors.New("action service not configured")
	// ErrUnavailable is a transient action service failure.
	ErrUnavailable = errors.New("action service unavailable")
	// ErrUnauthorized means the service rejected the access token.
	ErrUnauthorized = errors.New("access token rejected")
)

const maxBodyBytes = 256 << 10

// Request is what a protected action receives.
type Request struct {
	ConversationID string            `json:"conversation_id"`
	Intent         domain.Intent     `json:"intent"`
	Text           string            `json:"text"`
	Entities       map[string]string `json:"entities,omitempty"`
	AccessToken    string            `json:"-"`
}

type response struct {
	Reply string `json:"reply"`
}

// Forwarder posts requests to {baseURL}/actions/{intent}.
type Forwarder struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewForwarder creates a forwarder. An empty baseURL makes every call return
// ErrNotConfigured.
func NewForwarder(baseURL string, timeout time.Duration, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Forwarder{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Forward runs the action and returns the reply text for the user.
func (f *Forwarder) Forward(ctx context.Context, req Request) (reply string, err error) {
	if f.baseURL == "" {
		return "", ErrNotConfigured
	}

	ctx, span := logger.StartSpan(ctx, "actions.forward")
	span.SetAttributes(attribute.String("intent", string(req.Intent)))
	defer func() { logger.EndSpan(span, err) }()

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode action request: %w", err)
	}
	endpoint := f.baseURL + "/actions/" + url.PathEscape(string(req.Intent))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build action request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if req.AccessToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.AccessToken)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", ErrUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		f.logger.WarnContext(ctx, "action returned error status", "intent", req.Intent, "status", resp.StatusCode)
		return "", fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var out response
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode reply: %v", ErrUnavailable, err)
	}
	return out.Reply, nil
}
