package transport

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/campusbot/internal/domain"
)

// TelegramPrefix prefixes Telegram conversation ids.
const TelegramPrefix = "tg:"

const telegramSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// TelegramConfig configures the Bot API adapter.
type TelegramConfig struct {
	Token         string
	APIURL        string
	WebhookSecret string
	Timeout       time.Duration
}

// Telegram sends and deletes messages through the Bot API and receives
// updates on a webhook.
type Telegram struct {
	cfg    TelegramConfig
	client *http.Client
	sink   Sink
	now    func() time.Time
	logger *slog.Logger
}

// NewTelegram creates the adapter.
func NewTelegram(cfg TelegramConfig, sink Sink, logger *slog.Logger) *Telegram {
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.telegram.org"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Telegram{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		sink:   sink,
		now:    time.Now,
		logger: logger,
	}
}

type tgResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

type tgMessage struct {
	MessageID int64  `json:"message_id"`
	Date      int64  `json:"date"`
	Text      string `json:"text"`
	Chat      struct {
		ID int64 `json:"id"`
	} `json:"chat"`
}

type tgUpdate struct {
	UpdateID int64      `json:"update_id"`
	Message  *tgMessage `json:"message"`
}

func chatID(conversationID string) (int64, error) {
	raw, ok := strings.CutPrefix(conversationID, TelegramPrefix)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownConversation, conversationID)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrUnknownConversation, conversationID)
	}
	return id, nil
}

func (t *Telegram) call(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}
	url := fmt.Sprintf("%s/bot%s/%s", t.cfg.APIURL, t.cfg.Token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// The URL carries the token; keep it out of the error.
		return nil, fmt.Errorf("telegram %s: request failed", method)
	}
	defer resp.Body.Close()

	var out tgResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("telegram %s: decode response (status %d): %w", method, resp.StatusCode, err)
	}
	if !out.OK {
		return nil, classifyTelegramError(method, out)
	}
	return out.Result, nil
}

func classifyTelegramError(method string, r tgResponse) error {
	desc := strings.ToLower(r.Description)
	switch {
	case r.ErrorCode == http.StatusTooManyRequests:
		return fmt.Errorf("telegram %s: %w: %s", method, ErrRateLimited, r.Description)
	case r.ErrorCode == http.StatusForbidden, strings.Contains(desc, "can't be deleted"):
		return fmt.Errorf("telegram %s: %w: %s", method, ErrPermission, r.Description)
	case strings.Contains(desc, "not found"):
		return fmt.Errorf("telegram %s: %w: %s", method, ErrMessageGone, r.Description)
	default:
		return fmt.Errorf("telegram %s: %d %s", method, r.ErrorCode, r.Description)
	}
}

// SendMessage implements Transport.
func (t *Telegram) SendMessage(ctx context.Context, conversationID, text string) (string, error) {
	chat, err := chatID(conversationID)
	if err != nil {
		return "", err
	}
	raw, err := t.call(ctx, "sendMessage", map[string]any{"chat_id": chat, "text": text})
	if err != nil {
		return "", err
	}
	var msg tgMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return "", fmt.Errorf("telegram sendMessage: decode message: %w", err)
	}
	return strconv.FormatInt(msg.MessageID, 10), nil
}

// DeleteMessage implements Transport.
func (t *Telegram) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	chat, err := chatID(conversationID)
	if err != nil {
		return err
	}
	msgID, err := strconv.ParseInt(messageID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid message id %q", ErrMessageGone, messageID)
	}
	_, err = t.call(ctx, "deleteMessage", map[string]any{"chat_id": chat, "message_id": msgID})
	return err
}

// ServeHTTP receives webhook updates. Non-text updates are acknowledged and
// dropped.
func (t *Telegram) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	got := r.Header.Get(telegramSecretHeader)
	if t.cfg.WebhookSecret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(t.cfg.WebhookSecret)) != 1 {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var update tgUpdate
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&update); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)

	msg := update.Message
	if msg == nil || strings.TrimSpace(msg.Text) == "" {
		return
	}
	received := t.now()
	if msg.Date > 0 {
		received = time.Unix(msg.Date, 0)
	}
	t.sink.Submit(domain.InboundEvent{
		ConversationID: TelegramPrefix + strconv.FormatInt(msg.Chat.ID, 10),
		MessageID:      strconv.FormatInt(msg.MessageID, 10),
		Text:           msg.Text,
		ReceivedAt:     received,
	})
}
