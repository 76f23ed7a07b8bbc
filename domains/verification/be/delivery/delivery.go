package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrLogSenderDisabled is returned when the log sender is asked for in a build
// without the devcodes tag. It writes codes in clear text.
var ErrLogSenderDisabled = errors.New("the log sender requires a build with the devcodes tag")

// Message is a one-time code addressed to a single recipient.
type Message struct {
	AttemptID uuid.UUID `json:"attemptId"`
	Channel   string    `json:"channel"`
	Address   string    `json:"address"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Sender delivers verification codes over whatsapp, sms or email.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// WebhookConfig configures delivery through the messaging provider's HTTP hook.
type WebhookConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
	Client  *http.Client
}

// WebhookSender posts each message as JSON to the messaging provider.
type WebhookSender struct {
	url    string
	token  string
	client *http.Client
}

// NewWebhookSender validates the config and returns a sender.
func NewWebhookSender(cfg WebhookConfig) (*WebhookSender, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("webhook url is required")
	}

	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	return &WebhookSender{url: url, token: cfg.Token, client: client}, nil
}

func (s *WebhookSender) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook responded %d", resp.StatusCode)
	}
	return nil
}

// New returns the sender selected by kind ("webhook", or "log" in devcodes builds).
func New(kind string, logger *zap.Logger, webhook WebhookConfig) (Sender, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "":
		return nil, errors.New("sender is required")
	case "log":
		return logSender(logger)
	case "webhook":
		return NewWebhookSender(webhook)
	default:
		return nil, fmt.Errorf("unsupported sender %q", kind)
	}
}
