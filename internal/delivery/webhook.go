package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// WebhookOptions configure a Discord webhook sink.
type WebhookOptions struct {
	URL           string
	Username      string
	AvatarURL     string
	SuccessStatus int
	Timeout       time.Duration
}

// WebhookSink posts content to a Discord webhook.
type WebhookSink struct {
	opts   WebhookOptions
	client *http.Client
	logger zerolog.Logger
}

type webhookPayload struct {
	Content   string `json:"content"`
	Username  string `json:"username,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// NewWebhookSink constructs a webhook sink. Success defaults to 204 No Content.
func NewWebhookSink(opts WebhookOptions, logger zerolog.Logger) *WebhookSink {
	if opts.SuccessStatus == 0 {
		opts.SuccessStatus = http.StatusNoContent
	}
	if opts.Username == "" {
		opts.Username = "Signal Monitor"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{
		opts:   opts,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "sink_webhook").Logger(),
	}
}

// Name identifies the sink in logs.
func (w *WebhookSink) Name() string {
	return "discord_webhook"
}

// Send posts content and reports whether the webhook answered with the success status.
func (w *WebhookSink) Send(ctx context.Context, content string) (bool, string, error) {
	if w.opts.URL == "" {
		return false, "", fmt.Errorf("webhook url not configured")
	}

	body, err := json.Marshal(webhookPayload{
		Content:   content,
		Username:  w.opts.Username,
		AvatarURL: w.opts.AvatarURL,
	})
	if err != nil {
		return false, "", fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.opts.URL, bytes.NewReader(body))
	if err != nil {
		return false, "", fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return false, "", fmt.Errorf("send webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == w.opts.SuccessStatus {
		return true, fmt.Sprintf("HTTP %d", resp.StatusCode), nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	detail := fmt.Sprintf("HTTP %d", resp.StatusCode)
	if s := strings.TrimSpace(string(snippet)); s != "" {
		detail += ": " + s
	}
	w.logger.Warn().Int("status", resp.StatusCode).Msg("webhook answered with unexpected status")
	return false, detail, nil
}

var _ Sink = (*WebhookSink)(nil)
