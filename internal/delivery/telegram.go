package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// TelegramSink pushes content through the Telegram Bot API.
type TelegramSink struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramSink constructs a Telegram sink.
func NewTelegramSink(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramSink{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "sink_telegram").Logger(),
	}
}

// Name identifies the sink in logs.
func (n *TelegramSink) Name() string {
	return "telegram"
}

// Send calls sendMessage. Accepted means a 2xx answer with ok=true.
func (n *TelegramSink) Send(ctx context.Context, content string) (bool, string, error) {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    content,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return false, "", fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, "", fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return false, "", fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Sprintf("HTTP %d", resp.StatusCode), nil
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, fmt.Sprintf("HTTP %d", resp.StatusCode), fmt.Errorf("decode telegram response: %w", err)
	}
	if !result.OK {
		return false, "ok=false " + result.Description, nil
	}

	n.logger.Debug().Str("chat_id", n.chatID).Msg("message sent (Telegram)")
	return true, fmt.Sprintf("HTTP %d", resp.StatusCode), nil
}

var _ Sink = (*TelegramSink)(nil)
