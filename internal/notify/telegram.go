package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DefaultTelegramURL is the Bot API base URL.
const DefaultTelegramURL = "https://api.telegram.org"

// Telegram sends alerts via the Telegram Bot API.
type Telegram struct {
	baseURL  string
	botToken string
	chatID   string
	client   *http.Client
}

// NewTelegram creates a Telegram notifier.
// botToken: Bot API token from @BotFather
// chatID: target chat, group or channel ID
func NewTelegram(botToken, chatID string) *Telegram {
	return &Telegram{
		baseURL:  DefaultTelegramURL,
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// WithBaseURL points the notifier at another API host.
func (t *Telegram) WithBaseURL(url string) *Telegram {
	t.baseURL = url
	return t
}

// CollectionPaused implements Notifier.
func (t *Telegram) CollectionPaused(ctx context.Context, err error) error {
	return t.Notify(ctx, PausedAlert(err))
}

// Notify posts alert to the configured chat.
func (t *Telegram) Notify(ctx context.Context, alert Alert) error {
	prefix := "[i]"
	switch alert.Level {
	case LevelWarning:
		prefix = "[!]"
	case LevelCritical:
		prefix = "[!!]"
	}
	text := fmt.Sprintf("%s *%s*\n\n%s", escapeMarkdown(prefix), escapeMarkdown(alert.Title), escapeMarkdown(alert.Message))

	body, err := json.Marshal(map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "MarkdownV2",
	})
	if err != nil {
		return fmt.Errorf("telegram: encode: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// escapeMarkdown escapes special characters for Telegram MarkdownV2.
func escapeMarkdown(s string) string {
	const specials = "_*[]()~`>#+-=|{}.!"
	var buf bytes.Buffer
	for i := 0; i < len(s); i++ {
		if bytes.IndexByte([]byte(specials), s[i]) >= 0 {
			buf.WriteByte('\\')
		}
		buf.WriteByte(s[i])
	}
	return buf.String()
}

var _ Notifier = (*Telegram)(nil)
