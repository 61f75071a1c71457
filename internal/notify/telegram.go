package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	"github.com/cargabot/cargabot/internal/config"
)

// Telegram sends messages through the Bot API to a single chat.
type Telegram struct {
	httpClient *http.Client
	baseURL    string
	token      string
	chatID     string
}

func NewTelegram(cfg config.Telegram) *Telegram {
	return &Telegram{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    "https://api.telegram.org",
		token:      cfg.BotToken,
		chatID:     cfg.ChatID,
	}
}

func (t *Telegram) Notify(ctx context.Context, message string) {
	payload := "{}"
	payload, _ = sjson.Set(payload, "chat_id", t.chatID)
	payload, _ = sjson.Set(payload, "text", message)
	payload, _ = sjson.Set(payload, "parse_mode", "Markdown")

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(payload))
	if err != nil {
		log.Warnf("failed to build telegram request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		log.Warnf("failed to deliver telegram message: %v", err)
		return
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		log.Warnf("telegram rejected message with status %d: %s", resp.StatusCode, string(body))
	}
}
