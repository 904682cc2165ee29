package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"price-alert-engine/internal/models"
)

// KindTelegram is the chat-bot channel kind.
const KindTelegram = "telegram"

var chatIDPattern = regexp.MustCompile(`^(-?\d{1,20}|@[A-Za-z][A-Za-z0-9_]{4,31})$`)

// TelegramNotifier 通过 Telegram Bot API 推送消息。
// The target address is the chat id (numeric, or @channel).
type TelegramNotifier struct {
	botToken string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

func (n *TelegramNotifier) Kind() string { return KindTelegram }

// Send 调用 sendMessage API 推送 HTML 文本。
func (n *TelegramNotifier) Send(ctx context.Context, target models.ChannelTarget, msg Message) error {
	chatID := strings.TrimSpace(target.Address)
	if !chatIDPattern.MatchString(chatID) {
		return Permanent(fmt.Errorf("malformed telegram chat id %q", target.Address))
	}

	payload := map[string]string{
		"chat_id":    chatID,
		"text":       msg.Chat,
		"parse_mode": "HTML",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Permanent(fmt.Errorf("marshal telegram payload: %w", err))
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("create telegram request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return Transient(fmt.Errorf("send telegram request: %w", err))
	}
	defer resp.Body.Close()

	var result struct {
		OK          bool   `json:"ok"`
		ErrorCode   int    `json:"error_code"`
		Description string `json:"description"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	decodeErr := json.Unmarshal(raw, &result)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("telegram 响应码异常: %d %s", resp.StatusCode, result.Description)
		switch resp.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return Permanent(err)
		default:
			return Transient(err)
		}
	}
	if decodeErr == nil && !result.OK {
		return Transient(fmt.Errorf("telegram 返回 ok=false: %s", result.Description))
	}

	n.logger.Info().
		Str("fire_id", msg.Fire.ID).
		Str("symbol", msg.Fire.Symbol).
		Str("channel", target.Key()).
		Msg("告警已发送 (Telegram)")
	return nil
}

var _ Adapter = (*TelegramNotifier)(nil)
