package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"yield-guard/internal/approval"
)

// Notifier 定义审批通知输送接口。
type Notifier interface {
	Notify(ctx context.Context, note approval.Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送审批请求。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 通知器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "notify_telegram").Logger(),
	}
}

type inlineButton struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

type sendMessagePayload struct {
	ChatID      string `json:"chat_id"`
	Text        string `json:"text"`
	ReplyMarkup *struct {
		InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
	} `json:"reply_markup,omitempty"`
}

// Notify 调用 sendMessage API 推送审批消息。
func (n *TelegramNotifier) Notify(ctx context.Context, note approval.Notification) error {
	payload := sendMessagePayload{
		ChatID: n.chatID,
		Text:   renderMessage(note),
	}
	// Telegram only accepts public https links on inline buttons.
	if strings.HasPrefix(note.ApprovalURL, "https://") {
		payload.ReplyMarkup = &struct {
			InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
		}{
			InlineKeyboard: [][]inlineButton{{{Text: "Review & approve", URL: note.ApprovalURL}}},
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("proposal_id", note.ProposalID).
		Time("expires_at", note.ExpiresAt).
		Msg("审批通知已发送 (Telegram)")
	return nil
}

func renderMessage(note approval.Notification) string {
	builder := strings.Builder{}
	builder.WriteString(note.Message)
	if !strings.HasSuffix(note.Message, "\n") {
		builder.WriteString("\n")
	}
	if !strings.HasPrefix(note.ApprovalURL, "https://") && note.ApprovalURL != "" {
		builder.WriteString(fmt.Sprintf("Approve: %s\n", note.ApprovalURL))
	}
	return builder.String()
}

// LogNotifier writes approval requests to the log when no channel is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notify_log").Logger()}
}

func (n *LogNotifier) Notify(_ context.Context, note approval.Notification) error {
	n.logger.Warn().
		Str("proposal_id", note.ProposalID).
		Str("approval_url", note.ApprovalURL).
		Str("amount", note.DisplayData.Amount).
		Str("route", note.DisplayData.FromSource+" -> "+note.DisplayData.ToSource).
		Time("expires_at", note.ExpiresAt).
		Msg("approval required; no notification channel configured")
	return nil
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)
