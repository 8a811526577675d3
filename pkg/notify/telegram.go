// Package notify delivers proposals and outcomes to operators over the
// Telegram Bot API.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Mindburn-Labs/autofix/pkg/contracts"
)

const (
	DefaultTelegramBaseURL = "https://api.telegram.org"
	service                = "telegram"

	// Callback actions carried in inline button data.
	ActionFix  = "fix"
	ActionSkip = "skip"
)

// HTTPDoer is satisfied by *http.Client and resiliency.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type TelegramConfig struct {
	BotToken string
	ChatID   string
	BaseURL  string
	Timeout  time.Duration
	HTTP     HTTPDoer
	Logger   *slog.Logger
}

// Telegram sends messages to a single operator chat.
type Telegram struct {
	token   string
	chatID  string
	baseURL string
	timeout time.Duration
	http    HTTPDoer
	logger  *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultTelegramBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.HTTP == nil {
		cfg.HTTP = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "notify")
	}
	return &Telegram{
		token:   cfg.BotToken,
		chatID:  cfg.ChatID,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: cfg.Timeout,
		http:    cfg.HTTP,
		logger:  cfg.Logger,
	}
}

type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type replyMarkup struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

type sendMessage struct {
	ChatID                string       `json:"chat_id"`
	Text                  string       `json:"text"`
	ParseMode             string       `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool         `json:"disable_web_page_preview,omitempty"`
	ReplyMarkup           *replyMarkup `json:"reply_markup,omitempty"`
}

type answerCallbackQuery struct {
	CallbackQueryID string `json:"callback_query_id"`
	Text            string `json:"text,omitempty"`
}

// SendProposal posts the proposal summary with Apply Fix and Skip buttons.
func (t *Telegram) SendProposal(ctx context.Context, rec contracts.LedgerRecord) error {
	return t.call(ctx, "sendMessage", sendMessage{
		ChatID:                t.chatID,
		Text:                  ProposalMessage(rec),
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
		ReplyMarkup: &replyMarkup{InlineKeyboard: [][]inlineButton{{
			{Text: "Apply Fix", CallbackData: ActionFix + ":" + rec.ExecutionID},
			{Text: "Skip", CallbackData: ActionSkip + ":" + rec.ExecutionID},
		}}},
	})
}

// Send posts an HTML message to the operator chat.
func (t *Telegram) Send(ctx context.Context, text string) error {
	return t.call(ctx, "sendMessage", sendMessage{
		ChatID:    t.chatID,
		Text:      text,
		ParseMode: "HTML",
	})
}

// AnswerCallback acknowledges a button press so the client stops waiting.
func (t *Telegram) AnswerCallback(ctx context.Context, queryID, text string) error {
	return t.call(ctx, "answerCallbackQuery", answerCallbackQuery{
		CallbackQueryID: queryID,
		Text:            text,
	})
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (t *Telegram) call(ctx context.Context, method string, payload any) error {
	if t.token == "" {
		return fmt.Errorf("telegram: bot token not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram: marshal %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/bot"+t.token+"/"+method, bytes.NewReader(body))
	if err != nil {
		// The URL embeds the token; do not wrap the original error.
		return fmt.Errorf("telegram: create %s request", method)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return contracts.NewUpstreamError(service, 0, fmt.Errorf("%s: %w", method, redact(err, t.token)))
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var out apiResponse
	_ = json.Unmarshal(raw, &out)
	if resp.StatusCode != http.StatusOK || !out.OK {
		return contracts.NewUpstreamError(service, resp.StatusCode, fmt.Errorf("%s: %s", method, out.Description))
	}
	t.logger.DebugContext(ctx, "telegram call ok", "method", method)
	return nil
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

func redact(err error, token string) error {
	if token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(err.Error(), token, "<redacted>"), err: err}
}
