package alerts

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

	"pm-keeper/internal/config"
	"pm-keeper/internal/keeper"

	"go.uber.org/zap"
)

const telegramBaseURL = "https://api.telegram.org"

// Telegram pages an operator chat about cycles that aborted or left
// batches unconfirmed. Clean cycles are never sent.
type Telegram struct {
	enabled bool
	token   string
	chatID  string
	chain   string
	baseURL string
	client  *http.Client
	log     *zap.Logger
}

func NewTelegram(cfg config.TelegramConfig, chain string, log *zap.Logger) *Telegram {
	return newTelegram(cfg, chain, log, telegramBaseURL, &http.Client{Timeout: 10 * time.Second})
}

func newTelegram(cfg config.TelegramConfig, chain string, log *zap.Logger, baseURL string, client *http.Client) *Telegram {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Telegram{
		enabled: cfg.Enabled,
		token:   strings.TrimSpace(cfg.Token),
		chatID:  strings.TrimSpace(cfg.ChatID),
		chain:   strings.TrimSpace(chain),
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		log:     log,
	}
}

// NotifyCycle sends the one-line summary of report when it needs attention.
// It reports whether a message went out.
func (t *Telegram) NotifyCycle(ctx context.Context, report keeper.Report) (bool, error) {
	if t == nil || !t.enabled || !ShouldAlert(report) {
		return false, nil
	}
	if t.token == "" || t.chatID == "" {
		return false, errors.New("telegram token and chat_id are required")
	}
	// Partial failures arrive silently; an aborted cycle rings.
	if err := t.sendMessage(ctx, CycleSummary(t.chain, report), !report.Aborted); err != nil {
		return false, fmt.Errorf("cycle %s alert: %w", report.CycleID, err)
	}
	t.log.Info("cycle alert sent",
		zap.String("cycle_id", report.CycleID),
		zap.Bool("aborted", report.Aborted),
		zap.Int("failures", report.Failures()),
	)
	return true, nil
}

type sendMessageRequest struct {
	ChatID              string `json:"chat_id"`
	Text                string `json:"text"`
	DisableNotification bool   `json:"disable_notification,omitempty"`
	DisablePreview      bool   `json:"disable_web_page_preview"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

func (t *Telegram) sendMessage(ctx context.Context, text string, silent bool) error {
	body, err := json.Marshal(sendMessageRequest{
		ChatID:              t.chatID,
		Text:                text,
		DisableNotification: silent,
		DisablePreview:      true,
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var result apiResponse
	decodeErr := json.Unmarshal(raw, &result)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 && (decodeErr != nil || result.OK) {
		return nil
	}
	if decodeErr != nil {
		return fmt.Errorf("telegram http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	desc := strings.TrimSpace(result.Description)
	if desc == "" {
		desc = "unknown telegram error"
	}
	if result.Parameters.RetryAfter > 0 {
		return fmt.Errorf("telegram rate limited, retry after %ds: %s", result.Parameters.RetryAfter, desc)
	}
	return fmt.Errorf("telegram error %d: %s", result.ErrorCode, desc)
}
