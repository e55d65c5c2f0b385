package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"pm-keeper/internal/config"
	"pm-keeper/internal/keeper"
	"pm-keeper/internal/ledger"

	"go.uber.org/zap"
)

func failedReport() keeper.Report {
	return keeper.Report{
		CycleID: "9f1c2a7e-0000-4000-8000-000000000000",
		Mode:    keeper.ModeAll,
		Phases: []keeper.PhaseResult{
			{Op: ledger.FundShort, Batches: 2, Succeeded: 2},
			{Op: ledger.LiquidateLong, Batches: 3, Succeeded: 2, Failed: 1},
		},
		State: keeper.KeeperState{LastNonce: 88, EndpointIndex: 1},
	}
}

type telegramCapture struct {
	path    string
	payload sendMessageRequest
	calls   int
}

func newTelegramServer(t *testing.T, capture *telegramCapture, status int, response string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capture.calls++
		capture.path = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&capture.payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
}

func TestNotifyCycleDisabled(t *testing.T) {
	client := newTelegram(config.TelegramConfig{Enabled: false}, "monad-testnet", zap.NewNop(), "http://unused", nil)
	sent, err := client.NotifyCycle(context.Background(), failedReport())
	if err != nil || sent {
		t.Fatalf("expected no send when disabled, got %v %v", sent, err)
	}
}

func TestNotifyCycleMissingConfig(t *testing.T) {
	client := newTelegram(config.TelegramConfig{Enabled: true}, "monad-testnet", zap.NewNop(), "http://unused", nil)
	if _, err := client.NotifyCycle(context.Background(), failedReport()); err == nil {
		t.Fatalf("expected error for missing token/chat_id")
	}
}

func TestNotifyCycleSkipsCleanCycle(t *testing.T) {
	capture := &telegramCapture{}
	server := newTelegramServer(t, capture, http.StatusOK, `{"ok":true}`)
	defer server.Close()
	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "123"}
	client := newTelegram(cfg, "monad-testnet", zap.NewNop(), server.URL, server.Client())
	clean := keeper.Report{CycleID: "c", Phases: []keeper.PhaseResult{{Op: ledger.FundLong, Batches: 1, Succeeded: 1}}}
	sent, err := client.NotifyCycle(context.Background(), clean)
	if err != nil || sent {
		t.Fatalf("expected clean cycle to be skipped, got %v %v", sent, err)
	}
	if capture.calls != 0 {
		t.Fatalf("expected no request, got %d", capture.calls)
	}
}

func TestNotifyCyclePostsFailureSummary(t *testing.T) {
	capture := &telegramCapture{}
	server := newTelegramServer(t, capture, http.StatusOK, `{"ok":true,"result":{}}`)
	defer server.Close()
	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "123"}
	client := newTelegram(cfg, "monad-testnet", zap.NewNop(), server.URL, server.Client())

	sent, err := client.NotifyCycle(context.Background(), failedReport())
	if err != nil || !sent {
		t.Fatalf("expected alert sent, got %v %v", sent, err)
	}
	if capture.path != "/bottoken/sendMessage" {
		t.Fatalf("expected path /bottoken/sendMessage, got %s", capture.path)
	}
	if capture.payload.ChatID != "123" {
		t.Fatalf("expected chat_id 123, got %q", capture.payload.ChatID)
	}
	want := "[monad-testnet] cycle 9f1c2a7e mode=all | fund-short 2/2 ok | liquidate-long 2/3 ok failed=1 | nonce=88 endpoint=1"
	if capture.payload.Text != want {
		t.Fatalf("expected text %q, got %q", want, capture.payload.Text)
	}
	if !capture.payload.DisableNotification {
		t.Fatalf("expected partial failure to be sent silently")
	}
}

func TestNotifyCycleAbortRings(t *testing.T) {
	capture := &telegramCapture{}
	server := newTelegramServer(t, capture, http.StatusOK, `{"ok":true}`)
	defer server.Close()
	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "123"}
	client := newTelegram(cfg, "base-sepolia", zap.NewNop(), server.URL, server.Client())
	report := keeper.Report{CycleID: "abc", Mode: keeper.ModeFunding, Aborted: true, Err: "nonce resync failed: eof"}
	if _, err := client.NotifyCycle(context.Background(), report); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if capture.payload.DisableNotification {
		t.Fatalf("expected aborted cycle to notify loudly")
	}
	if !strings.HasSuffix(capture.payload.Text, "ABORTED: nonce resync failed: eof") {
		t.Fatalf("unexpected abort text %q", capture.payload.Text)
	}
}

func TestNotifyCycleReportsRateLimit(t *testing.T) {
	capture := &telegramCapture{}
	server := newTelegramServer(t, capture, http.StatusTooManyRequests,
		`{"ok":false,"error_code":429,"description":"Too Many Requests","parameters":{"retry_after":7}}`)
	defer server.Close()
	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "123"}
	client := newTelegram(cfg, "", zap.NewNop(), server.URL, server.Client())
	_, err := client.NotifyCycle(context.Background(), failedReport())
	if err == nil || !strings.Contains(err.Error(), "retry after 7s") {
		t.Fatalf("expected rate limit error, got %v", err)
	}
}
