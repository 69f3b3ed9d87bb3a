package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"yield-guard/internal/approval"
)

type capturedMessage struct {
	ChatID      string `json:"chat_id"`
	Text        string `json:"text"`
	ReplyMarkup *struct {
		InlineKeyboard [][]struct {
			Text string `json:"text"`
			URL  string `json:"url"`
		} `json:"inline_keyboard"`
	} `json:"reply_markup"`
}

func sampleNote(url string) approval.Notification {
	return approval.Notification{
		ProposalID:  "p-1",
		ApprovalURL: url,
		Message:     "[Rebalance approval]\nMove 2000 USDC from aave to comp",
		DisplayData: approval.DisplayData{FromSource: "aave", ToSource: "comp", Amount: "2000"},
		ExpiresAt:   time.Now().Add(time.Hour),
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	var received capturedMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/bottoken/sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	note := sampleNote("https://approve.example/approve?id=p-1")

	if err := notifier.Notify(context.Background(), note); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received.ChatID != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if !strings.Contains(received.Text, "Move 2000 USDC") {
		t.Fatalf("text 应包含审批内容: %q", received.Text)
	}
	if received.ReplyMarkup == nil || received.ReplyMarkup.InlineKeyboard[0][0].URL != note.ApprovalURL {
		t.Fatalf("应附带审批按钮: %#v", received.ReplyMarkup)
	}
}

func TestTelegramNotifierInlinesNonHTTPSLink(t *testing.T) {
	var received capturedMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNote("http://localhost:8080/approve?id=p-1")); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}
	if received.ReplyMarkup != nil {
		t.Fatalf("非 https 链接不应生成按钮")
	}
	if !strings.Contains(received.Text, "Approve: http://localhost:8080/approve?id=p-1") {
		t.Fatalf("链接应写入正文: %q", received.Text)
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNote("")); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestTelegramNotifierHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNote("")); err == nil {
		t.Fatal("502 应报错")
	}
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	notifier := NewLogNotifier(zerolog.New(&buf))
	if err := notifier.Notify(context.Background(), sampleNote("http://localhost/approve")); err != nil {
		t.Fatalf("LogNotifier 不应报错: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"proposal_id":"p-1"`) || !strings.Contains(out, `"route":"aave -> comp"`) {
		t.Fatalf("日志内容不完整: %s", out)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
