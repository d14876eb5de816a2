package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// fakeBotAPI implements just enough of the Bot API for a send-only bot:
// getMe for construction and sendMessage for delivery.
type fakeBotAPI struct {
	mu    sync.Mutex
	sends []map[string]string

	failSend bool
}

func (f *fakeBotAPI) server(t *testing.T, token string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/bot"+token+"/getMe", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true,"result":{"id":42,"is_bot":true,"first_name":"pusher","username":"pusher_bot"}}`))
	})
	mux.HandleFunc("/bot"+token+"/sendMessage", func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var params map[string]string
		_ = json.Unmarshal(raw, &params)
		f.mu.Lock()
		f.sends = append(f.sends, params)
		f.mu.Unlock()
		if f.failSend {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"chat":{"id":99,"type":"private"}}}`))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func (f *fakeBotAPI) lastSend(t *testing.T) map[string]string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sends) == 0 {
		t.Fatal("no sendMessage call recorded")
	}
	return f.sends[len(f.sends)-1]
}

func TestTelegramSendComposesMessage(t *testing.T) {
	t.Parallel()

	api := &fakeBotAPI{}
	ts := api.server(t, "tok123")

	tg, err := NewTelegram(TelegramOptions{Token: "tok123", ChatID: 99, URL: ts.URL, HTTPClient: ts.Client()})
	if err != nil {
		t.Fatalf("NewTelegram: %v", err)
	}
	if tg.Name() != "telegram" {
		t.Fatalf("Name = %q", tg.Name())
	}

	n := Notification{Site: "right-main", Title: "[right-main] check-in", Body: "points today: 20"}
	if err := tg.Send(context.Background(), n); err != nil {
		t.Fatalf("Send: %v", err)
	}

	params := api.lastSend(t)
	if params["chat_id"] != "99" {
		t.Fatalf("chat_id = %q, want 99", params["chat_id"])
	}
	if want := "[right-main] check-in\n\npoints today: 20"; params["text"] != want {
		t.Fatalf("text = %q, want %q", params["text"], want)
	}
}

func TestTelegramSendReportsAPIError(t *testing.T) {
	t.Parallel()

	api := &fakeBotAPI{failSend: true}
	ts := api.server(t, "tok123")

	tg, err := NewTelegram(TelegramOptions{Token: "tok123", ChatID: 99, URL: ts.URL, HTTPClient: ts.Client()})
	if err != nil {
		t.Fatalf("NewTelegram: %v", err)
	}
	if err := tg.Send(context.Background(), Notification{Title: "t"}); err == nil {
		t.Fatal("Send succeeded against failing API")
	}
}

func TestTelegramSendHonorsContextCancel(t *testing.T) {
	t.Parallel()

	api := &fakeBotAPI{}
	ts := api.server(t, "tok123")

	tg, err := NewTelegram(TelegramOptions{Token: "tok123", ChatID: 99, URL: ts.URL, HTTPClient: ts.Client()})
	if err != nil {
		t.Fatalf("NewTelegram: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tg.Send(ctx, Notification{Title: "t"}); err == nil {
		t.Fatal("Send with cancelled context succeeded")
	}
}

func TestTelegramOptionsValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewTelegram(TelegramOptions{Token: " ", ChatID: 99}); err == nil {
		t.Fatal("empty token accepted")
	}
	if _, err := NewTelegram(TelegramOptions{Token: "tok123", ChatID: 0}); err == nil {
		t.Fatal("zero chat_id accepted")
	}
}
