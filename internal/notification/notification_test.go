package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"digit-trading-bot/internal/events"
)

type captured struct {
	path string
	body map[string]interface{}
}

func newCaptureServer(t *testing.T, status int) (*httptest.Server, chan captured) {
	t.Helper()
	ch := make(chan captured, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		ch <- captured{path: r.URL.Path, body: body}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, ch
}

func waitFor(t *testing.T, ch chan captured) captured {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("Timed out waiting for notification")
	}
	return captured{}
}

// ============================================================================
// TEST: Providers
// ============================================================================

func TestTelegramSend(t *testing.T) {
	srv, ch := newCaptureServer(t, http.StatusOK)
	tg := NewTelegramNotifier(TelegramConfig{BotToken: "abc", ChatID: "42", Enabled: true, APIBase: srv.URL})

	if err := tg.Send(context.Background(), &Notification{Title: "Hello", Message: "World"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	c := waitFor(t, ch)
	if c.path != "/botabc/sendMessage" {
		t.Errorf("Expected /botabc/sendMessage, got %s", c.path)
	}
	if c.body["chat_id"] != "42" {
		t.Errorf("Expected chat_id 42, got %v", c.body["chat_id"])
	}
	if !strings.Contains(c.body["text"].(string), "Hello") {
		t.Errorf("Expected title in text, got %v", c.body["text"])
	}
}

func TestDiscordErrorStatus(t *testing.T) {
	srv, _ := newCaptureServer(t, http.StatusTooManyRequests)
	d := NewDiscordNotifier(DiscordConfig{WebhookURL: srv.URL, Enabled: true})

	if err := d.Send(context.Background(), &Notification{Title: "x", Timestamp: time.Now()}); err == nil {
		t.Errorf("Expected error for status 429")
	}
}

func TestDisabledProviders(t *testing.T) {
	tests := []struct {
		name     string
		notifier Notifier
	}{
		{"telegram without chat", NewTelegramNotifier(TelegramConfig{BotToken: "abc", Enabled: true})},
		{"telegram disabled", NewTelegramNotifier(TelegramConfig{BotToken: "abc", ChatID: "1"})},
		{"discord without url", NewDiscordNotifier(DiscordConfig{Enabled: true})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.notifier.IsEnabled() {
				t.Errorf("Expected %s to be disabled", tt.notifier.Name())
			}
		})
	}

	m := NewManager(zerolog.Nop())
	m.AddNotifier(tests[0].notifier)
	if m.Enabled() {
		t.Errorf("Manager with only disabled providers should report disabled")
	}
}

// ============================================================================
// TEST: Event forwarding
// ============================================================================

func TestRecoveryEventIsForwarded(t *testing.T) {
	srv, ch := newCaptureServer(t, http.StatusNoContent)
	m := NewManager(zerolog.Nop())
	m.AddNotifier(NewDiscordNotifier(DiscordConfig{WebhookURL: srv.URL, Enabled: true}))

	bus := events.NewEventBus()
	m.Subscribe(bus)
	bus.PublishRecovery("u1", true, -800, 200)

	c := waitFor(t, ch)
	embeds, ok := c.body["embeds"].([]interface{})
	if !ok || len(embeds) != 1 {
		t.Fatalf("Expected one embed, got %v", c.body)
	}
	embed := embeds[0].(map[string]interface{})
	if embed["title"] != "Recovery mode activated" {
		t.Errorf("Unexpected title %v", embed["title"])
	}
	if int(embed["color"].(float64)) != 0xFF0000 {
		t.Errorf("Expected red embed for a losing day, got %v", embed["color"])
	}
	if !strings.Contains(embed["description"].(string), "lost 800.00") {
		t.Errorf("Unexpected description %v", embed["description"])
	}
}
