// Package notification sends operator alerts for recovery transitions,
// completed sessions and supervisor restarts to Telegram and Discord.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"digit-trading-bot/internal/events"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifyRecovery NotificationType = "recovery"
	NotifySession  NotificationType = "session"
	NotifyError    NotificationType = "error"
)

// Notification represents a notification message
type Notification struct {
	Type       NotificationType
	Title      string
	Message    string
	UserID     string
	SessionKey string
	PnL        float64
	Timestamp  time.Time
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(ctx context.Context, notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans notifications out to every enabled provider
type Manager struct {
	notifiers []Notifier
	logger    zerolog.Logger
	timeout   time.Duration
}

// NewManager creates a new notification manager
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		logger:  logger.With().Str("component", "notification").Logger(),
		timeout: 10 * time.Second,
	}
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Enabled reports whether any provider will deliver
func (m *Manager) Enabled() bool {
	for _, n := range m.notifiers {
		if n.IsEnabled() {
			return true
		}
	}
	return false
}

// Send sends a notification to all enabled providers
func (m *Manager) Send(ctx context.Context, notification *Notification) error {
	if notification.Timestamp.IsZero() {
		notification.Timestamp = time.Now()
	}

	var lastErr error
	for _, n := range m.notifiers {
		if !n.IsEnabled() {
			continue
		}
		if err := n.Send(ctx, notification); err != nil {
			m.logger.Warn().Err(err).Str("provider", n.Name()).Msg("Notification failed")
			lastErr = err
		}
	}
	return lastErr
}

// SendError sends an error notification
func (m *Manager) SendError(ctx context.Context, title, message string) error {
	return m.Send(ctx, &Notification{
		Type:    NotifyError,
		Title:   title,
		Message: message,
	})
}

// Subscribe forwards the operator-relevant events of bus
func (m *Manager) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventRecoveryActivated, m.forward(func(e events.Event) *Notification {
		return &Notification{
			Type:    NotifyRecovery,
			Title:   "Recovery mode activated",
			Message: fmt.Sprintf("User %v lost %.2f today, balance %.2f", e.Data["user_id"], abs(floatOf(e.Data["daily_pnl"])), floatOf(e.Data["current_balance"])),
			UserID:  stringOf(e.Data["user_id"]),
			PnL:     floatOf(e.Data["daily_pnl"]),
		}
	}))
	bus.Subscribe(events.EventRecoveryCleared, m.forward(func(e events.Event) *Notification {
		return &Notification{
			Type:    NotifyRecovery,
			Title:   "Recovery complete",
			Message: fmt.Sprintf("User %v is back above the recovery line, balance %.2f", e.Data["user_id"], floatOf(e.Data["current_balance"])),
			UserID:  stringOf(e.Data["user_id"]),
			PnL:     floatOf(e.Data["daily_pnl"]),
		}
	}))
	bus.Subscribe(events.EventSessionCompleted, m.forward(func(e events.Event) *Notification {
		return &Notification{
			Type:       NotifySession,
			Title:      "Session completed",
			Message:    fmt.Sprintf("User %v finished session %v after %v operations", e.Data["user_id"], e.Data["session_key"], e.Data["executed"]),
			UserID:     stringOf(e.Data["user_id"]),
			SessionKey: stringOf(e.Data["session_key"]),
		}
	}))
	restart := m.forward(func(e events.Event) *Notification {
		return &Notification{
			Type:    NotifyError,
			Title:   fmt.Sprintf("Restarting %v", e.Data["component"]),
			Message: fmt.Sprintf("%v", e.Data["reason"]),
		}
	})
	bus.Subscribe(events.EventRestartScheduler, restart)
	bus.Subscribe(events.EventRestartWebsocket, restart)
	bus.Subscribe(events.EventPersistenceError, m.forward(func(e events.Event) *Notification {
		return &Notification{
			Type:    NotifyError,
			Title:   "Persistence error",
			Message: fmt.Sprintf("%v", e.Data["error"]),
		}
	}))
}

func (m *Manager) forward(build func(events.Event) *Notification) events.Subscriber {
	return func(e events.Event) {
		n := build(e)
		n.Timestamp = e.Timestamp
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		_ = m.Send(ctx, n)
	}
}

func stringOf(v interface{}) string {
	s, _ := v.(string)
	return s
}

func floatOf(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func post(ctx context.Context, client *http.Client, url string, payload interface{}) (*http.Response, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return client.Do(req)
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

// TelegramNotifier sends notifications via Telegram
type TelegramNotifier struct {
	botToken string
	chatID   string
	apiBase  string
	enabled  bool
	client   *http.Client
}

// TelegramConfig holds Telegram configuration
type TelegramConfig struct {
	BotToken string
	ChatID   string
	Enabled  bool
	APIBase  string // defaults to https://api.telegram.org
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(config TelegramConfig) *TelegramNotifier {
	if config.APIBase == "" {
		config.APIBase = "https://api.telegram.org"
	}
	return &TelegramNotifier{
		botToken: config.BotToken,
		chatID:   config.ChatID,
		apiBase:  config.APIBase,
		enabled:  config.Enabled && config.BotToken != "" && config.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(ctx context.Context, notification *Notification) error {
	if !t.enabled {
		return nil
	}

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       fmt.Sprintf("*%s*\n\n%s", notification.Title, notification.Message),
		"parse_mode": "Markdown",
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.botToken)
	resp, err := post(ctx, t.client, url, payload)
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

// =============================================================================
// DISCORD NOTIFIER
// =============================================================================

// DiscordNotifier sends notifications via Discord webhook
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// DiscordConfig holds Discord configuration
type DiscordConfig struct {
	WebhookURL string
	Enabled    bool
}

// NewDiscordNotifier creates a new Discord notifier
func NewDiscordNotifier(config DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: config.WebhookURL,
		enabled:    config.Enabled && config.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string {
	return "discord"
}

func (d *DiscordNotifier) IsEnabled() bool {
	return d.enabled
}

func (d *DiscordNotifier) Send(ctx context.Context, notification *Notification) error {
	if !d.enabled {
		return nil
	}

	color := 0x00FF00
	if notification.Type == NotifyError || notification.PnL < 0 {
		color = 0xFF0000
	}

	embed := map[string]interface{}{
		"title":       notification.Title,
		"description": notification.Message,
		"color":       color,
		"timestamp":   notification.Timestamp.Format(time.RFC3339),
	}

	var fields []map[string]interface{}
	if notification.UserID != "" {
		fields = append(fields, map[string]interface{}{"name": "User", "value": notification.UserID, "inline": true})
	}
	if notification.SessionKey != "" {
		fields = append(fields, map[string]interface{}{"name": "Session", "value": notification.SessionKey, "inline": true})
	}
	if notification.PnL != 0 {
		fields = append(fields, map[string]interface{}{"name": "Daily P&L", "value": fmt.Sprintf("%.2f", notification.PnL), "inline": true})
	}
	if len(fields) > 0 {
		embed["fields"] = fields
	}

	resp, err := post(ctx, d.client, d.webhookURL, map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	})
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}
	return nil
}
