package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sofr-tracker/internal/logging"
	"sofr-tracker/internal/model"
)

// Notification describes a failed sync pass.
type Notification struct {
	Kind       model.RunKind
	Trigger    string
	Window     model.Window
	Err        error
	OccurredAt time.Time
}

// Notifier delivers failure notifications.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// Nop discards notifications.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(context.Context, Notification) error { return nil }

// TelegramNotifier posts messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	appName  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL, appName string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	if appName == "" {
		appName = "sofr-tracker"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		appName:  appName,
		client:   &http.Client{Timeout: timeout},
		logger:   logging.Component(logger, "alert_telegram"),
	}
}

// Notify calls sendMessage with the rendered notification.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(n.appName, note),
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
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("telegram returned ok=false")
	}

	n.logger.Info().
		Str("kind", string(note.Kind)).
		Str("trigger", note.Trigger).
		Msg("failure notification sent")
	return nil
}

func renderMessage(app string, note Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s failed\n", app, note.Kind)
	if note.Trigger != "" {
		fmt.Fprintf(&b, "Trigger: %s\n", note.Trigger)
	}
	if note.Window.Start != "" {
		fmt.Fprintf(&b, "Window: %s .. %s\n", note.Window.Start, note.Window.End)
	}
	fmt.Fprintf(&b, "At: %s UTC\n", note.OccurredAt.UTC().Format(time.RFC3339))
	if note.Err != nil {
		fmt.Fprintf(&b, "Error: %s\n", note.Err)
	}
	return b.String()
}

// Cooldown suppresses repeat notifications of the same run kind inside a window.
type Cooldown struct {
	next   Notifier
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	last map[model.RunKind]time.Time
}

// NewCooldown wraps next. A non-positive window disables suppression.
func NewCooldown(next Notifier, window time.Duration) *Cooldown {
	return &Cooldown{
		next:   next,
		window: window,
		now:    time.Now,
		last:   make(map[model.RunKind]time.Time),
	}
}

// Notify forwards note unless one of the same kind was sent within the window.
func (c *Cooldown) Notify(ctx context.Context, note Notification) error {
	if c.window > 0 {
		c.mu.Lock()
		now := c.now()
		if last, ok := c.last[note.Kind]; ok && now.Sub(last) < c.window {
			c.mu.Unlock()
			return nil
		}
		c.last[note.Kind] = now
		c.mu.Unlock()
	}
	return c.next.Notify(ctx, note)
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*Cooldown)(nil)
	_ Notifier = Nop{}
)
