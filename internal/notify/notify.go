package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/macjediwizard/wallsync/internal/activity"
)

// AlertType represents the type of alert.
type AlertType string

const (
	AlertTypeError    AlertType = "error"
	AlertTypeRecovery AlertType = "recovery"
)

const syncSource = "sync"

// Alert represents a notification alert.
type Alert struct {
	Type      AlertType
	Source    string
	Message   string
	Details   string
	Timestamp time.Time
}

// Config holds notification configuration.
type Config struct {
	WebhookURL string
	// CooldownPeriod is how long to wait before re-alerting for the same source.
	CooldownPeriod time.Duration
}

// Notifier posts sync failure and recovery alerts to a webhook.
type Notifier struct {
	cfg        Config
	httpClient *http.Client
	now        func() time.Time

	mu             sync.Mutex
	lastAlertTimes map[string]time.Time
	failing        map[string]bool
}

// New creates a new Notifier.
func New(cfg Config) *Notifier {
	if cfg.CooldownPeriod < time.Minute {
		cfg.CooldownPeriod = time.Minute
	}
	return &Notifier{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		now:            time.Now,
		lastAlertTimes: make(map[string]time.Time),
		failing:        make(map[string]bool),
	}
}

// IsEnabled returns true if a webhook is configured.
func (n *Notifier) IsEnabled() bool {
	return n.cfg.WebhookURL != ""
}

// Watch follows the tracker until ctx is done, alerting when a run ends in
// ERROR and once more on the first success afterwards.
func (n *Notifier) Watch(ctx context.Context, tracker *activity.Tracker) {
	states, cancel := tracker.Subscribe()
	defer cancel()

	var lastRun uint64
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-states:
			if !ok {
				return
			}
			if !state.Status.IsTerminal() || state.RunID == lastRun {
				continue
			}
			lastRun = state.RunID
			n.HandleState(ctx, state)
		}
	}
}

// HandleState sends whatever alert a terminal state calls for. It reports
// whether an alert was sent.
func (n *Notifier) HandleState(ctx context.Context, state activity.State) bool {
	switch state.Status {
	case activity.StatusError:
		details := state.LastError
		if details == "" {
			details = state.Message
		}
		return n.SendErrorAlert(ctx, syncSource, details)
	case activity.StatusSuccess:
		return n.SendRecoveryAlert(ctx, syncSource)
	}
	return false
}

// SendErrorAlert sends an alert for a failed sync unless one was sent for the
// same source within the cooldown period.
func (n *Notifier) SendErrorAlert(ctx context.Context, source, details string) bool {
	if !n.IsEnabled() {
		return false
	}

	n.mu.Lock()
	now := n.now()
	if n.failing[source] {
		lastAlert, exists := n.lastAlertTimes[source]
		if exists && now.Sub(lastAlert) < n.cfg.CooldownPeriod {
			n.mu.Unlock()
			return false
		}
	}
	n.failing[source] = true
	n.lastAlertTimes[source] = now
	n.mu.Unlock()

	n.send(ctx, Alert{
		Type:      AlertTypeError,
		Source:    source,
		Message:   "Calendar sync failed",
		Details:   details,
		Timestamp: now,
	})
	return true
}

// SendRecoveryAlert sends an alert when a failing source succeeds again.
func (n *Notifier) SendRecoveryAlert(ctx context.Context, source string) bool {
	if !n.IsEnabled() {
		return false
	}

	n.mu.Lock()
	wasFailing := n.failing[source]
	if wasFailing {
		delete(n.failing, source)
		delete(n.lastAlertTimes, source)
	}
	n.mu.Unlock()

	if !wasFailing {
		return false
	}

	n.send(ctx, Alert{
		Type:      AlertTypeRecovery,
		Source:    source,
		Message:   "Calendar sync recovered",
		Details:   "Sync is completing normally again",
		Timestamp: n.now(),
	})
	return true
}

func (n *Notifier) send(ctx context.Context, alert Alert) {
	if err := n.sendWebhook(ctx, alert); err != nil {
		log.Printf("[Notify] Webhook error: %v", err)
	}
}

// WebhookPayload is the JSON payload sent to webhooks.
type WebhookPayload struct {
	AlertType string `json:"alert_type"`
	Source    string `json:"source"`
	Message   string `json:"message"`
	Details   string `json:"details"`
	Timestamp string `json:"timestamp"`
	// Slack-compatible fields
	Text string `json:"text,omitempty"`
}

func (n *Notifier) sendWebhook(ctx context.Context, alert Alert) error {
	emoji := ":x:"
	if alert.Type == AlertTypeRecovery {
		emoji = ":white_check_mark:"
	}

	payload := WebhookPayload{
		AlertType: string(alert.Type),
		Source:    alert.Source,
		Message:   alert.Message,
		Details:   truncate(alert.Details, 500),
		Timestamp: alert.Timestamp.Format(time.RFC3339),
		Text:      fmt.Sprintf("%s *%s*\n%s", emoji, alert.Message, truncate(alert.Details, 500)),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	log.Printf("[Notify] Webhook sent: %s", alert.Message)
	return nil
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
