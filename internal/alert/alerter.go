package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hellmoyy/futurepilot-ledger/internal/metrics"
)

// AlertType categorizes the kind of alert.
type AlertType string

const (
	AlertTypeDeadLetter AlertType = "DEAD_LETTER"
	AlertTypeSourceDown AlertType = "SOURCE_DOWN"
	AlertTypeRecovery   AlertType = "RECOVERY"
)

// Alert represents a single operator alert event.
type Alert struct {
	Type    AlertType
	Source  string // which part of the pipeline raised it
	Title   string
	Message string
	Fields  map[string]string
}

// Alerter is the interface for sending operator alerts.
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// MultiAlerter fans out alerts to multiple channels.
type MultiAlerter struct {
	alerters []Alerter
	cooldown time.Duration
	logger   *slog.Logger
	nowFunc  func() time.Time // injectable clock for testing

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewMultiAlerter creates a new multi-channel alerter with cooldown.
func NewMultiAlerter(cooldown time.Duration, logger *slog.Logger, alerters ...Alerter) *MultiAlerter {
	return &MultiAlerter{
		alerters: alerters,
		cooldown: cooldown,
		logger:   logger.With("component", "alerter"),
		nowFunc:  time.Now,
		lastSent: make(map[string]time.Time),
	}
}

// cooldownKey generates a dedup key for cooldown tracking. Dead-letter alerts
// are keyed per record: exactly-once for those is enforced upstream by the
// retry store, not by cooldown.
func cooldownKey(a Alert) string {
	if a.Type == AlertTypeDeadLetter {
		return fmt.Sprintf("%s:%s:%s", a.Type, a.Source, a.Fields["retry_record_id"])
	}
	return fmt.Sprintf("%s:%s", a.Type, a.Source)
}

// Send dispatches alert to all channels, respecting cooldown.
func (m *MultiAlerter) Send(ctx context.Context, alert Alert) error {
	key := cooldownKey(alert)
	now := m.nowFunc()

	m.mu.Lock()
	m.pruneLocked(now)
	if last, ok := m.lastSent[key]; ok && now.Sub(last) < m.cooldown {
		m.mu.Unlock()
		m.logger.Debug("alert suppressed by cooldown", "key", key)
		for _, a := range m.alerters {
			metrics.AlertsCooldownSkipped.WithLabelValues(alerterName(a), string(alert.Type)).Inc()
		}
		return nil
	}
	m.lastSent[key] = now
	m.mu.Unlock()

	var firstErr error
	for _, a := range m.alerters {
		if err := a.Send(ctx, alert); err != nil {
			m.logger.Warn("alert send failed",
				"channel", alerterName(a),
				"type", alert.Type,
				"error", err,
			)
			if firstErr == nil {
				firstErr = err
			}
		} else {
			metrics.AlertsSent.WithLabelValues(alerterName(a), string(alert.Type)).Inc()
		}
	}
	return firstErr
}

// pruneLocked drops cooldown entries that can no longer suppress anything.
// Dead-letter keys are per record, so without pruning the map would grow for
// the life of the process. Caller holds mu.
func (m *MultiAlerter) pruneLocked(now time.Time) {
	for key, last := range m.lastSent {
		if now.Sub(last) >= m.cooldown {
			delete(m.lastSent, key)
		}
	}
}

func alerterName(a Alerter) string {
	switch a.(type) {
	case *SlackAlerter:
		return "slack"
	case *WebhookAlerter:
		return "webhook"
	case *MailAlerter:
		return "mail"
	default:
		return "unknown"
	}
}

// SlackAlerter sends alerts to a Slack webhook.
type SlackAlerter struct {
	webhookURL string
	client     *http.Client
}

// NewSlackAlerter creates a Slack alerter with the given webhook URL.
func NewSlackAlerter(webhookURL string) *SlackAlerter {
	return &SlackAlerter{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Send sends an alert to Slack.
func (s *SlackAlerter) Send(ctx context.Context, alert Alert) error {
	emoji := ":warning:"
	switch alert.Type {
	case AlertTypeDeadLetter:
		emoji = ":rotating_light:"
	case AlertTypeRecovery:
		emoji = ":white_check_mark:"
	}

	text := fmt.Sprintf("%s *[%s]* %s: %s\n%s",
		emoji, alert.Type, alert.Source, alert.Title, alert.Message)

	if len(alert.Fields) > 0 {
		text += "\n"
		for k, v := range alert.Fields {
			text += fmt.Sprintf("- *%s*: %s\n", k, v)
		}
	}

	payload := map[string]string{"text": text}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	return postJSON(ctx, s.client, s.webhookURL, body, "slack")
}

// WebhookAlerter sends alerts to a generic HTTP webhook.
type WebhookAlerter struct {
	url    string
	client *http.Client
}

// NewWebhookAlerter creates a generic webhook alerter.
func NewWebhookAlerter(url string) *WebhookAlerter {
	return &WebhookAlerter{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send sends an alert to the webhook endpoint.
func (w *WebhookAlerter) Send(ctx context.Context, alert Alert) error {
	payload := map[string]any{
		"type":    string(alert.Type),
		"source":  alert.Source,
		"title":   alert.Title,
		"message": alert.Message,
		"fields":  alert.Fields,
		"time":    time.Now().UTC().Format(time.RFC3339),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	return postJSON(ctx, w.client, w.url, body, "webhook")
}

// MailAlerter posts to the platform mail gateway, which renders and delivers
// the operator email. Delivery is fire-and-forget from the pipeline's point
// of view; the gateway owns retries.
type MailAlerter struct {
	gatewayURL string
	recipient  string
	client     *http.Client
}

// NewMailAlerter creates a mail-gateway alerter.
func NewMailAlerter(gatewayURL, recipient string) *MailAlerter {
	return &MailAlerter{
		gatewayURL: gatewayURL,
		recipient:  recipient,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts {subject, body, recipient} to the mail gateway.
func (m *MailAlerter) Send(ctx context.Context, alert Alert) error {
	text := alert.Message
	for k, v := range alert.Fields {
		text += fmt.Sprintf("\n%s: %s", k, v)
	}

	payload := map[string]string{
		"subject":   fmt.Sprintf("[%s] %s", alert.Type, alert.Title),
		"body":      text,
		"recipient": m.recipient,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal mail payload: %w", err)
	}

	return postJSON(ctx, m.client, m.gatewayURL, body, "mail gateway")
}

func postJSON(ctx context.Context, client *http.Client, url string, body []byte, channel string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", channel, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s alert: %w", channel, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", channel, resp.StatusCode)
	}
	return nil
}

// NoopAlerter does nothing. Used when no alert channels are configured.
type NoopAlerter struct{}

func (n *NoopAlerter) Send(_ context.Context, _ Alert) error { return nil }
