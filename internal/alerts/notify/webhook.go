package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	alertapp "equipwatch/internal/alerts/application"
)

// Clock provides time for cooldown accounting.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// webhookPayload is idempotent for downstream consumers by
// (alert_id, event) pair; duplicate deliveries are tolerated.
type webhookPayload struct {
	Event       string `json:"event"`
	AlertID     string `json:"alert_id"`
	EquipmentID string `json:"equipment_id"`
	RuleID      string `json:"rule_id"`
	Severity    string `json:"severity"`
	Text        string `json:"text"`
}

type sendRecord struct {
	at time.Time
}

// WebhookNotifier delivers alert lifecycle events to an HTTP endpoint,
// fire-and-forget with at-least-once semantics. A cooldown suppresses
// repeat deliveries of the same (alert, event) pair inside the window.
type WebhookNotifier struct {
	url      string
	client   *http.Client
	template *Template
	clock    Clock
	timeout  time.Duration
	cooldown time.Duration

	mu   sync.Mutex
	sent map[string]sendRecord
}

// Option configures the notifier.
type Option func(*WebhookNotifier)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(n *WebhookNotifier) {
		if client != nil {
			n.client = client
		}
	}
}

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(n *WebhookNotifier) {
		if clock != nil {
			n.clock = clock
		}
	}
}

// WithCooldown sets a minimum interval between deliveries of the same
// alert and event.
func WithCooldown(interval time.Duration) Option {
	return func(n *WebhookNotifier) {
		if interval > 0 {
			n.cooldown = interval
		}
	}
}

// WithRequestTimeout overrides the per-delivery timeout.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(n *WebhookNotifier) {
		if timeout > 0 {
			n.timeout = timeout
		}
	}
}

// NewWebhookNotifier constructs a webhook notifier.
func NewWebhookNotifier(url string, template *Template, opts ...Option) (*WebhookNotifier, error) {
	if url == "" {
		return nil, errors.New("webhook notifier: empty url")
	}
	if template == nil {
		fallback, err := NewTemplate("")
		if err != nil {
			return nil, err
		}
		template = fallback
	}
	n := &WebhookNotifier{
		url:      url,
		client:   &http.Client{Timeout: 10 * time.Second},
		template: template,
		clock:    systemClock{},
		timeout:  5 * time.Second,
		sent:     make(map[string]sendRecord),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Notify implements alertapp.AlertNotifier. Delivery failures are dropped;
// the alert record itself is already persisted.
func (n *WebhookNotifier) Notify(ctx context.Context, event alertapp.AlertEvent) {
	if n == nil || n.url == "" {
		return
	}
	key := event.Alert.ID + "|" + event.Type
	now := n.clock.Now()
	if n.cooldown > 0 {
		n.mu.Lock()
		if record, ok := n.sent[key]; ok && now.Sub(record.at) < n.cooldown {
			n.mu.Unlock()
			return
		}
		n.sent[key] = sendRecord{at: now}
		n.mu.Unlock()
	}

	text, err := n.template.Render(TemplateData{
		EquipmentID:  event.Alert.EquipmentID,
		RuleID:       event.Alert.RuleID,
		AlertID:      event.Alert.ID,
		Title:        event.Alert.Title,
		TriggerValue: strconv.FormatFloat(event.Alert.TriggerValue, 'f', 2, 64),
		Severity:     event.Alert.Severity,
		OpenedAt:     event.Alert.OpenedAt.Format(time.RFC3339),
		Status:       event.Alert.Status,
		Event:        event.Type,
		EventLabel:   strings.ToUpper(event.Type),
	})
	if err != nil {
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	_ = n.send(sendCtx, webhookPayload{
		Event:       event.Type,
		AlertID:     event.Alert.ID,
		EquipmentID: event.Alert.EquipmentID,
		RuleID:      event.Alert.RuleID,
		Severity:    event.Alert.Severity,
		Text:        text,
	})
}

func (n *WebhookNotifier) send(ctx context.Context, payload webhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook notifier: non-2xx response %d", resp.StatusCode)
	}
	return nil
}
