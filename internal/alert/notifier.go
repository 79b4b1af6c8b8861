// Package alert evaluates fleet health on a fixed tick and raises,
// rolls up and recovers alerts.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"droidfleet.sh/internal/fault"
)

// notifyTimeout bounds one webhook delivery.
const notifyTimeout = 10 * time.Second

// Notification is one outbound alert message.
type Notification struct {
	Kind      string   `json:"kind"` // raised, recovered, rollup
	Condition string   `json:"condition"`
	DeviceID  string   `json:"device_id,omitempty"`
	Alias     string   `json:"alias,omitempty"`
	Value     float64  `json:"value,omitempty"`
	Aliases   []string `json:"aliases,omitempty"`
	More      int      `json:"more,omitempty"`
	Message   string   `json:"message"`
	Ts        string   `json:"ts"`
}

// Notifier delivers alert notifications.
type Notifier interface {
	Notify(ctx context.Context, n *Notification) error
}

// WebhookNotifier posts notifications to a configured webhook URL.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewWebhookNotifier creates a webhook notifier. An empty URL yields a
// notifier that drops everything, for deployments without a sink.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: notifyTimeout},
		logger: slog.Default().With("component", "alert-notifier"),
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, n *Notification) error {
	if w.url == "" {
		w.logger.Debug("No webhook configured, dropping notification",
			"kind", n.Kind, "condition", n.Condition)
		return nil
	}

	body, err := json.Marshal(n)
	if err != nil {
		return fault.Wrap(err, fault.CodeInternal, "failed to encode notification")
	}

	return fault.Retry(ctx, fault.DefaultRetryConfig(), func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return fault.Wrap(err, fault.CodeInternal, "failed to build webhook request")
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.client.Do(req)
		if err != nil {
			return fault.Wrap(err, fault.CodeUpstream, "webhook unreachable")
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fault.Newf(fault.CodeUpstream, "webhook returned %d", resp.StatusCode)
		}
		return nil
	})
}

var _ Notifier = (*WebhookNotifier)(nil)

// rollupMessage renders the roll-up summary line.
func rollupMessage(condition string, total int, aliases []string, more int) string {
	msg := fmt.Sprintf("%d devices %s: %s", total, condition, joinAliases(aliases))
	if more > 0 {
		msg += fmt.Sprintf(" and %d more", more)
	}
	return msg
}

func joinAliases(aliases []string) string {
	out := ""
	for i, a := range aliases {
		if i > 0 {
			out += ", "
		}
		out += a
	}
	return out
}
