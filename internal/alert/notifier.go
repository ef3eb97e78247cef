// Package alert pushes operator notifications to an external webhook.
//
// Notifications are strictly fire-and-forget: trading decisions never wait on
// the webhook, and a dead endpoint only produces log noise.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"gridserver/internal/config"
)

// Message is one operator notification.
type Message struct {
	Kind      string    `json:"kind"` // "entry", "take_profit", "hedge", "freeze", "external_close", "emergency"
	Side      string    `json:"side,omitempty"`
	Comment   string    `json:"comment,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Price     float64   `json:"price,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier posts messages to the configured webhook. A notifier built with an
// empty URL is a no-op, so callers never branch on configuration.
type Notifier struct {
	http    *resty.Client
	url     string
	enabled bool
	logger  *slog.Logger
}

// NewNotifier creates a webhook notifier with retry on transient failures.
func NewNotifier(cfg config.AlertConfig, logger *slog.Logger) *Notifier {
	httpClient := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Notifier{
		http:    httpClient,
		url:     cfg.WebhookURL,
		enabled: cfg.Enabled && cfg.WebhookURL != "",
		logger:  logger.With("component", "alert"),
	}
}

// Enabled reports whether messages will actually be sent.
func (n *Notifier) Enabled() bool {
	return n.enabled
}

// Send posts one message to the webhook.
func (n *Notifier) Send(ctx context.Context, msg Message) error {
	if !n.enabled {
		return nil
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	resp, err := n.http.R().
		SetContext(ctx).
		SetBody(msg).
		Post(n.url)
	if err != nil {
		return fmt.Errorf("send alert: %w", err)
	}
	if resp.StatusCode() >= http.StatusBadRequest {
		return fmt.Errorf("send alert: status %d: %s", resp.StatusCode(), resp.String())
	}

	return nil
}

// SendAsync fires a message from a fresh goroutine and logs failures. This is
// what the engine calls while holding its lock.
func (n *Notifier) SendAsync(msg Message) {
	if !n.enabled {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := n.Send(ctx, msg); err != nil {
			n.logger.Warn("alert delivery failed", "kind", msg.Kind, "error", err)
		}
	}()
}
