// Package notify delivers operator notifications. Delivery is best-effort:
// callers never fail because a notification could not be sent.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type Notification struct {
	Title    string         `json:"title"`
	Message  string         `json:"message"`
	Severity Severity       `json:"severity"`
	Fields   map[string]any `json:"fields,omitempty"`
	SentAt   time.Time      `json:"sent_at"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	Log *slog.Logger
}

func (l LogNotifier) Notify(ctx context.Context, n Notification) error {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	level := slog.LevelInfo
	switch n.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityCritical:
		level = slog.LevelError
	}
	attrs := []any{"title", n.Title, "severity", string(n.Severity)}
	for k, v := range n.Fields {
		attrs = append(attrs, k, v)
	}
	log.Log(ctx, level, n.Message, attrs...)
	return nil
}

// WebhookNotifier POSTs the notification as JSON.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{URL: url, Client: &http.Client{Timeout: 5 * time.Second}}
}

func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	if w.URL == "" {
		return errors.New("notify: webhook url not configured")
	}
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: webhook post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: webhook returned %d", resp.StatusCode)
	}
	return nil
}

// Multi fans a notification out to every notifier and joins the failures.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, x := range m {
		if err := x.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async dispatches on a background goroutine detached from the caller's
// cancellation. Failures are logged and Notify always returns nil.
type Async struct {
	next    Notifier
	log     *slog.Logger
	timeout time.Duration
	clock   func() time.Time
}

func NewAsync(next Notifier, log *slog.Logger) *Async {
	if log == nil {
		log = slog.Default()
	}
	return &Async{next: next, log: log, timeout: 10 * time.Second, clock: time.Now}
}

func (a *Async) Notify(ctx context.Context, n Notification) error {
	if a.next == nil {
		return nil
	}
	if n.SentAt.IsZero() {
		n.SentAt = a.clock().UTC()
	}
	go func() {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()
		if err := a.next.Notify(sendCtx, n); err != nil {
			a.log.Warn("notification delivery failed", "title", n.Title, "err", err)
		}
	}()
	return nil
}
