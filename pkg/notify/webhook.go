// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package notify delivers pipeline outcome notifications to an external
// channel (typically a chat webhook).
//
// Delivery is strictly best-effort: a failed or slow notification must
// never abort or block the pipeline. Callers log returned errors and
// move on.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Severity classifies a notification for the receiving channel.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Message is one notification payload.
type Message struct {
	Title    string   `json:"title"`
	Body     string   `json:"body"`
	Severity Severity `json:"severity"`
}

// Notifier sends messages to an external channel.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the health
// supervisor notifies from a detached goroutine.
type Notifier interface {
	// Notify delivers a message. Errors are advisory only; callers
	// must not fail the surrounding operation on a non-nil return.
	Notify(ctx context.Context, msg Message) error
}

// WebhookNotifier posts messages as JSON to a fixed webhook URL.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a notifier for the given URL.
// An empty URL yields a notifier that silently drops every message.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Notify posts the message. A non-2xx response is reported as an error
// but, per the package contract, never escalated by callers.
func (n *WebhookNotifier) Notify(ctx context.Context, msg Message) error {
	if n.url == "" {
		return nil
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notification webhook returned %d", resp.StatusCode)
	}
	return nil
}

// NopNotifier discards all messages. Useful in tests and when no
// webhook is configured.
type NopNotifier struct{}

// Notify discards the message.
func (NopNotifier) Notify(ctx context.Context, msg Message) error { return nil }

var (
	_ Notifier = (*WebhookNotifier)(nil)
	_ Notifier = NopNotifier{}
)
