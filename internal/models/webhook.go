package models

import (
	"strings"
	"time"
)

// WebhookEvent names a rollout lifecycle notification.
type WebhookEvent string

const (
	WebhookEventRolloutCreated   WebhookEvent = "rollout.created"
	WebhookEventRolloutAdvanced  WebhookEvent = "rollout.advanced"
	WebhookEventRolloutPaused    WebhookEvent = "rollout.paused"
	WebhookEventRolloutResumed   WebhookEvent = "rollout.resumed"
	WebhookEventRolloutCompleted WebhookEvent = "rollout.completed"
	WebhookEventRolloutCancelled WebhookEvent = "rollout.cancelled"
)

// Webhook is a registered notification endpoint.
type Webhook struct {
	ID        string    `db:"id" json:"id"`
	URL       string    `db:"url" json:"url"`
	Secret    string    `db:"secret" json:"-"`
	Events    string    `db:"events" json:"events"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// SubscribedTo reports whether the webhook wants the given event. An empty
// events list subscribes to everything.
func (w *Webhook) SubscribedTo(event WebhookEvent) bool {
	if w.Events == "" {
		return true
	}
	for _, e := range strings.Split(w.Events, ",") {
		if strings.TrimSpace(e) == string(event) {
			return true
		}
	}
	return false
}
