package domain

import "time"

// Webhook event types.
const (
	EventHoldingUpdated = "holding.updated"
	EventHoldingClosed  = "holding.closed"
	EventOrderRejected  = "order.rejected"
)

// Webhook is a subscription to one event type, delivered to URL.
type Webhook struct {
	WebhookID string
	Event     string
	URL       string
	CreatedAt time.Time
}
