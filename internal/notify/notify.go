// Package notify delivers best-effort billing notifications. Callers hand a
// Notification to a Notifier and never observe delivery failures.
package notify

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
)

// Kind identifies a notification template.
type Kind string

const (
	KindSubscriptionConfirmed Kind = "subscription_confirmed"
	KindSubscriptionCanceled  Kind = "subscription_canceled"
	KindCommissionEarned      Kind = "commission_earned"
)

// Payload keys shared by producers and sinks.
const (
	KeyProductSlug = "product_slug"
	KeyProductName = "product_name"
	KeyTierID      = "tier_id"
	KeyTierName    = "tier_name"
	KeyPeriodEnd   = "period_end"
	KeyAmountCents = "amount_cents"
	KeyCurrency    = "currency"
	KeyInvoiceID   = "invoice_id"
	KeyEventID     = "event_id"
)

// Notification is one side effect to deliver. Email is optional; sinks that
// need an address resolve it from UserID when empty.
type Notification struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	UserID    string         `json:"user_id"`
	Email     string         `json:"email,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Notifier accepts notifications without blocking on delivery.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Nop discards every notification.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) {}

// Sink delivers a notification through one channel.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n Notification) error
}

// stamp fills in the id and creation time when absent.
func stamp(n Notification, now time.Time) Notification {
	if n.ID == "" {
		n.ID = ulid.Make().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now.UTC()
	}
	return n
}

func payloadString(p map[string]any, key string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

// payloadInt reads an integer that may have passed through JSON.
func payloadInt(p map[string]any, key string) int64 {
	switch v := p[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}
