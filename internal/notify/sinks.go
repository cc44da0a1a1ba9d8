package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rcourtman/billing-reconciler/internal/email"
	"github.com/rcourtman/billing-reconciler/internal/models"
	"github.com/rs/zerolog/log"
)

// EmailLookup resolves a user's address.
type EmailLookup interface {
	EmailForUser(ctx context.Context, userID string) (string, error)
}

// EmailSink renders and sends notification emails.
type EmailSink struct {
	sender email.Sender
	from   string
	lookup EmailLookup
}

// NewEmailSink creates an email sink. lookup may be nil when every
// notification carries an address.
func NewEmailSink(sender email.Sender, from string, lookup EmailLookup) *EmailSink {
	return &EmailSink{sender: sender, from: from, lookup: lookup}
}

func (s *EmailSink) Name() string { return "email" }

// Deliver sends the email for n. Notifications without a resolvable address
// are skipped.
func (s *EmailSink) Deliver(ctx context.Context, n Notification) error {
	to := strings.TrimSpace(n.Email)
	if to == "" && s.lookup != nil && n.UserID != "" {
		addr, err := s.lookup.EmailForUser(ctx, n.UserID)
		if err != nil {
			return fmt.Errorf("resolve email for %s: %w", n.UserID, err)
		}
		to = addr
	}
	if to == "" {
		log.Debug().Str("kind", string(n.Kind)).Str("user_id", n.UserID).Msg("No email address for notification, skipping")
		return nil
	}

	subject, html, text, err := renderEmail(n)
	if err != nil {
		return err
	}
	return s.sender.Send(ctx, email.Message{
		From:    s.from,
		To:      to,
		Subject: subject,
		HTML:    html,
		Text:    text,
	})
}

func renderEmail(n Notification) (subject, html, text string, err error) {
	sub := email.SubscriptionData{
		ProductName: firstNonEmpty(payloadString(n.Payload, KeyProductName), payloadString(n.Payload, KeyProductSlug)),
		TierName:    firstNonEmpty(payloadString(n.Payload, KeyTierName), payloadString(n.Payload, KeyTierID)),
		PeriodEnd:   formatPeriodEnd(payloadString(n.Payload, KeyPeriodEnd)),
	}
	switch n.Kind {
	case KindSubscriptionConfirmed:
		return email.RenderSubscriptionConfirmedEmail(sub)
	case KindSubscriptionCanceled:
		return email.RenderSubscriptionCanceledEmail(sub)
	case KindCommissionEarned:
		return email.RenderCommissionEarnedEmail(email.CommissionData{
			AmountCents: payloadInt(n.Payload, KeyAmountCents),
			Currency:    payloadString(n.Payload, KeyCurrency),
		})
	default:
		return "", "", "", fmt.Errorf("no email template for kind %q", n.Kind)
	}
}

func formatPeriodEnd(raw string) string {
	if raw == "" {
		return ""
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return raw
	}
	return t.Format("Jan 2, 2006")
}

// InboxStore persists user-facing notifications.
type InboxStore interface {
	InsertNotification(ctx context.Context, n *models.InboxNotification) error
}

// InboxSink writes notifications to the dashboard inbox.
type InboxSink struct {
	store InboxStore
}

// NewInboxSink creates an inbox sink.
func NewInboxSink(store InboxStore) *InboxSink {
	return &InboxSink{store: store}
}

func (s *InboxSink) Name() string { return "inbox" }

// Deliver stores n keyed by its id, so redelivery does not duplicate it.
func (s *InboxSink) Deliver(ctx context.Context, n Notification) error {
	if n.UserID == "" {
		return nil
	}
	title, body := inboxText(n)
	return s.store.InsertNotification(ctx, &models.InboxNotification{
		ID:        n.ID,
		UserID:    n.UserID,
		Kind:      string(n.Kind),
		Title:     title,
		Body:      body,
		Payload:   n.Payload,
		CreatedAt: n.CreatedAt,
	})
}

func inboxText(n Notification) (title, body string) {
	product := firstNonEmpty(payloadString(n.Payload, KeyProductName), payloadString(n.Payload, KeyProductSlug))
	switch n.Kind {
	case KindSubscriptionConfirmed:
		tier := firstNonEmpty(payloadString(n.Payload, KeyTierName), payloadString(n.Payload, KeyTierID))
		return "Subscription active", fmt.Sprintf("%s is now on the %s plan.", product, tier)
	case KindSubscriptionCanceled:
		return "Subscription ended", fmt.Sprintf("%s is back on the free plan.", product)
	case KindCommissionEarned:
		amount := email.FormatCents(payloadInt(n.Payload, KeyAmountCents), payloadString(n.Payload, KeyCurrency))
		return "Commission Earned", fmt.Sprintf("You earned %s from a referral payment.", amount)
	default:
		return string(n.Kind), ""
	}
}

// SignatureHeader carries the HMAC of outbound webhook bodies.
const SignatureHeader = "X-Reconciler-Signature"

// WebhookSink posts notifications as JSON to external endpoints.
type WebhookSink struct {
	urls       []string
	secret     []byte
	maxRetries int
	backoff    time.Duration
	httpClient *http.Client
}

// NewWebhookSink creates an outbound webhook sink. With a non-empty secret
// each request is signed as "sha256=<hex hmac of body>".
func NewWebhookSink(urls []string, secret string) *WebhookSink {
	return &WebhookSink{
		urls:       urls,
		secret:     []byte(secret),
		maxRetries: 2,
		backoff:    time.Second,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *WebhookSink) Name() string { return "webhook" }

// Deliver posts n to every endpoint and returns the first failure.
func (s *WebhookSink) Deliver(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	var firstErr error
	for _, url := range s.urls {
		if err := s.sendWithRetry(ctx, url, body); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (s *WebhookSink) sendWithRetry(ctx context.Context, url string, body []byte) error {
	var lastErr error
	backoff := s.backoff
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			log.Debug().Str("url", url).Int("attempt", attempt).Dur("backoff", backoff).Msg("Retrying outbound webhook after backoff")
			select {
			case <-ctx.Done():
				return fmt.Errorf("outbound webhook %s: %w", url, ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		lastErr = s.sendOnce(ctx, url, body)
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("outbound webhook %s failed after %d attempts: %w", url, s.maxRetries+1, lastErr)
}

func (s *WebhookSink) sendOnce(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "billing-reconciler/1.0")
	if len(s.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(s.secret, body))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
