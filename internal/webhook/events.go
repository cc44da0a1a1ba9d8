package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	stripelib "github.com/stripe/stripe-go/v82"
)

// Event is a verified, typed billing event. The set of implementations is
// closed: SubscriptionCreated, SubscriptionUpdated, SubscriptionDeleted,
// InvoicePaid and Other.
type Event interface {
	Meta() Envelope
	isEvent()
}

// Envelope carries the provider-level identity of an event.
type Envelope struct {
	ID      string
	Type    string
	Created time.Time
}

func (e Envelope) Meta() Envelope { return e }
func (Envelope) isEvent()         {}

// SubscriptionCreated is a completed subscription checkout. It identifies the
// new subscription but does not carry its price or status.
type SubscriptionCreated struct {
	Envelope
	SessionID       string
	CustomerID      string
	SubscriptionID  string
	UserID          string
	Email           string
	ProductSlugHint string
}

// SubscriptionUpdated is a subscription snapshot from a created or updated
// lifecycle event.
type SubscriptionUpdated struct {
	Envelope
	SubscriptionID    string
	CustomerID        string
	UserID            string
	Status            string
	PriceID           string
	ProviderProductID string
	TierHint          string
	ProductSlugHint   string
	CurrentPeriodEnd  *time.Time
	CancelAtPeriodEnd bool
}

// SubscriptionDeleted ends a subscription. Deletion payloads are keyed by the
// provider subscription id only.
type SubscriptionDeleted struct {
	Envelope
	SubscriptionID string
	CustomerID     string
}

// InvoicePaid is a successfully paid invoice.
type InvoicePaid struct {
	Envelope
	InvoiceID       string
	CustomerID      string
	SubscriptionID  string
	AmountPaidCents int64
	Currency        string
}

// Other is any event type the pipeline does not act on.
type Other struct {
	Envelope
}

// Metadata keys read from provider objects. Checkout sessions, subscriptions
// and prices may carry them.
const (
	MetadataUserID      = "user_id"
	MetadataProductSlug = "product_slug"
	MetadataTier        = "tier"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Decode maps a provider event envelope onto the typed event union.
// Unknown types decode to Other; known types whose payload fails validation
// return ErrMalformedPayload.
func Decode(ev *stripelib.Event) (Event, error) {
	if ev == nil || strings.TrimSpace(ev.ID) == "" || strings.TrimSpace(string(ev.Type)) == "" {
		return nil, fmt.Errorf("%w: missing event id or type", ErrMalformedPayload)
	}
	env := Envelope{ID: ev.ID, Type: string(ev.Type)}
	if ev.Created > 0 {
		env.Created = time.Unix(ev.Created, 0).UTC()
	}

	switch env.Type {
	case "checkout.session.completed":
		var session checkoutSession
		if err := decodeObject(ev, &session); err != nil {
			return nil, err
		}
		if session.Mode != "subscription" {
			return Other{Envelope: env}, nil
		}
		return session.toEvent(env), nil

	case "customer.subscription.created", "customer.subscription.updated":
		var sub subscription
		if err := decodeObject(ev, &sub); err != nil {
			return nil, err
		}
		return sub.toUpdated(env), nil

	case "customer.subscription.deleted":
		var sub deletedSubscription
		if err := decodeObject(ev, &sub); err != nil {
			return nil, err
		}
		return SubscriptionDeleted{
			Envelope:       env,
			SubscriptionID: sub.ID,
			CustomerID:     sub.Customer.ID,
		}, nil

	case "invoice.paid", "invoice.payment_succeeded":
		var inv invoice
		if err := decodeObject(ev, &inv); err != nil {
			return nil, err
		}
		return InvoicePaid{
			Envelope:        env,
			InvoiceID:       inv.ID,
			CustomerID:      inv.Customer.ID,
			SubscriptionID:  inv.subscriptionID(),
			AmountPaidCents: inv.AmountPaid,
			Currency:        strings.ToLower(inv.Currency),
		}, nil

	default:
		return Other{Envelope: env}, nil
	}
}

func decodeObject(ev *stripelib.Event, dst any) error {
	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return fmt.Errorf("%w: %s has no data object", ErrMalformedPayload, ev.Type)
	}
	if err := json.Unmarshal(ev.Data.Raw, dst); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrMalformedPayload, ev.Type, err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedPayload, ev.Type, err)
	}
	return nil
}

// expandableID accepts either a bare object id or an expanded object with an
// "id" field.
type expandableID struct {
	ID string
}

func (e *expandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		e.ID = ""
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &e.ID)
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	e.ID = obj.ID
	return nil
}

type checkoutSession struct {
	ID                string            `json:"id" validate:"required"`
	Mode              string            `json:"mode"`
	Customer          expandableID      `json:"customer"`
	Subscription      expandableID      `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	CustomerEmail     string            `json:"customer_email"`
	CustomerDetails   struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	Metadata map[string]string `json:"metadata"`
}

func (s checkoutSession) toEvent(env Envelope) Event {
	userID := strings.TrimSpace(s.Metadata[MetadataUserID])
	if userID == "" {
		userID = strings.TrimSpace(s.ClientReferenceID)
	}
	email := strings.TrimSpace(s.CustomerDetails.Email)
	if email == "" {
		email = strings.TrimSpace(s.CustomerEmail)
	}
	return SubscriptionCreated{
		Envelope:        env,
		SessionID:       s.ID,
		CustomerID:      s.Customer.ID,
		SubscriptionID:  s.Subscription.ID,
		UserID:          userID,
		Email:           email,
		ProductSlugHint: strings.TrimSpace(s.Metadata[MetadataProductSlug]),
	}
}

type subscriptionItem struct {
	CurrentPeriodEnd int64 `json:"current_period_end"`
	Price            struct {
		ID       string            `json:"id"`
		Product  expandableID      `json:"product"`
		Metadata map[string]string `json:"metadata"`
	} `json:"price"`
}

type subscription struct {
	ID                string       `json:"id" validate:"required"`
	Customer          expandableID `json:"customer"`
	Status            string       `json:"status" validate:"required"`
	CancelAtPeriodEnd bool         `json:"cancel_at_period_end"`
	// Older API versions carry the period on the subscription itself.
	CurrentPeriodEnd int64 `json:"current_period_end"`
	Items            struct {
		Data []subscriptionItem `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

func (s subscription) firstItem() *subscriptionItem {
	for i := range s.Items.Data {
		if strings.TrimSpace(s.Items.Data[i].Price.ID) != "" {
			return &s.Items.Data[i]
		}
	}
	return nil
}

func (s subscription) toUpdated(env Envelope) SubscriptionUpdated {
	out := SubscriptionUpdated{
		Envelope:          env,
		SubscriptionID:    s.ID,
		CustomerID:        s.Customer.ID,
		UserID:            strings.TrimSpace(s.Metadata[MetadataUserID]),
		Status:            s.Status,
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		TierHint:          strings.TrimSpace(s.Metadata[MetadataTier]),
		ProductSlugHint:   strings.TrimSpace(s.Metadata[MetadataProductSlug]),
	}
	periodEnd := s.CurrentPeriodEnd
	if item := s.firstItem(); item != nil {
		out.PriceID = item.Price.ID
		out.ProviderProductID = item.Price.Product.ID
		if hint := strings.TrimSpace(item.Price.Metadata[MetadataTier]); hint != "" {
			out.TierHint = hint
		}
		if out.ProductSlugHint == "" {
			out.ProductSlugHint = strings.TrimSpace(item.Price.Metadata[MetadataProductSlug])
		}
		if item.CurrentPeriodEnd > 0 {
			periodEnd = item.CurrentPeriodEnd
		}
	}
	if periodEnd > 0 {
		end := time.Unix(periodEnd, 0).UTC()
		out.CurrentPeriodEnd = &end
	}
	return out
}

type deletedSubscription struct {
	ID       string       `json:"id" validate:"required"`
	Customer expandableID `json:"customer"`
}

type invoice struct {
	ID           string       `json:"id" validate:"required"`
	Customer     expandableID `json:"customer"`
	AmountPaid   int64        `json:"amount_paid" validate:"gte=0"`
	Currency     string       `json:"currency"`
	Subscription expandableID `json:"subscription"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription expandableID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (i invoice) subscriptionID() string {
	if i.Subscription.ID != "" {
		return i.Subscription.ID
	}
	return i.Parent.SubscriptionDetails.Subscription.ID
}
