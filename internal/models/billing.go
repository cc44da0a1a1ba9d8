package models

import (
	"math"
	"time"
)

// SubscriptionStatus is the canonical lifecycle state of a product subscription.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionTrialing SubscriptionStatus = "trialing"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
	SubscriptionFree     SubscriptionStatus = "free"
)

// FreeTierID is the tier a subscription falls back to when it is deleted.
const FreeTierID = "free"

// Subscription is one product subscription for one user.
type Subscription struct {
	UserID                 string             `json:"user_id"`
	ProductSlug            string             `json:"product_slug"`
	ProviderSubscriptionID string             `json:"provider_subscription_id,omitempty"`
	ProviderPriceID        string             `json:"provider_price_id,omitempty"`
	TierID                 string             `json:"tier_id"`
	Status                 SubscriptionStatus `json:"status"`
	CurrentPeriodEnd       *time.Time         `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool               `json:"cancel_at_period_end"`
}

// Customer maps a payment-provider customer to an internal user.
type Customer struct {
	ProviderCustomerID string    `json:"provider_customer_id"`
	UserID             string    `json:"user_id"`
	Email              string    `json:"email"`
	CreatedAt          time.Time `json:"created_at"`
}

type ReferralStatus string

const (
	ReferralSignedUp  ReferralStatus = "signed_up"
	ReferralConverted ReferralStatus = "converted"
	ReferralChurned   ReferralStatus = "churned"
)

// Referral is one affiliate-attributed user.
type Referral struct {
	ID              string         `json:"id"`
	AffiliateUserID string         `json:"affiliate_user_id"`
	ReferredUserID  string         `json:"referred_user_id"`
	Status          ReferralStatus `json:"status"`
	ConvertedAt     *time.Time     `json:"converted_at,omitempty"`
	FraudFlags      []string       `json:"fraud_flags"`
	CreatedAt       time.Time      `json:"created_at"`
}

// AffiliateLink holds an affiliate's commission terms and running totals.
type AffiliateLink struct {
	UserID               string     `json:"user_id"`
	LockedAt             *time.Time `json:"locked_at,omitempty"`
	LockedDurationMonths int        `json:"locked_duration_months"`
	// LockedRatePercent is the custom rate agreed when the terms were locked.
	LockedRatePercent    *float64 `json:"locked_rate_percent,omitempty"`
	TotalEarningsCents   int64    `json:"total_earnings_cents"`
	PendingEarningsCents int64    `json:"pending_earnings_cents"`
}

// lockMonthDays is the fixed month length used for lock windows. It is not
// calendar aware.
const lockMonthDays = 30

// LockDeadline returns the instant after which no further commissions accrue.
// ok is false when the link has no lock.
func (l *AffiliateLink) LockDeadline() (deadline time.Time, ok bool) {
	if l == nil || l.LockedAt == nil {
		return time.Time{}, false
	}
	window := time.Duration(l.LockedDurationMonths) * lockMonthDays * 24 * time.Hour
	return l.LockedAt.Add(window), true
}

// LockExpired reports whether now is past the lock deadline.
func (l *AffiliateLink) LockExpired(now time.Time) bool {
	deadline, ok := l.LockDeadline()
	return ok && now.After(deadline)
}

type CommissionStatus string

const (
	CommissionPending  CommissionStatus = "pending"
	CommissionApproved CommissionStatus = "approved"
	CommissionPaid     CommissionStatus = "paid"
)

// Commission is one ledger entry. There is exactly one per provider invoice.
type Commission struct {
	ID                    string           `json:"id"`
	AffiliateUserID       string           `json:"affiliate_user_id"`
	ReferralID            string           `json:"referral_id"`
	ProviderInvoiceID     string           `json:"provider_invoice_id"`
	InvoiceAmountCents    int64            `json:"invoice_amount_cents"`
	Currency              string           `json:"currency"`
	CommissionRate        float64          `json:"commission_rate"`
	CommissionAmountCents int64            `json:"commission_amount_cents"`
	Status                CommissionStatus `json:"status"`
	CreatedAt             time.Time        `json:"created_at"`
}

// CommissionCents returns round(amountCents * ratePercent / 100).
func CommissionCents(amountCents int64, ratePercent float64) int64 {
	return int64(math.Round(float64(amountCents) * ratePercent / 100))
}

// RateTier maps a lifetime referral-count threshold to a commission rate.
type RateTier struct {
	MinReferrals int     `json:"min_referrals" yaml:"min_referrals"`
	RatePercent  float64 `json:"rate_percent" yaml:"rate_percent"`
}

// ResolveRate returns the rate of the highest tier whose threshold is met.
// Tiers may be given in any order; zero is returned when none qualifies.
func ResolveRate(tiers []RateTier, referralCount int) float64 {
	best := -1
	rate := 0.0
	for _, tier := range tiers {
		if tier.MinReferrals <= referralCount && tier.MinReferrals > best {
			best = tier.MinReferrals
			rate = tier.RatePercent
		}
	}
	return rate
}

// TierDefinition is one catalog tier of a product.
type TierDefinition struct {
	ID                    string         `json:"id" yaml:"id"`
	DisplayName           string         `json:"display_name" yaml:"display_name"`
	ProviderMetadataValue string         `json:"provider_metadata_value" yaml:"provider_metadata_value"`
	Limits                map[string]any `json:"limits" yaml:"limits"`
}

// Product is a catalog product with its ordered tiers. Tiers[0] is the
// entry-level tier.
type Product struct {
	Slug              string           `json:"slug" yaml:"slug"`
	DisplayName       string           `json:"display_name" yaml:"display_name"`
	ProviderProductID string           `json:"provider_product_id" yaml:"provider_product_id"`
	Tiers             []TierDefinition `json:"tiers" yaml:"tiers"`
}

// MatchTier returns the tier whose metadata value equals value, falling back
// to the entry-level tier. It returns nil only for a product with no tiers.
func (p *Product) MatchTier(value string) *TierDefinition {
	if p == nil || len(p.Tiers) == 0 {
		return nil
	}
	if value != "" {
		for i := range p.Tiers {
			if p.Tiers[i].ProviderMetadataValue == value {
				return &p.Tiers[i]
			}
		}
	}
	return &p.Tiers[0]
}

// InboxNotification is a user-facing notification shown in the dashboard.
type InboxNotification struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Kind      string         `json:"kind"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
