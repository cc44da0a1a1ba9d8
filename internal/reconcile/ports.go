// Package reconcile turns verified billing events into subscription state and
// affiliate commission ledger entries.
package reconcile

import (
	"context"
	"time"

	"github.com/rcourtman/billing-reconciler/internal/models"
	"github.com/rcourtman/billing-reconciler/internal/webhook"
)

// SubscriptionStore persists subscription records and the provider customer
// mapping.
type SubscriptionStore interface {
	UpsertSubscription(ctx context.Context, sub *models.Subscription) error
	ClearSubscription(ctx context.Context, providerSubscriptionID string) (*models.Subscription, error)
	LinkCustomer(ctx context.Context, c *models.Customer) error
	UserIDForCustomer(ctx context.Context, providerCustomerID string) (string, error)
}

// AffiliateStore persists referrals, affiliate links and commissions.
type AffiliateStore interface {
	FindReferral(ctx context.Context, referredUserID string, status models.ReferralStatus) (*models.Referral, error)
	MarkReferralConverted(ctx context.Context, referralID string, at time.Time) (bool, error)
	CountConvertedReferrals(ctx context.Context, affiliateUserID string) (int, error)
	GetAffiliateLink(ctx context.Context, userID string) (*models.AffiliateLink, error)
	CommissionExists(ctx context.Context, providerInvoiceID string) (bool, error)
	// RecordCommission inserts the commission and credits the affiliate
	// atomically. It reports false when the invoice already has one.
	RecordCommission(ctx context.Context, c *models.Commission) (bool, error)
	ListRateTiers(ctx context.Context) ([]models.RateTier, error)
}

// SubscriptionFetcher loads the current provider view of a subscription.
type SubscriptionFetcher interface {
	FetchSubscription(ctx context.Context, subscriptionID string) (webhook.SubscriptionUpdated, error)
}

// DefaultCallTimeout bounds each store, catalog and provider call.
const DefaultCallTimeout = 5 * time.Second

func withCallTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = DefaultCallTimeout
	}
	return context.WithTimeout(ctx, d)
}
