// Package stripeapi reads billing objects back from the payment provider's
// API when a webhook payload is not enough on its own.
package stripeapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	errs "github.com/rcourtman/billing-reconciler/internal/errors"
	"github.com/rcourtman/billing-reconciler/internal/webhook"
	"github.com/stripe/stripe-go/v82"
)

// SubscriptionFetcher retrieves subscriptions so a completed checkout can be
// projected with its real status, price and period.
type SubscriptionFetcher struct {
	client *stripe.Client
}

// NewSubscriptionFetcher creates a fetcher authenticated with apiKey. Extra
// options are passed to the provider client (tests point it at a fake backend).
func NewSubscriptionFetcher(apiKey string, opts ...stripe.ClientOption) (*SubscriptionFetcher, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("stripe api key is required")
	}
	return &SubscriptionFetcher{client: stripe.NewClient(apiKey, opts...)}, nil
}

// FetchSubscription loads subscriptionID with its customer and prices.
func (f *SubscriptionFetcher) FetchSubscription(ctx context.Context, subscriptionID string) (webhook.SubscriptionUpdated, error) {
	sub, err := f.client.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	if err != nil {
		return webhook.SubscriptionUpdated{}, classify(subscriptionID, err)
	}
	return SubscriptionSnapshot(sub), nil
}

// classify maps provider client errors. 4xx responses other than rate limits
// will not succeed on redelivery.
func classify(subscriptionID string, err error) error {
	var apiErr *stripe.Error
	if errors.As(err, &apiErr) {
		code := apiErr.HTTPStatusCode
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
			return errs.NewValidationError("fetch_subscription", subscriptionID, err)
		}
	}
	return errs.WrapProviderError("fetch_subscription", subscriptionID, err)
}

// SubscriptionSnapshot converts a provider subscription into the same shape
// subscription webhooks decode to. The first priced item wins.
func SubscriptionSnapshot(sub *stripe.Subscription) webhook.SubscriptionUpdated {
	if sub == nil {
		return webhook.SubscriptionUpdated{}
	}
	out := webhook.SubscriptionUpdated{
		SubscriptionID:    sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		UserID:            strings.TrimSpace(sub.Metadata[webhook.MetadataUserID]),
		TierHint:          strings.TrimSpace(sub.Metadata[webhook.MetadataTier]),
		ProductSlugHint:   strings.TrimSpace(sub.Metadata[webhook.MetadataProductSlug]),
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Items == nil {
		return out
	}
	for _, item := range sub.Items.Data {
		if item == nil || item.Price == nil || strings.TrimSpace(item.Price.ID) == "" {
			continue
		}
		out.PriceID = item.Price.ID
		if item.Price.Product != nil {
			out.ProviderProductID = item.Price.Product.ID
		}
		if hint := strings.TrimSpace(item.Price.Metadata[webhook.MetadataTier]); hint != "" {
			out.TierHint = hint
		}
		if out.ProductSlugHint == "" {
			out.ProductSlugHint = strings.TrimSpace(item.Price.Metadata[webhook.MetadataProductSlug])
		}
		if item.CurrentPeriodEnd > 0 {
			end := time.Unix(item.CurrentPeriodEnd, 0).UTC()
			out.CurrentPeriodEnd = &end
		}
		break
	}
	return out
}
