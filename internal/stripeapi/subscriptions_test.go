package stripeapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	errs "github.com/rcourtman/billing-reconciler/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
)

func TestSubscriptionSnapshot(t *testing.T) {
	sub := &stripe.Subscription{
		ID:                "sub_1",
		Status:            stripe.SubscriptionStatusTrialing,
		CancelAtPeriodEnd: true,
		Customer:          &stripe.Customer{ID: "cus_1"},
		Metadata:          map[string]string{"user_id": "user-1", "tier": "starter"},
		Items: &stripe.SubscriptionItemList{Data: []*stripe.SubscriptionItem{
			{Price: &stripe.Price{}},
			{
				CurrentPeriodEnd: 1762592000,
				Price: &stripe.Price{
					ID:       "price_pro",
					Product:  &stripe.Product{ID: "prod_sched"},
					Metadata: map[string]string{"tier": "pro", "product_slug": "scheduler"},
				},
			},
		}},
	}

	got := SubscriptionSnapshot(sub)
	assert.Equal(t, "sub_1", got.SubscriptionID)
	assert.Equal(t, "cus_1", got.CustomerID)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "trialing", got.Status)
	assert.True(t, got.CancelAtPeriodEnd)
	assert.Equal(t, "price_pro", got.PriceID)
	assert.Equal(t, "prod_sched", got.ProviderProductID)
	assert.Equal(t, "pro", got.TierHint)
	assert.Equal(t, "scheduler", got.ProductSlugHint)
	require.NotNil(t, got.CurrentPeriodEnd)
	assert.Equal(t, int64(1762592000), got.CurrentPeriodEnd.Unix())
}

func TestSubscriptionSnapshotWithoutItems(t *testing.T) {
	got := SubscriptionSnapshot(&stripe.Subscription{ID: "sub_1", Status: stripe.SubscriptionStatusActive})
	assert.Equal(t, "active", got.Status)
	assert.Empty(t, got.PriceID)
	assert.Nil(t, got.CurrentPeriodEnd)

	assert.Equal(t, "", SubscriptionSnapshot(nil).SubscriptionID)
}

func TestNewSubscriptionFetcherRequiresKey(t *testing.T) {
	_, err := NewSubscriptionFetcher("  ")
	assert.Error(t, err)
}

func newTestFetcher(t *testing.T, handler http.HandlerFunc) *SubscriptionFetcher {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	backends := stripe.NewBackendsWithConfig(&stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
	})
	f, err := NewSubscriptionFetcher("sk_test_123", stripe.WithBackends(backends))
	require.NoError(t, err)
	return f
}

func TestFetchSubscription(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/subscriptions/sub_1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "sub_1", "object": "subscription", "status": "active", "customer": "cus_1",
			"items": {"object": "list", "data": [{"id": "si_1", "current_period_end": 1762592000,
				"price": {"id": "price_pro", "product": "prod_sched", "metadata": {"tier": "pro"}}}]}
		}`))
	})

	got, err := f.FetchSubscription(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "active", got.Status)
	assert.Equal(t, "cus_1", got.CustomerID)
	assert.Equal(t, "prod_sched", got.ProviderProductID)
	assert.Equal(t, "pro", got.TierHint)
}

func TestFetchSubscriptionErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"not found", http.StatusNotFound, false},
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusInternalServerError, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error": {"type": "invalid_request_error", "message": "nope"}}`))
			})

			_, err := f.FetchSubscription(context.Background(), "sub_1")
			require.Error(t, err)
			assert.Equal(t, tt.retryable, errs.IsRetryableError(err))
		})
	}
}
