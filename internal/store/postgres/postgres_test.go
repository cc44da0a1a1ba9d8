package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rcourtman/billing-reconciler/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore connects to RECONCILER_TEST_DATABASE_URL. Each test uses
// fresh random identifiers so runs can share one database.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("RECONCILER_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("RECONCILER_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := Open(ctx, url)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresSubscriptionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := "user-" + uuid.NewString()
	subID := "sub_" + uuid.NewString()
	end := time.Now().UTC().Truncate(time.Second).Add(30 * 24 * time.Hour)

	sub := &models.Subscription{
		UserID: userID, ProductSlug: "scheduler", ProviderSubscriptionID: subID,
		TierID: "pro", Status: models.SubscriptionActive, CurrentPeriodEnd: &end,
	}
	require.NoError(t, s.UpsertSubscription(ctx, sub))
	require.NoError(t, s.UpsertSubscription(ctx, sub))

	got, err := s.GetSubscription(ctx, userID, "scheduler")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, subID, got.ProviderSubscriptionID)
	assert.True(t, end.Equal(*got.CurrentPeriodEnd))

	cleared, err := s.ClearSubscription(ctx, subID)
	require.NoError(t, err)
	require.NotNil(t, cleared)
	assert.Equal(t, models.SubscriptionFree, cleared.Status)

	missing, err := s.ClearSubscription(ctx, subID)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPostgresRecordCommissionOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	affiliate := "aff-" + uuid.NewString()
	invoice := "in_" + uuid.NewString()

	require.NoError(t, s.UpsertAffiliateLink(ctx, &models.AffiliateLink{UserID: affiliate}))

	for i := 0; i < 3; i++ {
		inserted, err := s.RecordCommission(ctx, &models.Commission{
			ID: uuid.NewString(), AffiliateUserID: affiliate, ReferralID: "ref-1",
			ProviderInvoiceID: invoice, InvoiceAmountCents: 10000, Currency: "usd",
			CommissionRate: 20, CommissionAmountCents: 2000, Status: models.CommissionPending,
		})
		require.NoError(t, err)
		assert.Equal(t, i == 0, inserted)
	}

	link, err := s.GetAffiliateLink(ctx, affiliate)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), link.TotalEarningsCents)
	assert.Equal(t, int64(2000), link.PendingEarningsCents)
}

func TestPostgresReferralConversion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	affiliate := "aff-" + uuid.NewString()
	referred := "user-" + uuid.NewString()
	refID := uuid.NewString()

	require.NoError(t, s.CreateReferral(ctx, &models.Referral{
		ID: refID, AffiliateUserID: affiliate, ReferredUserID: referred, Status: models.ReferralSignedUp,
	}))
	ok, err := s.MarkReferralConverted(ctx, refID, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.MarkReferralConverted(ctx, refID, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.CountConvertedReferrals(ctx, affiliate)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPostgresUpsertMovesProviderIDBetweenProducts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := "user-" + uuid.NewString()
	subID := "sub_" + uuid.NewString()

	require.NoError(t, s.UpsertSubscription(ctx, &models.Subscription{
		UserID: userID, ProductSlug: "scheduler", ProviderSubscriptionID: subID,
		TierID: "pro", Status: models.SubscriptionActive,
	}))
	require.NoError(t, s.UpsertSubscription(ctx, &models.Subscription{
		UserID: userID, ProductSlug: "cms", ProviderSubscriptionID: subID,
		TierID: "basic", Status: models.SubscriptionActive,
	}))

	moved, err := s.GetSubscription(ctx, userID, "cms")
	require.NoError(t, err)
	require.NotNil(t, moved)
	assert.Equal(t, subID, moved.ProviderSubscriptionID)

	previous, err := s.GetSubscription(ctx, userID, "scheduler")
	require.NoError(t, err)
	require.NotNil(t, previous)
	assert.Empty(t, previous.ProviderSubscriptionID)
	assert.Equal(t, models.SubscriptionFree, previous.Status)
}
