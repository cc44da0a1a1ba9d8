package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	errs "github.com/rcourtman/billing-reconciler/internal/errors"
	"github.com/rcourtman/billing-reconciler/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSubscriptionUpsertIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	end := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)

	sub := &models.Subscription{
		UserID:                 "user-1",
		ProductSlug:            "scheduler",
		ProviderSubscriptionID: "sub_1",
		ProviderPriceID:        "price_1",
		TierID:                 "pro",
		Status:                 models.SubscriptionActive,
		CurrentPeriodEnd:       &end,
	}
	require.NoError(t, s.UpsertSubscription(ctx, sub))
	first, err := s.GetSubscription(ctx, "user-1", "scheduler")
	require.NoError(t, err)

	require.NoError(t, s.UpsertSubscription(ctx, sub))
	second, err := s.GetSubscription(ctx, "user-1", "scheduler")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, "sub_1", second.ProviderSubscriptionID)
	assert.True(t, end.Equal(*second.CurrentPeriodEnd))
}

func TestGetSubscriptionMissing(t *testing.T) {
	s := newTestStore(t)
	sub, err := s.GetSubscription(context.Background(), "nobody", "scheduler")
	require.NoError(t, err)
	assert.Nil(t, sub)
}

func TestClearSubscription(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	end := time.Now().Add(24 * time.Hour)

	require.NoError(t, s.UpsertSubscription(ctx, &models.Subscription{
		UserID:                 "user-1",
		ProductSlug:            "scheduler",
		ProviderSubscriptionID: "sub_1",
		TierID:                 "pro",
		Status:                 models.SubscriptionActive,
		CurrentPeriodEnd:       &end,
		CancelAtPeriodEnd:      true,
	}))

	cleared, err := s.ClearSubscription(ctx, "sub_1")
	require.NoError(t, err)
	require.NotNil(t, cleared)
	assert.Equal(t, "scheduler", cleared.ProductSlug)
	assert.Equal(t, models.FreeTierID, cleared.TierID)

	got, err := s.GetSubscription(ctx, "user-1", "scheduler")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionFree, got.Status)
	assert.Empty(t, got.ProviderSubscriptionID)
	assert.Nil(t, got.CurrentPeriodEnd)
	assert.False(t, got.CancelAtPeriodEnd)

	again, err := s.ClearSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestUpsertSubscriptionMovesProviderIDBetweenProducts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertSubscription(ctx, &models.Subscription{
		UserID: "user-1", ProductSlug: "scheduler", ProviderSubscriptionID: "sub_1",
		ProviderPriceID: "price_sched", TierID: "pro", Status: models.SubscriptionActive,
	}))
	require.NoError(t, s.UpsertSubscription(ctx, &models.Subscription{
		UserID: "user-1", ProductSlug: "cms", ProviderSubscriptionID: "sub_1",
		ProviderPriceID: "price_cms", TierID: "basic", Status: models.SubscriptionActive,
	}))

	moved, err := s.GetSubscription(ctx, "user-1", "cms")
	require.NoError(t, err)
	require.NotNil(t, moved)
	assert.Equal(t, "sub_1", moved.ProviderSubscriptionID)
	assert.Equal(t, "basic", moved.TierID)

	previous, err := s.GetSubscription(ctx, "user-1", "scheduler")
	require.NoError(t, err)
	require.NotNil(t, previous)
	assert.Empty(t, previous.ProviderSubscriptionID)
	assert.Equal(t, models.SubscriptionFree, previous.Status)
	assert.Equal(t, models.FreeTierID, previous.TierID)

	cleared, err := s.ClearSubscription(ctx, "sub_1")
	require.NoError(t, err)
	require.NotNil(t, cleared)
	assert.Equal(t, "cms", cleared.ProductSlug)
}

func TestConstraintViolationIsConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	insert := `INSERT INTO subscriptions (user_id, product_slug, provider_subscription_id, tier_id, status, updated_at)
		VALUES (?, ?, 'sub_dup', 'pro', 'active', 0)`
	_, err := s.db.ExecContext(ctx, insert, "user-1", "scheduler")
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, insert, "user-2", "scheduler")
	require.Error(t, err)

	classified := classifyError(err)
	assert.True(t, errors.Is(classified, errs.ErrConflict))
	assert.False(t, errs.IsRetryableError(errs.WrapStoreError("upsert_subscription", "user-2/scheduler", classified)))

	plain := errors.New("database is locked")
	assert.Equal(t, plain, classifyError(plain))
}

func TestCustomerMapping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	userID, err := s.UserIDForCustomer(ctx, "cus_1")
	require.NoError(t, err)
	assert.Empty(t, userID)

	require.NoError(t, s.LinkCustomer(ctx, &models.Customer{ProviderCustomerID: "cus_1", UserID: "user-1", Email: "a@example.com"}))
	require.NoError(t, s.LinkCustomer(ctx, &models.Customer{ProviderCustomerID: "cus_1", UserID: "user-1"}))

	userID, err = s.UserIDForCustomer(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)

	email, err := s.EmailForUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", email)
}

func TestReferralConversionIsOneWay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateReferral(ctx, &models.Referral{
		ID: "ref-1", AffiliateUserID: "aff-1", ReferredUserID: "user-1", Status: models.ReferralSignedUp,
	}))

	r, err := s.FindReferral(ctx, "user-1", models.ReferralSignedUp)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, []string{}, r.FraudFlags)

	at := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	ok, err := s.MarkReferralConverted(ctx, "ref-1", at)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.MarkReferralConverted(ctx, "ref-1", at.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetReferral(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, models.ReferralConverted, got.Status)
	require.NotNil(t, got.ConvertedAt)
	assert.True(t, at.Equal(*got.ConvertedAt))

	n, err := s.CountConvertedReferrals(ctx, "aff-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	none, err := s.FindReferral(ctx, "user-1", models.ReferralSignedUp)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestAffiliateLinkRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	missing, err := s.GetAffiliateLink(ctx, "aff-1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	locked := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rate := 25.0
	require.NoError(t, s.UpsertAffiliateLink(ctx, &models.AffiliateLink{
		UserID: "aff-1", LockedAt: &locked, LockedDurationMonths: 12, LockedRatePercent: &rate,
	}))

	got, err := s.GetAffiliateLink(ctx, "aff-1")
	require.NoError(t, err)
	require.NotNil(t, got.LockedAt)
	assert.True(t, locked.Equal(*got.LockedAt))
	assert.Equal(t, 12, got.LockedDurationMonths)
	require.NotNil(t, got.LockedRatePercent)
	assert.Equal(t, 25.0, *got.LockedRatePercent)
}

func TestRecordCommissionIsUniquePerInvoice(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertAffiliateLink(ctx, &models.AffiliateLink{UserID: "aff-1"}))

	c := func(id string) *models.Commission {
		return &models.Commission{
			ID:                    id,
			AffiliateUserID:       "aff-1",
			ReferralID:            "ref-1",
			ProviderInvoiceID:     "in_1",
			InvoiceAmountCents:    10000,
			Currency:              "usd",
			CommissionRate:        20,
			CommissionAmountCents: 2000,
			Status:                models.CommissionPending,
		}
	}

	exists, err := s.CommissionExists(ctx, "in_1")
	require.NoError(t, err)
	assert.False(t, exists)

	for i, id := range []string{"c-1", "c-2", "c-3"} {
		inserted, err := s.RecordCommission(ctx, c(id))
		require.NoError(t, err)
		assert.Equal(t, i == 0, inserted)
	}

	exists, err = s.CommissionExists(ctx, "in_1")
	require.NoError(t, err)
	assert.True(t, exists)

	list, err := s.ListCommissions(ctx, "aff-1", 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "c-1", list[0].ID)
	assert.Equal(t, int64(2000), list[0].CommissionAmountCents)

	link, err := s.GetAffiliateLink(ctx, "aff-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), link.TotalEarningsCents)
	assert.Equal(t, int64(2000), link.PendingEarningsCents)
}

func TestRecordCommissionWithoutLinkRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.RecordCommission(ctx, &models.Commission{
		ID: "c-1", AffiliateUserID: "ghost", ReferralID: "ref-1", ProviderInvoiceID: "in_9",
		InvoiceAmountCents: 500, CommissionRate: 20, CommissionAmountCents: 100, Status: models.CommissionPending,
	})
	require.Error(t, err)

	exists, err := s.CommissionExists(ctx, "in_9")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestReplaceRateTiers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ReplaceRateTiers(ctx, []models.RateTier{{MinReferrals: 10, RatePercent: 30}, {MinReferrals: 0, RatePercent: 20}}))
	tiers, err := s.ListRateTiers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.RateTier{{MinReferrals: 0, RatePercent: 20}, {MinReferrals: 10, RatePercent: 30}}, tiers)

	require.NoError(t, s.ReplaceRateTiers(ctx, []models.RateTier{{MinReferrals: 0, RatePercent: 15}}))
	tiers, err = s.ListRateTiers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.RateTier{{MinReferrals: 0, RatePercent: 15}}, tiers)
}

func TestNotifications(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.now = func() time.Time { return time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC) }

	require.NoError(t, s.InsertNotification(ctx, &models.InboxNotification{
		ID: "n-1", UserID: "user-1", Kind: "subscription_confirmed", Title: "Welcome",
		Payload: map[string]any{"product": "scheduler"},
	}))
	require.NoError(t, s.InsertNotification(ctx, &models.InboxNotification{
		ID: "n-1", UserID: "user-1", Kind: "subscription_confirmed", Title: "Duplicate",
	}))

	list, err := s.ListNotifications(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Welcome", list[0].Title)
	assert.Equal(t, "scheduler", list[0].Payload["product"])
}
