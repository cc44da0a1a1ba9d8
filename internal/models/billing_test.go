package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommissionCents(t *testing.T) {
	tests := []struct {
		amount int64
		rate   float64
		want   int64
	}{
		{amount: 10000, rate: 20, want: 2000},
		{amount: 999, rate: 15, want: 150}, // 149.85
		{amount: 333, rate: 10, want: 33},  // 33.3
		{amount: 5, rate: 10, want: 1},     // 0.5 rounds away from zero
		{amount: 0, rate: 30, want: 0},
		{amount: 10000, rate: 0, want: 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CommissionCents(tt.amount, tt.rate), "amount=%d rate=%v", tt.amount, tt.rate)
	}
}

func TestResolveRatePicksHighestQualifyingTier(t *testing.T) {
	tiers := []RateTier{
		{MinReferrals: 10, RatePercent: 30},
		{MinReferrals: 0, RatePercent: 20},
		{MinReferrals: 5, RatePercent: 25},
	}
	assert.Equal(t, 20.0, ResolveRate(tiers, 0))
	assert.Equal(t, 20.0, ResolveRate(tiers, 4))
	assert.Equal(t, 25.0, ResolveRate(tiers, 5))
	assert.Equal(t, 30.0, ResolveRate(tiers, 42))

	assert.Equal(t, 0.0, ResolveRate(nil, 3))
	assert.Equal(t, 0.0, ResolveRate([]RateTier{{MinReferrals: 3, RatePercent: 10}}, 2))
}

func TestAffiliateLinkLockWindow(t *testing.T) {
	lockedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	link := &AffiliateLink{UserID: "aff_1", LockedAt: &lockedAt, LockedDurationMonths: 1}

	deadline, ok := link.LockDeadline()
	require.True(t, ok)
	assert.Equal(t, lockedAt.Add(30*24*time.Hour), deadline)

	assert.False(t, link.LockExpired(lockedAt.Add(29*24*time.Hour)))
	assert.False(t, link.LockExpired(deadline))
	assert.True(t, link.LockExpired(lockedAt.Add(31*24*time.Hour)))

	unlocked := &AffiliateLink{UserID: "aff_2"}
	_, ok = unlocked.LockDeadline()
	assert.False(t, ok)
	assert.False(t, unlocked.LockExpired(time.Now()))
}

func TestProductMatchTier(t *testing.T) {
	product := &Product{
		Slug: "scheduler",
		Tiers: []TierDefinition{
			{ID: "starter", ProviderMetadataValue: "starter"},
			{ID: "pro", ProviderMetadataValue: "pro"},
		},
	}
	assert.Equal(t, "pro", product.MatchTier("pro").ID)
	assert.Equal(t, "starter", product.MatchTier("renamed-tier").ID)
	assert.Equal(t, "starter", product.MatchTier("").ID)

	empty := &Product{Slug: "empty"}
	assert.Nil(t, empty.MatchTier("pro"))
}
