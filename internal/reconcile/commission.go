package reconcile

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	errs "github.com/rcourtman/billing-reconciler/internal/errors"
	"github.com/rcourtman/billing-reconciler/internal/logging"
	"github.com/rcourtman/billing-reconciler/internal/metrics"
	"github.com/rcourtman/billing-reconciler/internal/models"
	"github.com/rcourtman/billing-reconciler/internal/notify"
	"github.com/rcourtman/billing-reconciler/internal/webhook"
)

// Outcome is the result of evaluating one paid invoice. Every value except
// OutcomeCreated is a legitimate "not applicable" exit.
type Outcome string

const (
	OutcomeCreated         Outcome = "created"
	OutcomeNotCustomer     Outcome = "not_customer"
	OutcomeNotReferral     Outcome = "not_referral"
	OutcomeDuplicate       Outcome = "duplicate"
	OutcomeNoAffiliateLink Outcome = "no_affiliate_link"
	OutcomeLockExpired     Outcome = "lock_expired"
	OutcomeZeroCommission  Outcome = "zero_commission"
)

// CustomerResolver maps provider customers to users.
type CustomerResolver interface {
	UserIDForCustomer(ctx context.Context, providerCustomerID string) (string, error)
}

// CommissionEngine credits affiliates for invoices paid by their referrals.
type CommissionEngine struct {
	customers   CustomerResolver
	affiliates  AffiliateStore
	notifier    notify.Notifier
	callTimeout time.Duration
	now         func() time.Time
}

// NewCommissionEngine creates a commission engine.
func NewCommissionEngine(customers CustomerResolver, affiliates AffiliateStore, notifier notify.Notifier, callTimeout time.Duration) *CommissionEngine {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &CommissionEngine{
		customers:   customers,
		affiliates:  affiliates,
		notifier:    notifier,
		callTimeout: callTimeout,
		now:         time.Now,
	}
}

// SetClock replaces the engine's time source.
func (e *CommissionEngine) SetClock(now func() time.Time) {
	e.now = now
}

// OnInvoicePaid evaluates inv and records at most one commission for it.
// A guard that does not match (unknown customer, no referral, expired lock,
// and so on) is a no-op outcome. Store failures are returned as retryable
// errors, reads before the ledger write included, so a transient outage
// cannot drop a commission. Redelivery after an error is safe because an
// invoice can never be credited twice.
func (e *CommissionEngine) OnInvoicePaid(ctx context.Context, inv webhook.InvoicePaid) (Outcome, error) {
	outcome, commission, err := e.evaluate(ctx, inv)
	if err != nil {
		return "", err
	}
	metrics.CommissionOutcomesTotal.WithLabelValues(string(outcome)).Inc()

	logger := logging.FromContext(ctx)
	if outcome != OutcomeCreated {
		logger.Debug().
			Str("event_id", inv.ID).
			Str("invoice_id", inv.InvoiceID).
			Str("outcome", string(outcome)).
			Msg("No commission for invoice")
		return outcome, nil
	}

	metrics.CommissionCentsTotal.Add(float64(commission.CommissionAmountCents))
	logger.Info().
		Str("event_id", inv.ID).
		Str("invoice_id", inv.InvoiceID).
		Str("affiliate_id", commission.AffiliateUserID).
		Float64("rate", commission.CommissionRate).
		Int64("amount_cents", commission.CommissionAmountCents).
		Msg("Commission recorded")

	e.notifier.Notify(ctx, notify.Notification{
		ID:     "commission:" + inv.InvoiceID,
		Kind:   notify.KindCommissionEarned,
		UserID: commission.AffiliateUserID,
		Payload: map[string]any{
			notify.KeyEventID:     inv.ID,
			notify.KeyInvoiceID:   inv.InvoiceID,
			notify.KeyAmountCents: commission.CommissionAmountCents,
			notify.KeyCurrency:    commission.Currency,
		},
	})
	return OutcomeCreated, nil
}

func (e *CommissionEngine) evaluate(ctx context.Context, inv webhook.InvoicePaid) (Outcome, *models.Commission, error) {
	now := e.now()

	// 1. Payer must be a tracked customer.
	if inv.CustomerID == "" {
		return OutcomeNotCustomer, nil, nil
	}
	var userID string
	if err := e.call(ctx, func(ctx context.Context) (err error) {
		userID, err = e.customers.UserIDForCustomer(ctx, inv.CustomerID)
		return err
	}); err != nil {
		return "", nil, errs.WrapStoreError("lookup_customer", inv.CustomerID, err)
	}
	if userID == "" {
		return OutcomeNotCustomer, nil, nil
	}

	// 2. Payer must be a referral; the first paid invoice converts it.
	referral, err := e.findReferral(ctx, userID)
	if err != nil {
		return "", nil, err
	}
	if referral == nil {
		return OutcomeNotReferral, nil, nil
	}
	if referral.Status == models.ReferralSignedUp {
		var converted bool
		if err := e.call(ctx, func(ctx context.Context) (err error) {
			converted, err = e.affiliates.MarkReferralConverted(ctx, referral.ID, now)
			return err
		}); err != nil {
			return "", nil, errs.WrapStoreError("convert_referral", referral.ID, err)
		}
		if converted {
			logger := logging.FromContext(ctx)
			logger.Info().
				Str("referral_id", referral.ID).
				Str("affiliate_id", referral.AffiliateUserID).
				Msg("Referral converted on first payment")
		}
	}

	// 3. Fast-path duplicate check. The unique insert in step 8 is the guard.
	var exists bool
	if err := e.call(ctx, func(ctx context.Context) (err error) {
		exists, err = e.affiliates.CommissionExists(ctx, inv.InvoiceID)
		return err
	}); err != nil {
		return "", nil, errs.WrapStoreError("commission_exists", inv.InvoiceID, err)
	}
	if exists {
		return OutcomeDuplicate, nil, nil
	}

	// 4. Affiliate must have a payable link.
	var link *models.AffiliateLink
	if err := e.call(ctx, func(ctx context.Context) (err error) {
		link, err = e.affiliates.GetAffiliateLink(ctx, referral.AffiliateUserID)
		return err
	}); err != nil {
		return "", nil, errs.WrapStoreError("get_affiliate_link", referral.AffiliateUserID, err)
	}
	if link == nil {
		return OutcomeNoAffiliateLink, nil, nil
	}

	// 5. Locked terms stop accruing at the deadline.
	if link.LockExpired(now) {
		return OutcomeLockExpired, nil, nil
	}

	// 6. Effective rate.
	rate, err := e.effectiveRate(ctx, link)
	if err != nil {
		return "", nil, err
	}

	// 7. Zero-value commissions are not recorded.
	cents := models.CommissionCents(inv.AmountPaidCents, rate)
	if cents <= 0 {
		return OutcomeZeroCommission, nil, nil
	}

	// 8. Ledger entry and balance credit, atomically.
	commission := &models.Commission{
		ID:                    ulid.Make().String(),
		AffiliateUserID:       referral.AffiliateUserID,
		ReferralID:            referral.ID,
		ProviderInvoiceID:     inv.InvoiceID,
		InvoiceAmountCents:    inv.AmountPaidCents,
		Currency:              inv.Currency,
		CommissionRate:        rate,
		CommissionAmountCents: cents,
		Status:                models.CommissionPending,
		CreatedAt:             now.UTC(),
	}
	var inserted bool
	if err := e.call(ctx, func(ctx context.Context) (err error) {
		inserted, err = e.affiliates.RecordCommission(ctx, commission)
		return err
	}); err != nil {
		return "", nil, errs.WrapStoreError("record_commission", inv.InvoiceID, err)
	}
	if !inserted {
		return OutcomeDuplicate, nil, nil
	}
	return OutcomeCreated, commission, nil
}

// findReferral prefers an already converted referral over a signed-up one.
func (e *CommissionEngine) findReferral(ctx context.Context, userID string) (*models.Referral, error) {
	for _, status := range []models.ReferralStatus{models.ReferralConverted, models.ReferralSignedUp} {
		var referral *models.Referral
		if err := e.call(ctx, func(ctx context.Context) (err error) {
			referral, err = e.affiliates.FindReferral(ctx, userID, status)
			return err
		}); err != nil {
			return nil, errs.WrapStoreError("find_referral", userID, err)
		}
		if referral != nil {
			return referral, nil
		}
	}
	return nil, nil
}

// effectiveRate returns the locked custom rate while the lock holds, else
// the tier rate for the affiliate's lifetime converted referrals.
func (e *CommissionEngine) effectiveRate(ctx context.Context, link *models.AffiliateLink) (float64, error) {
	if link.LockedAt != nil && link.LockedRatePercent != nil {
		return *link.LockedRatePercent, nil
	}

	var tiers []models.RateTier
	if err := e.call(ctx, func(ctx context.Context) (err error) {
		tiers, err = e.affiliates.ListRateTiers(ctx)
		return err
	}); err != nil {
		return 0, errs.WrapStoreError("list_rate_tiers", "", err)
	}
	var count int
	if err := e.call(ctx, func(ctx context.Context) (err error) {
		count, err = e.affiliates.CountConvertedReferrals(ctx, link.UserID)
		return err
	}); err != nil {
		return 0, errs.WrapStoreError("count_referrals", link.UserID, err)
	}
	return models.ResolveRate(tiers, count), nil
}

func (e *CommissionEngine) call(ctx context.Context, fn func(ctx context.Context) error) error {
	callCtx, cancel := withCallTimeout(ctx, e.callTimeout)
	defer cancel()
	return fn(callCtx)
}
