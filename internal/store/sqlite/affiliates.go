package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rcourtman/billing-reconciler/internal/models"
)

// CreateReferral inserts a referral record. Attribution at signup happens
// outside this service; this is used by seeding and tests.
func (s *Store) CreateReferral(ctx context.Context, r *models.Referral) error {
	if r == nil {
		return fmt.Errorf("referral is nil")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}
	flags, err := json.Marshal(nonNilFlags(r.FraudFlags))
	if err != nil {
		return fmt.Errorf("encode fraud flags: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO referrals (id, affiliate_user_id, referred_user_id, status, converted_at, fraud_flags, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.AffiliateUserID, r.ReferredUserID, string(r.Status),
		nullableTimeUnix(r.ConvertedAt), string(flags), r.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create referral: %w", err)
	}
	return nil
}

// GetReferral retrieves a referral by ID.
func (s *Store) GetReferral(ctx context.Context, id string) (*models.Referral, error) {
	row := s.db.QueryRowContext(ctx, `SELECT
		id, affiliate_user_id, referred_user_id, status, converted_at, fraud_flags, created_at
		FROM referrals WHERE id = ?`, id)
	return scanReferral(row)
}

// FindReferral returns the newest referral for a referred user in the given
// status, or nil.
func (s *Store) FindReferral(ctx context.Context, referredUserID string, status models.ReferralStatus) (*models.Referral, error) {
	row := s.db.QueryRowContext(ctx, `SELECT
		id, affiliate_user_id, referred_user_id, status, converted_at, fraud_flags, created_at
		FROM referrals WHERE referred_user_id = ? AND status = ?
		ORDER BY created_at DESC LIMIT 1`, referredUserID, string(status))
	return scanReferral(row)
}

// MarkReferralConverted moves a signed-up referral to converted. It reports
// false when the referral was not in signed_up state.
func (s *Store) MarkReferralConverted(ctx context.Context, referralID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE referrals SET status = ?, converted_at = ?
		WHERE id = ? AND status = ?`,
		string(models.ReferralConverted), at.UTC().Unix(), referralID, string(models.ReferralSignedUp),
	)
	if err != nil {
		return false, fmt.Errorf("convert referral: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// CountConvertedReferrals returns an affiliate's lifetime converted referrals.
func (s *Store) CountConvertedReferrals(ctx context.Context, affiliateUserID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM referrals WHERE affiliate_user_id = ? AND status = ?`,
		affiliateUserID, string(models.ReferralConverted),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count converted referrals: %w", err)
	}
	return n, nil
}

// UpsertAffiliateLink writes an affiliate's terms and balances.
func (s *Store) UpsertAffiliateLink(ctx context.Context, l *models.AffiliateLink) error {
	if l == nil {
		return fmt.Errorf("affiliate link is nil")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO affiliate_links (
			user_id, locked_at, locked_duration_months, locked_rate_percent,
			total_earnings_cents, pending_earnings_cents, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			locked_at              = excluded.locked_at,
			locked_duration_months = excluded.locked_duration_months,
			locked_rate_percent    = excluded.locked_rate_percent,
			total_earnings_cents   = excluded.total_earnings_cents,
			pending_earnings_cents = excluded.pending_earnings_cents,
			updated_at             = excluded.updated_at`,
		l.UserID, nullableTimeUnix(l.LockedAt), l.LockedDurationMonths, nullableFloat(l.LockedRatePercent),
		l.TotalEarningsCents, l.PendingEarningsCents, s.now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert affiliate link: %w", err)
	}
	return nil
}

// GetAffiliateLink retrieves an affiliate's link, or nil.
func (s *Store) GetAffiliateLink(ctx context.Context, userID string) (*models.AffiliateLink, error) {
	var l models.AffiliateLink
	var lockedAt sql.NullInt64
	var lockedRate sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `SELECT
		user_id, locked_at, locked_duration_months, locked_rate_percent,
		total_earnings_cents, pending_earnings_cents
		FROM affiliate_links WHERE user_id = ?`, userID,
	).Scan(&l.UserID, &lockedAt, &l.LockedDurationMonths, &lockedRate, &l.TotalEarningsCents, &l.PendingEarningsCents)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get affiliate link: %w", err)
	}
	l.LockedAt = timeFromNullable(lockedAt)
	if lockedRate.Valid {
		rate := lockedRate.Float64
		l.LockedRatePercent = &rate
	}
	return &l, nil
}

// CommissionExists reports whether a commission was recorded for the invoice.
func (s *Store) CommissionExists(ctx context.Context, providerInvoiceID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM commissions WHERE provider_invoice_id = ?`, providerInvoiceID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check commission: %w", err)
	}
	return true, nil
}

// RecordCommission inserts the ledger entry and credits the affiliate's
// balances in one transaction. It reports false, writing nothing, when a
// commission for the same invoice already exists.
func (s *Store) RecordCommission(ctx context.Context, c *models.Commission) (bool, error) {
	if c == nil {
		return false, fmt.Errorf("commission is nil")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin record commission: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO commissions (
			id, affiliate_user_id, referral_id, provider_invoice_id,
			invoice_amount_cents, currency, commission_rate, commission_amount_cents,
			status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider_invoice_id) DO NOTHING`,
		c.ID, c.AffiliateUserID, c.ReferralID, c.ProviderInvoiceID,
		c.InvoiceAmountCents, c.Currency, c.CommissionRate, c.CommissionAmountCents,
		string(c.Status), c.CreatedAt.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("insert commission: %w", err)
	}
	if inserted, _ := res.RowsAffected(); inserted == 0 {
		return false, nil
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE affiliate_links SET
			total_earnings_cents   = total_earnings_cents + ?,
			pending_earnings_cents = pending_earnings_cents + ?,
			updated_at             = ?
		WHERE user_id = ?`,
		c.CommissionAmountCents, c.CommissionAmountCents, s.now().UTC().Unix(), c.AffiliateUserID,
	)
	if err != nil {
		return false, fmt.Errorf("credit affiliate balance: %w", err)
	}
	if updated, _ := res.RowsAffected(); updated == 0 {
		return false, fmt.Errorf("credit affiliate balance: affiliate link %q not found", c.AffiliateUserID)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit commission: %w", err)
	}
	return true, nil
}

// ListCommissions returns an affiliate's commissions, newest first.
func (s *Store) ListCommissions(ctx context.Context, affiliateUserID string, limit int) ([]*models.Commission, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT
		id, affiliate_user_id, referral_id, provider_invoice_id,
		invoice_amount_cents, currency, commission_rate, commission_amount_cents,
		status, created_at
		FROM commissions WHERE affiliate_user_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, affiliateUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("list commissions: %w", err)
	}
	defer rows.Close()

	var out []*models.Commission
	for rows.Next() {
		var c models.Commission
		var status string
		var createdAt int64
		if err := rows.Scan(
			&c.ID, &c.AffiliateUserID, &c.ReferralID, &c.ProviderInvoiceID,
			&c.InvoiceAmountCents, &c.Currency, &c.CommissionRate, &c.CommissionAmountCents,
			&status, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan commission: %w", err)
		}
		c.Status = models.CommissionStatus(status)
		c.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, &c)
	}
	return out, rows.Err()
}

// ListRateTiers returns the commission rate table ordered by threshold.
func (s *Store) ListRateTiers(ctx context.Context) ([]models.RateTier, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT min_referrals, rate_percent FROM commission_rate_tiers ORDER BY min_referrals`)
	if err != nil {
		return nil, fmt.Errorf("list rate tiers: %w", err)
	}
	defer rows.Close()

	var tiers []models.RateTier
	for rows.Next() {
		var t models.RateTier
		if err := rows.Scan(&t.MinReferrals, &t.RatePercent); err != nil {
			return nil, fmt.Errorf("scan rate tier: %w", err)
		}
		tiers = append(tiers, t)
	}
	return tiers, rows.Err()
}

// ReplaceRateTiers swaps the whole commission rate table.
func (s *Store) ReplaceRateTiers(ctx context.Context, tiers []models.RateTier) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace rate tiers: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM commission_rate_tiers`); err != nil {
		return fmt.Errorf("clear rate tiers: %w", err)
	}
	for _, t := range tiers {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO commission_rate_tiers (min_referrals, rate_percent) VALUES (?, ?)`,
			t.MinReferrals, t.RatePercent,
		); err != nil {
			return fmt.Errorf("insert rate tier %d: %w", t.MinReferrals, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rate tiers: %w", err)
	}
	return nil
}

func scanReferral(sc scanner) (*models.Referral, error) {
	var r models.Referral
	var status, flags string
	var convertedAt sql.NullInt64
	var createdAt int64

	err := sc.Scan(&r.ID, &r.AffiliateUserID, &r.ReferredUserID, &status, &convertedAt, &flags, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan referral: %w", err)
	}
	r.Status = models.ReferralStatus(status)
	r.ConvertedAt = timeFromNullable(convertedAt)
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	if err := json.Unmarshal([]byte(flags), &r.FraudFlags); err != nil {
		return nil, fmt.Errorf("decode fraud flags: %w", err)
	}
	r.FraudFlags = nonNilFlags(r.FraudFlags)
	return &r, nil
}

func nonNilFlags(flags []string) []string {
	if flags == nil {
		return []string{}
	}
	return flags
}
