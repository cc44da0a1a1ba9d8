package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rcourtman/billing-reconciler/internal/models"
)

// CreateReferral inserts a referral record.
func (s *Store) CreateReferral(ctx context.Context, r *models.Referral) error {
	if r == nil {
		return fmt.Errorf("referral is nil")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}
	flags := r.FraudFlags
	if flags == nil {
		flags = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO referrals (id, affiliate_user_id, referred_user_id, status, converted_at, fraud_flags, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.AffiliateUserID, r.ReferredUserID, string(r.Status), r.ConvertedAt, flags, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create referral %s: %w", r.ID, err)
	}
	return nil
}

const referralColumns = `id, affiliate_user_id, referred_user_id, status, converted_at, fraud_flags, created_at`

// GetReferral retrieves a referral by ID, or nil.
func (s *Store) GetReferral(ctx context.Context, id string) (*models.Referral, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+referralColumns+` FROM referrals WHERE id = $1`, id)
	return scanReferral(row)
}

// FindReferral returns the newest referral for a referred user in the given
// status, or nil.
func (s *Store) FindReferral(ctx context.Context, referredUserID string, status models.ReferralStatus) (*models.Referral, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+referralColumns+` FROM referrals
		WHERE referred_user_id = $1 AND status = $2
		ORDER BY created_at DESC LIMIT 1`, referredUserID, string(status))
	return scanReferral(row)
}

// MarkReferralConverted moves a signed-up referral to converted. It reports
// false when the referral was not in signed_up state.
func (s *Store) MarkReferralConverted(ctx context.Context, referralID string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE referrals SET status = $1, converted_at = $2
		WHERE id = $3 AND status = $4`,
		string(models.ReferralConverted), at.UTC(), referralID, string(models.ReferralSignedUp),
	)
	if err != nil {
		return false, fmt.Errorf("convert referral %s: %w", referralID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// CountConvertedReferrals returns an affiliate's lifetime converted referrals.
func (s *Store) CountConvertedReferrals(ctx context.Context, affiliateUserID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM referrals WHERE affiliate_user_id = $1 AND status = $2`,
		affiliateUserID, string(models.ReferralConverted),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count converted referrals for %s: %w", affiliateUserID, err)
	}
	return n, nil
}

// UpsertAffiliateLink writes an affiliate's terms and balances.
func (s *Store) UpsertAffiliateLink(ctx context.Context, l *models.AffiliateLink) error {
	if l == nil {
		return fmt.Errorf("affiliate link is nil")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO affiliate_links (
			user_id, locked_at, locked_duration_months, locked_rate_percent,
			total_earnings_cents, pending_earnings_cents, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			locked_at              = EXCLUDED.locked_at,
			locked_duration_months = EXCLUDED.locked_duration_months,
			locked_rate_percent    = EXCLUDED.locked_rate_percent,
			total_earnings_cents   = EXCLUDED.total_earnings_cents,
			pending_earnings_cents = EXCLUDED.pending_earnings_cents,
			updated_at             = EXCLUDED.updated_at`,
		l.UserID, l.LockedAt, l.LockedDurationMonths, l.LockedRatePercent,
		l.TotalEarningsCents, l.PendingEarningsCents, s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert affiliate link %s: %w", l.UserID, err)
	}
	return nil
}

// GetAffiliateLink retrieves an affiliate's link, or nil.
func (s *Store) GetAffiliateLink(ctx context.Context, userID string) (*models.AffiliateLink, error) {
	var l models.AffiliateLink
	err := s.pool.QueryRow(ctx, `SELECT
		user_id, locked_at, locked_duration_months, locked_rate_percent,
		total_earnings_cents, pending_earnings_cents
		FROM affiliate_links WHERE user_id = $1`, userID,
	).Scan(&l.UserID, &l.LockedAt, &l.LockedDurationMonths, &l.LockedRatePercent, &l.TotalEarningsCents, &l.PendingEarningsCents)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get affiliate link %s: %w", userID, err)
	}
	if l.LockedAt != nil {
		at := l.LockedAt.UTC()
		l.LockedAt = &at
	}
	return &l, nil
}

// CommissionExists reports whether a commission was recorded for the invoice.
func (s *Store) CommissionExists(ctx context.Context, providerInvoiceID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM commissions WHERE provider_invoice_id = $1)`, providerInvoiceID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check commission for invoice %s: %w", providerInvoiceID, err)
	}
	return exists, nil
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin record commission: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO commissions (
			id, affiliate_user_id, referral_id, provider_invoice_id,
			invoice_amount_cents, currency, commission_rate, commission_amount_cents,
			status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (provider_invoice_id) DO NOTHING`,
		c.ID, c.AffiliateUserID, c.ReferralID, c.ProviderInvoiceID,
		c.InvoiceAmountCents, c.Currency, c.CommissionRate, c.CommissionAmountCents,
		string(c.Status), c.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert commission for invoice %s: %w", c.ProviderInvoiceID, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	tag, err = tx.Exec(ctx, `
		UPDATE affiliate_links SET
			total_earnings_cents   = total_earnings_cents + $1,
			pending_earnings_cents = pending_earnings_cents + $1,
			updated_at             = $2
		WHERE user_id = $3`,
		c.CommissionAmountCents, s.now().UTC(), c.AffiliateUserID,
	)
	if err != nil {
		return false, fmt.Errorf("credit affiliate %s: %w", c.AffiliateUserID, err)
	}
	if tag.RowsAffected() == 0 {
		return false, fmt.Errorf("credit affiliate balance: affiliate link %q not found", c.AffiliateUserID)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit commission: %w", err)
	}
	return true, nil
}

// ListCommissions returns an affiliate's commissions, newest first.
func (s *Store) ListCommissions(ctx context.Context, affiliateUserID string, limit int) ([]*models.Commission, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `SELECT
		id, affiliate_user_id, referral_id, provider_invoice_id,
		invoice_amount_cents, currency, commission_rate, commission_amount_cents,
		status, created_at
		FROM commissions WHERE affiliate_user_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2`, affiliateUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("list commissions for %s: %w", affiliateUserID, err)
	}
	defer rows.Close()

	var out []*models.Commission
	for rows.Next() {
		var c models.Commission
		var status string
		if err := rows.Scan(
			&c.ID, &c.AffiliateUserID, &c.ReferralID, &c.ProviderInvoiceID,
			&c.InvoiceAmountCents, &c.Currency, &c.CommissionRate, &c.CommissionAmountCents,
			&status, &c.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan commission: %w", err)
		}
		c.Status = models.CommissionStatus(status)
		c.CreatedAt = c.CreatedAt.UTC()
		out = append(out, &c)
	}
	return out, rows.Err()
}

// ListRateTiers returns the commission rate table ordered by threshold.
func (s *Store) ListRateTiers(ctx context.Context) ([]models.RateTier, error) {
	rows, err := s.pool.Query(ctx,
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
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM commission_rate_tiers`); err != nil {
			return fmt.Errorf("clear rate tiers: %w", err)
		}
		batch := &pgx.Batch{}
		for _, t := range tiers {
			batch.Queue(`INSERT INTO commission_rate_tiers (min_referrals, rate_percent) VALUES ($1, $2)`,
				t.MinReferrals, t.RatePercent)
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert rate tiers: %w", err)
		}
		return nil
	})
}

// InsertNotification stores a user-facing inbox notification.
func (s *Store) InsertNotification(ctx context.Context, n *models.InboxNotification) error {
	if n == nil {
		return fmt.Errorf("notification is nil")
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now().UTC()
	}
	payload := n.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (id, user_id, kind, title, body, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		n.ID, n.UserID, n.Kind, n.Title, n.Body, payload, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert notification for %s: %w", n.UserID, err)
	}
	return nil
}

// ListNotifications returns a user's inbox, newest first.
func (s *Store) ListNotifications(ctx context.Context, userID string, limit int) ([]*models.InboxNotification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, kind, title, body, payload, created_at
		FROM notifications WHERE user_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications for %s: %w", userID, err)
	}
	defer rows.Close()

	var out []*models.InboxNotification
	for rows.Next() {
		var n models.InboxNotification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.Title, &n.Body, &n.Payload, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.CreatedAt = n.CreatedAt.UTC()
		out = append(out, &n)
	}
	return out, rows.Err()
}

func scanReferral(row pgx.Row) (*models.Referral, error) {
	var r models.Referral
	var status string
	err := row.Scan(&r.ID, &r.AffiliateUserID, &r.ReferredUserID, &status, &r.ConvertedAt, &r.FraudFlags, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan referral: %w", err)
	}
	r.Status = models.ReferralStatus(status)
	r.CreatedAt = r.CreatedAt.UTC()
	if r.ConvertedAt != nil {
		at := r.ConvertedAt.UTC()
		r.ConvertedAt = &at
	}
	if r.FraudFlags == nil {
		r.FraudFlags = []string{}
	}
	return &r, nil
}
