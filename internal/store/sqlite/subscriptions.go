package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/rcourtman/billing-reconciler/internal/models"
)

// UpsertSubscription writes the record keyed by (user, product). Applying the
// same record twice leaves the row unchanged. When the provider subscription
// moved to another product, the row that held it is reset to the free tier in
// the same transaction.
func (s *Store) UpsertSubscription(ctx context.Context, sub *models.Subscription) error {
	if sub == nil {
		return fmt.Errorf("subscription is nil")
	}
	now := s.now().UTC().Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert subscription: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if sub.ProviderSubscriptionID != "" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE subscriptions SET
				provider_subscription_id = NULL, provider_price_id = '',
				tier_id = ?, status = ?, current_period_end = NULL,
				cancel_at_period_end = 0, updated_at = ?
			WHERE provider_subscription_id = ?
			  AND NOT (user_id = ? AND product_slug = ?)`,
			models.FreeTierID, string(models.SubscriptionFree), now,
			sub.ProviderSubscriptionID, sub.UserID, sub.ProductSlug,
		); err != nil {
			return fmt.Errorf("detach previous subscription row: %w", classifyError(err))
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO subscriptions (
			user_id, product_slug, provider_subscription_id, provider_price_id,
			tier_id, status, current_period_end, cancel_at_period_end, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, product_slug) DO UPDATE SET
			provider_subscription_id = excluded.provider_subscription_id,
			provider_price_id        = excluded.provider_price_id,
			tier_id                  = excluded.tier_id,
			status                   = excluded.status,
			current_period_end       = excluded.current_period_end,
			cancel_at_period_end     = excluded.cancel_at_period_end,
			updated_at               = excluded.updated_at`,
		sub.UserID, sub.ProductSlug, nullableString(sub.ProviderSubscriptionID), sub.ProviderPriceID,
		sub.TierID, string(sub.Status), nullableTimeUnix(sub.CurrentPeriodEnd), boolToInt(sub.CancelAtPeriodEnd),
		now,
	); err != nil {
		return fmt.Errorf("upsert subscription: %w", classifyError(err))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert subscription: %w", err)
	}
	return nil
}

// GetSubscription returns the record for (user, product), or nil.
func (s *Store) GetSubscription(ctx context.Context, userID, productSlug string) (*models.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `SELECT
		user_id, product_slug, provider_subscription_id, provider_price_id,
		tier_id, status, current_period_end, cancel_at_period_end
		FROM subscriptions WHERE user_id = ? AND product_slug = ?`, userID, productSlug)
	return scanSubscription(row)
}

// ClearSubscription resets the subscription owned by providerSubscriptionID to
// the free tier and detaches it from the provider. It returns the cleared
// record, or nil when no subscription carries that id.
func (s *Store) ClearSubscription(ctx context.Context, providerSubscriptionID string) (*models.Subscription, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin clear subscription: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT
		user_id, product_slug, provider_subscription_id, provider_price_id,
		tier_id, status, current_period_end, cancel_at_period_end
		FROM subscriptions WHERE provider_subscription_id = ?`, providerSubscriptionID)
	sub, err := scanSubscription(row)
	if err != nil || sub == nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE subscriptions SET
			provider_subscription_id = NULL, provider_price_id = '',
			tier_id = ?, status = ?, current_period_end = NULL,
			cancel_at_period_end = 0, updated_at = ?
		WHERE user_id = ? AND product_slug = ?`,
		models.FreeTierID, string(models.SubscriptionFree), s.now().UTC().Unix(),
		sub.UserID, sub.ProductSlug,
	); err != nil {
		return nil, fmt.Errorf("clear subscription: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit clear subscription: %w", err)
	}

	sub.ProviderSubscriptionID = ""
	sub.ProviderPriceID = ""
	sub.TierID = models.FreeTierID
	sub.Status = models.SubscriptionFree
	sub.CurrentPeriodEnd = nil
	sub.CancelAtPeriodEnd = false
	return sub, nil
}

// LinkCustomer records (or refreshes) the provider customer → user mapping.
func (s *Store) LinkCustomer(ctx context.Context, c *models.Customer) error {
	if c == nil {
		return fmt.Errorf("customer is nil")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (provider_customer_id, user_id, email, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(provider_customer_id) DO UPDATE SET
			user_id = excluded.user_id,
			email   = CASE WHEN excluded.email != '' THEN excluded.email ELSE customers.email END`,
		c.ProviderCustomerID, c.UserID, strings.TrimSpace(c.Email), c.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("link customer: %w", classifyError(err))
	}
	return nil
}

// UserIDForCustomer returns the internal user for a provider customer, or "".
func (s *Store) UserIDForCustomer(ctx context.Context, providerCustomerID string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM customers WHERE provider_customer_id = ?`, providerCustomerID,
	).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup customer: %w", err)
	}
	return userID, nil
}

// EmailForUser returns the most recently recorded email for a user, or "".
func (s *Store) EmailForUser(ctx context.Context, userID string) (string, error) {
	var email string
	err := s.db.QueryRowContext(ctx, `
		SELECT email FROM customers
		WHERE user_id = ? AND email != ''
		ORDER BY created_at DESC LIMIT 1`, userID,
	).Scan(&email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup user email: %w", err)
	}
	return email, nil
}

func scanSubscription(sc scanner) (*models.Subscription, error) {
	var sub models.Subscription
	var providerSubID sql.NullString
	var status string
	var periodEnd sql.NullInt64
	var cancelAtPeriodEnd int

	err := sc.Scan(
		&sub.UserID, &sub.ProductSlug, &providerSubID, &sub.ProviderPriceID,
		&sub.TierID, &status, &periodEnd, &cancelAtPeriodEnd,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	sub.ProviderSubscriptionID = providerSubID.String
	sub.Status = models.SubscriptionStatus(status)
	sub.CurrentPeriodEnd = timeFromNullable(periodEnd)
	sub.CancelAtPeriodEnd = cancelAtPeriodEnd != 0
	return &sub, nil
}
