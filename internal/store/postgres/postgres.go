// Package postgres implements the reconciliation stores on PostgreSQL via a
// pgx connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	errs "github.com/rcourtman/billing-reconciler/internal/errors"
	"github.com/rcourtman/billing-reconciler/internal/models"
)

// Store provides subscription and affiliate persistence backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// Open connects to databaseURL and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(pool), nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

const schema = `
CREATE TABLE IF NOT EXISTS customers (
	provider_customer_id TEXT PRIMARY KEY,
	user_id              TEXT NOT NULL,
	email                TEXT NOT NULL DEFAULT '',
	created_at           TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_customers_user_id ON customers(user_id);

CREATE TABLE IF NOT EXISTS subscriptions (
	user_id                  TEXT NOT NULL,
	product_slug             TEXT NOT NULL,
	provider_subscription_id TEXT UNIQUE,
	provider_price_id        TEXT NOT NULL DEFAULT '',
	tier_id                  TEXT NOT NULL,
	status                   TEXT NOT NULL,
	current_period_end       TIMESTAMPTZ,
	cancel_at_period_end     BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at               TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, product_slug)
);

CREATE TABLE IF NOT EXISTS referrals (
	id                TEXT PRIMARY KEY,
	affiliate_user_id TEXT NOT NULL,
	referred_user_id  TEXT NOT NULL,
	status            TEXT NOT NULL,
	converted_at      TIMESTAMPTZ,
	fraud_flags       TEXT[] NOT NULL DEFAULT '{}',
	created_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_referrals_referred ON referrals(referred_user_id, status);
CREATE INDEX IF NOT EXISTS idx_referrals_affiliate ON referrals(affiliate_user_id, status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_referrals_converted ON referrals(referred_user_id) WHERE status = 'converted';

CREATE TABLE IF NOT EXISTS affiliate_links (
	user_id                TEXT PRIMARY KEY,
	locked_at              TIMESTAMPTZ,
	locked_duration_months INTEGER NOT NULL DEFAULT 0,
	locked_rate_percent    DOUBLE PRECISION,
	total_earnings_cents   BIGINT NOT NULL DEFAULT 0,
	pending_earnings_cents BIGINT NOT NULL DEFAULT 0,
	updated_at             TIMESTAMPTZ NOT NULL,
	CHECK (pending_earnings_cents <= total_earnings_cents)
);

CREATE TABLE IF NOT EXISTS commissions (
	id                      TEXT PRIMARY KEY,
	affiliate_user_id       TEXT NOT NULL,
	referral_id             TEXT NOT NULL,
	provider_invoice_id     TEXT NOT NULL UNIQUE,
	invoice_amount_cents    BIGINT NOT NULL,
	currency                TEXT NOT NULL DEFAULT '',
	commission_rate         DOUBLE PRECISION NOT NULL,
	commission_amount_cents BIGINT NOT NULL,
	status                  TEXT NOT NULL,
	created_at              TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_commissions_affiliate ON commissions(affiliate_user_id, created_at);

CREATE TABLE IF NOT EXISTS commission_rate_tiers (
	min_referrals INTEGER PRIMARY KEY,
	rate_percent  DOUBLE PRECISION NOT NULL
);

CREATE TABLE IF NOT EXISTS notifications (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	kind       TEXT NOT NULL,
	title      TEXT NOT NULL,
	body       TEXT NOT NULL DEFAULT '',
	payload    JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL,
	read_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, created_at);
`

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate billing schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// UpsertSubscription writes the record keyed by (user, product). A row that
// previously held the same provider subscription for another product is reset
// to the free tier in the same transaction.
func (s *Store) UpsertSubscription(ctx context.Context, sub *models.Subscription) error {
	if sub == nil {
		return fmt.Errorf("subscription is nil")
	}
	now := s.now().UTC()
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if sub.ProviderSubscriptionID != "" {
			if _, err := tx.Exec(ctx, `
				UPDATE subscriptions SET
					provider_subscription_id = NULL, provider_price_id = '',
					tier_id = $1, status = $2, current_period_end = NULL,
					cancel_at_period_end = FALSE, updated_at = $3
				WHERE provider_subscription_id = $4
				  AND NOT (user_id = $5 AND product_slug = $6)`,
				models.FreeTierID, string(models.SubscriptionFree), now,
				sub.ProviderSubscriptionID, sub.UserID, sub.ProductSlug,
			); err != nil {
				return fmt.Errorf("detach previous subscription row: %w", err)
			}
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO subscriptions (
				user_id, product_slug, provider_subscription_id, provider_price_id,
				tier_id, status, current_period_end, cancel_at_period_end, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (user_id, product_slug) DO UPDATE SET
				provider_subscription_id = EXCLUDED.provider_subscription_id,
				provider_price_id        = EXCLUDED.provider_price_id,
				tier_id                  = EXCLUDED.tier_id,
				status                   = EXCLUDED.status,
				current_period_end       = EXCLUDED.current_period_end,
				cancel_at_period_end     = EXCLUDED.cancel_at_period_end,
				updated_at               = EXCLUDED.updated_at`,
			sub.UserID, sub.ProductSlug, nullableString(sub.ProviderSubscriptionID), sub.ProviderPriceID,
			sub.TierID, string(sub.Status), sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd, now,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert subscription for user %s: %w", sub.UserID, classifyError(err))
	}
	return nil
}

const subscriptionColumns = `user_id, product_slug, provider_subscription_id, provider_price_id,
	tier_id, status, current_period_end, cancel_at_period_end`

// GetSubscription returns the record for (user, product), or nil.
func (s *Store) GetSubscription(ctx context.Context, userID, productSlug string) (*models.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1 AND product_slug = $2`,
		userID, productSlug)
	return scanSubscription(row)
}

// ClearSubscription resets the subscription owned by providerSubscriptionID to
// the free tier. It returns the cleared record, or nil when none matches.
func (s *Store) ClearSubscription(ctx context.Context, providerSubscriptionID string) (*models.Subscription, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin clear subscription: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE provider_subscription_id = $1 FOR UPDATE`,
		providerSubscriptionID)
	sub, err := scanSubscription(row)
	if err != nil || sub == nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE subscriptions SET
			provider_subscription_id = NULL, provider_price_id = '',
			tier_id = $1, status = $2, current_period_end = NULL,
			cancel_at_period_end = FALSE, updated_at = $3
		WHERE user_id = $4 AND product_slug = $5`,
		models.FreeTierID, string(models.SubscriptionFree), s.now().UTC(), sub.UserID, sub.ProductSlug,
	); err != nil {
		return nil, fmt.Errorf("clear subscription %s: %w", providerSubscriptionID, err)
	}
	if err := tx.Commit(ctx); err != nil {
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

// LinkCustomer records the provider customer to user mapping.
func (s *Store) LinkCustomer(ctx context.Context, c *models.Customer) error {
	if c == nil {
		return fmt.Errorf("customer is nil")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO customers (provider_customer_id, user_id, email, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider_customer_id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			email   = CASE WHEN EXCLUDED.email <> '' THEN EXCLUDED.email ELSE customers.email END`,
		c.ProviderCustomerID, c.UserID, c.Email, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("link customer %s: %w", c.ProviderCustomerID, classifyError(err))
	}
	return nil
}

// UserIDForCustomer returns the internal user for a provider customer, or "".
func (s *Store) UserIDForCustomer(ctx context.Context, providerCustomerID string) (string, error) {
	var userID string
	err := s.pool.QueryRow(ctx,
		`SELECT user_id FROM customers WHERE provider_customer_id = $1`, providerCustomerID,
	).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup customer %s: %w", providerCustomerID, err)
	}
	return userID, nil
}

// EmailForUser returns the most recently recorded email for a user, or "".
func (s *Store) EmailForUser(ctx context.Context, userID string) (string, error) {
	var email string
	err := s.pool.QueryRow(ctx, `
		SELECT email FROM customers
		WHERE user_id = $1 AND email <> ''
		ORDER BY created_at DESC LIMIT 1`, userID,
	).Scan(&email)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup email for user %s: %w", userID, err)
	}
	return email, nil
}

func scanSubscription(row pgx.Row) (*models.Subscription, error) {
	var sub models.Subscription
	var providerSubID *string
	var status string
	err := row.Scan(
		&sub.UserID, &sub.ProductSlug, &providerSubID, &sub.ProviderPriceID,
		&sub.TierID, &status, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	if providerSubID != nil {
		sub.ProviderSubscriptionID = *providerSubID
	}
	sub.Status = models.SubscriptionStatus(status)
	if sub.CurrentPeriodEnd != nil {
		end := sub.CurrentPeriodEnd.UTC()
		sub.CurrentPeriodEnd = &end
	}
	return &sub, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// classifyError tags integrity constraint violations (SQLSTATE class 23) with
// errs.ErrConflict so callers do not treat them as transient.
func classifyError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
		return fmt.Errorf("%w: %w", errs.ErrConflict, err)
	}
	return err
}
