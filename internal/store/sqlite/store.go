// Package sqlite implements the reconciliation stores on an embedded SQLite
// database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	errs "github.com/rcourtman/billing-reconciler/internal/errors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Store provides subscription and affiliate persistence backed by SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the billing database in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	dbPath := filepath.Join(dir, "billing.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open billing db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS customers (
		provider_customer_id TEXT PRIMARY KEY,
		user_id              TEXT NOT NULL,
		email                TEXT NOT NULL DEFAULT '',
		created_at           INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_customers_user_id ON customers(user_id);

	CREATE TABLE IF NOT EXISTS subscriptions (
		user_id                  TEXT NOT NULL,
		product_slug             TEXT NOT NULL,
		provider_subscription_id TEXT,
		provider_price_id        TEXT NOT NULL DEFAULT '',
		tier_id                  TEXT NOT NULL,
		status                   TEXT NOT NULL,
		current_period_end       INTEGER,
		cancel_at_period_end     INTEGER NOT NULL DEFAULT 0,
		updated_at               INTEGER NOT NULL,
		PRIMARY KEY (user_id, product_slug)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_provider_id ON subscriptions(provider_subscription_id);

	CREATE TABLE IF NOT EXISTS referrals (
		id                TEXT PRIMARY KEY,
		affiliate_user_id TEXT NOT NULL,
		referred_user_id  TEXT NOT NULL,
		status            TEXT NOT NULL,
		converted_at      INTEGER,
		fraud_flags       TEXT NOT NULL DEFAULT '[]',
		created_at        INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_referrals_referred ON referrals(referred_user_id, status);
	CREATE INDEX IF NOT EXISTS idx_referrals_affiliate ON referrals(affiliate_user_id, status);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_referrals_converted ON referrals(referred_user_id) WHERE status = 'converted';

	CREATE TABLE IF NOT EXISTS affiliate_links (
		user_id                TEXT PRIMARY KEY,
		locked_at              INTEGER,
		locked_duration_months INTEGER NOT NULL DEFAULT 0,
		locked_rate_percent    REAL,
		total_earnings_cents   INTEGER NOT NULL DEFAULT 0,
		pending_earnings_cents INTEGER NOT NULL DEFAULT 0,
		updated_at             INTEGER NOT NULL,
		CHECK (pending_earnings_cents <= total_earnings_cents)
	);

	CREATE TABLE IF NOT EXISTS commissions (
		id                      TEXT PRIMARY KEY,
		affiliate_user_id       TEXT NOT NULL,
		referral_id             TEXT NOT NULL,
		provider_invoice_id     TEXT NOT NULL UNIQUE,
		invoice_amount_cents    INTEGER NOT NULL,
		currency                TEXT NOT NULL DEFAULT '',
		commission_rate         REAL NOT NULL,
		commission_amount_cents INTEGER NOT NULL,
		status                  TEXT NOT NULL,
		created_at              INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_commissions_affiliate ON commissions(affiliate_user_id, created_at);

	CREATE TABLE IF NOT EXISTS commission_rate_tiers (
		min_referrals INTEGER PRIMARY KEY,
		rate_percent  REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS notifications (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		kind       TEXT NOT NULL,
		title      TEXT NOT NULL,
		body       TEXT NOT NULL DEFAULT '',
		payload    TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		read_at    INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init billing schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timeFromNullable(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	ts := time.Unix(v.Int64, 0).UTC()
	return &ts
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// classifyError tags constraint violations with errs.ErrConflict so callers
// do not treat them as transient.
func classifyError(err error) error {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		return fmt.Errorf("%w: %w", errs.ErrConflict, err)
	}
	return err
}
