package server

import (
	"context"
	"fmt"

	"github.com/rcourtman/billing-reconciler/internal/config"
	"github.com/rcourtman/billing-reconciler/internal/models"
	"github.com/rcourtman/billing-reconciler/internal/reconcile"
	"github.com/rcourtman/billing-reconciler/internal/store/postgres"
	"github.com/rcourtman/billing-reconciler/internal/store/sqlite"
	"github.com/rs/zerolog/log"
)

// Store is everything the service needs from persistence. Both the sqlite
// and postgres stores implement it.
type Store interface {
	reconcile.SubscriptionStore
	reconcile.AffiliateStore

	GetSubscription(ctx context.Context, userID, productSlug string) (*models.Subscription, error)
	EmailForUser(ctx context.Context, userID string) (string, error)
	ListCommissions(ctx context.Context, affiliateUserID string, limit int) ([]*models.Commission, error)
	ReplaceRateTiers(ctx context.Context, tiers []models.RateTier) error
	InsertNotification(ctx context.Context, n *models.InboxNotification) error
	ListNotifications(ctx context.Context, userID string, limit int) ([]*models.InboxNotification, error)

	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*sqlite.Store)(nil)
	_ Store = (*postgres.Store)(nil)
)

// OpenStore opens the configured store and ensures its schema exists.
func OpenStore(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		s, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		log.Info().Msg("Store: postgres")
		return s, nil
	case config.DriverSQLite, "":
		s, err := sqlite.Open(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		log.Info().Str("data_dir", cfg.DataDir).Msg("Store: sqlite")
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.DBDriver)
	}
}

// SeedRateTiers replaces the stored commission tiers with the catalog's when
// the catalog declares any.
func SeedRateTiers(ctx context.Context, store Store, tiers []models.RateTier) error {
	if len(tiers) == 0 {
		return nil
	}
	if err := store.ReplaceRateTiers(ctx, tiers); err != nil {
		return fmt.Errorf("seed commission rate tiers: %w", err)
	}
	log.Info().Int("tiers", len(tiers)).Msg("Commission rate tiers loaded from catalog")
	return nil
}
