package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rcourtman/billing-reconciler/internal/config"
	"github.com/rcourtman/billing-reconciler/internal/logging"
	"github.com/rcourtman/billing-reconciler/internal/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const migrateTimeout = 2 * time.Minute

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema for the configured driver",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return runMigrate(cmd.Context(), cfg)
	},
}

func runMigrate(ctx context.Context, cfg *config.Config) error {
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "migrate",
	})

	ctx, cancel := context.WithTimeout(ctx, migrateTimeout)
	defer cancel()

	// Opening a store applies its schema.
	store, err := server.OpenStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("migrate %s store: %w", cfg.DBDriver, err)
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("ping %s store: %w", cfg.DBDriver, err)
	}
	log.Info().Str("driver", cfg.DBDriver).Msg("Schema is up to date")
	return nil
}
