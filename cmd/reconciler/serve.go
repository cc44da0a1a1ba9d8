package main

import (
	"github.com/rcourtman/billing-reconciler/internal/config"
	"github.com/rcourtman/billing-reconciler/internal/server"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook endpoint and admin API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return server.Run(cmd.Context(), cfg, Version)
	},
}
