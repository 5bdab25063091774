package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/heimdex/heimdex-autoclip/internal/config"
	"github.com/heimdex/heimdex-autoclip/internal/logging"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the session store schema and exit",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := logging.NewLogger(cfg.LogLevel())

	ctx, cancel := context.WithTimeout(cmd.Context(), startupTimeout)
	defer cancel()

	store, err := openSessionStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.close()

	logger.Info("session store ready", "backend", store.backend)
	return nil
}
