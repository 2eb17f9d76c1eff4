package main

import (
	"context"
	"fmt"

	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, cleanup, err := bootstrap()
	if err != nil {
		return err
	}
	defer cleanup()

	if cfg.Database.Driver != "postgres" {
		return fmt.Errorf("migrate needs DATABASE_DRIVER=postgres, got %q", cfg.Database.Driver)
	}

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	applied, err := db.Migrate(context.Background())
	if err != nil {
		return err
	}

	logger := util.GetLogger()
	if len(applied) == 0 {
		logger.Info("Database is up to date")
		return nil
	}
	logger.Info("Migrations applied", zap.Strings("versions", applied))
	return nil
}
