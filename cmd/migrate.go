package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmehdipour/dispatch-batch/internal/db"
	"github.com/jmehdipour/dispatch-batch/migrations"
)

var migrateDrop bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the dispatch tables (--drop recreates them)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		sqlDB, err := db.NewMySQLConnection(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer sqlDB.Close()

		ctx := cmd.Context()
		if migrateDrop {
			n, err := db.ApplyScript(ctx, sqlDB, migrations.Drop)
			if err != nil {
				return fmt.Errorf("drop tables: %w", err)
			}
			log.Info("dropped dispatch tables", zap.Int("statements", n))
		}

		n, err := db.ApplyScript(ctx, sqlDB, migrations.Init)
		if err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
		log.Info("migration complete", zap.Int("statements", n))
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateDrop, "drop", false, "drop dispatch tables before creating them")
}
