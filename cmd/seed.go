package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmehdipour/dispatch-batch/internal/app"
	"github.com/jmehdipour/dispatch-batch/internal/db"
	"github.com/jmehdipour/dispatch-batch/internal/repository"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the contact directory with demo contacts and term memberships",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		sqlDB, err := db.NewMySQLConnection(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer sqlDB.Close()

		if err := app.SeedContacts(cmd.Context(), repository.NewContactsRepository(sqlDB)); err != nil {
			return fmt.Errorf("seed contacts: %w", err)
		}
		log.Info("seed completed", zap.Int("contacts", app.DemoContactCount()))
		return nil
	},
}
