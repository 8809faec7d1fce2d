package main

import (
	"github.com/spf13/cobra"

	"github.com/dkeye/liveclass/internal/adapters/postgres"
	"github.com/dkeye/liveclass/internal/config"
)

func newMigrateCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			db, err := postgres.Open(cfg.Database.DSN)
			if err != nil {
				return err
			}
			if sqlDB, err := db.DB(); err == nil {
				defer sqlDB.Close()
			}
			return postgres.New(db).Migrate(cmd.Context())
		},
	}
}
