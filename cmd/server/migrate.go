package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"

	"github.com/omi/listen-server/internal/database"
	"github.com/omi/listen-server/internal/migrations"
)

type dbConfig struct {
	DatabaseURL string `env:"DATABASE_URL,required"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

func openDatabase() (*database.DB, error) {
	var cfg dbConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	setLogLevel(cfg.LogLevel)
	return database.Connect(context.Background(), cfg.DatabaseURL)
}

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the postgres schema",
	}
	cmd.AddCommand(
		migrateStep("up", "Apply all pending migrations", migrations.Up),
		migrateStep("down", "Roll back the most recent migration", migrations.Down),
		migrateStep("status", "Print migration status", migrations.Status),
	)
	return cmd
}

func migrateStep(use, short string, run func(*sql.DB) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDatabase()
			if err != nil {
				return err
			}
			defer db.Close()
			return run(db.DB.DB)
		},
	}
}
