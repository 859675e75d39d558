package main

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/flowproxy/flow-proxy/internal/config"
	"github.com/flowproxy/flow-proxy/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage database migrations",
}

func init() {
	migrateCmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				db, err := openMigrationDB()
				if err != nil {
					return err
				}
				defer func() { _ = db.Close() }()
				// New already migrates on open; confirm the outcome.
				fmt.Println("Migrations applied")
				return nil
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				db, err := openMigrationDB()
				if err != nil {
					return err
				}
				defer func() { _ = db.Close() }()
				if err := db.MigrateDown(); err != nil {
					return err
				}
				fmt.Println("Rolled back one migration")
				return nil
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show migration status",
			RunE: func(cmd *cobra.Command, args []string) error {
				db, err := openMigrationDB()
				if err != nil {
					return err
				}
				defer func() { _ = db.Close() }()
				return db.MigrationStatus()
			},
		},
	)
}

func openMigrationDB() (*database.DB, error) {
	_ = godotenv.Load()
	return database.New(database.Config{
		Driver: database.DriverType(config.EnvOrDefault("DATABASE_DRIVER", "sqlite")),
		Path:   config.EnvOrDefault("DATABASE_PATH", "./data/flow-proxy.db"),
		URL:    config.EnvOrDefault("DATABASE_URL", ""),
	})
}
