package main

import (
	"MarginLedger/internal/observability"
	"MarginLedger/internal/persistence"
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

func main() {
	logger := observability.NewLogger("migrate")

	var dsn, dir string
	var migrator *persistence.Migrator
	var db *sql.DB

	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Apply or roll back SQL migrations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			db, err = sql.Open("postgres", dsn)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			if err := db.PingContext(cmd.Context()); err != nil {
				return fmt.Errorf("ping db: %w", err)
			}
			migrator = persistence.NewMigrator(db, persistence.MigrationSource(dir), logger)
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return db.Close()
		},
	}
	root.PersistentFlags().StringVar(&dsn, "dsn", envOrDefault("MARGIN_POSTGRES_DSN", "postgres://localhost:5432/marginledger?sslmode=disable"), "Postgres connection string")
	root.PersistentFlags().StringVar(&dir, "dir", os.Getenv("MARGIN_MIGRATIONS_DIR"), "migrations directory (default: embedded schema)")

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				if err := migrator.Up(cmd.Context()); err != nil {
					return fmt.Errorf("migrate up: %w", err)
				}
				logger.Info().Msg("all migrations applied")
				return nil
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			RunE: func(cmd *cobra.Command, _ []string) error {
				if err := migrator.Down(cmd.Context()); err != nil {
					return fmt.Errorf("migrate down: %w", err)
				}
				logger.Info().Msg("last migration rolled back")
				return nil
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations not yet applied",
			RunE: func(cmd *cobra.Command, _ []string) error {
				pending, err := migrator.Pending(cmd.Context())
				if err != nil {
					return err
				}
				if len(pending) == 0 {
					fmt.Println("up to date")
					return nil
				}
				for _, v := range pending {
					fmt.Println("pending:", v)
				}
				return nil
			},
		},
	)

	if err := root.ExecuteContext(context.Background()); err != nil {
		logger.Error().Err(err).Msg("migrate failed")
		os.Exit(1)
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
