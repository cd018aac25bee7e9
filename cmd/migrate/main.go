package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sort"

	"InvoiceLedger/internal/config"
	"InvoiceLedger/internal/observability"
	"InvoiceLedger/internal/persistence"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	driver string
	dsn    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the ledger schema",
		Long: `Apply or roll back the ledger schema.

The database defaults to INVOICE_DB_DRIVER / INVOICE_DB_DSN; flags override them.

Examples:
  migrate up
  migrate down --driver postgres --dsn postgres://localhost:5432/invoiceledger?sslmode=disable
  migrate status`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&driver, "driver", "", "database driver (postgres or sqlite)")
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", "", "database connection string")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator) error {
				n, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migrate up: %w", err)
				}
				fmt.Printf("applied %d migration(s)\n", n)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last applied migration",
			RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator) error {
				if err := m.Down(ctx); err != nil {
					return fmt.Errorf("migrate down: %w", err)
				}
				fmt.Println("rolled back last migration")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List applied migration versions",
			RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator) error {
				applied, err := m.AppliedVersions(ctx)
				if err != nil {
					return err
				}
				versions := make([]string, 0, len(applied))
				for v := range applied {
					versions = append(versions, v)
				}
				sort.Strings(versions)
				if len(versions) == 0 {
					fmt.Println("no migrations applied")
				}
				for _, v := range versions {
					fmt.Println(v)
				}
				return nil
			}),
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func withMigrator(run func(ctx context.Context, m *persistence.Migrator) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		db, err := open(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		logger := observability.NewLoggerWithWriter("migrate", zerolog.InfoLevel, os.Stderr)
		return run(cmd.Context(), persistence.NewMigrator(db, persistence.Migrations(), logger))
	}
}

func open(ctx context.Context) (*sql.DB, error) {
	d, conn := driver, dsn
	if d == "" || conn == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		if d == "" {
			d = cfg.DBDriver
		}
		if conn == "" {
			conn = cfg.DBDSN
		}
	}
	return persistence.Open(ctx, d, conn)
}
