// Command pulse-migrate applies or rolls back the Postgres schema that
// backs the event log, trigger store, and trigger state store.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/chainwatch/pulse/pkg/config"
)

var migrationsPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pulse-migrate",
	Short: "Apply or roll back the pulse Postgres schema",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&migrationsPath, "path", "db/migrations", "directory of .up.sql/.down.sql migration files")
	rootCmd.AddCommand(upCmd, downCmd, statusCmd)
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newMigrator()
		if err != nil {
			return err
		}
		defer closeMigrator(m)
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migrate up: %w", err)
		}
		fmt.Println("migrations applied")
		return nil
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recently applied migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newMigrator()
		if err != nil {
			return err
		}
		defer closeMigrator(m)
		if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migrate down: %w", err)
		}
		fmt.Println("one migration rolled back")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the current migration version",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newMigrator()
		if err != nil {
			return err
		}
		defer closeMigrator(m)
		version, dirty, err := m.Version()
		if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
			return fmt.Errorf("migrate version: %w", err)
		}
		fmt.Printf("version=%d dirty=%v\n", version, dirty)
		return nil
	},
}

func newMigrator() (*migrate.Migrate, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	dsn := cfg.Database.DSN
	if dsn == "" {
		dsn = cfg.Database.ConnectionString()
	}
	return migrate.New("file://"+migrationsPath, "postgres://"+trimScheme(dsn))
}

// trimScheme strips a leading postgres:// or postgresql:// from a libpq
// key=value DSN passed through unchanged otherwise; golang-migrate's
// postgres driver accepts either form but expects exactly one scheme
// prefix.
func trimScheme(dsn string) string {
	switch {
	case len(dsn) >= 11 && dsn[:11] == "postgres://":
		return dsn[11:]
	case len(dsn) >= 13 && dsn[:13] == "postgresql://":
		return dsn[13:]
	default:
		return dsn
	}
}

func closeMigrator(m *migrate.Migrate) {
	srcErr, dbErr := m.Close()
	if srcErr != nil {
		fmt.Fprintln(os.Stderr, "close source:", srcErr)
	}
	if dbErr != nil {
		fmt.Fprintln(os.Stderr, "close database:", dbErr)
	}
}
