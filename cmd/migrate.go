// cmd/migrate.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/markb/chagpt/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	Long: `Creates or upgrades the danmaku and repertoire tables for the configured
driver. serve does this on startup too; migrate lets you do it ahead of time.

Examples:
  chagpt migrate --db chagpt.db
  chagpt migrate --db-driver postgres --database-url postgres://localhost/chagpt`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		st, err := store.Open(cmd.Context(), cfg.Store())
		if err != nil {
			return fmt.Errorf("failed to migrate: %w", err)
		}
		defer st.Close()

		if cfg.DBDriver == store.DriverPostgres {
			fmt.Println("PostgreSQL schema is up to date")
		} else {
			fmt.Printf("SQLite schema is up to date at %s\n", cfg.DBPath)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().String("db-driver", "sqlite", "Database driver: sqlite or postgres")
	migrateCmd.Flags().String("db", "chagpt.db", "Path to SQLite database file")
	migrateCmd.Flags().String("database-url", "", "PostgreSQL connection URL")
}
