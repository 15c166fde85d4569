package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmorrell/loom/internal/config"
	"github.com/jmorrell/loom/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Multi-agent coordination layer",
	Long: `Loom coordinates multiple model-backed agents working on a shared project:
a versioned context bus with exclusive locks, a staged workflow with human
approval gates, automated conflict arbitration, and a budget governor that
reroutes calls to cheaper tiers as spending caps approach.

Start a project with 'loom run', inspect it with 'loom status', and act on
gates and conflicts with 'loom approve', 'loom reject' and 'loom conflicts'.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(conflictsCmd)
	rootCmd.AddCommand(budgetCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// openStore loads the effective config and opens the migrated database.
func openStore() (*config.Config, *store.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.Data.Dir, 0755); err != nil {
		return nil, nil, fmt.Errorf("create data directory: %w", err)
	}
	db, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate database: %w", err)
	}
	return cfg, db, nil
}
