package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pharmaduty/duty-engine/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "duty-engine",
	Short: "Pharmacy duty roster reconciliation engine",
	Long:  "Ingests on-duty pharmacy rosters from chambers, municipalities, and health directorates, reconciles conflicting claims into trust-weighted duty records, and serves them over a REST API.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
