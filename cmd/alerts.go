package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/pharmaduty/duty-engine/internal/store"
)

var (
	alertsRegionSlug string
	alertsLimit      int
	alertsResolvedBy string
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Inspect and resolve operational alerts",
}

var alertsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		filter := store.AlertFilter{Limit: alertsLimit}
		if alertsRegionSlug != "" {
			province, err := env.Store.GetRegionBySlug(ctx, alertsRegionSlug)
			if err != nil {
				return err
			}
			if province == nil {
				return eris.Errorf("unknown region %s", alertsRegionSlug)
			}
			filter.RegionID = province.ID
		}

		alerts, err := env.Store.ListOpenAlerts(ctx, filter)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(alerts)
	},
}

var alertsResolveCmd = &cobra.Command{
	Use:   "resolve <alert-id>",
	Short: "Resolve an open alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		resolved, err := env.Alerts.Resolve(ctx, args[0], alertsResolvedBy)
		if err != nil {
			return err
		}
		if !resolved {
			fmt.Println("alert already resolved or unknown")
			return nil
		}
		fmt.Println("alert resolved")
		return nil
	},
}

func init() {
	alertsListCmd.Flags().StringVar(&alertsRegionSlug, "region", "", "filter by province slug")
	alertsListCmd.Flags().IntVar(&alertsLimit, "limit", 100, "maximum alerts to list")
	alertsResolveCmd.Flags().StringVar(&alertsResolvedBy, "by", "cli", "who resolved the alert")
	alertsCmd.AddCommand(alertsListCmd, alertsResolveCmd)
	rootCmd.AddCommand(alertsCmd)
}
