package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/pharmaduty/duty-engine/internal/override"
)

var overrideReq override.Request

var overrideCmd = &cobra.Command{
	Use:   "override",
	Short: "Apply a manual duty record correction",
	Long:  "Records an admin correction as manual evidence and reconciles the record. An override outranks all automated sources until a newer manual override replaces it.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		rec, err := env.Overrides.Apply(ctx, overrideReq)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	},
}

func init() {
	overrideCmd.Flags().StringVar(&overrideReq.RegionID, "region-id", "", "region id the pharmacy belongs to")
	overrideCmd.Flags().StringVar(&overrideReq.PharmacyID, "pharmacy-id", "", "target pharmacy id")
	overrideCmd.Flags().StringVar(&overrideReq.PharmacyName, "pharmacy", "", "target pharmacy name (resolved when no id is given)")
	overrideCmd.Flags().StringVar(&overrideReq.District, "district", "", "district of the pharmacy")
	overrideCmd.Flags().StringVar(&overrideReq.DutyDate, "date", "", "duty date YYYY-MM-DD (default current window)")
	overrideCmd.Flags().StringVar(&overrideReq.Address, "address", "", "corrected address")
	overrideCmd.Flags().StringVar(&overrideReq.Phone, "phone", "", "corrected phone")
	overrideCmd.Flags().StringVar(&overrideReq.DutyHours, "hours", "", "corrected duty hours")
	overrideCmd.Flags().StringVar(&overrideReq.UpdatedBy, "by", "", "who is applying the correction (required)")
	rootCmd.AddCommand(overrideCmd)
}
