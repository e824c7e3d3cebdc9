package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var coverageDate string

var coverageCmd = &cobra.Command{
	Use:   "coverage <province-slug>",
	Short: "Show district coverage for a province",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		dutyDate := coverageDate
		if dutyDate == "" {
			dutyDate = env.Windows.DutyDate(time.Now().UTC())
		}

		stat, err := env.Accuracy.Coverage(ctx, args[0], dutyDate)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stat)
	},
}

func init() {
	coverageCmd.Flags().StringVar(&coverageDate, "date", "", "duty date YYYY-MM-DD (default current window)")
	rootCmd.AddCommand(coverageCmd)
}
