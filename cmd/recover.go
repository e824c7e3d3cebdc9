package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/pharmaduty/duty-engine/internal/model"
)

var recoverCmd = &cobra.Command{
	Use:   "recover <province-slug>",
	Short: "Queue immediate re-ingestion of a province's endpoints",
	Long:  "Enqueues an immediate retry for every enabled endpoint in the province, skipping the backoff schedule. Use after an upstream outage ends.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		province, err := env.Store.GetRegionBySlug(ctx, args[0])
		if err != nil {
			return err
		}
		if province == nil {
			return eris.Errorf("unknown region %s", args[0])
		}

		districts, err := env.Store.ListDistricts(ctx, province.ProvinceSlug)
		if err != nil {
			return err
		}
		regions := append([]model.Region{*province}, districts...)

		requested := 0
		for _, region := range regions {
			endpoints, err := env.Store.ListEnabledEndpoints(ctx, region.ID)
			if err != nil {
				return err
			}
			for _, ep := range endpoints {
				if err := env.Retries.RequestImmediate(ctx, region.ID, ep.ID); err != nil {
					return err
				}
				requested++
			}
		}

		fmt.Printf("queued immediate retries for %d endpoints; run the worker to execute them\n", requested)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(recoverCmd)
}
