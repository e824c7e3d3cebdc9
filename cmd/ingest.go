package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pharmaduty/duty-engine/internal/model"
)

var (
	ingestRegionSlug string
	ingestAll        bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Fetch and reconcile duty rosters",
	Long:  "Runs every enabled endpoint of the selected provinces through the fetch-parse-reconcile cycle, then re-evaluates staleness.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if ingestRegionSlug == "" && !ingestAll {
			return eris.New("either --region or --all is required")
		}
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		provinces, err := selectProvinces(cmd, env, ingestRegionSlug, ingestAll)
		if err != nil {
			return err
		}

		totalOK, totalFailed := 0, 0
		for _, province := range provinces {
			regions := []model.Region{province}
			districts, err := env.Store.ListDistricts(ctx, province.ProvinceSlug)
			if err != nil {
				return err
			}
			regions = append(regions, districts...)

			for _, region := range regions {
				ok, failed, err := env.Coordinator.RunRegion(ctx, region.ID)
				if err != nil {
					return err
				}
				totalOK += ok
				totalFailed += failed
			}

			if err := env.Monitor.Sweep(ctx); err != nil {
				zap.L().Error("staleness sweep failed", zap.Error(err))
			}
		}

		fmt.Printf("ingestion finished: %d endpoint runs succeeded, %d failed\n", totalOK, totalFailed)
		return nil
	},
}

func selectProvinces(cmd *cobra.Command, env *engineEnv, slug string, all bool) ([]model.Region, error) {
	ctx := cmd.Context()
	if all {
		provinces, err := env.Store.ListProvinces(ctx)
		if err != nil {
			return nil, err
		}
		if len(provinces) == 0 {
			return nil, eris.New("no provinces configured; seed regions first")
		}
		return provinces, nil
	}

	province, err := env.Store.GetRegionBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if province == nil {
		return nil, eris.Errorf("unknown region %s", slug)
	}
	return []model.Region{*province}, nil
}

func init() {
	ingestCmd.Flags().StringVar(&ingestRegionSlug, "region", "", "province slug to ingest")
	ingestCmd.Flags().BoolVar(&ingestAll, "all", false, "ingest every configured province")
	rootCmd.AddCommand(ingestCmd)
}
