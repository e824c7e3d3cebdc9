package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/pharmaduty/duty-engine/internal/model"
)

var regionsCmd = &cobra.Command{
	Use:   "regions",
	Short: "Manage the province and district reference set",
}

var regionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured provinces and their districts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		provinces, err := env.Store.ListProvinces(ctx)
		if err != nil {
			return err
		}

		type provinceView struct {
			model.Region
			Districts []model.Region `json:"districts,omitempty"`
		}
		out := make([]provinceView, 0, len(provinces))
		for _, p := range provinces {
			districts, err := env.Store.ListDistricts(ctx, p.ProvinceSlug)
			if err != nil {
				return err
			}
			out = append(out, provinceView{Region: p, Districts: districts})
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

var addRegion model.Region

var regionsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add or update a province or district",
	Long:  "With only --slug and --name this creates a province row; add --district to create a district under the province.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if addRegion.ProvinceSlug == "" || addRegion.Name == "" {
			return eris.New("--slug and --name are required")
		}
		if addRegion.ID == "" {
			addRegion.ID = uuid.New().String()
		}

		if err := env.Store.UpsertRegion(ctx, addRegion); err != nil {
			return err
		}

		fmt.Println(addRegion.ID)
		return nil
	},
}

func init() {
	regionsAddCmd.Flags().StringVar(&addRegion.ID, "id", "", "region id (generated when empty)")
	regionsAddCmd.Flags().StringVar(&addRegion.ProvinceSlug, "slug", "", "province slug, e.g. istanbul")
	regionsAddCmd.Flags().StringVar(&addRegion.District, "district", "", "district code; empty for the province row")
	regionsAddCmd.Flags().StringVar(&addRegion.Name, "name", "", "display name")
	regionsAddCmd.Flags().IntVar(&addRegion.ExpectedUnitCount, "expected", 0, "expected district count override for coverage")
	regionsCmd.AddCommand(regionsListCmd, regionsAddCmd)
	rootCmd.AddCommand(regionsCmd)
}
