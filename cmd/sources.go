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

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage configured upstream sources and endpoints",
}

var sourcesListRegion string

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sources and endpoints for a province",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		province, err := env.Store.GetRegionBySlug(ctx, sourcesListRegion)
		if err != nil {
			return err
		}
		if province == nil {
			return eris.Errorf("unknown region %s", sourcesListRegion)
		}

		districts, err := env.Store.ListDistricts(ctx, province.ProvinceSlug)
		if err != nil {
			return err
		}

		type endpointView struct {
			model.SourceEndpoint
			LastRuns []model.IngestionRun `json:"last_runs,omitempty"`
		}
		type sourceView struct {
			model.Source
			Endpoints []endpointView `json:"endpoints"`
		}
		type regionView struct {
			Region      string       `json:"region"`
			TotalWeight int          `json:"total_authority_weight"`
			Sources     []sourceView `json:"sources"`
		}

		var out []regionView
		for _, region := range append([]model.Region{*province}, districts...) {
			rs, err := env.Registry.ForRegion(ctx, region.ID)
			if err != nil {
				return err
			}
			if len(rs.Sources) == 0 {
				continue
			}
			view := regionView{Region: region.Name, TotalWeight: rs.TotalAuthorityWeight()}
			for _, src := range rs.Sources {
				sv := sourceView{Source: src}
				for _, ep := range rs.Endpoints {
					if ep.SourceID != src.ID {
						continue
					}
					runs, err := env.Store.ListIngestionRuns(ctx, ep.ID, 3)
					if err != nil {
						return err
					}
					sv.Endpoints = append(sv.Endpoints, endpointView{SourceEndpoint: ep, LastRuns: runs})
				}
				view.Sources = append(view.Sources, sv)
			}
			out = append(out, view)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

var addSource model.Source

var sourcesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add or update a source",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if addSource.RegionID == "" || addSource.Name == "" {
			return eris.New("--region-id and --name are required")
		}
		if addSource.AuthorityWeight < 1 || addSource.AuthorityWeight > 100 {
			return eris.New("--weight must be between 1 and 100")
		}
		if addSource.ID == "" {
			addSource.ID = uuid.New().String()
		}

		if err := env.Store.UpsertSource(ctx, addSource); err != nil {
			return err
		}
		env.Registry.Invalidate(addSource.RegionID)

		fmt.Println(addSource.ID)
		return nil
	},
}

var (
	addEndpoint       model.SourceEndpoint
	addEndpointRegion string
)

var sourcesAddEndpointCmd = &cobra.Command{
	Use:   "add-endpoint",
	Short: "Add or update a source endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if addEndpoint.SourceID == "" || addEndpoint.EndpointURL == "" || addEndpoint.ParserKey == "" {
			return eris.New("--source-id, --url, and --parser are required")
		}
		src, err := env.Store.GetSource(ctx, addEndpoint.SourceID)
		if err != nil {
			return err
		}
		if src == nil {
			return eris.Errorf("unknown source %s", addEndpoint.SourceID)
		}
		if addEndpoint.ID == "" {
			addEndpoint.ID = uuid.New().String()
		}

		if err := env.Store.UpsertEndpoint(ctx, addEndpoint); err != nil {
			return err
		}
		env.Registry.Invalidate(src.RegionID)

		fmt.Println(addEndpoint.ID)
		return nil
	},
}

func init() {
	sourcesListCmd.Flags().StringVar(&sourcesListRegion, "region", "", "province slug (required)")
	_ = sourcesListCmd.MarkFlagRequired("region")

	sourcesAddCmd.Flags().StringVar(&addSource.ID, "id", "", "source id (generated when empty)")
	sourcesAddCmd.Flags().StringVar(&addSource.RegionID, "region-id", "", "region the source reports for")
	sourcesAddCmd.Flags().StringVar(&addSource.Name, "name", "", "display name")
	sourcesAddCmd.Flags().StringVar((*string)(&addSource.Type), "type", string(model.SourceTypeChamber), "source type (chamber, municipality, health_dir, aggregator)")
	sourcesAddCmd.Flags().IntVar(&addSource.AuthorityWeight, "weight", 50, "authority weight 1-100")
	sourcesAddCmd.Flags().StringVar(&addSource.BaseURL, "base-url", "", "source base URL")
	sourcesAddCmd.Flags().BoolVar(&addSource.Enabled, "enabled", true, "source enabled")

	sourcesAddEndpointCmd.Flags().StringVar(&addEndpoint.ID, "id", "", "endpoint id (generated when empty)")
	sourcesAddEndpointCmd.Flags().StringVar(&addEndpoint.SourceID, "source-id", "", "owning source id")
	sourcesAddEndpointCmd.Flags().StringVar(&addEndpoint.EndpointURL, "url", "", "fetch URL")
	sourcesAddEndpointCmd.Flags().StringVar(&addEndpoint.Format, "format", "", "payload format hint")
	sourcesAddEndpointCmd.Flags().StringVar(&addEndpoint.ParserKey, "parser", "", "parser key (json_roster, xml_roster, csv_roster, xlsx_roster)")
	sourcesAddEndpointCmd.Flags().BoolVar(&addEndpoint.IsPrimary, "primary", false, "primary endpoint for coverage accounting")
	sourcesAddEndpointCmd.Flags().StringVar(&addEndpoint.PollSchedule, "schedule", "", "poll schedule hint")
	sourcesAddEndpointCmd.Flags().BoolVar(&addEndpoint.Enabled, "enabled", true, "endpoint enabled")

	sourcesCmd.AddCommand(sourcesListCmd, sourcesAddCmd, sourcesAddEndpointCmd)
	rootCmd.AddCommand(sourcesCmd)
}
