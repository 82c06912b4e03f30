package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/resurrect/internal/tier"
)

func newTiersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tiers",
		Short: "Show restore cost and time per storage tier",
		Long: `Show the per-GB restore cost, restore time and monthly storage cost of every
storage tier and restoration tier, including overrides from the config file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			model := tier.DefaultModel()
			if globalCfg != nil {
				model = globalCfg.Model()
			}
			rows := model.Table()

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, rows)
			}

			t := newTable("STORAGE", "RESTORE TIER", "COST/GB", "TIME", "STORAGE/GB/MONTH")
			for _, r := range rows {
				speed, cost, minutes := "-", "-", "immediate"
				switch {
				case r.Speed == "":
				case !r.Supported:
					speed, cost, minutes = string(r.Speed), "n/a", "not supported"
				default:
					speed = string(r.Speed)
					cost = fmt.Sprintf("$%.4f", r.CostPerGB)
					minutes = formatMinutes(r.Minutes)
				}
				t.Row(string(r.Tier), speed, cost, minutes, fmt.Sprintf("$%.4f", r.MonthlyCostPerGB))
			}
			fmt.Fprintln(out, t.Render())
			return nil
		},
	}
}
