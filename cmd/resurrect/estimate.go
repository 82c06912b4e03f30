package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newEstimateCmd() *cobra.Command {
	var flags requestFlags

	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Estimate the cost and time of restoring a project",
		Long: `Estimate what restoring a project would cost and how long it would take,
and which approvals the request would need. Nothing is created.`,
		Example: `  resurrect estimate --project film-2019
  resurrect estimate --project film-2019 --tier bulk --asset-types edl,audio`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if globalOrch == nil {
				return fmt.Errorf("orchestrator not initialized")
			}

			plan, err := globalOrch.Preview(cmd.Context(), flags.input())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, plan)
			}

			fmt.Fprintln(out, titleStyle.Render("Estimate for "+flags.project))
			printEstimates(out, plan.Estimates)
			fmt.Fprintln(out)
			if len(plan.Approvals) > 0 {
				fmt.Fprintln(out, titleStyle.Render("Required approvals"))
				printApprovals(out, plan.Approvals)
			}
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}
