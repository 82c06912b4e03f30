package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSubmitCmd() *cobra.Command {
	var flags requestFlags

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a restoration request",
		Long: `Submit a request to restore an archived project. The request is estimated
and then waits for the approvals its cost and size call for. Restoration starts
once every approval is granted and a running "resurrect serve" picks it up.`,
		Example: `  resurrect submit --project film-2019 --reason "sequel pre-production"
  resurrect submit --project film-2019 --tier expedited --staged --notify ops@example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if globalOrch == nil {
				return fmt.Errorf("orchestrator not initialized")
			}

			req, err := globalOrch.Submit(cmd.Context(), flags.input())
			out := cmd.OutOrStdout()
			if req != nil && !jsonOutput {
				// An admitted request that failed is still worth showing.
				printRequest(out, req)
			}
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(out, req)
			}
			fmt.Fprintf(out, "\nRequest %s submitted.\n", req.ID)
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}
