package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cancelActor string

func newCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel REQUEST_ID",
		Short: "Cancel a restoration request",
		Long: `Cancel a request that has not finished. A request that is restoring stops
issuing restore calls and is cancelled once the calls already in flight settle;
the service running it completes the cancellation.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if globalOrch == nil {
				return fmt.Errorf("orchestrator not initialized")
			}

			req, err := globalOrch.CancelRequest(cmd.Context(), args[0], cancelActor)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, req)
			}
			if req.Status.IsTerminal() {
				fmt.Fprintf(out, "Request %s %s\n", req.ID, renderStatus(req.Status))
			} else {
				fmt.Fprintf(out, "Cancellation of %s requested; in-flight restores are settling\n", req.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&cancelActor, "actor", os.Getenv("USER"), "who is cancelling")
	return cmd
}
