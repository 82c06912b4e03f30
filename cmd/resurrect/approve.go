package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/resurrect/internal/engine"
	"github.com/BadgerOps/resurrect/internal/restoration"
)

var (
	approveRole    string
	approveActor   string
	approveComment string
	approveReject  bool
)

func newApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve REQUEST_ID",
		Short: "Approve or reject a request for one role",
		Long: `Record the decision of one approval role (MANAGER, FINANCE or DIRECTOR) on a
request awaiting approval. A rejection cancels the request.`,
		Example: `  resurrect approve 3f2a... --role manager --actor dana
  resurrect approve 3f2a... --role finance --actor lee --reject --comment "over budget"`,
		Args: cobra.ExactArgs(1),
		RunE: approveRun,
	}

	cmd.Flags().StringVar(&approveRole, "role", "", "approval role (required)")
	cmd.Flags().StringVar(&approveActor, "actor", os.Getenv("USER"), "who is deciding")
	cmd.Flags().StringVar(&approveComment, "comment", "", "optional comment")
	cmd.Flags().BoolVar(&approveReject, "reject", false, "reject instead of approve")
	_ = cmd.MarkFlagRequired("role")

	return cmd
}

func approveRun(cmd *cobra.Command, args []string) error {
	if globalOrch == nil {
		return fmt.Errorf("orchestrator not initialized")
	}

	decision := engine.DecisionApprove
	if approveReject {
		decision = engine.DecisionReject
	}

	req, err := globalOrch.RecordApproval(cmd.Context(), engine.ApprovalAction{
		RequestID: args[0],
		Role:      restoration.Role(strings.ToUpper(approveRole)),
		Decision:  decision,
		ActorID:   approveActor,
		Comment:   approveComment,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, req)
	}
	fmt.Fprintf(out, "Recorded %s decision for %s: request is now %s\n",
		strings.ToUpper(approveRole), req.ID, renderStatus(req.Status))
	printApprovals(out, req.Approvals)
	return nil
}
