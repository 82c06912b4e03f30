package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/resurrect/internal/restoration"
	"github.com/BadgerOps/resurrect/internal/store"
)

var (
	statusProject string
	statusFilter  []string
	statusLimit   int
	statusAssets  bool
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [REQUEST_ID]",
		Short: "Show restoration requests",
		Long: `Without arguments, list restoration requests newest first. With a request ID,
show that request's estimate, approvals and progress.`,
		Example: `  resurrect status
  resurrect status --status awaiting_approval
  resurrect status 3f2a... --assets`,
		Args: cobra.MaximumNArgs(1),
		RunE: statusRun,
	}

	cmd.Flags().StringVar(&statusProject, "project", "", "only requests for this project")
	cmd.Flags().StringSliceVar(&statusFilter, "status", nil, "only requests in these statuses")
	cmd.Flags().IntVar(&statusLimit, "limit", 20, "maximum number of requests to list (0 for all)")
	cmd.Flags().BoolVar(&statusAssets, "assets", false, "also list per-asset restore jobs")

	return cmd
}

func statusRun(cmd *cobra.Command, args []string) error {
	if globalOrch == nil || globalStore == nil {
		return fmt.Errorf("components not initialized")
	}
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		req, err := globalOrch.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		var jobs []restoration.AssetJob
		if statusAssets {
			jobs, err = globalStore.ListAssetJobs(cmd.Context(), req.ID)
			if err != nil {
				return err
			}
		}
		if jsonOutput {
			return printJSON(out, struct {
				*restoration.Request
				Jobs []restoration.AssetJob `json:"jobs,omitempty"`
			}{req, jobs})
		}
		printRequest(out, req)
		if len(jobs) > 0 {
			fmt.Fprintln(out)
			printJobs(out, jobs)
		}
		return nil
	}

	filter := store.ListFilter{ProjectID: statusProject, Limit: statusLimit}
	for _, raw := range statusFilter {
		st := restoration.Status(strings.ToLower(strings.TrimSpace(raw)))
		if !st.Valid() {
			return fmt.Errorf("unknown status %q", raw)
		}
		filter.Statuses = append(filter.Statuses, st)
	}

	reqs, err := globalStore.ListRequests(cmd.Context(), filter)
	if err != nil {
		return err
	}
	if jsonOutput {
		if reqs == nil {
			reqs = []*restoration.Request{}
		}
		return printJSON(out, reqs)
	}
	if len(reqs) == 0 {
		fmt.Fprintln(out, "No restoration requests found.")
		return nil
	}

	t := newTable("ID", "PROJECT", "STATUS", "PROGRESS", "COST", "REQUESTED BY", "REQUESTED")
	for _, r := range reqs {
		cost := "-"
		if r.Estimates != nil {
			cost = formatMoney(r.Estimates.RestoreCost)
		}
		t.Row(
			shortID(r.ID),
			r.ProjectID,
			renderStatus(r.Status),
			fmt.Sprintf("%.0f%%", r.Progress.PercentComplete),
			cost,
			r.RequestedBy,
			r.RequestedAt.Local().Format("2006-01-02 15:04"),
		)
	}
	fmt.Fprintln(out, t.Render())
	return nil
}

// printRequest renders the full state of one request.
func printRequest(w io.Writer, req *restoration.Request) {
	fmt.Fprintln(w, titleStyle.Render("Request "+req.ID))
	field(w, "Project", projectLabel(req))
	field(w, "Status", renderStatus(req.Status))
	field(w, "Requested by", req.RequestedBy)
	field(w, "Requested", formatTime(req.RequestedAt))
	if req.Reason != "" {
		field(w, "Reason", req.Reason)
	}
	field(w, "Priority", req.Priority)
	scope := string(req.Scope.Type)
	if req.Scope.Type == restoration.ScopePartial {
		scope += " (" + strings.Join(req.Scope.AssetTypes, ", ") + ")"
	}
	field(w, "Scope", scope+" -> "+string(req.Scope.TargetTier))
	field(w, "Restore tier", req.Options.Tier)

	if req.Status.IsExecuting() || req.Status == restoration.StatusCompleted {
		p := req.Progress
		field(w, "Progress", fmt.Sprintf("%.1f%% (%d/%d assets, %s)", p.PercentComplete,
			p.RestoredAssets, p.TotalAssets, formatBytes(p.RestoredBytes)))
		field(w, "Started", formatTime(req.ExecutionStartedAt))
	}
	if req.CancelRequested && !req.Status.IsTerminal() {
		field(w, "Cancel requested by", req.CancelRequestedBy)
	}
	if req.Overrun.Flagged {
		field(w, "Overrun", warnStyle.Render(fmt.Sprintf("running %s, far beyond the estimate", req.Overrun.Elapsed)))
	}
	if !req.CompletedAt.IsZero() {
		field(w, "Completed", formatTime(req.CompletedAt))
	}
	if !req.ReArchiveAt.IsZero() {
		field(w, "Re-archive at", formatTime(req.ReArchiveAt))
	}
	if req.Failure != nil {
		field(w, "Failure", fmt.Sprintf("%s: %s", req.Failure.Kind, req.Failure.Message))
	}

	if req.Estimates != nil {
		fmt.Fprintln(w)
		fmt.Fprintln(w, titleStyle.Render("Estimate"))
		printEstimates(w, *req.Estimates)
	}
	if len(req.Approvals) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, titleStyle.Render("Approvals"))
		printApprovals(w, req.Approvals)
	}
}

// printJobs renders per-asset restore jobs.
func printJobs(w io.Writer, jobs []restoration.AssetJob) {
	t := newTable("ASSET", "TYPE", "TIER", "SIZE", "STATE", "ATTEMPTS", "VERIFIED", "ERROR")
	for _, j := range jobs {
		verified := "-"
		if j.Verified {
			verified = "yes"
		}
		t.Row(
			j.Asset.AssetID,
			j.Asset.AssetType,
			string(j.Asset.StorageTier),
			formatBytes(j.Asset.SizeBytes),
			string(j.State),
			fmt.Sprintf("%d", j.Attempts),
			verified,
			j.LastError,
		)
	}
	fmt.Fprintln(w, t.Render())
}

func projectLabel(req *restoration.Request) string {
	if req.ProjectName == "" {
		return req.ProjectID
	}
	return fmt.Sprintf("%s (%s)", req.ProjectName, req.ProjectID)
}

// shortID abbreviates a request UUID for tables.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
