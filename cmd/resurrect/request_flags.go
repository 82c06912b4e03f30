package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/resurrect/internal/engine"
	"github.com/BadgerOps/resurrect/internal/restoration"
	"github.com/BadgerOps/resurrect/internal/tier"
)

// requestFlags collects the flags shared by estimate and submit.
type requestFlags struct {
	project          string
	name             string
	requestedBy      string
	reason           string
	priority         string
	assetTypes       []string
	target           string
	speed            string
	staged           bool
	proxies          bool
	verify           bool
	notify           []string
	notifyMilestones bool
	rearchiveDays    int
}

func (f *requestFlags) register(cmd *cobra.Command) {
	user := os.Getenv("USER")

	cmd.Flags().StringVar(&f.project, "project", "", "archived project to restore (required)")
	cmd.Flags().StringVar(&f.name, "name", "", "human-readable project name")
	cmd.Flags().StringVar(&f.requestedBy, "requested-by", user, "requester identity")
	cmd.Flags().StringVar(&f.reason, "reason", "", "why the project is being restored")
	cmd.Flags().StringVar(&f.priority, "priority", string(restoration.PriorityNormal), "low, normal, high or urgent")
	cmd.Flags().StringSliceVar(&f.assetTypes, "asset-types", nil, "restore only these asset types (partial scope)")
	cmd.Flags().StringVar(&f.target, "target", string(tier.Hot), "storage tier the assets land in")
	cmd.Flags().StringVar(&f.speed, "tier", string(tier.Standard), "restoration tier: expedited, standard or bulk")
	cmd.Flags().BoolVar(&f.staged, "staged", false, "restore metadata before the remaining assets")
	cmd.Flags().BoolVar(&f.proxies, "proxies", false, "generate proxies after restore")
	cmd.Flags().BoolVar(&f.verify, "verify", true, "verify integrity of restored assets")
	cmd.Flags().StringSliceVar(&f.notify, "notify", nil, "recipients notified when the request finishes")
	cmd.Flags().BoolVar(&f.notifyMilestones, "notify-milestones", false, "also notify on each phase change")
	cmd.Flags().IntVar(&f.rearchiveDays, "rearchive-days", 30, "days restored assets stay available before re-archival")

	_ = cmd.MarkFlagRequired("project")
}

// input builds the submission. Enumerations are checked by the orchestrator's
// validator so every problem is reported at once.
func (f *requestFlags) input() engine.SubmitInput {
	target, err := tier.ParseStorageTier(f.target)
	if err != nil {
		target = tier.StorageTier(f.target)
	}
	scope := restoration.Scope{Type: restoration.ScopeFull, TargetTier: target}
	if len(f.assetTypes) > 0 {
		scope.Type = restoration.ScopePartial
		scope.AssetTypes = f.assetTypes
	}

	speed := tier.Speed(strings.ToLower(strings.TrimSpace(f.speed)))

	return engine.SubmitInput{
		ProjectID:   f.project,
		ProjectName: f.name,
		RequestedBy: f.requestedBy,
		Reason:      f.reason,
		Priority:    restoration.Priority(strings.ToLower(f.priority)),
		Scope:       scope,
		Options: restoration.Options{
			Tier:              speed,
			StagedRestore:     f.staged,
			GenerateProxies:   f.proxies,
			VerifyIntegrity:   f.verify,
			NotifyOnComplete:  f.notify,
			NotifyOnMilestone: f.notifyMilestones,
			AutoReArchiveDays: f.rearchiveDays,
		},
	}
}

// printEstimates renders the cost and time breakdown of a request.
func printEstimates(w io.Writer, est restoration.Estimates) {
	field(w, "Assets", fmt.Sprintf("%d (%d glacier, %d deep archive)", est.TotalAssets, est.AssetsInGlacier, est.AssetsInDeepArchive))
	field(w, "Total size", formatBytes(est.TotalSizeBytes))
	field(w, "Restore cost", formatMoney(est.RestoreCost))
	field(w, "Storage per month", formatMoney(est.StorageCostPerMonth))
	if est.MetadataRestoreMinutes > 0 {
		field(w, "Metadata restore", formatMinutes(est.MetadataRestoreMinutes))
	}
	field(w, "Asset restore", formatMinutes(est.AssetRestoreMinutes))
	field(w, "Total restore time", formatMinutes(est.TotalRestoreMinutes))

	if len(est.TierBreakdown) == 0 {
		return
	}
	t := newTable("TIER", "ASSETS", "SIZE", "COST", "TIME")
	for _, e := range est.TierBreakdown {
		t.Row(
			string(e.Tier),
			fmt.Sprintf("%d", e.AssetCount),
			formatBytes(e.SizeBytes),
			formatMoney(e.RestoreCost),
			formatMinutes(e.RestoreTimeMinutes),
		)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, t.Render())
}

// printApprovals renders the approval gates of a request.
func printApprovals(w io.Writer, approvals []restoration.ApprovalRecord) {
	if len(approvals) == 0 {
		return
	}
	t := newTable("ROLE", "STATUS", "BY", "COMMENT")
	for _, a := range approvals {
		t.Row(string(a.Role), string(a.Status), a.ApprovedBy, a.Comment)
	}
	fmt.Fprintln(w, t.Render())
}
