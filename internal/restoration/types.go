// Package restoration defines the data model of archived-project restoration
// requests: assets, scope and options, estimates, approvals, and the request
// lifecycle shared by the estimator, validator, policy and orchestrator.
package restoration

import (
	"time"

	"github.com/BadgerOps/resurrect/internal/tier"
)

// AssetTypeMetadata marks lightweight project metadata restored first in a staged restore.
const AssetTypeMetadata = "metadata"

// AssetStorageRecord is an immutable snapshot of one asset's storage placement.
type AssetStorageRecord struct {
	AssetID     string           `json:"asset_id" yaml:"id"`
	AssetType   string           `json:"asset_type,omitempty" yaml:"type"`
	StorageTier tier.StorageTier `json:"storage_tier" yaml:"tier"`
	SizeBytes   int64            `json:"size_bytes" yaml:"size_bytes"`
}

// ScopeType selects whether a whole project or a subset of it is restored.
type ScopeType string

const (
	ScopeFull    ScopeType = "full"
	ScopePartial ScopeType = "partial"
)

// Scope describes what to restore and where it lands.
type Scope struct {
	Type       ScopeType        `json:"type"`
	AssetTypes []string         `json:"asset_types,omitempty"`
	TargetTier tier.StorageTier `json:"target_tier"`
}

// Includes reports whether an asset of the given type is selected by the scope.
func (s Scope) Includes(assetType string) bool {
	if s.Type != ScopePartial {
		return true
	}
	for _, t := range s.AssetTypes {
		if t == assetType {
			return true
		}
	}
	return false
}

// Options are the requester's restoration choices.
type Options struct {
	Tier              tier.Speed `json:"tier"`
	StagedRestore     bool       `json:"staged_restore"`
	GenerateProxies   bool       `json:"generate_proxies"`
	VerifyIntegrity   bool       `json:"verify_integrity"`
	NotifyOnComplete  []string   `json:"notify_on_complete,omitempty"`
	NotifyOnMilestone bool       `json:"notify_on_milestone"`
	AutoReArchiveDays int        `json:"auto_rearchive_days"`
}

// TierBreakdownEntry is the per-storage-tier subtotal of an estimate.
type TierBreakdownEntry struct {
	Tier               tier.StorageTier `json:"tier"`
	AssetCount         int              `json:"asset_count"`
	SizeBytes          int64            `json:"size_bytes"`
	RestoreCost        float64          `json:"restore_cost"`
	RestoreTimeMinutes int              `json:"restore_time_minutes"`
}

// Estimates is the time and cost aggregate for restoring a set of assets.
type Estimates struct {
	TotalAssets            int                  `json:"total_assets"`
	AssetsInGlacier        int                  `json:"assets_in_glacier"`
	AssetsInDeepArchive    int                  `json:"assets_in_deep_archive"`
	TotalSizeBytes         int64                `json:"total_size_bytes"`
	MetadataRestoreMinutes int                  `json:"metadata_restore_minutes"`
	AssetRestoreMinutes    int                  `json:"asset_restore_minutes"`
	TotalRestoreMinutes    int                  `json:"total_restore_minutes"`
	RestoreCost            float64              `json:"restore_cost"`
	StorageCostPerMonth    float64              `json:"storage_cost_per_month"`
	TierBreakdown          []TierBreakdownEntry `json:"tier_breakdown"`
}

// Role is an approval gate.
type Role string

const (
	RoleManager  Role = "MANAGER"
	RoleFinance  Role = "FINANCE"
	RoleDirector Role = "DIRECTOR"
)

// Valid reports whether r is a known approval role.
func (r Role) Valid() bool {
	switch r {
	case RoleManager, RoleFinance, RoleDirector:
		return true
	default:
		return false
	}
}

// ApprovalStatus is the state of one approval gate.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// ApprovalRecord is one required sign-off and its outcome.
type ApprovalRecord struct {
	Role       Role           `json:"role"`
	Status     ApprovalStatus `json:"status"`
	ApprovedBy string         `json:"approved_by,omitempty"`
	ApprovedAt *time.Time     `json:"approved_at,omitempty"`
	Comment    string         `json:"comment,omitempty"`
}

// Priority is the requester's urgency.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}

// Progress is the externally visible execution progress of a request.
type Progress struct {
	Phase           Status  `json:"phase"`
	PercentComplete float64 `json:"percent_complete"`
	RestoredAssets  int     `json:"restored_assets"`
	TotalAssets     int     `json:"total_assets"`
	RestoredBytes   int64   `json:"restored_bytes"`
}

// Failure preserves why a request ended in failed or cancelled.
type Failure struct {
	Kind    Kind      `json:"kind"`
	Message string    `json:"message"`
	Role    Role      `json:"role,omitempty"`
	Actor   string    `json:"actor,omitempty"`
	At      time.Time `json:"at"`
}

// Overrun flags a restore that has run far past its estimate.
type Overrun struct {
	Flagged   bool      `json:"flagged"`
	FlaggedAt time.Time `json:"flagged_at,omitempty"`
	Elapsed   string    `json:"elapsed,omitempty"`
}

// Request is a project resurrection request and its full lifecycle state.
type Request struct {
	ID                 string           `json:"id"`
	ProjectID          string           `json:"project_id"`
	ProjectName        string           `json:"project_name"`
	RequestedBy        string           `json:"requested_by"`
	RequestedAt        time.Time        `json:"requested_at"`
	Reason             string           `json:"reason"`
	Priority           Priority         `json:"priority"`
	Scope              Scope            `json:"scope"`
	Options            Options          `json:"options"`
	Estimates          *Estimates       `json:"estimates,omitempty"`
	Approvals          []ApprovalRecord `json:"approvals"`
	Status             Status           `json:"status"`
	Progress           Progress         `json:"progress"`
	Failure            *Failure         `json:"failure,omitempty"`
	Overrun            Overrun          `json:"overrun"`
	CancelRequested    bool             `json:"cancel_requested"`
	CancelRequestedBy  string           `json:"cancel_requested_by,omitempty"`
	ExecutionStartedAt time.Time        `json:"execution_started_at,omitempty"`
	CompletedAt        time.Time        `json:"completed_at,omitempty"`
	ReArchiveAt        time.Time        `json:"rearchive_at,omitempty"`
	UpdatedAt          time.Time        `json:"updated_at"`
	Version            int64            `json:"version"`
}

// Approval returns a pointer to the record for role, or nil if not required.
func (r *Request) Approval(role Role) *ApprovalRecord {
	for i := range r.Approvals {
		if r.Approvals[i].Role == role {
			return &r.Approvals[i]
		}
	}
	return nil
}

// AllApproved reports whether every required approval has been granted.
func (r *Request) AllApproved() bool {
	if len(r.Approvals) == 0 {
		return false
	}
	for _, a := range r.Approvals {
		if a.Status != ApprovalApproved {
			return false
		}
	}
	return true
}

// Clone returns a deep copy safe to hand to collaborators.
func (r *Request) Clone() *Request {
	cp := *r
	cp.Scope.AssetTypes = append([]string(nil), r.Scope.AssetTypes...)
	cp.Options.NotifyOnComplete = append([]string(nil), r.Options.NotifyOnComplete...)
	if r.Estimates != nil {
		est := *r.Estimates
		est.TierBreakdown = append([]TierBreakdownEntry(nil), r.Estimates.TierBreakdown...)
		cp.Estimates = &est
	}
	if r.Approvals != nil {
		cp.Approvals = make([]ApprovalRecord, len(r.Approvals))
		for i, a := range r.Approvals {
			if a.ApprovedAt != nil {
				at := *a.ApprovedAt
				a.ApprovedAt = &at
			}
			cp.Approvals[i] = a
		}
	}
	if r.Failure != nil {
		f := *r.Failure
		cp.Failure = &f
	}
	return &cp
}

// JobState is the execution state of a single asset restore.
type JobState string

const (
	JobQueued   JobState = "queued"
	JobIssued   JobState = "issued"
	JobRestored JobState = "restored"
	JobFailed   JobState = "failed"
)

// AssetJob tracks one asset through issue, poll and verification.
type AssetJob struct {
	ID        string             `json:"id"`
	RequestID string             `json:"request_id"`
	Asset     AssetStorageRecord `json:"asset"`
	Handle    string             `json:"handle,omitempty"`
	State     JobState           `json:"state"`
	Attempts  int                `json:"attempts"`
	LastError string             `json:"last_error,omitempty"`
	Verified  bool               `json:"verified"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Event is one audited lifecycle change.
type Event struct {
	ID        int64     `json:"id"`
	RequestID string    `json:"request_id"`
	At        time.Time `json:"at"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Actor     string    `json:"actor,omitempty"`
	Note      string    `json:"note,omitempty"`
}
