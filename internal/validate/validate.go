// Package validate checks restoration requests for structural and semantic problems.
package validate

import (
	"fmt"
	"net/mail"
	"strings"
	"unicode"

	"github.com/BadgerOps/resurrect/internal/restoration"
	"github.com/BadgerOps/resurrect/internal/safety"
	"github.com/BadgerOps/resurrect/internal/tier"
)

// Result lists every problem found in a request. Valid is true when Errors is empty.
type Result struct {
	Valid  bool                    `json:"valid"`
	Errors []restoration.Violation `json:"errors"`
}

func (r *Result) add(field, format string, args ...any) {
	r.Errors = append(r.Errors, restoration.Violation{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Err returns nil for a valid result, otherwise a ValidationError carrying every violation.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return &restoration.Error{
		Kind:       restoration.KindValidation,
		Message:    "restoration request is invalid",
		Violations: append([]restoration.Violation(nil), r.Errors...),
	}
}

// Validator checks requests against a tier model.
type Validator struct {
	model tier.Model
}

// New returns a Validator that checks restore combinations against model.
func New(model tier.Model) *Validator {
	return &Validator{model: model}
}

// Validate runs every rule and collects all violations. assets may be nil, in which
// case the per-tier combination check is skipped. It has no side effects.
func (v *Validator) Validate(req *restoration.Request, assets []restoration.AssetStorageRecord) Result {
	var res Result

	if strings.TrimSpace(req.ProjectID) == "" {
		res.add("project_id", "is required")
	} else if _, err := safety.CleanKeySegment(req.ProjectID); err != nil {
		res.add("project_id", "%v", err)
	}
	if hasControl(req.ProjectName) {
		res.add("project_name", "must not contain control characters")
	}
	if hasControl(req.RequestedBy) {
		res.add("requested_by", "must not contain control characters")
	}
	if strings.TrimSpace(req.Reason) == "" {
		res.add("reason", "is required and must not be blank")
	}
	if !req.Priority.Valid() {
		res.add("priority", "unknown priority %q", req.Priority)
	}

	switch req.Scope.Type {
	case restoration.ScopeFull:
	case restoration.ScopePartial:
		if len(req.Scope.AssetTypes) == 0 {
			res.add("scope.asset_types", "a partial scope needs at least one asset type")
		}
	default:
		res.add("scope.type", "must be %q or %q, got %q", restoration.ScopeFull, restoration.ScopePartial, req.Scope.Type)
	}
	if !req.Scope.TargetTier.Valid() {
		res.add("scope.target_tier", "unknown storage tier %q", req.Scope.TargetTier)
	} else if req.Scope.TargetTier.RequiresRestore() {
		res.add("scope.target_tier", "%s is not immediately readable; choose %s or %s", req.Scope.TargetTier, tier.Hot, tier.Warm)
	}

	if req.Options.AutoReArchiveDays < 0 {
		res.add("options.auto_rearchive_days", "must be >= 0, got %d", req.Options.AutoReArchiveDays)
	}
	for i, addr := range req.Options.NotifyOnComplete {
		if _, err := mail.ParseAddress(addr); err != nil {
			res.add(fmt.Sprintf("options.notify_on_complete[%d]", i), "invalid address %q", addr)
		}
	}

	speedOK := req.Options.Tier.Valid()
	if !speedOK {
		res.add("options.tier", "unknown restoration tier %q", req.Options.Tier)
	}

	present := make(map[tier.StorageTier]bool)
	for _, a := range assets {
		if !a.StorageTier.Valid() {
			res.add("assets", "asset %s has unknown storage tier %q", a.AssetID, a.StorageTier)
			continue
		}
		present[a.StorageTier] = true
	}
	if speedOK {
		for _, t := range tier.StorageTiers {
			if !present[t] || !t.RequiresRestore() {
				continue
			}
			if !v.model.Supported(t, req.Options.Tier) {
				msg := fmt.Sprintf("%s restore is not available for %s assets", req.Options.Tier, t)
				if s, ok := v.model.CheapestSpeed(t); ok {
					msg += fmt.Sprintf(" (cheapest supported: %s)", s)
				}
				res.add("options.tier", "%s", msg)
			}
		}
	}

	res.Valid = len(res.Errors) == 0
	return res
}

// hasControl reports whether s holds characters that would break a single
// line of output, such as CR and LF.
func hasControl(s string) bool {
	return strings.IndexFunc(s, unicode.IsControl) >= 0
}
