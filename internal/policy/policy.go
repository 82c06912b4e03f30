// Package policy derives the approvals a restoration request needs before it may run.
package policy

import (
	"github.com/BadgerOps/resurrect/internal/restoration"
)

const (
	// DefaultFinanceCostThreshold is the restore cost above which FINANCE must sign off.
	DefaultFinanceCostThreshold = 50.00
	// DefaultFinanceSizeThreshold is the restored volume above which FINANCE must sign off.
	DefaultFinanceSizeThreshold int64 = 500 << 30
)

// Policy holds the thresholds of the approval rules. It is a value type and
// RequiredApprovals has no side effects, so a Policy may be shared freely.
type Policy struct {
	FinanceCostThreshold float64
	FinanceSizeThreshold int64
}

// Default returns the standard thresholds: $50.00 and 500 GiB.
func Default() Policy {
	return Policy{
		FinanceCostThreshold: DefaultFinanceCostThreshold,
		FinanceSizeThreshold: DefaultFinanceSizeThreshold,
	}
}

// rule adds role when applies reports true.
type rule struct {
	role    restoration.Role
	applies func(p Policy, est restoration.Estimates, pr restoration.Priority) bool
}

// rules run in order; the order of the returned approvals follows it.
var rules = []rule{
	{
		role: restoration.RoleManager,
		applies: func(Policy, restoration.Estimates, restoration.Priority) bool {
			return true
		},
	},
	{
		role: restoration.RoleFinance,
		applies: func(p Policy, est restoration.Estimates, _ restoration.Priority) bool {
			return est.RestoreCost > p.FinanceCostThreshold || est.TotalSizeBytes > p.FinanceSizeThreshold
		},
	},
	{
		role: restoration.RoleDirector,
		applies: func(_ Policy, _ restoration.Estimates, pr restoration.Priority) bool {
			return pr == restoration.PriorityUrgent
		},
	},
}

// RequiredApprovals returns the pending approval records for est at the given priority.
func (p Policy) RequiredApprovals(est restoration.Estimates, priority restoration.Priority) []restoration.ApprovalRecord {
	seen := make(map[restoration.Role]bool, len(rules))
	var out []restoration.ApprovalRecord
	for _, r := range rules {
		if seen[r.role] || !r.applies(p, est, priority) {
			continue
		}
		seen[r.role] = true
		out = append(out, restoration.ApprovalRecord{Role: r.role, Status: restoration.ApprovalPending})
	}
	return out
}

// RequiredApprovals applies the default thresholds.
func RequiredApprovals(est restoration.Estimates, priority restoration.Priority) []restoration.ApprovalRecord {
	return Default().RequiredApprovals(est, priority)
}

// Roles extracts the role names from approval records.
func Roles(records []restoration.ApprovalRecord) []restoration.Role {
	roles := make([]restoration.Role, len(records))
	for i, r := range records {
		roles[i] = r.Role
	}
	return roles
}
