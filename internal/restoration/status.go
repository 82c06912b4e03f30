package restoration

// Status is the request lifecycle state.
type Status string

const (
	StatusPending           Status = "pending"
	StatusEstimating        Status = "estimating"
	StatusAwaitingApproval  Status = "awaiting_approval"
	StatusRestoringMetadata Status = "restoring_metadata"
	StatusRestoringAssets   Status = "restoring_assets"
	StatusVerifying         Status = "verifying"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusCancelled         Status = "cancelled"
)

// Statuses lists every lifecycle state.
var Statuses = []Status{
	StatusPending, StatusEstimating, StatusAwaitingApproval,
	StatusRestoringMetadata, StatusRestoringAssets, StatusVerifying,
	StatusCompleted, StatusFailed, StatusCancelled,
}

// TerminalStatuses are the states no transition leaves.
var TerminalStatuses = []Status{StatusCompleted, StatusFailed, StatusCancelled}

// transitions holds the explicit edges; cancellation from any non-terminal
// state is handled in CanTransition.
var transitions = map[Status][]Status{
	StatusPending:           {StatusEstimating},
	StatusEstimating:        {StatusAwaitingApproval, StatusFailed},
	StatusAwaitingApproval:  {StatusRestoringMetadata, StatusRestoringAssets},
	StatusRestoringMetadata: {StatusRestoringAssets, StatusFailed},
	StatusRestoringAssets:   {StatusVerifying, StatusCompleted, StatusFailed},
	StatusVerifying:         {StatusCompleted, StatusFailed},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, st := range Statuses {
		if st == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is completed, failed or cancelled.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsExecuting reports whether a restore runner owns the request in this state.
func (s Status) IsExecuting() bool {
	switch s {
	case StatusRestoringMetadata, StatusRestoringAssets, StatusVerifying:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the lifecycle permits from -> to.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StatusCancelled {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
