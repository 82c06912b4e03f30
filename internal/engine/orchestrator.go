// Package engine drives restoration requests through their lifecycle: admission,
// estimation, approval, provider execution and completion.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BadgerOps/resurrect/internal/estimate"
	"github.com/BadgerOps/resurrect/internal/notify"
	"github.com/BadgerOps/resurrect/internal/policy"
	"github.com/BadgerOps/resurrect/internal/provider"
	"github.com/BadgerOps/resurrect/internal/restoration"
	"github.com/BadgerOps/resurrect/internal/tier"
	"github.com/BadgerOps/resurrect/internal/validate"
)

// SystemActor is recorded on transitions the orchestrator makes on its own.
const SystemActor = "resurrect"

const (
	DefaultPollInterval         = 15 * time.Minute
	DefaultScanInterval         = time.Minute
	DefaultOverrunFactor        = 3.0
	DefaultRetryAttempts        = 3
	DefaultRetryInitialInterval = 2 * time.Second
	DefaultRetryMaxInterval     = 30 * time.Second
	DefaultIssueWorkers         = 8
	DefaultNotifyTimeout        = 30 * time.Second
	DefaultMutateAttempts       = 10
	DefaultOrphanTimeout        = time.Hour
)

// errNoChange tells mutate there is nothing to commit.
var errNoChange = errors.New("no change")

// Repository is the persistence collaborator. Request changes are committed
// with an optimistic version check and fail with restoration.ErrVersionConflict
// when another writer got there first.
type Repository interface {
	CreateRequest(ctx context.Context, req *restoration.Request) error
	GetRequest(ctx context.Context, id string) (*restoration.Request, error)
	UpdateRequest(ctx context.Context, req *restoration.Request, events ...restoration.Event) error
	ListActiveRequests(ctx context.Context) ([]*restoration.Request, error)
	SaveAssetJobs(ctx context.Context, jobs []restoration.AssetJob) error
	ListAssetJobs(ctx context.Context, requestID string) ([]restoration.AssetJob, error)
	UpdateAssetJob(ctx context.Context, job *restoration.AssetJob) error
}

// Deps are the collaborators an Orchestrator drives.
type Deps struct {
	Repo      Repository
	Provider  provider.Provider
	Notifier  notify.Notifier
	Estimator *estimate.Estimator
	Validator *validate.Validator
	Policy    policy.Policy
	Logger    *slog.Logger
}

// Options tunes execution. Zero values take the package defaults.
type Options struct {
	PollInterval         time.Duration
	ScanInterval         time.Duration
	OverrunFactor        float64
	RetryAttempts        int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	IssueWorkers         int
	NotifyTimeout        time.Duration
	MutateAttempts       int
	// OrphanTimeout fails requests left in pending or estimating by a process
	// that died mid-submission.
	OrphanTimeout        time.Duration
	Now                  func() time.Time
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.ScanInterval <= 0 {
		o.ScanInterval = DefaultScanInterval
	}
	if o.OverrunFactor <= 0 {
		o.OverrunFactor = DefaultOverrunFactor
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = DefaultRetryAttempts
	}
	if o.RetryInitialInterval <= 0 {
		o.RetryInitialInterval = DefaultRetryInitialInterval
	}
	if o.RetryMaxInterval <= 0 {
		o.RetryMaxInterval = DefaultRetryMaxInterval
	}
	if o.IssueWorkers <= 0 {
		o.IssueWorkers = DefaultIssueWorkers
	}
	if o.NotifyTimeout <= 0 {
		o.NotifyTimeout = DefaultNotifyTimeout
	}
	if o.MutateAttempts <= 0 {
		o.MutateAttempts = DefaultMutateAttempts
	}
	if o.OrphanTimeout <= 0 {
		o.OrphanTimeout = DefaultOrphanTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Orchestrator owns the request state machine. Without Run it works in
// detached mode: every inbound operation is applied and persisted, but no
// restore runners are started.
type Orchestrator struct {
	repo      Repository
	provider  provider.Provider
	notifier  notify.Notifier
	estimator *estimate.Estimator
	validator *validate.Validator
	policy    policy.Policy
	opts      Options
	retry     RetryPolicy
	pool      *IssuePool
	logger    *slog.Logger

	mu       sync.Mutex
	runCtx   context.Context
	runners  map[string]*runner
	trackers map[string]*ProgressTracker
	wg       sync.WaitGroup
}

// New creates an Orchestrator. Repo and Provider are required.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Repo == nil {
		return nil, errors.New("engine: repository is required")
	}
	if deps.Provider == nil {
		return nil, errors.New("engine: provider is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Discard{}
	}
	if deps.Estimator == nil {
		deps.Estimator = estimate.New(tier.DefaultModel())
	}
	if deps.Validator == nil {
		deps.Validator = validate.New(deps.Estimator.Model())
	}
	if deps.Policy == (policy.Policy{}) {
		deps.Policy = policy.Default()
	}
	opts = opts.withDefaults()

	o := &Orchestrator{
		repo:      deps.Repo,
		provider:  deps.Provider,
		notifier:  deps.Notifier,
		estimator: deps.Estimator,
		validator: deps.Validator,
		policy:    deps.Policy,
		opts:      opts,
		retry: RetryPolicy{
			Attempts:        opts.RetryAttempts,
			InitialInterval: opts.RetryInitialInterval,
			MaxInterval:     opts.RetryMaxInterval,
		},
		logger:   deps.Logger,
		runners:  make(map[string]*runner),
		trackers: make(map[string]*ProgressTracker),
	}
	o.pool = NewIssuePool(o.issueRestore, opts.IssueWorkers, deps.Logger)
	return o, nil
}

func (o *Orchestrator) now() time.Time {
	return o.opts.Now().UTC()
}

// Get returns the stored request.
func (o *Orchestrator) Get(ctx context.Context, id string) (*restoration.Request, error) {
	return o.repo.GetRequest(ctx, id)
}

// Progress returns the live tracker of a request executed by this process, or nil.
func (o *Orchestrator) Progress(id string) *ProgressTracker {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.trackers[id]
}

// ============================================================================
// Submission
// ============================================================================

// SubmitInput is a new restoration request as entered by a requester.
type SubmitInput struct {
	ProjectID   string               `json:"project_id"`
	ProjectName string               `json:"project_name"`
	RequestedBy string               `json:"requested_by"`
	Reason      string               `json:"reason"`
	Priority    restoration.Priority `json:"priority"`
	Scope       restoration.Scope    `json:"scope"`
	Options     restoration.Options  `json:"options"`
}

// Plan is what a request would cost and who must sign it off.
type Plan struct {
	Estimates restoration.Estimates            `json:"estimates"`
	Approvals []restoration.ApprovalRecord     `json:"approvals"`
	Assets    []restoration.AssetStorageRecord `json:"-"`
}

func (o *Orchestrator) newRequest(in SubmitInput) *restoration.Request {
	now := o.now()
	return &restoration.Request{
		ID:          uuid.NewString(),
		ProjectID:   strings.TrimSpace(in.ProjectID),
		ProjectName: in.ProjectName,
		RequestedBy: in.RequestedBy,
		RequestedAt: now,
		Reason:      in.Reason,
		Priority:    in.Priority,
		Scope:       in.Scope,
		Options:     in.Options,
		Status:      restoration.StatusPending,
		Progress:    restoration.Progress{Phase: restoration.StatusPending},
		UpdatedAt:   now,
	}
}

// Preview computes the estimate and required approvals of in without
// persisting anything.
func (o *Orchestrator) Preview(ctx context.Context, in SubmitInput) (*Plan, error) {
	req := o.newRequest(in)
	if res := o.validator.Validate(req, nil); !res.Valid {
		return nil, res.Err()
	}
	return o.plan(ctx, req)
}

// Submit validates, admits and estimates a new request. A request that fails
// validation is never persisted. Once admitted, the request is returned in
// awaiting_approval, or in failed together with the classified error when the
// inventory lookup, estimation or a later commit fails. Commits after admission
// do not observe cancellation of ctx. A project with an open request is
// refused with a ProjectBusy error.
func (o *Orchestrator) Submit(ctx context.Context, in SubmitInput) (*restoration.Request, error) {
	req := o.newRequest(in)
	if res := o.validator.Validate(req, nil); !res.Valid {
		requestsSubmitted.WithLabelValues("invalid").Inc()
		return nil, res.Err()
	}

	if err := o.repo.CreateRequest(ctx, req); err != nil {
		if errors.Is(err, restoration.ErrProjectBusy) {
			requestsSubmitted.WithLabelValues("busy").Inc()
			return nil, restoration.Wrap(restoration.KindProjectBusy, err, "project already has an open restoration request")
		}
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	requestTransitions.WithLabelValues(string(restoration.StatusPending)).Inc()
	o.logger.Info("restoration request submitted", "request_id", req.ID, "project_id", req.ProjectID, "requested_by", req.RequestedBy)

	// Once admitted the request must settle in awaiting_approval or failed,
	// even when the caller goes away.
	commitCtx := context.WithoutCancel(ctx)

	estimating, err := o.mutate(commitCtx, req.ID, func(r *restoration.Request) ([]restoration.Event, error) {
		ev, err := o.transition(r, restoration.StatusEstimating, SystemActor, "estimating")
		return []restoration.Event{ev}, err
	})
	if err != nil {
		return o.failSubmission(commitCtx, req.ID, err, "request could not be estimated")
	}
	req = estimating

	plan, err := o.plan(ctx, req)
	if err != nil {
		return o.failSubmission(commitCtx, req.ID, err, "request could not be estimated")
	}

	now := o.now()
	jobs := make([]restoration.AssetJob, 0, len(plan.Assets))
	for _, a := range plan.Assets {
		state := restoration.JobQueued
		if !a.StorageTier.RequiresRestore() {
			state = restoration.JobRestored
		}
		jobs = append(jobs, restoration.AssetJob{
			ID:        uuid.NewString(),
			RequestID: req.ID,
			Asset:     a,
			State:     state,
			UpdatedAt: now,
		})
	}
	if err := o.repo.SaveAssetJobs(commitCtx, jobs); err != nil {
		return o.failSubmission(commitCtx, req.ID, fmt.Errorf("failed to save asset jobs: %w", err), "request could not be recorded")
	}

	awaiting, err := o.mutate(commitCtx, req.ID, func(r *restoration.Request) ([]restoration.Event, error) {
		est := plan.Estimates
		r.Estimates = &est
		r.Approvals = append([]restoration.ApprovalRecord(nil), plan.Approvals...)
		r.Progress.TotalAssets = est.TotalAssets
		note := fmt.Sprintf("estimated $%.2f over %d minutes; approvals required: %s",
			est.RestoreCost, est.TotalRestoreMinutes, joinRoles(plan.Approvals))
		ev, err := o.transition(r, restoration.StatusAwaitingApproval, SystemActor, note)
		return []restoration.Event{ev}, err
	})
	if err != nil {
		return o.failSubmission(commitCtx, req.ID, err, "request could not be recorded")
	}

	estimatedCost.Observe(plan.Estimates.RestoreCost)
	requestsSubmitted.WithLabelValues("accepted").Inc()
	return awaiting, nil
}

// failSubmission moves an admitted request to failed and returns it with
// cause. A request that already reached a terminal state is left as is. When
// the failure itself cannot be recorded the stored request is left for orphan
// recovery and both errors are returned.
func (o *Orchestrator) failSubmission(ctx context.Context, id string, cause error, message string) (*restoration.Request, error) {
	failure := o.failureFor(cause, message)
	failed, err := o.mutate(ctx, id, func(r *restoration.Request) ([]restoration.Event, error) {
		if r.Status.IsTerminal() {
			return nil, errNoChange
		}
		r.Failure = failure
		ev, err := o.transition(r, restoration.StatusFailed, SystemActor, failure.Message)
		return []restoration.Event{ev}, err
	})
	if err != nil {
		o.logger.Error("failed to record submission failure", "request_id", id, "cause", cause, "error", err)
		return nil, errors.Join(cause, err)
	}
	requestsSubmitted.WithLabelValues("failed").Inc()
	return failed, cause
}

// plan looks up the project inventory and derives the estimate and approvals.
func (o *Orchestrator) plan(ctx context.Context, req *restoration.Request) (*Plan, error) {
	assets, _, err := retryTransient(ctx, o.retry, "list_assets", o.logger, func() ([]restoration.AssetStorageRecord, error) {
		assets, err := o.provider.ListAssets(ctx, req.ProjectID)
		providerCalls.WithLabelValues("list_assets", providerResult(err)).Inc()
		return assets, err
	})
	if err != nil {
		kind := restoration.KindProvider
		switch {
		case ctx.Err() != nil:
			kind = restoration.KindInterrupted
		case provider.IsTransient(err):
			kind = restoration.KindProviderTransient
		case errors.Is(err, restoration.ErrNotFound):
			kind = restoration.KindNotFound
		}
		return nil, restoration.Wrap(kind, err, "asset inventory lookup failed")
	}

	inScope := assets[:0:0]
	for _, a := range assets {
		if req.Scope.Includes(a.AssetType) {
			inScope = append(inScope, a)
		}
	}

	if res := o.validator.Validate(req, inScope); !res.Valid {
		kind := restoration.KindValidation
		for _, v := range res.Errors {
			if v.Field == "options.tier" {
				kind = restoration.KindUnsupportedCombination
			}
		}
		return nil, &restoration.Error{
			Kind:       kind,
			Message:    "request cannot be restored as specified",
			Violations: res.Errors,
		}
	}

	est, err := o.estimator.Estimate(inScope, req.Options, req.Scope.TargetTier)
	if err != nil {
		if errors.Is(err, tier.ErrUnsupportedCombination) {
			return nil, restoration.Wrap(restoration.KindUnsupportedCombination, err, "estimation aborted")
		}
		return nil, restoration.Wrap(restoration.KindValidation, err, "estimation aborted")
	}

	return &Plan{
		Estimates: est,
		Approvals: o.policy.RequiredApprovals(est, req.Priority),
		Assets:    inScope,
	}, nil
}

// ============================================================================
// Approvals and cancellation
// ============================================================================

// Decision is an approver's verdict.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Valid reports whether d is approve or reject.
func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject
}

// ApprovalAction is one role's decision on a request.
type ApprovalAction struct {
	RequestID string           `json:"request_id"`
	Role      restoration.Role `json:"role"`
	Decision  Decision         `json:"decision"`
	ActorID   string           `json:"actor_id"`
	Comment   string           `json:"comment,omitempty"`
}

// RecordApproval applies a role's decision with optimistic concurrency, so
// approvers acting at the same moment never overwrite each other. A rejection
// cancels the request; the last outstanding approval starts execution.
// Deciding twice, deciding for a role that is not required, or acting on a
// request that is not awaiting approval fails with InvalidTransition and
// changes nothing.
func (o *Orchestrator) RecordApproval(ctx context.Context, a ApprovalAction) (*restoration.Request, error) {
	var violations []restoration.Violation
	if !a.Role.Valid() {
		violations = append(violations, restoration.Violation{Field: "role", Message: fmt.Sprintf("unknown role %q", a.Role)})
	}
	if !a.Decision.Valid() {
		violations = append(violations, restoration.Violation{Field: "decision", Message: fmt.Sprintf("must be %q or %q", DecisionApprove, DecisionReject)})
	}
	if strings.TrimSpace(a.ActorID) == "" {
		violations = append(violations, restoration.Violation{Field: "actor_id", Message: "is required"})
	}
	if len(violations) > 0 {
		return nil, &restoration.Error{Kind: restoration.KindValidation, Message: "approval action is invalid", Violations: violations}
	}

	req, err := o.mutate(ctx, a.RequestID, func(r *restoration.Request) ([]restoration.Event, error) {
		if r.Status != restoration.StatusAwaitingApproval {
			return nil, restoration.Errorf(restoration.KindInvalidTransition, "request %s is %s, not awaiting approval", r.ID, r.Status)
		}
		rec := r.Approval(a.Role)
		if rec == nil {
			return nil, restoration.Errorf(restoration.KindInvalidTransition, "%s approval is not required for request %s", a.Role, r.ID)
		}
		if rec.Status != restoration.ApprovalPending {
			return nil, restoration.Errorf(restoration.KindInvalidTransition, "%s decision on request %s is already %s", a.Role, r.ID, rec.Status)
		}

		now := o.now()
		rec.ApprovedBy = a.ActorID
		rec.ApprovedAt = &now
		rec.Comment = a.Comment

		if a.Decision == DecisionReject {
			rec.Status = restoration.ApprovalRejected
			msg := fmt.Sprintf("%s approval rejected by %s", a.Role, a.ActorID)
			if a.Comment != "" {
				msg += ": " + a.Comment
			}
			r.Failure = &restoration.Failure{
				Kind:    restoration.KindApprovalRejected,
				Message: msg,
				Role:    a.Role,
				Actor:   a.ActorID,
				At:      now,
			}
			ev, err := o.transition(r, restoration.StatusCancelled, a.ActorID, msg)
			return []restoration.Event{ev}, err
		}

		rec.Status = restoration.ApprovalApproved
		events := []restoration.Event{o.note(r, a.ActorID, fmt.Sprintf("%s approved", a.Role))}
		if r.AllApproved() {
			next := restoration.StatusRestoringAssets
			if r.Options.StagedRestore {
				next = restoration.StatusRestoringMetadata
			}
			ev, err := o.transition(r, next, a.ActorID, "all required approvals granted")
			if err != nil {
				return nil, err
			}
			r.ExecutionStartedAt = now
			events = append(events, ev)
		}
		return events, nil
	})
	if err != nil {
		return nil, err
	}

	o.logger.Info("approval recorded", "request_id", req.ID, "role", a.Role, "decision", a.Decision, "actor", a.ActorID, "status", req.Status)
	if req.Status.IsExecuting() {
		o.startRunner(req.ID)
	}
	return req, nil
}

// CancelRequest cancels a non-terminal request. Requests that are not yet
// executing move to cancelled at once. An executing request is flagged: its
// runner stops issuing restore calls, lets calls already in flight finish, and
// then moves it to cancelled. When that runner lives in this process the call
// waits for it, bounded by ctx.
func (o *Orchestrator) CancelRequest(ctx context.Context, id, actor string) (*restoration.Request, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, &restoration.Error{
			Kind:       restoration.KindValidation,
			Message:    "cancellation is invalid",
			Violations: []restoration.Violation{{Field: "actor_id", Message: "is required"}},
		}
	}

	req, err := o.mutate(ctx, id, func(r *restoration.Request) ([]restoration.Event, error) {
		if r.Status.IsTerminal() {
			return nil, restoration.Errorf(restoration.KindInvalidTransition, "request %s is already %s", r.ID, r.Status)
		}
		now := o.now()
		if r.Status.IsExecuting() {
			if r.CancelRequested {
				return nil, restoration.Errorf(restoration.KindInvalidTransition, "cancellation of request %s is already in progress", r.ID)
			}
			r.CancelRequested = true
			r.CancelRequestedBy = actor
			r.UpdatedAt = now
			return []restoration.Event{o.note(r, actor, "cancellation requested; waiting for in-flight restore calls")}, nil
		}

		r.Failure = &restoration.Failure{
			Kind:    restoration.KindCancelled,
			Message: "cancelled by " + actor,
			Actor:   actor,
			At:      now,
		}
		ev, err := o.transition(r, restoration.StatusCancelled, actor, "cancelled by requester")
		return []restoration.Event{ev}, err
	})
	if err != nil {
		return nil, err
	}
	if req.Status.IsTerminal() {
		return req, nil
	}

	o.logger.Info("cancellation requested", "request_id", id, "actor", actor, "status", req.Status)
	r := o.runner(id)
	if r == nil {
		return req, nil
	}
	r.stopIssuing()
	r.poke()
	select {
	case <-r.done:
	case <-ctx.Done():
		return req, nil
	}
	if latest, err := o.repo.GetRequest(ctx, id); err == nil {
		return latest, nil
	}
	return req, nil
}

// ============================================================================
// State changes
// ============================================================================

// mutate reads the request, applies fn to it and commits the result with a
// version check, starting over from a fresh read on conflict. Returning
// errNoChange from fn skips the commit.
func (o *Orchestrator) mutate(ctx context.Context, id string, fn func(*restoration.Request) ([]restoration.Event, error)) (*restoration.Request, error) {
	for attempt := 1; attempt <= o.opts.MutateAttempts; attempt++ {
		req, err := o.repo.GetRequest(ctx, id)
		if err != nil {
			return nil, err
		}

		events, err := fn(req)
		if errors.Is(err, errNoChange) {
			return req, nil
		}
		if err != nil {
			return nil, err
		}

		err = o.repo.UpdateRequest(ctx, req, events...)
		if errors.Is(err, restoration.ErrVersionConflict) {
			versionConflicts.Inc()
			o.logger.Debug("request changed concurrently, retrying", "request_id", id, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, err
		}

		o.committed(ctx, req, events)
		return req, nil
	}
	return nil, fmt.Errorf("request %s: gave up after %d attempts: %w", id, o.opts.MutateAttempts, restoration.ErrVersionConflict)
}

// transition moves req to status to and returns the audit event. It does not
// persist anything.
func (o *Orchestrator) transition(req *restoration.Request, to restoration.Status, actor, note string) (restoration.Event, error) {
	from := req.Status
	if !restoration.CanTransition(from, to) {
		return restoration.Event{}, restoration.Errorf(restoration.KindInvalidTransition, "request %s cannot move from %s to %s", req.ID, from, to)
	}

	now := o.now()
	req.Status = to
	req.Progress.Phase = to
	req.UpdatedAt = now
	if to.IsTerminal() {
		req.CompletedAt = now
	}
	if to == restoration.StatusCompleted && req.Options.AutoReArchiveDays > 0 {
		req.ReArchiveAt = now.AddDate(0, 0, req.Options.AutoReArchiveDays)
	}
	return restoration.Event{At: now, From: from, To: to, Actor: actor, Note: note}, nil
}

// note returns an audit event that records something without changing status.
func (o *Orchestrator) note(req *restoration.Request, actor, note string) restoration.Event {
	now := o.now()
	req.UpdatedAt = now
	return restoration.Event{At: now, From: req.Status, To: req.Status, Actor: actor, Note: note}
}

// committed records metrics and sends notifications for the transitions in a
// successful commit.
func (o *Orchestrator) committed(ctx context.Context, req *restoration.Request, events []restoration.Event) {
	for _, ev := range events {
		if ev.From == ev.To {
			continue
		}
		requestTransitions.WithLabelValues(string(ev.To)).Inc()
		o.logger.Info("request transitioned",
			"request_id", req.ID, "project_id", req.ProjectID,
			"from", ev.From, "to", ev.To, "actor", ev.Actor)

		switch {
		case ev.To.IsTerminal():
			if !req.ExecutionStartedAt.IsZero() {
				restoreDuration.WithLabelValues(string(ev.To)).Observe(req.CompletedAt.Sub(req.ExecutionStartedAt).Seconds())
			}
			if len(req.Options.NotifyOnComplete) > 0 {
				o.send(ctx, notify.KindTerminal, req)
			}
		case isMilestone(ev.To) && req.Options.NotifyOnMilestone:
			o.send(ctx, notify.KindMilestone, req)
		}
	}
}

func isMilestone(s restoration.Status) bool {
	switch s {
	case restoration.StatusAwaitingApproval, restoration.StatusRestoringMetadata,
		restoration.StatusRestoringAssets, restoration.StatusVerifying:
		return true
	default:
		return false
	}
}

// send delivers a notification. Delivery failures are logged, never returned.
func (o *Orchestrator) send(ctx context.Context, kind notify.Kind, req *restoration.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.NotifyTimeout)
	defer cancel()

	n := notify.Notification{
		Kind:       kind,
		Status:     req.Status,
		Recipients: append([]string(nil), req.Options.NotifyOnComplete...),
		Request:    req.Clone(),
		At:         o.now(),
	}
	if err := o.notifier.Notify(ctx, n); err != nil {
		o.logger.Warn("notification failed", "request_id", req.ID, "kind", kind, "status", req.Status, "error", err)
	}
}

// failureFor classifies err into the Failure recorded on a request.
func (o *Orchestrator) failureFor(err error, message string) *restoration.Failure {
	kind := restoration.KindOf(err)
	switch {
	case kind != "":
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		kind = restoration.KindInterrupted
	case provider.IsTransient(err):
		kind = restoration.KindProviderTransient
	case errors.Is(err, tier.ErrUnsupportedCombination):
		kind = restoration.KindUnsupportedCombination
	case errors.Is(err, provider.ErrIntegrity):
		kind = restoration.KindIntegrity
	default:
		kind = restoration.KindProvider
	}
	return &restoration.Failure{
		Kind:    kind,
		Message: message + ": " + err.Error(),
		At:      o.now(),
	}
}

func joinRoles(records []restoration.ApprovalRecord) string {
	roles := policy.Roles(records)
	parts := make([]string, len(roles))
	for i, r := range roles {
		parts[i] = string(r)
	}
	return strings.Join(parts, ", ")
}
