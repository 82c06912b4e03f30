package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BadgerOps/resurrect/internal/notify"
	"github.com/BadgerOps/resurrect/internal/provider"
	"github.com/BadgerOps/resurrect/internal/provider/simulated"
	"github.com/BadgerOps/resurrect/internal/restoration"
	"github.com/BadgerOps/resurrect/internal/store"
	"github.com/BadgerOps/resurrect/internal/tier"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recorder struct {
	mu    sync.Mutex
	notes []notify.Notification
}

func (r *recorder) Notify(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return nil
}

func (r *recorder) all() []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Notification(nil), r.notes...)
}

type harness struct {
	store *store.Store
	sim   *simulated.Provider
	clock *clock
	notes *recorder
	orch  *Orchestrator
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func inventory() simulated.Inventory {
	return simulated.Inventory{
		"film": {
			{AssetID: "film/edit.edl", AssetType: restoration.AssetTypeMetadata, StorageTier: tier.Glacier, SizeBytes: 1 << 20},
			{AssetID: "film/poster.png", AssetType: "image", StorageTier: tier.Hot, SizeBytes: 1 << 20},
			{AssetID: "film/reel1.mov", AssetType: "video", StorageTier: tier.Glacier, SizeBytes: 40 << 30},
			{AssetID: "film/reel2.mov", AssetType: "video", StorageTier: tier.DeepArchive, SizeBytes: 60 << 30},
		},
		"big": {
			{AssetID: "big/master.mxf", AssetType: "video", StorageTier: tier.Glacier, SizeBytes: 600 << 30},
		},
		"empty": {},
	}
}

// newHarness wires an orchestrator to an in-memory store and a simulated
// provider whose restores finish after timeScale times the tier window.
func newHarness(t *testing.T, timeScale float64) *harness {
	t.Helper()

	st, err := store.New(":memory:", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clk := &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	sim := simulated.New(inventory(), simulated.Options{Model: tier.DefaultModel(), TimeScale: timeScale, Now: clk.Now})
	rec := &recorder{}

	orch, err := New(Deps{Repo: st, Provider: sim, Notifier: rec, Logger: testLogger()}, Options{
		PollInterval:         10 * time.Millisecond,
		ScanInterval:         10 * time.Millisecond,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     2 * time.Millisecond,
		Now:                  clk.Now,
	})
	require.NoError(t, err)

	return &harness{store: st, sim: sim, clock: clk, notes: rec, orch: orch}
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (h *harness) waitStatus(t *testing.T, id string, want restoration.Status) *restoration.Request {
	t.Helper()
	var got *restoration.Request
	require.Eventually(t, func() bool {
		req, err := h.store.GetRequest(context.Background(), id)
		if err != nil {
			return false
		}
		got = req
		return req.Status == want
	}, 5*time.Second, 5*time.Millisecond, "request never reached %s", want)
	return got
}

func input(project string) SubmitInput {
	return SubmitInput{
		ProjectID:   project,
		ProjectName: "Feature Film",
		RequestedBy: "alice",
		Reason:      "director's cut",
		Priority:    restoration.PriorityNormal,
		Scope:       restoration.Scope{Type: restoration.ScopeFull, TargetTier: tier.Hot},
		Options:     restoration.Options{Tier: tier.Standard},
	}
}

func approve(t *testing.T, h *harness, id string, role restoration.Role) *restoration.Request {
	t.Helper()
	req, err := h.orch.RecordApproval(context.Background(), ApprovalAction{RequestID: id, Role: role, Decision: DecisionApprove, ActorID: "approver-" + string(role)})
	require.NoError(t, err)
	return req
}

func statuses(events []restoration.Event) []restoration.Status {
	var out []restoration.Status
	for _, ev := range events {
		if ev.From != ev.To {
			out = append(out, ev.To)
		}
	}
	return out
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Deps{}, Options{})
	assert.Error(t, err)

	st, err := store.New(":memory:", testLogger())
	require.NoError(t, err)
	defer st.Close()
	_, err = New(Deps{Repo: st}, Options{})
	assert.Error(t, err)
}

func TestSubmitAwaitsApproval(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	req, err := h.orch.Submit(ctx, input("film"))
	require.NoError(t, err)

	assert.Equal(t, restoration.StatusAwaitingApproval, req.Status)
	require.NotNil(t, req.Estimates)
	assert.Equal(t, 4, req.Estimates.TotalAssets)
	assert.Equal(t, int64(100<<30+2<<20), req.Estimates.TotalSizeBytes)
	assert.Equal(t, 725, req.Estimates.TotalRestoreMinutes)
	require.Len(t, req.Approvals, 1)
	assert.Equal(t, restoration.RoleManager, req.Approvals[0].Role)
	assert.Equal(t, restoration.ApprovalPending, req.Approvals[0].Status)

	events, err := h.store.ListEvents(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, []restoration.Status{restoration.StatusEstimating, restoration.StatusAwaitingApproval}, statuses(events))
	assert.Equal(t, restoration.StatusPending, events[0].To)

	jobs, err := h.store.ListAssetJobs(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 4)
	for _, j := range jobs {
		if j.Asset.StorageTier == tier.Hot {
			assert.Equal(t, restoration.JobRestored, j.State, "hot assets need no restore")
		} else {
			assert.Equal(t, restoration.JobQueued, j.State)
		}
	}

	// detached orchestrators never reach the provider for restores
	assert.Empty(t, h.sim.Issued())
}

func TestSubmitInvalidIsNotPersisted(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	in := input("film")
	in.Reason = "   "
	in.Options.AutoReArchiveDays = -1

	req, err := h.orch.Submit(ctx, in)
	assert.Nil(t, req)
	require.Error(t, err)
	assert.True(t, restoration.IsKind(err, restoration.KindValidation))

	var re *restoration.Error
	require.ErrorAs(t, err, &re)
	fields := make([]string, len(re.Violations))
	for i, v := range re.Violations {
		fields[i] = v.Field
	}
	assert.Contains(t, fields, "reason")
	assert.Contains(t, fields, "options.auto_rearchive_days")

	all, err := h.store.ListRequests(ctx, store.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSubmitRejectsBusyProject(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	first, err := h.orch.Submit(ctx, input("film"))
	require.NoError(t, err)

	_, err = h.orch.Submit(ctx, input("film"))
	require.Error(t, err)
	assert.True(t, restoration.IsKind(err, restoration.KindProjectBusy))
	assert.ErrorIs(t, err, restoration.ErrProjectBusy)

	// other projects are unaffected
	_, err = h.orch.Submit(ctx, input("big"))
	require.NoError(t, err)

	_, err = h.orch.CancelRequest(ctx, first.ID, "alice")
	require.NoError(t, err)

	again, err := h.orch.Submit(ctx, input("film"))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, again.ID)
}

func TestSubmitUnsupportedCombinationFails(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	in := input("film")
	in.Options.Tier = tier.Expedited

	req, err := h.orch.Submit(ctx, in)
	require.Error(t, err)
	assert.True(t, restoration.IsKind(err, restoration.KindUnsupportedCombination))
	assert.Contains(t, err.Error(), "cheapest supported: bulk")

	require.NotNil(t, req)
	assert.Equal(t, restoration.StatusFailed, req.Status)
	require.NotNil(t, req.Failure)
	assert.Equal(t, restoration.KindUnsupportedCombination, req.Failure.Kind)
	assert.Nil(t, req.Estimates)

	// a failed request frees the project
	_, err = h.orch.Submit(ctx, input("film"))
	assert.NoError(t, err)
}

func TestSubmitInventoryFailures(t *testing.T) {
	t.Run("transient errors exhaust retries", func(t *testing.T) {
		h := newHarness(t, 0)
		h.sim.FailListing(provider.Transient(errors.New("throttled")))

		req, err := h.orch.Submit(context.Background(), input("film"))
		require.Error(t, err)
		require.NotNil(t, req)
		assert.Equal(t, restoration.StatusFailed, req.Status)
		assert.Equal(t, restoration.KindProviderTransient, req.Failure.Kind)
		assert.Contains(t, req.Failure.Message, "throttled")
	})

	t.Run("unknown project", func(t *testing.T) {
		h := newHarness(t, 0)

		req, err := h.orch.Submit(context.Background(), input("nope"))
		require.Error(t, err)
		require.NotNil(t, req)
		assert.Equal(t, restoration.StatusFailed, req.Status)
		assert.Equal(t, restoration.KindNotFound, req.Failure.Kind)
	})
}

// cancellingProvider cancels the submitter's context while the inventory is
// being listed, as a client that disconnects mid-request would.
type cancellingProvider struct {
	*simulated.Provider
	cancel context.CancelFunc
}

func (p *cancellingProvider) ListAssets(ctx context.Context, projectID string) ([]restoration.AssetStorageRecord, error) {
	p.cancel()
	return nil, ctx.Err()
}

// jobSaveFailure fails every attempt to record asset jobs.
type jobSaveFailure struct {
	*store.Store
}

func (r jobSaveFailure) SaveAssetJobs(context.Context, []restoration.AssetJob) error {
	return errors.New("disk full")
}

func TestSubmitSettlesWhenCallerGoesAway(t *testing.T) {
	h := newHarness(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orch, err := New(Deps{
		Repo:     h.store,
		Provider: &cancellingProvider{Provider: h.sim, cancel: cancel},
		Logger:   testLogger(),
	}, Options{RetryInitialInterval: time.Millisecond, Now: h.clock.Now})
	require.NoError(t, err)

	req, err := orch.Submit(ctx, input("film"))
	require.Error(t, err)
	assert.True(t, restoration.IsKind(err, restoration.KindInterrupted))
	require.NotNil(t, req)
	assert.Equal(t, restoration.StatusFailed, req.Status)

	stored, err := h.store.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, restoration.StatusFailed, stored.Status)
	require.NotNil(t, stored.Failure)
	assert.Equal(t, restoration.KindInterrupted, stored.Failure.Kind)

	// the project is free again
	_, err = h.orch.Submit(context.Background(), input("film"))
	assert.NoError(t, err)
}

func TestSubmitFailsWhenJobsCannotBeSaved(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	orch, err := New(Deps{
		Repo:     jobSaveFailure{h.store},
		Provider: h.sim,
		Logger:   testLogger(),
	}, Options{Now: h.clock.Now})
	require.NoError(t, err)

	req, err := orch.Submit(ctx, input("film"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	require.NotNil(t, req)
	assert.Equal(t, restoration.StatusFailed, req.Status)
	require.NotNil(t, req.Failure)
	assert.Contains(t, req.Failure.Message, "disk full")

	_, err = h.orch.Submit(ctx, input("film"))
	assert.NoError(t, err)
}

func TestSubmitPartialScope(t *testing.T) {
	h := newHarness(t, 0)

	in := input("film")
	in.Scope = restoration.Scope{Type: restoration.ScopePartial, AssetTypes: []string{"video"}, TargetTier: tier.Warm}

	req, err := h.orch.Submit(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 2, req.Estimates.TotalAssets)
	assert.Equal(t, int64(100<<30), req.Estimates.TotalSizeBytes)
}

func TestSubmitEmptyProject(t *testing.T) {
	h := newHarness(t, 0)
	h.run(t)

	req, err := h.orch.Submit(context.Background(), input("empty"))
	require.NoError(t, err)
	assert.Equal(t, restoration.Estimates{TierBreakdown: req.Estimates.TierBreakdown}, *req.Estimates)

	approve(t, h, req.ID, restoration.RoleManager)
	done := h.waitStatus(t, req.ID, restoration.StatusCompleted)
	assert.Equal(t, 100.0, done.Progress.PercentComplete)
}

func TestPreviewDoesNotPersist(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	in := input("big")
	in.Priority = restoration.PriorityUrgent

	plan, err := h.orch.Preview(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, 1, plan.Estimates.TotalAssets)
	assert.Equal(t,
		[]restoration.Role{restoration.RoleManager, restoration.RoleFinance, restoration.RoleDirector},
		rolesOf(plan.Approvals))

	all, err := h.store.ListRequests(ctx, store.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)

	in.Reason = ""
	_, err = h.orch.Preview(ctx, in)
	assert.True(t, restoration.IsKind(err, restoration.KindValidation))
}

func rolesOf(records []restoration.ApprovalRecord) []restoration.Role {
	out := make([]restoration.Role, len(records))
	for i, r := range records {
		out[i] = r.Role
	}
	return out
}

func TestConcurrentApprovals(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	in := input("big")
	in.Priority = restoration.PriorityUrgent
	req, err := h.orch.Submit(ctx, in)
	require.NoError(t, err)
	require.Len(t, req.Approvals, 3)

	var wg sync.WaitGroup
	errs := make(chan error, len(req.Approvals))
	for _, a := range req.Approvals {
		wg.Add(1)
		go func(role restoration.Role) {
			defer wg.Done()
			_, err := h.orch.RecordApproval(ctx, ApprovalAction{
				RequestID: req.ID, Role: role, Decision: DecisionApprove, ActorID: "approver-" + string(role),
			})
			errs <- err
		}(a.Role)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	final, err := h.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, restoration.StatusRestoringAssets, final.Status)
	assert.True(t, final.AllApproved())
	for _, a := range final.Approvals {
		assert.Equal(t, "approver-"+string(a.Role), a.ApprovedBy)
		assert.NotNil(t, a.ApprovedAt)
	}
	assert.False(t, final.ExecutionStartedAt.IsZero())
}

func TestApprovalRules(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	req, err := h.orch.Submit(ctx, input("big"))
	require.NoError(t, err)
	require.Equal(t, []restoration.Role{restoration.RoleManager, restoration.RoleFinance}, rolesOf(req.Approvals))

	after := approve(t, h, req.ID, restoration.RoleManager)
	assert.Equal(t, restoration.StatusAwaitingApproval, after.Status)

	tests := []struct {
		name   string
		action ApprovalAction
		kind   restoration.Kind
	}{
		{"re-approve", ApprovalAction{RequestID: req.ID, Role: restoration.RoleManager, Decision: DecisionApprove, ActorID: "bob"}, restoration.KindInvalidTransition},
		{"reject after approve", ApprovalAction{RequestID: req.ID, Role: restoration.RoleManager, Decision: DecisionReject, ActorID: "bob"}, restoration.KindInvalidTransition},
		{"role not required", ApprovalAction{RequestID: req.ID, Role: restoration.RoleDirector, Decision: DecisionApprove, ActorID: "dee"}, restoration.KindInvalidTransition},
		{"unknown role", ApprovalAction{RequestID: req.ID, Role: "CFO", Decision: DecisionApprove, ActorID: "x"}, restoration.KindValidation},
		{"unknown decision", ApprovalAction{RequestID: req.ID, Role: restoration.RoleFinance, Decision: "maybe", ActorID: "x"}, restoration.KindValidation},
		{"missing actor", ApprovalAction{RequestID: req.ID, Role: restoration.RoleFinance, Decision: DecisionApprove}, restoration.KindValidation},
		{"unknown request", ApprovalAction{RequestID: "missing", Role: restoration.RoleFinance, Decision: DecisionApprove, ActorID: "x"}, restoration.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.RecordApproval(ctx, tt.action)
			require.Error(t, err)
			assert.Equal(t, tt.kind, restoration.KindOf(err))
		})
	}

	// failed actions never mutate state
	unchanged, err := h.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, after.Version, unchanged.Version)
	assert.Equal(t, after.Approvals, unchanged.Approvals)
}

func TestRejectionCancels(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	in := input("film")
	in.Options.NotifyOnComplete = []string{"alice@example.com"}
	req, err := h.orch.Submit(ctx, in)
	require.NoError(t, err)

	out, err := h.orch.RecordApproval(ctx, ApprovalAction{
		RequestID: req.ID, Role: restoration.RoleManager, Decision: DecisionReject, ActorID: "mgr", Comment: "not this quarter",
	})
	require.NoError(t, err)
	assert.Equal(t, restoration.StatusCancelled, out.Status)
	require.NotNil(t, out.Failure)
	assert.Equal(t, restoration.KindApprovalRejected, out.Failure.Kind)
	assert.Equal(t, restoration.RoleManager, out.Failure.Role)
	assert.Contains(t, out.Failure.Message, "not this quarter")
	assert.Equal(t, restoration.ApprovalRejected, out.Approvals[0].Status)
	assert.NotNil(t, out.Estimates, "terminal requests keep their estimate")

	notes := h.notes.all()
	require.Len(t, notes, 1)
	assert.Equal(t, notify.KindTerminal, notes[0].Kind)
	assert.Equal(t, restoration.StatusCancelled, notes[0].Status)
	assert.Equal(t, []string{"alice@example.com"}, notes[0].Recipients)

	// terminal requests accept nothing further
	_, err = h.orch.RecordApproval(ctx, ApprovalAction{RequestID: req.ID, Role: restoration.RoleManager, Decision: DecisionApprove, ActorID: "mgr"})
	assert.True(t, restoration.IsKind(err, restoration.KindInvalidTransition))
	_, err = h.orch.CancelRequest(ctx, req.ID, "alice")
	assert.True(t, restoration.IsKind(err, restoration.KindInvalidTransition))
}

func TestCancelBeforeExecution(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	req, err := h.orch.Submit(ctx, input("film"))
	require.NoError(t, err)

	_, err = h.orch.CancelRequest(ctx, req.ID, " ")
	assert.True(t, restoration.IsKind(err, restoration.KindValidation))

	out, err := h.orch.CancelRequest(ctx, req.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, restoration.StatusCancelled, out.Status)
	assert.Equal(t, restoration.KindCancelled, out.Failure.Kind)
	assert.Equal(t, "alice", out.Failure.Actor)
	assert.False(t, out.CompletedAt.IsZero())

	_, err = h.orch.CancelRequest(ctx, req.ID, "alice")
	assert.True(t, restoration.IsKind(err, restoration.KindInvalidTransition))

	_, err = h.orch.CancelRequest(ctx, "missing", "alice")
	assert.ErrorIs(t, err, restoration.ErrNotFound)
}

func TestNotificationsFollowOptions(t *testing.T) {
	h := newHarness(t, 0)

	// neither milestone nor completion notifications requested
	req, err := h.orch.Submit(context.Background(), input("film"))
	require.NoError(t, err)
	_, err = h.orch.CancelRequest(context.Background(), req.ID, "alice")
	require.NoError(t, err)
	assert.Empty(t, h.notes.all())

	in := input("film")
	in.Options.NotifyOnMilestone = true
	req, err = h.orch.Submit(context.Background(), in)
	require.NoError(t, err)
	notes := h.notes.all()
	require.Len(t, notes, 1)
	assert.Equal(t, notify.KindMilestone, notes[0].Kind)
	assert.Equal(t, restoration.StatusAwaitingApproval, notes[0].Status)
	assert.Equal(t, req.ID, notes[0].Request.ID)
}
