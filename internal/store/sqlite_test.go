package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/BadgerOps/resurrect/internal/restoration"
	"github.com/BadgerOps/resurrect/internal/tier"
)

// newTestStore creates an in-memory SQLite store for testing
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:", slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newRequest(id, project string) *restoration.Request {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &restoration.Request{
		ID:          id,
		ProjectID:   project,
		ProjectName: "Project " + project,
		RequestedBy: "alice",
		RequestedAt: now,
		Reason:      "re-edit",
		Priority:    restoration.PriorityNormal,
		Scope:       restoration.Scope{Type: restoration.ScopeFull, TargetTier: tier.Hot},
		Options:     restoration.Options{Tier: tier.Standard, AutoReArchiveDays: 7},
		Status:      restoration.StatusPending,
		UpdatedAt:   now,
	}
}

// ============================================================================
// Store Lifecycle Tests
// ============================================================================

func TestNew(t *testing.T) {
	store, err := New(":memory:", slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer store.Close()

	if store.db == nil {
		t.Error("Expected db to be initialized")
	}
	if store.logger == nil {
		t.Error("Expected logger to be initialized")
	}
}

func TestClose(t *testing.T) {
	store, err := New(":memory:", nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	if _, err := store.ListRequests(context.Background(), ListFilter{}); err == nil {
		t.Error("Expected error when using closed store, but got nil")
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate() failed: %v", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT MAX(version) FROM migrations").Scan(&version); err != nil {
		t.Fatalf("failed to read schema version: %v", err)
	}
	if version != 2 {
		t.Errorf("schema version = %d, want 2", version)
	}
}

// ============================================================================
// Request Tests
// ============================================================================

func TestCreateAndGetRequest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	req := newRequest("r1", "p1")
	req.Scope = restoration.Scope{Type: restoration.ScopePartial, AssetTypes: []string{"video"}, TargetTier: tier.Warm}
	req.Options.NotifyOnComplete = []string{"a@example.com"}

	if err := s.CreateRequest(ctx, req); err != nil {
		t.Fatalf("CreateRequest() failed: %v", err)
	}
	if req.Version != 1 {
		t.Errorf("Version = %d, want 1", req.Version)
	}

	got, err := s.GetRequest(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRequest() failed: %v", err)
	}

	if got.ProjectID != "p1" || got.Status != restoration.StatusPending || got.Version != 1 {
		t.Errorf("unexpected request: %+v", got)
	}
	if got.Scope.Type != restoration.ScopePartial || len(got.Scope.AssetTypes) != 1 || got.Scope.AssetTypes[0] != "video" {
		t.Errorf("scope did not round-trip: %+v", got.Scope)
	}
	if got.Options.Tier != tier.Standard || got.Options.NotifyOnComplete[0] != "a@example.com" {
		t.Errorf("options did not round-trip: %+v", got.Options)
	}
	if got.Estimates != nil {
		t.Errorf("Estimates = %+v, want nil", got.Estimates)
	}
	if !got.RequestedAt.Equal(req.RequestedAt) {
		t.Errorf("RequestedAt = %v, want %v", got.RequestedAt, req.RequestedAt)
	}
	if !got.CompletedAt.IsZero() {
		t.Errorf("CompletedAt = %v, want zero", got.CompletedAt)
	}

	events, err := s.ListEvents(ctx, "r1")
	if err != nil {
		t.Fatalf("ListEvents() failed: %v", err)
	}
	if len(events) != 1 || events[0].To != restoration.StatusPending || events[0].Actor != "alice" {
		t.Errorf("unexpected creation events: %+v", events)
	}
}

func TestGetRequestNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRequest(context.Background(), "missing")
	if !errors.Is(err, restoration.ErrNotFound) {
		t.Errorf("GetRequest() error = %v, want ErrNotFound", err)
	}
}

func TestOneOpenRequestPerProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := newRequest("r1", "p1")
	if err := s.CreateRequest(ctx, first); err != nil {
		t.Fatalf("CreateRequest() failed: %v", err)
	}

	err := s.CreateRequest(ctx, newRequest("r2", "p1"))
	if !errors.Is(err, restoration.ErrProjectBusy) {
		t.Fatalf("second CreateRequest() error = %v, want ErrProjectBusy", err)
	}

	// a different project is unaffected
	if err := s.CreateRequest(ctx, newRequest("r3", "p2")); err != nil {
		t.Fatalf("CreateRequest() for other project failed: %v", err)
	}

	// once the first request is terminal, the project accepts a new one
	first.Status = restoration.StatusCancelled
	if err := s.UpdateRequest(ctx, first); err != nil {
		t.Fatalf("UpdateRequest() failed: %v", err)
	}
	if err := s.CreateRequest(ctx, newRequest("r4", "p1")); err != nil {
		t.Fatalf("CreateRequest() after terminal failed: %v", err)
	}
}

func TestUpdateRequestVersionConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	req := newRequest("r1", "p1")
	if err := s.CreateRequest(ctx, req); err != nil {
		t.Fatalf("CreateRequest() failed: %v", err)
	}

	a, _ := s.GetRequest(ctx, "r1")
	b, _ := s.GetRequest(ctx, "r1")

	a.Status = restoration.StatusEstimating
	ev := restoration.Event{From: restoration.StatusPending, To: restoration.StatusEstimating, Actor: "system"}
	if err := s.UpdateRequest(ctx, a, ev); err != nil {
		t.Fatalf("UpdateRequest() failed: %v", err)
	}
	if a.Version != 2 {
		t.Errorf("Version = %d, want 2", a.Version)
	}

	b.Reason = "stale write"
	err := s.UpdateRequest(ctx, b)
	if !errors.Is(err, restoration.ErrVersionConflict) {
		t.Fatalf("stale UpdateRequest() error = %v, want ErrVersionConflict", err)
	}

	got, _ := s.GetRequest(ctx, "r1")
	if got.Reason != "re-edit" || got.Status != restoration.StatusEstimating {
		t.Errorf("stale write leaked: %+v", got)
	}

	events, _ := s.ListEvents(ctx, "r1")
	if len(events) != 2 || events[1].From != restoration.StatusPending || events[1].To != restoration.StatusEstimating {
		t.Errorf("unexpected events: %+v", events)
	}
}

func TestUpdateRequestNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateRequest(context.Background(), newRequest("ghost", "p1"))
	if !errors.Is(err, restoration.ErrNotFound) {
		t.Errorf("UpdateRequest() error = %v, want ErrNotFound", err)
	}
}

func TestConcurrentUpdatesLinearize(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateRequest(ctx, newRequest("r1", "p1")); err != nil {
		t.Fatalf("CreateRequest() failed: %v", err)
	}

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for {
				req, err := s.GetRequest(ctx, "r1")
				if err != nil {
					t.Errorf("GetRequest() failed: %v", err)
					return
				}
				req.Progress.RestoredAssets++
				err = s.UpdateRequest(ctx, req)
				if errors.Is(err, restoration.ErrVersionConflict) {
					continue
				}
				if err != nil {
					t.Errorf("UpdateRequest() failed: %v", err)
					return
				}
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
		}(i)
	}
	wg.Wait()

	got, _ := s.GetRequest(ctx, "r1")
	if got.Progress.RestoredAssets != writers || successes != writers {
		t.Errorf("RestoredAssets = %d, successes = %d, want %d", got.Progress.RestoredAssets, successes, writers)
	}
	if got.Version != writers+1 {
		t.Errorf("Version = %d, want %d", got.Version, writers+1)
	}
}

func TestRequestJSONColumnsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	req := newRequest("r1", "p1")
	if err := s.CreateRequest(ctx, req); err != nil {
		t.Fatalf("CreateRequest() failed: %v", err)
	}

	at := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	req.Status = restoration.StatusFailed
	req.Estimates = &restoration.Estimates{
		TotalAssets: 2, TotalSizeBytes: 42, RestoreCost: 1.5,
		TierBreakdown: []restoration.TierBreakdownEntry{{Tier: tier.Glacier, AssetCount: 2, SizeBytes: 42, RestoreCost: 1.5, RestoreTimeMinutes: 240}},
	}
	req.Approvals = []restoration.ApprovalRecord{{Role: restoration.RoleManager, Status: restoration.ApprovalApproved, ApprovedBy: "bob", ApprovedAt: &at}}
	req.Failure = &restoration.Failure{Kind: restoration.KindProviderTransient, Message: "throttled", At: at}
	req.Overrun = restoration.Overrun{Flagged: true, FlaggedAt: at}
	req.CompletedAt = at
	if err := s.UpdateRequest(ctx, req); err != nil {
		t.Fatalf("UpdateRequest() failed: %v", err)
	}

	got, err := s.GetRequest(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRequest() failed: %v", err)
	}
	if got.Estimates == nil || got.Estimates.TierBreakdown[0].RestoreTimeMinutes != 240 {
		t.Errorf("estimates did not round-trip: %+v", got.Estimates)
	}
	if len(got.Approvals) != 1 || got.Approvals[0].ApprovedBy != "bob" || !got.Approvals[0].ApprovedAt.Equal(at) {
		t.Errorf("approvals did not round-trip: %+v", got.Approvals)
	}
	if got.Failure == nil || got.Failure.Kind != restoration.KindProviderTransient {
		t.Errorf("failure did not round-trip: %+v", got.Failure)
	}
	if !got.Overrun.Flagged || !got.CompletedAt.Equal(at) {
		t.Errorf("overrun/completion did not round-trip: %+v %v", got.Overrun, got.CompletedAt)
	}
}

func TestListRequests(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		req := newRequest(fmt.Sprintf("r%d", i), fmt.Sprintf("p%d", i%2+i))
		req.RequestedAt = req.RequestedAt.Add(time.Duration(i) * time.Hour)
		if i%2 == 0 {
			req.Status = restoration.StatusCompleted
		}
		if err := s.CreateRequest(ctx, req); err != nil {
			t.Fatalf("CreateRequest(%d) failed: %v", i, err)
		}
	}

	all, err := s.ListRequests(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("ListRequests() failed: %v", err)
	}
	if len(all) != 5 || all[0].ID != "r4" {
		t.Errorf("expected 5 requests newest first, got %d starting with %s", len(all), all[0].ID)
	}

	limited, _ := s.ListRequests(ctx, ListFilter{Limit: 2})
	if len(limited) != 2 {
		t.Errorf("limit ignored: %d", len(limited))
	}

	active, err := s.ListActiveRequests(ctx)
	if err != nil {
		t.Fatalf("ListActiveRequests() failed: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("ListActiveRequests() = %d, want 2", len(active))
	}

	byProject, _ := s.ListRequests(ctx, ListFilter{ProjectID: "p0"})
	if len(byProject) != 1 || byProject[0].ID != "r0" {
		t.Errorf("project filter returned %+v", byProject)
	}

	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus() failed: %v", err)
	}
	if counts[restoration.StatusCompleted] != 3 || counts[restoration.StatusPending] != 2 {
		t.Errorf("CountByStatus() = %v", counts)
	}
}

// ============================================================================
// AssetJob Tests
// ============================================================================

func TestAssetJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateRequest(ctx, newRequest("r1", "p1")); err != nil {
		t.Fatalf("CreateRequest() failed: %v", err)
	}

	now := time.Now().UTC()
	jobs := []restoration.AssetJob{
		{ID: "j2", RequestID: "r1", Asset: restoration.AssetStorageRecord{AssetID: "b", AssetType: "video", StorageTier: tier.Glacier, SizeBytes: 20}, State: restoration.JobQueued, UpdatedAt: now},
		{ID: "j1", RequestID: "r1", Asset: restoration.AssetStorageRecord{AssetID: "a", AssetType: "metadata", StorageTier: tier.DeepArchive, SizeBytes: 10}, State: restoration.JobQueued, UpdatedAt: now},
	}
	if err := s.SaveAssetJobs(ctx, jobs); err != nil {
		t.Fatalf("SaveAssetJobs() failed: %v", err)
	}

	got, err := s.ListAssetJobs(ctx, "r1")
	if err != nil {
		t.Fatalf("ListAssetJobs() failed: %v", err)
	}
	if len(got) != 2 || got[0].Asset.AssetID != "a" || got[0].Asset.StorageTier != tier.DeepArchive {
		t.Fatalf("unexpected jobs: %+v", got)
	}

	got[1].Handle = "h-b"
	got[1].State = restoration.JobRestored
	got[1].Attempts = 2
	got[1].Verified = true
	if err := s.UpdateAssetJob(ctx, &got[1]); err != nil {
		t.Fatalf("UpdateAssetJob() failed: %v", err)
	}

	again, _ := s.ListAssetJobs(ctx, "r1")
	if again[1].Handle != "h-b" || again[1].State != restoration.JobRestored || again[1].Attempts != 2 || !again[1].Verified {
		t.Errorf("update did not persist: %+v", again[1])
	}

	missing := restoration.AssetJob{ID: "nope"}
	if err := s.UpdateAssetJob(ctx, &missing); !errors.Is(err, restoration.ErrNotFound) {
		t.Errorf("UpdateAssetJob(missing) error = %v, want ErrNotFound", err)
	}

	if err := s.SaveAssetJobs(ctx, jobs[:1]); err == nil {
		t.Error("expected duplicate asset job insert to fail")
	}
}

func TestAppendEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateRequest(ctx, newRequest("r1", "p1")); err != nil {
		t.Fatalf("CreateRequest() failed: %v", err)
	}

	ev := &restoration.Event{RequestID: "r1", To: restoration.StatusPending, Note: "stale overrun flagged"}
	if err := s.AppendEvent(ctx, ev); err != nil {
		t.Fatalf("AppendEvent() failed: %v", err)
	}
	if ev.ID == 0 || ev.At.IsZero() {
		t.Errorf("AppendEvent() did not fill ID/At: %+v", ev)
	}

	events, _ := s.ListEvents(ctx, "r1")
	if len(events) != 2 || events[1].Note != "stale overrun flagged" {
		t.Errorf("unexpected events: %+v", events)
	}
}
