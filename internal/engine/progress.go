package engine

import (
	"sync"
	"time"

	"github.com/BadgerOps/resurrect/internal/restoration"
)

// AssetEvent records an asset reaching a new state for the recent activity log.
type AssetEvent struct {
	AssetID string               `json:"asset_id"`
	State   restoration.JobState `json:"state"`
	Error   string               `json:"error,omitempty"`
	Size    int64                `json:"size,omitempty"`
	At      time.Time            `json:"at"`
}

// RequestProgress is a snapshot of a running restore, safe for JSON serialization.
type RequestProgress struct {
	RequestID      string             `json:"request_id"`
	ProjectID      string             `json:"project_id"`
	Status         restoration.Status `json:"status"`
	TotalAssets    int                `json:"total_assets"`
	IssuedAssets   int                `json:"issued_assets"`
	RestoredAssets int                `json:"restored_assets"`
	VerifiedAssets int                `json:"verified_assets"`
	FailedAssets   int                `json:"failed_assets"`
	TotalBytes     int64              `json:"total_bytes"`
	RestoredBytes  int64              `json:"restored_bytes"`
	Percent        float64            `json:"percent"`
	RecentEvents   []AssetEvent       `json:"recent_events,omitempty"`
	TotalRetries   int                `json:"total_retries"`
	StartTime      time.Time          `json:"start_time"`
	Elapsed        string             `json:"elapsed"`
	Remaining      string             `json:"remaining,omitempty"`
	Overrun        bool               `json:"overrun"`
	Message        string             `json:"message,omitempty"`
	Done           bool               `json:"done"`
}

// ProgressTracker accumulates the progress of one request's runner in a
// thread-safe manner. SSE handlers use Wait() to block until new updates are
// available.
type ProgressTracker struct {
	mu  sync.Mutex
	now func() time.Time

	requestID      string
	projectID      string
	status         restoration.Status
	totalAssets    int
	issuedAssets   int
	restoredAssets int
	verifiedAssets int
	failedAssets   int
	totalBytes     int64
	restoredBytes  int64
	percent        float64
	totalRetries   int
	startTime      time.Time
	estimated      time.Duration
	overrun        bool
	message        string

	// Last seen state per asset, used to emit events only on change.
	states map[string]restoration.JobState

	// Rolling log of recent asset events (capped at 20)
	recentEvents []AssetEvent

	// Notification channel: close-and-replace pattern.
	// Listeners call Wait() to get the current channel, then block on it.
	// Any update closes the old channel and replaces it with a new one.
	notify chan struct{}
}

// NewProgressTracker creates a tracker for req.
func NewProgressTracker(req *restoration.Request, now func() time.Time) *ProgressTracker {
	if now == nil {
		now = time.Now
	}
	t := &ProgressTracker{
		now:       now,
		requestID: req.ID,
		projectID: req.ProjectID,
		status:    req.Status,
		startTime: req.ExecutionStartedAt,
		states:    make(map[string]restoration.JobState),
		notify:    make(chan struct{}),
	}
	if t.startTime.IsZero() {
		t.startTime = now()
	}
	if req.Estimates != nil {
		t.estimated = time.Duration(req.Estimates.TotalRestoreMinutes) * time.Minute
	}
	return t
}

// Snapshot returns a copy of the current progress state.
func (t *ProgressTracker) Snapshot() RequestProgress {
	t.mu.Lock()
	defer t.mu.Unlock()

	recentEvents := make([]AssetEvent, len(t.recentEvents))
	copy(recentEvents, t.recentEvents)

	elapsed := t.now().Sub(t.startTime)
	var remaining string
	if !t.status.IsTerminal() && t.estimated > elapsed {
		remaining = (t.estimated - elapsed).Truncate(time.Second).String()
	}

	return RequestProgress{
		RequestID:      t.requestID,
		ProjectID:      t.projectID,
		Status:         t.status,
		TotalAssets:    t.totalAssets,
		IssuedAssets:   t.issuedAssets,
		RestoredAssets: t.restoredAssets,
		VerifiedAssets: t.verifiedAssets,
		FailedAssets:   t.failedAssets,
		TotalBytes:     t.totalBytes,
		RestoredBytes:  t.restoredBytes,
		Percent:        t.percent,
		RecentEvents:   recentEvents,
		TotalRetries:   t.totalRetries,
		StartTime:      t.startTime,
		Elapsed:        elapsed.Truncate(time.Second).String(),
		Remaining:      remaining,
		Overrun:        t.overrun,
		Message:        t.message,
		Done:           t.status.IsTerminal(),
	}
}

// Wait returns a channel that will be closed when the next update occurs.
// Callers should select on this channel alongside a timeout for heartbeats.
func (t *ProgressTracker) Wait() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notify
}

// signal closes the current notify channel and replaces it with a new one.
// Must be called with t.mu held.
func (t *ProgressTracker) signal() {
	close(t.notify)
	t.notify = make(chan struct{})
}

// SetMessage sets a human-readable status message.
func (t *ProgressTracker) SetMessage(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.message = msg
	t.signal()
}

// AddRetries increments the total retry counter.
func (t *ProgressTracker) AddRetries(count int) {
	if count <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalRetries += count
	t.signal()
}

// Observe refreshes the tracker from the committed request and its asset jobs.
func (t *ProgressTracker) Observe(req *restoration.Request, jobs []restoration.AssetJob) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status = req.Status
	t.percent = req.Progress.PercentComplete
	t.overrun = req.Overrun.Flagged
	t.totalAssets = len(jobs)
	t.issuedAssets, t.restoredAssets, t.verifiedAssets, t.failedAssets = 0, 0, 0, 0
	t.totalBytes, t.restoredBytes = 0, 0

	at := t.now()
	for _, j := range jobs {
		t.totalBytes += j.Asset.SizeBytes
		switch j.State {
		case restoration.JobIssued:
			t.issuedAssets++
		case restoration.JobRestored:
			t.issuedAssets++
			t.restoredAssets++
			t.restoredBytes += j.Asset.SizeBytes
			if j.Verified {
				t.verifiedAssets++
			}
		case restoration.JobFailed:
			t.failedAssets++
		}

		if prev, ok := t.states[j.Asset.AssetID]; ok && prev != j.State {
			t.addRecentEvent(AssetEvent{AssetID: j.Asset.AssetID, State: j.State, Error: j.LastError, Size: j.Asset.SizeBytes, At: at})
		}
		t.states[j.Asset.AssetID] = j.State
	}
	t.signal()
}

// addRecentEvent prepends an event to the rolling log, capping at 20. Must be called with t.mu held.
func (t *ProgressTracker) addRecentEvent(ev AssetEvent) {
	t.recentEvents = append([]AssetEvent{ev}, t.recentEvents...)
	if len(t.recentEvents) > 20 {
		t.recentEvents = t.recentEvents[:20]
	}
}
