package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BadgerOps/resurrect/internal/notify"
	"github.com/BadgerOps/resurrect/internal/provider"
	"github.com/BadgerOps/resurrect/internal/restoration"
)

// runner is the in-process executor of one request.
type runner struct {
	wake chan struct{}
	done chan struct{}

	mu      sync.Mutex
	stop    context.CancelFunc
	stopped bool
}

func newRunner() *runner {
	return &runner{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// poke wakes the runner before its next poll interval.
func (r *runner) poke() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// stopIssuing prevents any further restore calls from being dispatched.
func (r *runner) stopIssuing() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.stop != nil {
		r.stop()
	}
}

func (r *runner) isStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// issueContext returns a context that is done once issuing must stop.
func (r *runner) issueContext(parent context.Context) (context.Context, context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx, cancel := context.WithCancel(parent)
	if r.stopped {
		cancel()
	}
	r.stop = cancel
	return ctx, cancel
}

// Run resumes every executing request, then rescans the repository every
// ScanInterval until ctx is done. It returns after all runners have stopped.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.runCtx != nil {
		o.mu.Unlock()
		return errors.New("orchestrator is already running")
	}
	o.runCtx = ctx
	o.mu.Unlock()

	defer func() {
		o.wg.Wait()
		o.mu.Lock()
		o.runCtx = nil
		o.mu.Unlock()
	}()

	o.logger.Info("orchestrator started",
		"provider", o.provider.Name(),
		"poll_interval", o.opts.PollInterval,
		"scan_interval", o.opts.ScanInterval)

	o.scan(ctx)

	ticker := time.NewTicker(o.opts.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("orchestrator stopping")
			return nil
		case <-ticker.C:
			o.scan(ctx)
		}
	}
}

// scan starts runners for executing requests, fails orphaned submissions and
// drops trackers of finished requests.
func (o *Orchestrator) scan(ctx context.Context) {
	reqs, err := o.repo.ListActiveRequests(ctx)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Error("failed to list active requests", "error", err)
		}
		return
	}

	for _, req := range reqs {
		switch {
		case req.Status.IsExecuting():
			o.startRunner(req.ID)
		case req.Status == restoration.StatusPending || req.Status == restoration.StatusEstimating:
			if o.now().Sub(req.UpdatedAt) > o.opts.OrphanTimeout {
				o.failOrphan(ctx, req.ID)
			}
		}
	}

	o.mu.Lock()
	for id, t := range o.trackers {
		if _, running := o.runners[id]; !running && t.Snapshot().Done {
			delete(o.trackers, id)
		}
	}
	o.mu.Unlock()
}

func (o *Orchestrator) failOrphan(ctx context.Context, id string) {
	_, err := o.mutate(ctx, id, func(r *restoration.Request) ([]restoration.Event, error) {
		if r.Status != restoration.StatusPending && r.Status != restoration.StatusEstimating {
			return nil, errNoChange
		}
		if o.now().Sub(r.UpdatedAt) <= o.opts.OrphanTimeout {
			return nil, errNoChange
		}

		var events []restoration.Event
		if r.Status == restoration.StatusPending {
			ev, err := o.transition(r, restoration.StatusEstimating, SystemActor, "recovered after restart")
			if err != nil {
				return nil, err
			}
			events = append(events, ev)
		}
		r.Failure = &restoration.Failure{
			Kind:    restoration.KindProvider,
			Message: "estimation was interrupted before it completed",
			At:      o.now(),
		}
		ev, err := o.transition(r, restoration.StatusFailed, SystemActor, r.Failure.Message)
		return append(events, ev), err
	})
	if err != nil {
		o.logger.Error("failed to fail orphaned request", "request_id", id, "error", err)
	}
}

func (o *Orchestrator) runner(id string) *runner {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runners[id]
}

// startRunner launches the runner of an executing request unless one is
// already active or the orchestrator is detached.
func (o *Orchestrator) startRunner(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ctx := o.runCtx
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if r, ok := o.runners[id]; ok {
		r.poke()
		return
	}

	r := newRunner()
	o.runners[id] = r
	o.wg.Add(1)
	activeRunners.Inc()

	go func() {
		defer o.wg.Done()
		defer activeRunners.Dec()
		defer func() {
			o.mu.Lock()
			delete(o.runners, id)
			o.mu.Unlock()
			close(r.done)
		}()
		o.execute(ctx, id, r)
	}()
}

type stepResult int

const (
	stepWait stepResult = iota
	stepAgain
	stepDone
)

// execute steps the request until it is terminal or ctx is done, sleeping
// PollInterval between steps that are waiting on the provider.
func (o *Orchestrator) execute(ctx context.Context, id string, r *runner) {
	logger := o.logger.With("request_id", id)
	logger.Info("restore runner started")

	for {
		if ctx.Err() != nil {
			logger.Info("restore runner stopped")
			return
		}

		res, err := o.step(ctx, id, r)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("restore runner stopped")
				return
			}
			if errors.Is(err, restoration.ErrNotFound) {
				logger.Error("request disappeared", "error", err)
				return
			}
			logger.Error("restore step failed", "error", err)
			res = stepWait
		}

		switch res {
		case stepDone:
			logger.Info("restore runner finished")
			return
		case stepAgain:
			continue
		}

		timer := time.NewTimer(o.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-r.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// step performs one round of work on the request's current phase.
func (o *Orchestrator) step(ctx context.Context, id string, r *runner) (stepResult, error) {
	req, err := o.repo.GetRequest(ctx, id)
	if err != nil {
		return stepWait, err
	}
	jobs, err := o.repo.ListAssetJobs(ctx, id)
	if err != nil {
		return stepWait, err
	}
	tracker := o.trackerFor(req)
	tracker.Observe(req, jobs)

	if !req.Status.IsExecuting() {
		return stepDone, nil
	}
	if req.CancelRequested {
		return stepDone, o.settleCancel(ctx, req, jobs, tracker)
	}

	var failure *restoration.Failure
	switch req.Status {
	case restoration.StatusRestoringMetadata, restoration.StatusRestoringAssets:
		inPhase := phaseFilter(req.Status)
		tracker.SetMessage(fmt.Sprintf("%s: issuing and polling restores", req.Status))

		failure, err = o.issue(ctx, req, jobs, inPhase, r, tracker)
		if err != nil {
			return stepWait, err
		}
		if failure == nil && r.isStopped() {
			return stepAgain, nil
		}
		if jobs, err = o.repo.ListAssetJobs(ctx, id); err != nil {
			return stepWait, err
		}
		if failure == nil {
			failure, err = o.poll(ctx, jobs, inPhase, tracker)
			if err != nil {
				return stepWait, err
			}
		}

	case restoration.StatusVerifying:
		tracker.SetMessage("verifying restored assets")
		failure, err = o.verify(ctx, jobs, tracker)
		if err != nil {
			return stepWait, err
		}
	}

	phaseDone := failure == nil && phaseComplete(req.Status, jobs)
	next, err := o.advance(ctx, id, jobs, failure, phaseDone)
	if err != nil {
		return stepWait, err
	}
	tracker.Observe(next, jobs)

	switch {
	case next.Status.IsTerminal():
		return stepDone, nil
	case next.Status != req.Status, next.CancelRequested:
		return stepAgain, nil
	default:
		return stepWait, nil
	}
}

func phaseFilter(status restoration.Status) func(restoration.AssetJob) bool {
	if status == restoration.StatusRestoringMetadata {
		return func(j restoration.AssetJob) bool { return j.Asset.AssetType == restoration.AssetTypeMetadata }
	}
	return func(restoration.AssetJob) bool { return true }
}

func phaseComplete(status restoration.Status, jobs []restoration.AssetJob) bool {
	inPhase := phaseFilter(status)
	for _, j := range jobs {
		if !inPhase(j) {
			continue
		}
		if j.State != restoration.JobRestored {
			return false
		}
		if status == restoration.StatusVerifying && !j.Verified {
			return false
		}
	}
	return true
}

// issue dispatches every queued job of the phase through the pool and records
// the handles. A job that cannot be issued fails the request.
func (o *Orchestrator) issue(ctx context.Context, req *restoration.Request, jobs []restoration.AssetJob, inPhase func(restoration.AssetJob) bool, r *runner, tracker *ProgressTracker) (*restoration.Failure, error) {
	var batch []IssueJob
	for _, j := range jobs {
		if j.State != restoration.JobQueued || !inPhase(j) {
			continue
		}
		batch = append(batch, IssueJob{
			Job: j,
			Call: provider.Call{
				AssetID:     j.Asset.AssetID,
				StorageTier: j.Asset.StorageTier,
				Speed:       req.Options.Tier,
				RetainDays:  req.Options.AutoReArchiveDays,
			},
		})
	}
	if len(batch) == 0 {
		return nil, nil
	}

	stop, cancel := r.issueContext(ctx)
	defer cancel()

	results := o.pool.Execute(stop, batch)

	// Results are recorded even during shutdown so issued handles are never lost.
	saveCtx := context.WithoutCancel(ctx)
	var failure *restoration.Failure
	for _, res := range results {
		job := res.Job
		job.Attempts += res.Attempts
		job.UpdatedAt = o.now()
		tracker.AddRetries(res.Attempts - 1)

		if res.Err != nil {
			job.State = restoration.JobFailed
			job.LastError = res.Err.Error()
			if failure == nil {
				failure = o.failureFor(res.Err, fmt.Sprintf("restore of asset %s could not be issued", job.Asset.AssetID))
			}
		} else {
			job.State = restoration.JobIssued
			job.Handle = string(res.Handle)
			job.LastError = ""
		}

		if err := o.repo.UpdateAssetJob(saveCtx, &job); err != nil {
			return nil, err
		}
	}
	return failure, nil
}

func (o *Orchestrator) issueRestore(ctx context.Context, call provider.Call) (provider.JobHandle, int, error) {
	return retryTransient(ctx, o.retry, "issue_restore", o.logger, func() (provider.JobHandle, error) {
		h, err := o.provider.IssueRestore(ctx, call)
		providerCalls.WithLabelValues("issue_restore", providerResult(err)).Inc()
		return h, err
	})
}

// poll asks the provider for the status of every issued job of the phase.
func (o *Orchestrator) poll(ctx context.Context, jobs []restoration.AssetJob, inPhase func(restoration.AssetJob) bool, tracker *ProgressTracker) (*restoration.Failure, error) {
	for i := range jobs {
		j := &jobs[i]
		if j.State != restoration.JobIssued || !inPhase(*j) {
			continue
		}

		status, attempts, err := o.pollStatus(ctx, j)
		tracker.AddRetries(attempts - 1)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return o.failureFor(err, fmt.Sprintf("status of asset %s could not be polled", j.Asset.AssetID)), nil
		}

		switch status {
		case provider.StatusPending:
			continue
		case provider.StatusRestored:
			j.State = restoration.JobRestored
		case provider.StatusFailed:
			j.State = restoration.JobFailed
			j.LastError = "provider reported the restore as failed"
		default:
			o.logger.Warn("ignoring unknown provider status", "asset_id", j.Asset.AssetID, "status", status)
			continue
		}

		j.UpdatedAt = o.now()
		if err := o.repo.UpdateAssetJob(ctx, j); err != nil {
			return nil, err
		}
		if j.State == restoration.JobFailed {
			return &restoration.Failure{
				Kind:    restoration.KindProvider,
				Message: fmt.Sprintf("provider reported restore of asset %s as failed", j.Asset.AssetID),
				At:      o.now(),
			}, nil
		}
	}
	return nil, nil
}

func (o *Orchestrator) pollStatus(ctx context.Context, j *restoration.AssetJob) (provider.JobStatus, int, error) {
	return retryTransient(ctx, o.retry, "poll_status", o.logger, func() (provider.JobStatus, error) {
		st, err := o.provider.PollStatus(ctx, provider.JobHandle(j.Handle))
		providerCalls.WithLabelValues("poll_status", providerResult(err)).Inc()
		return st, err
	})
}

// verify checks every restored, unverified job. Providers that implement
// provider.Verifier check content; for the rest the restore must still be
// reported as restored. Assets that never needed a restore have no handle and
// pass as they are.
func (o *Orchestrator) verify(ctx context.Context, jobs []restoration.AssetJob, tracker *ProgressTracker) (*restoration.Failure, error) {
	verifier, canVerify := o.provider.(provider.Verifier)

	for i := range jobs {
		j := &jobs[i]
		if j.State != restoration.JobRestored || j.Verified {
			continue
		}

		if j.Handle != "" {
			var (
				attempts int
				err      error
			)
			if canVerify {
				_, attempts, err = retryTransient(ctx, o.retry, "verify_integrity", o.logger, func() (struct{}, error) {
					err := verifier.VerifyIntegrity(ctx, j.Asset, provider.JobHandle(j.Handle))
					providerCalls.WithLabelValues("verify_integrity", providerResult(err)).Inc()
					return struct{}{}, err
				})
			} else {
				var status provider.JobStatus
				status, attempts, err = o.pollStatus(ctx, j)
				if err == nil {
					switch status {
					case provider.StatusRestored:
					case provider.StatusFailed:
						err = fmt.Errorf("asset %s is no longer restored: %w", j.Asset.AssetID, provider.ErrIntegrity)
					default:
						o.logger.Warn("ignoring progress regression reported by provider", "asset_id", j.Asset.AssetID, "status", status)
						continue
					}
				}
			}
			tracker.AddRetries(attempts - 1)

			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				failure := o.failureFor(err, fmt.Sprintf("verification of asset %s failed", j.Asset.AssetID))
				if errors.Is(err, provider.ErrIntegrity) {
					j.LastError = err.Error()
					j.UpdatedAt = o.now()
					if uerr := o.repo.UpdateAssetJob(ctx, j); uerr != nil {
						return nil, uerr
					}
				}
				return failure, nil
			}
		}

		j.Verified = true
		j.UpdatedAt = o.now()
		if err := o.repo.UpdateAssetJob(ctx, j); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// advance commits progress, the stale-overrun flag and, when due, the next
// phase or the failure of the request.
func (o *Orchestrator) advance(ctx context.Context, id string, jobs []restoration.AssetJob, failure *restoration.Failure, phaseDone bool) (*restoration.Request, error) {
	var flagged bool

	req, err := o.mutate(ctx, id, func(r *restoration.Request) ([]restoration.Event, error) {
		flagged = false
		if !r.Status.IsExecuting() {
			return nil, errNoChange
		}

		changed := o.updateProgress(r, jobs)
		var events []restoration.Event
		if ev, ok := o.checkOverrun(r); ok {
			flagged = true
			changed = true
			events = append(events, ev)
		}

		switch {
		case r.CancelRequested:
			// settled by the next step
		case failure != nil:
			f := *failure
			r.Failure = &f
			ev, err := o.transition(r, restoration.StatusFailed, SystemActor, f.Message)
			if err != nil {
				return nil, err
			}
			events = append(events, ev)
		case phaseDone:
			next, note := nextPhase(r)
			ev, err := o.transition(r, next, SystemActor, note)
			if err != nil {
				return nil, err
			}
			events = append(events, ev)
		}

		if !changed && len(events) == 0 {
			return nil, errNoChange
		}
		return events, nil
	})
	if err != nil {
		return nil, err
	}

	if flagged {
		staleOverruns.Inc()
		o.logger.Warn("restore is running far past its estimate",
			"request_id", req.ID, "project_id", req.ProjectID,
			"elapsed", req.Overrun.Elapsed, "estimated_minutes", req.Estimates.TotalRestoreMinutes)
		o.send(ctx, notify.KindOverrun, req)
	}
	return req, nil
}

func nextPhase(r *restoration.Request) (restoration.Status, string) {
	switch r.Status {
	case restoration.StatusRestoringMetadata:
		return restoration.StatusRestoringAssets, "metadata restored"
	case restoration.StatusRestoringAssets:
		if r.Options.VerifyIntegrity {
			return restoration.StatusVerifying, "all assets restored"
		}
		return restoration.StatusCompleted, "all assets restored"
	default:
		return restoration.StatusCompleted, "integrity verified"
	}
}

// updateProgress recomputes size-weighted progress from jobs. Progress never
// moves backwards within an execution; a regression is logged and ignored.
func (o *Orchestrator) updateProgress(r *restoration.Request, jobs []restoration.AssetJob) bool {
	var (
		total, restored int64
		count           int
	)
	for _, j := range jobs {
		total += j.Asset.SizeBytes
		if j.State == restoration.JobRestored {
			restored += j.Asset.SizeBytes
			count++
		}
	}

	var pct float64
	switch {
	case total > 0:
		pct = 100 * float64(restored) / float64(total)
	case count == len(jobs):
		pct = 100
	}
	pct = min(max(pct, 0), 100)

	prev := r.Progress
	if pct < prev.PercentComplete || count < prev.RestoredAssets {
		o.logger.Warn("ignoring progress regression reported by provider",
			"request_id", r.ID, "percent", pct, "previous_percent", prev.PercentComplete)
	}

	next := restoration.Progress{
		Phase:           r.Status,
		PercentComplete: max(pct, prev.PercentComplete),
		RestoredAssets:  max(count, prev.RestoredAssets),
		TotalAssets:     len(jobs),
		RestoredBytes:   max(restored, prev.RestoredBytes),
	}
	if next == prev {
		return false
	}
	r.Progress = next
	r.UpdatedAt = o.now()
	return true
}

// checkOverrun flags a request whose execution has run past OverrunFactor
// times its estimated restore time. The status is left alone.
func (o *Orchestrator) checkOverrun(r *restoration.Request) (restoration.Event, bool) {
	if r.Overrun.Flagged || r.Estimates == nil || r.Estimates.TotalRestoreMinutes <= 0 || r.ExecutionStartedAt.IsZero() {
		return restoration.Event{}, false
	}

	estimated := time.Duration(r.Estimates.TotalRestoreMinutes) * time.Minute
	limit := time.Duration(o.opts.OverrunFactor * float64(estimated))
	elapsed := o.now().Sub(r.ExecutionStartedAt)
	if elapsed <= limit {
		return restoration.Event{}, false
	}

	r.Overrun = restoration.Overrun{
		Flagged:   true,
		FlaggedAt: o.now(),
		Elapsed:   elapsed.Truncate(time.Second).String(),
	}
	note := fmt.Sprintf("%s: running for %s against an estimate of %s", restoration.KindStaleOverrun, r.Overrun.Elapsed, estimated)
	return o.note(r, SystemActor, note), true
}

// settleCancel finishes a cancellation once this runner has no calls in flight.
func (o *Orchestrator) settleCancel(ctx context.Context, req *restoration.Request, jobs []restoration.AssetJob, tracker *ProgressTracker) error {
	tracker.SetMessage("cancelling")
	next, err := o.mutate(ctx, req.ID, func(r *restoration.Request) ([]restoration.Event, error) {
		if r.Status.IsTerminal() {
			return nil, errNoChange
		}
		o.updateProgress(r, jobs)

		actor := r.CancelRequestedBy
		r.Failure = &restoration.Failure{
			Kind:    restoration.KindCancelled,
			Message: "cancelled by " + actor + " during " + string(r.Status),
			Actor:   actor,
			At:      o.now(),
		}
		ev, err := o.transition(r, restoration.StatusCancelled, actor, "cancelled after in-flight restore calls settled")
		return []restoration.Event{ev}, err
	})
	if err != nil {
		return err
	}
	tracker.Observe(next, jobs)
	return nil
}

func (o *Orchestrator) trackerFor(req *restoration.Request) *ProgressTracker {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.trackers[req.ID]
	if !ok {
		t = NewProgressTracker(req, o.opts.Now)
		o.trackers[req.ID] = t
	}
	return t
}
