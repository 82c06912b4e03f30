package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/BadgerOps/resurrect/internal/provider"
	"github.com/BadgerOps/resurrect/internal/restoration"
)

// IssueFunc issues one restore call and reports how many attempts it took.
type IssueFunc func(ctx context.Context, call provider.Call) (provider.JobHandle, int, error)

// IssueJob is a single restore call for one asset job.
type IssueJob struct {
	Job  restoration.AssetJob
	Call provider.Call
}

// IssueResult is the outcome of an IssueJob.
type IssueResult struct {
	Job      restoration.AssetJob
	Handle   provider.JobHandle
	Attempts int
	Err      error
	index    int // Internal: used to maintain result order
}

// IssuePool issues restore calls concurrently using a worker pool pattern.
type IssuePool struct {
	issue   IssueFunc
	workers int
	logger  *slog.Logger
}

// NewIssuePool creates a pool with the specified number of worker goroutines.
func NewIssuePool(issue IssueFunc, workers int, logger *slog.Logger) *IssuePool {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IssuePool{
		issue:   issue,
		workers: workers,
		logger:  logger,
	}
}

// Execute issues a batch of jobs and waits for every dispatched call to return.
// Once stop is done no further jobs are dispatched, but calls already handed to
// a worker run to completion. Results keep the input order and only cover
// dispatched jobs.
func (p *IssuePool) Execute(stop context.Context, jobs []IssueJob) []IssueResult {
	if len(jobs) == 0 {
		return []IssueResult{}
	}

	// Unbuffered so a job is only taken once a worker is free to run it.
	jobsChan := make(chan jobWithIndex)
	resultsChan := make(chan IssueResult, len(jobs))

	// In-flight calls must not be torn down by a stop or cancellation.
	callCtx := context.WithoutCancel(stop)

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go p.worker(stop, callCtx, jobsChan, resultsChan, &wg)
	}

	go func() {
		defer close(jobsChan)
		for i, job := range jobs {
			if stop.Err() != nil {
				return
			}
			select {
			case jobsChan <- jobWithIndex{job: job, index: i}:
			case <-stop.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	results := make([]IssueResult, 0, len(jobs))
	for result := range resultsChan {
		results = append(results, result)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].index < results[j].index
	})

	if len(results) < len(jobs) {
		p.logger.Info("restore issuing stopped early", "issued", len(results), "total", len(jobs))
	}
	return results
}

// jobWithIndex pairs an IssueJob with its original index for ordering results.
type jobWithIndex struct {
	job   IssueJob
	index int
}

func (p *IssuePool) worker(stop, ctx context.Context, jobsChan <-chan jobWithIndex, resultsChan chan<- IssueResult, wg *sync.WaitGroup) {
	defer wg.Done()

	for j := range jobsChan {
		if stop.Err() != nil {
			// Handed over as the stop landed; leave it undispatched.
			continue
		}

		handle, attempts, err := p.issue(ctx, j.job.Call)

		result := IssueResult{
			Job:      j.job.Job,
			Handle:   handle,
			Attempts: attempts,
			Err:      err,
			index:    j.index,
		}

		if err != nil {
			p.logger.Error("restore call failed", "asset_id", j.job.Call.AssetID, "tier", j.job.Call.StorageTier, "attempts", attempts, "error", err)
		} else {
			p.logger.Debug("restore call issued", "asset_id", j.job.Call.AssetID, "tier", j.job.Call.StorageTier, "handle", handle)
		}

		resultsChan <- result
	}
}
