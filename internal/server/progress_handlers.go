package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/BadgerOps/resurrect/internal/engine"
	"github.com/BadgerOps/resurrect/internal/restoration"
)

// handleAPIRequestProgress streams the progress of a request as SSE. While a
// runner in this process executes the request, every tracker update is sent.
// Otherwise the stored request is re-read each heartbeat, which also covers
// requests executed by another process. The stream ends with a done event
// once the request is terminal.
func (s *Server) handleAPIRequestProgress(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.orch.Get(r.Context(), id); err != nil {
		s.writeError(w, r, err, nil)
		return
	}

	// Stream SSE events
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	sendEvent := func(event string, data interface{}) {
		jsonData, _ := json.Marshal(data)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
		flusher.Flush()
	}

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		var (
			snap    engine.RequestProgress
			changed <-chan struct{}
		)
		if tracker := s.orch.Progress(id); tracker != nil {
			// Take the channel before the snapshot so no update is missed in between.
			changed = tracker.Wait()
			snap = tracker.Snapshot()
		} else {
			req, err := s.orch.Get(r.Context(), id)
			if err != nil {
				if r.Context().Err() == nil {
					sendEvent("error", ErrorBody{Error: err.Error(), Kind: restoration.KindOf(err)})
				}
				return
			}
			snap = storedProgress(req)
		}

		sendEvent("progress", snap)
		if snap.Done {
			sendEvent("done", snap)
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case <-changed:
		}
	}
}

// storedProgress describes a request that has no live tracker.
func storedProgress(req *restoration.Request) engine.RequestProgress {
	p := engine.RequestProgress{
		RequestID:      req.ID,
		ProjectID:      req.ProjectID,
		Status:         req.Status,
		TotalAssets:    req.Progress.TotalAssets,
		RestoredAssets: req.Progress.RestoredAssets,
		RestoredBytes:  req.Progress.RestoredBytes,
		Percent:        req.Progress.PercentComplete,
		StartTime:      req.ExecutionStartedAt,
		Overrun:        req.Overrun.Flagged,
		Done:           req.Status.IsTerminal(),
	}
	if req.Estimates != nil {
		p.TotalBytes = req.Estimates.TotalSizeBytes
	}
	if req.Failure != nil {
		p.Message = req.Failure.Message
	}
	return p
}
