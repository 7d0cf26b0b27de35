package dashboard

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/user/storeport/internal/jobs"
)

const keepaliveInterval = 15 * time.Second

// handleSSE re-broadcasts store changes to a browser client as named SSE
// events. Each connection gets a full sync first, then incremental updates.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", "SSE_UNSUPPORTED")
		return
	}

	sub := s.store.Subscribe()
	defer sub.Cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var seq uint64
	send := func(event string, payload any) bool {
		data, err := json.Marshal(payload)
		if err != nil {
			s.logger.Warn("marshal sse payload", "event", event, "error", err)
			return true
		}
		seq++
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, event, data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	meta, list := s.store.Snapshot()
	if !send("jobs-sync", map[string]any{"total": meta.Total, "jobs": list, "stream_connected": meta.StreamConnected}) {
		return
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ":keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case change, open := <-sub.C:
			if !open {
				return
			}
			if !s.sendChange(send, change) {
				return
			}
		}
	}
}

// sendChange translates one store change into an outbound event. Job lookups
// race later mutations; a job already gone by send time is simply skipped.
func (s *Server) sendChange(send func(string, any) bool, change jobs.Change) bool {
	switch change.Kind {
	case jobs.ChangeInitialized:
		meta, list := s.store.Snapshot()
		return send("jobs-sync", map[string]any{"total": meta.Total, "jobs": list, "stream_connected": meta.StreamConnected})
	case jobs.ChangeUpserted, jobs.ChangeProgress, jobs.ChangeStatus:
		j, ok := s.store.Get(change.JobID)
		if !ok {
			return true
		}
		return send("job-update", j)
	case jobs.ChangeRemoved:
		return send("job-removed", map[string]string{"job_id": change.JobID})
	case jobs.ChangeConnection:
		meta, _ := s.store.Snapshot()
		return send("stream-status", map[string]bool{"connected": meta.StreamConnected})
	case jobs.ChangePerf:
		sample, ok := s.store.Perf()
		if !ok {
			return true
		}
		return send("performance", sample)
	}
	return true
}
