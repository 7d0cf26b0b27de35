package dashboard

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/user/storeport/internal/jobs"
	"github.com/user/storeport/pkg/client"
)

type stateResponse struct {
	Meta        jobs.Meta        `json:"meta"`
	Jobs        []jobs.Job       `json:"jobs"`
	Metrics     jobs.Metrics     `json:"metrics"`
	Performance *jobs.PerfSample `json:"performance,omitempty"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	meta, list := s.store.Snapshot()
	resp := stateResponse{
		Meta:    meta,
		Jobs:    list,
		Metrics: s.store.ComputeMetrics(),
	}
	if sample, ok := s.store.Perf(); ok {
		resp.Performance = &sample
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if status := r.URL.Query().Get("status"); status != "" {
		writeJSON(w, http.StatusOK, map[string][]jobs.Job{"jobs": s.store.ByStatus()[status]})
		return
	}
	writeJSON(w, http.StatusOK, map[string][]jobs.Job{"jobs": s.store.List()})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, ok := s.store.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found", "NOT_FOUND")
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	s.proxyAction(w, r, func(ctx context.Context, id string) error {
		return s.api.RetryJob(ctx, id)
	})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	s.proxyAction(w, r, func(ctx context.Context, id string) error {
		return s.api.CancelJob(ctx, id)
	})
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	s.proxyAction(w, r, func(ctx context.Context, id string) error {
		return s.api.DeleteJob(ctx, id)
	})
}

// proxyAction forwards a job action to the backend. The store is not mutated
// here; the outcome arrives through the stream (or the fallback refresh).
func (s *Server) proxyAction(w http.ResponseWriter, r *http.Request, action func(context.Context, string) error) {
	if s.api == nil {
		writeError(w, http.StatusServiceUnavailable, "backend client not configured", "NO_BACKEND")
		return
	}
	id := chi.URLParam(r, "id")
	if err := action(r.Context(), id); err != nil {
		writeBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": "accepted"})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if s.api == nil {
		writeError(w, http.StatusServiceUnavailable, "backend client not configured", "NO_BACKEND")
		return
	}
	id := chi.URLParam(r, "id")
	body, contentType, err := s.api.Download(r.Context(), id)
	if err != nil {
		writeBackendError(w, err)
		return
	}
	defer body.Close()

	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		s.logger.Warn("download relay interrupted", "job_id", id, "error", err)
	}
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.reconciler == nil {
		writeError(w, http.StatusServiceUnavailable, "refresh not configured", "NO_REFRESH")
		return
	}
	if err := s.reconciler.RefreshNow(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, err.Error(), "REFRESH_FAILED")
		return
	}
	meta, _ := s.store.Snapshot()
	writeJSON(w, http.StatusOK, map[string]int{"total": meta.Total})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	meta, _ := s.store.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"stream_connected": meta.StreamConnected,
	})
}

// writeBackendError maps a backend client error onto this server's response,
// preserving the upstream status when it is a decoded API error.
func writeBackendError(w http.ResponseWriter, err error) {
	var ae *client.APIError
	if errors.As(err, &ae) {
		code := ae.Code
		if code == "" {
			code = "UPSTREAM_ERROR"
		}
		writeError(w, ae.Status, ae.Message, code)
		return
	}
	writeError(w, http.StatusBadGateway, err.Error(), "UPSTREAM_UNREACHABLE")
}
