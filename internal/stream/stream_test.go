package stream_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/storeport/internal/bus"
	"github.com/user/storeport/internal/jobs"
	"github.com/user/storeport/internal/session"
	"github.com/user/storeport/internal/stream"
	"github.com/user/storeport/pkg/sse"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// streamServer serves one scripted SSE response per connection and then holds
// the connection open until the client goes away.
func streamServer(t *testing.T, events []string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var opens atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		opens.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fl := w.(http.Flusher)
		for _, ev := range events {
			fmt.Fprint(w, ev)
			fl.Flush()
		}
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	return srv, &opens
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestJobStreamAppliesEvents(t *testing.T) {
	srv, _ := streamServer(t, []string{
		"event: connection\ndata: {\"client_id\":\"c1\"}\n\n",
		"event: initial-data\ndata: {\"total_jobs\":2,\"jobs\":[" +
			"{\"id\":\"a\",\"status\":\"processing\",\"progress\":10,\"created_at\":\"2026-08-20T10:00:00Z\"}," +
			"{\"id\":\"b\",\"status\":\"pending\",\"created_at\":\"2026-08-21T10:00:00Z\"}]}\n\n",
		"event: job-created\ndata: {\"id\":\"c\",\"status\":\"pending\",\"created_at\":\"2026-08-22T10:00:00Z\"}\n\n",
		"event: job-progress\ndata: {\"job_id\":\"a\",\"data\":{\"progress\":55,\"message\":\"converting images\"}}\n\n",
		"event: job-status-update\ndata: {\"job_id\":\"a\",\"status\":\"completed\",\"progress\":100,\"word_count\":900,\"completed_at\":\"2026-08-22T11:00:00Z\"}\n\n",
		"event: job-error\ndata: {\"job_id\":\"b\",\"error\":\"source unreachable\"}\n\n",
		"event: job-deleted\ndata: {\"job_id\":\"c\"}\n\n",
	})

	store := jobs.NewStore(discard())
	svc := stream.NewJobService(store, stream.JobConfig{Origin: srv.URL, Logger: discard()})
	if err := svc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer svc.Disconnect()

	waitFor(t, "job c removed after create", func() bool {
		_, ok := store.Get("c")
		if ok {
			return false
		}
		// Delete is the last scripted event, so the rest have landed.
		a, _ := store.Get("a")
		return a.Status == jobs.StatusCompleted
	})

	a, _ := store.Get("a")
	if a.Progress != 100 || a.WordCount != 900 || a.CompletedAt == nil {
		t.Errorf("job a = %+v", a)
	}
	b, _ := store.Get("b")
	if b.Status != jobs.StatusFailed || b.ErrorMessage != "source unreachable" {
		t.Errorf("job b = %+v", b)
	}
	if meta, _ := store.Snapshot(); meta.Total != 2 || !meta.StreamConnected {
		t.Errorf("meta = %+v", meta)
	}
}

func TestInitialDataReplacesJobSet(t *testing.T) {
	srv, _ := streamServer(t, []string{
		"event: initial-data\ndata: {\"total_jobs\":1,\"jobs\":[{\"id\":\"fresh\",\"status\":\"pending\"}]}\n\n",
	})

	store := jobs.NewStore(discard())
	store.UpsertJob(jobs.Job{ID: "stale", Status: jobs.StatusCompleted})

	svc := stream.NewJobService(store, stream.JobConfig{Origin: srv.URL, Logger: discard()})
	if err := svc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer svc.Disconnect()

	waitFor(t, "bulk sync", func() bool {
		_, ok := store.Get("fresh")
		return ok
	})
	if _, ok := store.Get("stale"); ok {
		t.Error("bulk sync must replace the job set, not merge into it")
	}
}

func TestUnknownJobEventsAreNoOps(t *testing.T) {
	srv, _ := streamServer(t, []string{
		"event: initial-data\ndata: {\"total_jobs\":0,\"jobs\":[]}\n\n",
		"event: job-progress\ndata: {\"job_id\":\"ghost\",\"data\":{\"progress\":50}}\n\n",
		"event: job-created\ndata: {\"id\":\"real\",\"status\":\"pending\"}\n\n",
	})

	store := jobs.NewStore(discard())
	svc := stream.NewJobService(store, stream.JobConfig{Origin: srv.URL, Logger: discard()})
	svc.Connect(context.Background())
	defer svc.Disconnect()

	waitFor(t, "job created after ghost event", func() bool {
		_, ok := store.Get("real")
		return ok
	})
	if _, ok := store.Get("ghost"); ok {
		t.Error("progress for an unknown job must not create a record")
	}
}

func TestStreamLifecycleTopics(t *testing.T) {
	srv, _ := streamServer(t, []string{
		"event: connection\ndata: {\"client_id\":\"c1\"}\n\n",
	})

	b := bus.New()
	sub := b.Subscribe(bus.TopicStreamUp, bus.TopicStreamDown)
	defer sub.Cancel()

	store := jobs.NewStore(discard())
	svc := stream.NewJobService(store, stream.JobConfig{Origin: srv.URL, Bus: b, Logger: discard()})
	svc.Connect(context.Background())

	select {
	case m := <-sub.C:
		if m.Topic != bus.TopicStreamUp || m.Stream != "jobs" {
			t.Fatalf("first message = %+v", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no stream-up published")
	}

	svc.Disconnect()

	select {
	case m := <-sub.C:
		if m.Topic != bus.TopicStreamDown {
			t.Fatalf("second message = %+v", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no stream-down published")
	}
}

func TestAuthFailureIsTerminalAndPublished(t *testing.T) {
	var opens atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		opens.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	b := bus.New()
	sub := b.Subscribe(bus.TopicAuthError)
	defer sub.Cancel()

	store := jobs.NewStore(discard())
	svc := stream.NewJobService(store, stream.JobConfig{Origin: srv.URL, Bus: b, Logger: discard()})
	svc.Connect(context.Background())
	defer svc.Disconnect()

	select {
	case m := <-sub.C:
		if m.Stream != "jobs" {
			t.Errorf("auth error message = %+v", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no auth-error published")
	}

	time.Sleep(100 * time.Millisecond)
	if n := opens.Load(); n != 1 {
		t.Errorf("opens = %d, auth failures must not be retried", n)
	}
}

func TestExpiredSessionVetoesConnect(t *testing.T) {
	var opens atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		opens.Add(1)
	}))
	defer srv.Close()

	sess, err := session.Load(filepath.Join(t.TempDir(), "session.json"), srv.URL)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// An empty session is invalid, so the connect must be vetoed locally.
	store := jobs.NewStore(discard())
	svc := stream.NewJobService(store, stream.JobConfig{Origin: srv.URL, Session: sess, Logger: discard()})

	if err := svc.Connect(context.Background()); err == nil {
		t.Fatal("Connect should fail when the session is invalid")
	}
	if n := opens.Load(); n != 0 {
		t.Errorf("opens = %d, vetoed connect must not hit the network", n)
	}
}

func TestCallbacksRunAfterCommit(t *testing.T) {
	srv, _ := streamServer(t, []string{
		"event: initial-data\ndata: {\"total_jobs\":1,\"jobs\":[{\"id\":\"a\",\"status\":\"processing\"}]}\n\n",
		"event: job-progress\ndata: {\"job_id\":\"a\",\"data\":{\"progress\":40}}\n\n",
		"event: job-progress\ndata: {\"job_id\":\"a\",\"data\":{\"progress\":80}}\n\n",
	})

	store := jobs.NewStore(discard())
	svc := stream.NewJobService(store, stream.JobConfig{Origin: srv.URL, Logger: discard()})

	var seen atomic.Int32
	var storeAhead atomic.Bool
	svc.OnEvent("job-progress", func(ev sse.Event) {
		j, ok := store.Get("a")
		if ok && j.Progress > 0 {
			storeAhead.Store(true)
		}
		if seen.Add(1) == 1 {
			panic("callback failure must not kill the stream")
		}
	})

	svc.Connect(context.Background())
	defer svc.Disconnect()

	waitFor(t, "both progress callbacks", func() bool { return seen.Load() == 2 })
	if !storeAhead.Load() {
		t.Error("callback observed the store before the commit")
	}
	j, _ := store.Get("a")
	if j.Progress != 80 {
		t.Errorf("progress = %d, event after panicking callback was lost", j.Progress)
	}
}

func TestPerformanceStream(t *testing.T) {
	srv, _ := streamServer(t, []string{
		"event: performance-update\ndata: {\"active_jobs\":3,\"queue_depth\":7,\"avg_duration_sec\":12.5,\"error_rate\":0.02}\n\n",
	})

	store := jobs.NewStore(discard())
	svc := stream.NewPerfService(store, stream.PerfConfig{BaseURL: srv.URL, Logger: discard()})
	if err := svc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer svc.Disconnect()

	waitFor(t, "performance sample", func() bool {
		_, ok := store.Perf()
		return ok
	})
	sample, _ := store.Perf()
	if sample.ActiveJobs != 3 || sample.QueueDepth != 7 || sample.ErrorRate != 0.02 {
		t.Errorf("sample = %+v", sample)
	}
	if sample.ReceivedAt.IsZero() {
		t.Error("ReceivedAt not stamped")
	}
}
