package jobs_test

import (
	"reflect"
	"testing"
	"time"

	"github.com/user/storeport/internal/jobs"
)

func ts(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func seedStore() *jobs.Store {
	s := jobs.NewStore(nil)
	s.InitializeJobs([]jobs.Job{
		{ID: "a", Status: jobs.StatusPending, CreatedAt: ts("2026-08-01T10:00:00Z")},
		{ID: "b", Status: jobs.StatusCompleted, CreatedAt: ts("2026-08-01T09:00:00Z")},
	})
	return s
}

func TestInitializeJobs(t *testing.T) {
	s := seedStore()

	meta, list := s.Snapshot()
	if meta.Total != 2 {
		t.Errorf("total = %d, want 2", meta.Total)
	}
	if !meta.StreamConnected {
		t.Error("initialize should mark stream connected")
	}
	if len(list) != 2 {
		t.Fatalf("list = %d jobs, want 2", len(list))
	}

	m := s.ComputeMetrics()
	if m.Total != 2 || m.Completed != 1 || m.Pending != 1 {
		t.Errorf("metrics = %+v", m)
	}
	if m.SuccessRate != 0.5 {
		t.Errorf("success rate = %v, want 0.5", m.SuccessRate)
	}
}

func TestReplaceJobsKeepsConnectivityFlag(t *testing.T) {
	s := seedStore()
	s.SetStreamConnected(false)

	s.ReplaceJobs([]jobs.Job{{ID: "x", Status: jobs.StatusPending}})

	meta, list := s.Snapshot()
	if meta.StreamConnected {
		t.Error("a REST replace must not mark the stream connected")
	}
	if meta.Total != 1 || len(list) != 1 || list[0].ID != "x" {
		t.Errorf("snapshot = %+v %+v", meta, list)
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	s := seedStore()
	j := jobs.Job{ID: "a", Status: jobs.StatusProcessing, Progress: 10, Title: "post"}

	s.UpsertJob(j)
	_, first := s.Snapshot()
	s.UpsertJob(j)
	_, second := s.Snapshot()

	if !reflect.DeepEqual(first, second) {
		t.Errorf("replaying identical upsert changed state:\nfirst:  %+v\nsecond: %+v", first, second)
	}
	if got := s.ComputeMetrics().Total; got != 2 {
		t.Errorf("total = %d, want 2", got)
	}
}

func TestUpdateJobProgress(t *testing.T) {
	s := seedStore()

	s.UpdateJobProgress("a", 75, "converting images")
	j, ok := s.Get("a")
	if !ok {
		t.Fatal("job a missing")
	}
	if j.Progress != 75 || j.Message != "converting images" {
		t.Errorf("job = %+v", j)
	}

	// Job b must be untouched.
	b, _ := s.Get("b")
	if b.Progress != 0 {
		t.Errorf("job b progress = %d, want 0", b.Progress)
	}

	// Out-of-range progress is clamped.
	s.UpdateJobProgress("a", 250, "")
	j, _ = s.Get("a")
	if j.Progress != 100 {
		t.Errorf("progress = %d, want 100", j.Progress)
	}
}

func TestOrderingCreatedThenProgress(t *testing.T) {
	s := jobs.NewStore(nil)
	s.InitializeJobs(nil)

	s.UpsertJob(jobs.Job{ID: "1", Status: jobs.StatusProcessing})
	s.UpdateJobProgress("1", 50, "")

	j, ok := s.Get("1")
	if !ok {
		t.Fatal("job 1 missing")
	}
	if j.Progress != 50 {
		t.Errorf("progress = %d, want 50", j.Progress)
	}
}

func TestUnknownIDsAreNoOps(t *testing.T) {
	s := seedStore()
	_, before := s.Snapshot()

	s.UpdateJobProgress("ghost", 50, "x")
	s.UpdateJobStatus("ghost", jobs.StatusFailed, nil)
	s.RemoveJob("ghost")

	_, after := s.Snapshot()
	if !reflect.DeepEqual(before, after) {
		t.Errorf("unknown-id updates changed state:\nbefore: %+v\nafter:  %+v", before, after)
	}
}

func TestUpdateJobStatusMergesExtras(t *testing.T) {
	s := seedStore()
	p := 100
	wc := 1200

	s.UpdateJobStatus("a", jobs.StatusCompleted, &jobs.StatusFields{
		Progress:    &p,
		CompletedAt: ts("2026-08-01T11:00:00Z"),
		WordCount:   &wc,
	})

	j, _ := s.Get("a")
	if j.Status != jobs.StatusCompleted || j.Progress != 100 || j.WordCount != 1200 {
		t.Errorf("job = %+v", j)
	}
	if j.CompletedAt == nil {
		t.Error("completed_at not merged")
	}
}

func TestRemoveJob(t *testing.T) {
	s := seedStore()

	s.RemoveJob("a")
	if _, ok := s.Get("a"); ok {
		t.Error("job a should be removed")
	}
	if got := s.ComputeMetrics().Total; got != 1 {
		t.Errorf("total = %d, want 1", got)
	}
}

func TestByStatusAndListOrder(t *testing.T) {
	s := seedStore()
	s.UpsertJob(jobs.Job{ID: "c", Status: jobs.StatusPending, CreatedAt: ts("2026-08-02T08:00:00Z")})

	list := s.List()
	if list[0].ID != "c" {
		t.Errorf("newest job first, got %q", list[0].ID)
	}

	buckets := s.ByStatus()
	if len(buckets[jobs.StatusPending]) != 2 || len(buckets[jobs.StatusCompleted]) != 1 {
		t.Errorf("buckets = %v", buckets)
	}
}

func TestSetStreamConnected(t *testing.T) {
	s := seedStore()
	s.SetStreamConnected(false)

	meta, _ := s.Snapshot()
	if meta.StreamConnected {
		t.Error("stream should be marked disconnected")
	}
	// Job data is untouched by connectivity flips.
	if meta.Total != 2 {
		t.Errorf("total = %d, want 2", meta.Total)
	}
}

func TestSubscribeReceivesChanges(t *testing.T) {
	s := seedStore()
	sub := s.Subscribe()
	defer sub.Cancel()

	s.UpsertJob(jobs.Job{ID: "c", Status: jobs.StatusPending})

	select {
	case c := <-sub.C:
		if c.Kind != jobs.ChangeUpserted || c.JobID != "c" {
			t.Errorf("change = %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("no change notification")
	}
}

func TestCancelledSubscriptionStopsReceiving(t *testing.T) {
	s := seedStore()
	sub := s.Subscribe()
	sub.Cancel()
	sub.Cancel() // must be safe to repeat

	// Mutating after cancel must not panic on the closed channel.
	s.UpsertJob(jobs.Job{ID: "c", Status: jobs.StatusPending})
}

func TestSlowSubscriberDoesNotBlockMutations(t *testing.T) {
	s := seedStore()
	sub := s.Subscribe()
	defer sub.Cancel()

	// Never drain; overflow must be dropped, not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			s.UpdateJobProgress("a", i%100, "")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("mutations blocked by slow subscriber")
	}
}
