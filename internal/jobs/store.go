// Package jobs holds the console's canonical snapshot of conversion jobs.
// The Store is the single mutation point: stream services and the REST
// refresher write through its action methods, everything else reads derived
// projections or subscribes to change notifications.
package jobs

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ChangeKind labels a store change notification.
type ChangeKind string

const (
	ChangeInitialized ChangeKind = "initialized"
	ChangeUpserted    ChangeKind = "upserted"
	ChangeProgress    ChangeKind = "progress"
	ChangeStatus      ChangeKind = "status"
	ChangeRemoved     ChangeKind = "removed"
	ChangeConnection  ChangeKind = "connection"
	ChangePerf        ChangeKind = "performance"
)

// Change is one store mutation, broadcast to subscribers.
type Change struct {
	Kind  ChangeKind `json:"kind"`
	JobID string     `json:"job_id,omitempty"`
}

// Subscription is one subscriber's view of store changes. Cancel releases it;
// leaking subscriptions leaks goroutine-feeding channels, so callers must
// cancel when done.
type Subscription struct {
	C      <-chan Change
	ch     chan Change
	cancel func()
	once   sync.Once
}

// Cancel detaches the subscription. Safe to call multiple times.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

const subscriberBuffer = 64

// Store is the reactive jobs aggregate. All mutation goes through its action
// methods, guarded by a mutex with short, non-yielding critical sections;
// subscriber notification happens outside the lock via non-blocking sends.
type Store struct {
	mu     sync.RWMutex
	jobs   map[string]Job
	meta   Meta
	perf   *PerfSample
	logger *slog.Logger

	subMu  sync.Mutex
	subs   map[int]chan Change
	nextID int
}

// NewStore creates an empty store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		jobs:   make(map[string]Job),
		subs:   make(map[int]chan Change),
		logger: logger,
	}
}

// Subscribe registers a change listener. Notifications are dropped rather
// than blocking mutations when the subscriber falls behind.
func (s *Store) Subscribe() *Subscription {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	ch := make(chan Change, subscriberBuffer)
	s.subs[id] = ch
	s.subMu.Unlock()

	return &Subscription{
		C:  ch,
		ch: ch,
		cancel: func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
			close(ch)
		},
	}
}

func (s *Store) notify(c Change) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- c:
		default:
			// Slow subscriber; drop rather than stall the mutation path.
		}
	}
}

// InitializeJobs replaces the entire job set from a bulk sync and marks the
// stream connected.
func (s *Store) InitializeJobs(list []Job) {
	s.mu.Lock()
	s.jobs = make(map[string]Job, len(list))
	for _, j := range list {
		s.jobs[j.ID] = j
	}
	s.meta.Total = len(s.jobs)
	s.meta.LastUpdate = time.Now()
	s.meta.StreamConnected = true
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeInitialized})
}

// ReplaceJobs replaces the entire job set without touching the stream
// connectivity flag. REST reconciliation goes through here; a poll is not a
// stream coming up.
func (s *Store) ReplaceJobs(list []Job) {
	s.mu.Lock()
	s.jobs = make(map[string]Job, len(list))
	for _, j := range list {
		s.jobs[j.ID] = j
	}
	s.meta.Total = len(s.jobs)
	s.meta.LastUpdate = time.Now()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeInitialized})
}

// UpsertJob inserts or fully replaces the job with matching ID.
func (s *Store) UpsertJob(j Job) {
	s.mu.Lock()
	s.jobs[j.ID] = j
	s.meta.Total = len(s.jobs)
	s.meta.LastUpdate = time.Now()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeUpserted, JobID: j.ID})
}

// UpdateJobProgress merges a progress value (0-100) and optional message into
// an existing job. Unknown IDs are a logged no-op: a progress event may race
// a delete, and creating partial records from updates would corrupt the set.
func (s *Store) UpdateJobProgress(id string, progress int, message string) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn("progress update for unknown job", "job_id", id)
		return
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	j.Progress = progress
	if message != "" {
		j.Message = message
	}
	s.jobs[id] = j
	s.meta.LastUpdate = time.Now()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeProgress, JobID: id})
}

// StatusFields are the optional extras merged alongside a status change.
type StatusFields struct {
	ErrorMessage string
	Progress     *int
	StartedAt    *time.Time
	CompletedAt  *time.Time
	WordCount    *int
	ImageCount   *int
	ProductCount *int
}

// UpdateJobStatus merges a status change and any extra fields into an
// existing job. Unknown IDs are a logged no-op.
func (s *Store) UpdateJobStatus(id, status string, extra *StatusFields) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn("status update for unknown job", "job_id", id, "status", status)
		return
	}
	j.Status = status
	if extra != nil {
		if extra.ErrorMessage != "" {
			j.ErrorMessage = extra.ErrorMessage
		}
		if extra.Progress != nil {
			j.Progress = *extra.Progress
		}
		if extra.StartedAt != nil {
			j.StartedAt = extra.StartedAt
		}
		if extra.CompletedAt != nil {
			j.CompletedAt = extra.CompletedAt
		}
		if extra.WordCount != nil {
			j.WordCount = *extra.WordCount
		}
		if extra.ImageCount != nil {
			j.ImageCount = *extra.ImageCount
		}
		if extra.ProductCount != nil {
			j.ProductCount = *extra.ProductCount
		}
	}
	s.jobs[id] = j
	s.meta.LastUpdate = time.Now()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeStatus, JobID: id})
}

// RemoveJob deletes the job by ID. Unknown IDs are a logged no-op.
func (s *Store) RemoveJob(id string) {
	s.mu.Lock()
	if _, ok := s.jobs[id]; !ok {
		s.mu.Unlock()
		s.logger.Warn("remove for unknown job", "job_id", id)
		return
	}
	delete(s.jobs, id)
	s.meta.Total = len(s.jobs)
	s.meta.LastUpdate = time.Now()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeRemoved, JobID: id})
}

// SetStreamConnected flips the connectivity flag independent of job data.
func (s *Store) SetStreamConnected(connected bool) {
	s.mu.Lock()
	changed := s.meta.StreamConnected != connected
	s.meta.StreamConnected = connected
	s.mu.Unlock()

	if changed {
		s.notify(Change{Kind: ChangeConnection})
	}
}

// SetPerf records the latest performance sample.
func (s *Store) SetPerf(sample PerfSample) {
	s.mu.Lock()
	s.perf = &sample
	s.mu.Unlock()

	s.notify(Change{Kind: ChangePerf})
}

// Get returns the job by ID.
func (s *Store) Get(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	return j, ok
}

// List returns all jobs sorted newest-first by creation time, ID as tiebreak.
func (s *Store) List() []Job {
	s.mu.RLock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool {
		ta, tb := out[a].CreatedAt, out[b].CreatedAt
		switch {
		case ta == nil && tb == nil:
			return out[a].ID < out[b].ID
		case ta == nil:
			return false
		case tb == nil:
			return true
		case !ta.Equal(*tb):
			return ta.After(*tb)
		}
		return out[a].ID < out[b].ID
	})
	return out
}

// ByStatus returns jobs grouped into status buckets.
func (s *Store) ByStatus() map[string][]Job {
	out := make(map[string][]Job)
	for _, j := range s.List() {
		out[j.Status] = append(out[j.Status], j)
	}
	return out
}

// ComputeMetrics derives the aggregate metrics projection.
func (s *Store) ComputeMetrics() Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var m Metrics
	m.Total = len(s.jobs)
	for _, j := range s.jobs {
		switch j.Status {
		case StatusPending:
			m.Pending++
		case StatusProcessing:
			m.Processing++
		case StatusCompleted:
			m.Completed++
		case StatusFailed:
			m.Failed++
		case StatusCancelled:
			m.Cancelled++
		}
	}
	if m.Total > 0 {
		m.SuccessRate = float64(m.Completed) / float64(m.Total)
	}
	return m
}

// Snapshot returns the current meta plus job list in one consistent read.
func (s *Store) Snapshot() (Meta, []Job) {
	s.mu.RLock()
	meta := s.meta
	s.mu.RUnlock()
	return meta, s.List()
}

// Perf returns the latest performance sample, if any.
func (s *Store) Perf() (PerfSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.perf == nil {
		return PerfSample{}, false
	}
	return *s.perf, true
}
