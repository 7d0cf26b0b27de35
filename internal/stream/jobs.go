// Package stream binds the generic SSE client to the console's two backend
// streams: the job lifecycle stream and the performance stream. Each service
// translates wire payloads into store actions and publishes lifecycle topics
// on the bus.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/storeport/internal/bus"
	"github.com/user/storeport/internal/jobs"
	"github.com/user/storeport/internal/session"
	"github.com/user/storeport/pkg/sse"
)

// JobConfig configures a JobService. Origin is the dashboard-origin base URL
// the job stream is served from.
type JobConfig struct {
	Origin        string
	MaxRetries    int
	BaseDelay     time.Duration
	BackoffFactor float64
	Session       *session.Session
	Bus           *bus.Bus
	Logger        *slog.Logger
}

// EventCallback observes one stream event after the store has committed it.
type EventCallback func(ev sse.Event)

// JobService consumes the job lifecycle stream. Every event is applied to the
// store first; registered callbacks run after the commit, best-effort.
type JobService struct {
	store  *jobs.Store
	sess   *session.Session
	bus    *bus.Bus
	logger *slog.Logger
	client *sse.Client

	cbMu      sync.RWMutex
	callbacks map[string][]EventCallback
}

// NewJobService wires a job stream service to the store.
func NewJobService(store *jobs.Store, cfg JobConfig) *JobService {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &JobService{
		store:     store,
		sess:      cfg.Session,
		bus:       cfg.Bus,
		logger:    logger,
		callbacks: make(map[string][]EventCallback),
	}
	clientCfg := sse.Config{
		BaseURL:       cfg.Origin,
		MaxRetries:    cfg.MaxRetries,
		BaseDelay:     cfg.BaseDelay,
		BackoffFactor: cfg.BackoffFactor,
		Logger:        logger,
	}
	if cfg.Session != nil {
		clientCfg.Jar = cfg.Session.Jar()
	}
	s.client = sse.NewClient("jobs", s, clientCfg)
	return s
}

// Connect starts the stream. Idempotent while running.
func (s *JobService) Connect(ctx context.Context) error {
	return s.client.Connect(ctx)
}

// Disconnect stops the stream and waits for the connection loop to exit.
func (s *JobService) Disconnect() {
	s.client.Disconnect()
}

// Status returns the underlying connection state.
func (s *JobService) Status() sse.ConnectionStatus {
	return s.client.Status()
}

// OnEvent registers a callback for the named stream event. Callbacks run
// after the store commit and may not veto or reorder it.
func (s *JobService) OnEvent(name string, cb EventCallback) {
	s.cbMu.Lock()
	s.callbacks[name] = append(s.callbacks[name], cb)
	s.cbMu.Unlock()
}

// Endpoint implements sse.StreamHandler.
func (s *JobService) Endpoint() string { return "/jobs/stream" }

// RegisterHandlers implements sse.StreamHandler.
func (s *JobService) RegisterHandlers(reg *sse.Registry) {
	reg.Handle("job-created", s.handleCreated)
	reg.Handle("job-status-update", s.handleStatus)
	reg.Handle("job-progress", s.handleProgress)
	reg.Handle("job-deleted", s.handleDeleted)
	reg.Handle("job-error", s.handleError)
	reg.HandleRaw("keepalive", func(sse.Event) error { return nil })
}

// HandleConnection implements sse.StreamHandler.
func (s *JobService) HandleConnection(ev sse.Event) {
	var p connectionPayload
	if err := json.Unmarshal(ev.Data, &p); err == nil && p.ClientID != "" {
		s.logger.Info("job stream handshake", "client_id", p.ClientID)
	}
	s.fire(ev)
}

// HandleInitialData implements sse.StreamHandler. The bulk sync replaces the
// whole job set.
func (s *JobService) HandleInitialData(ev sse.Event) {
	var p initialDataPayload
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		s.logger.Warn("bad initial-data payload", "error", err)
		return
	}
	list := make([]jobs.Job, 0, len(p.Jobs))
	for _, jp := range p.Jobs {
		list = append(list, jp.toJob())
	}
	s.store.InitializeJobs(list)
	s.logger.Info("job stream synced", "total", p.TotalJobs, "received", len(list))
	s.publish(bus.TopicJobsUpdate, fmt.Sprintf("synced %d jobs", len(list)))
	s.fire(ev)
}

// BeforeConnect vetoes the attempt when the local session is known-expired;
// the server would reject it with a 401 anyway.
func (s *JobService) BeforeConnect() bool {
	if s.sess == nil {
		return true
	}
	if !s.sess.Valid() {
		s.logger.Warn("job stream connect vetoed: session invalid")
		s.publish(bus.TopicAuthError, "session invalid")
		return false
	}
	return true
}

// AfterConnect implements sse.AfterConnecter.
func (s *JobService) AfterConnect() {
	s.store.SetStreamConnected(true)
	s.publish(bus.TopicStreamUp, "")
}

// OnDisconnect implements sse.Disconnecter.
func (s *JobService) OnDisconnect() {
	s.store.SetStreamConnected(false)
	s.publish(bus.TopicStreamDown, "")
}

// ShouldRetry implements sse.RetryPolicy: auth failures are terminal and
// surfaced on the bus so the CLI or dashboard can prompt for a new login.
func (s *JobService) ShouldRetry(err error) bool {
	if sse.IsAuthError(err) {
		s.publish(bus.TopicAuthError, err.Error())
		return false
	}
	return true
}

func (s *JobService) handleCreated(ev sse.Event) error {
	var p jobPayload
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return fmt.Errorf("decode job-created: %w", err)
	}
	if p.ID == "" {
		return fmt.Errorf("job-created without id")
	}
	s.store.UpsertJob(p.toJob())
	s.fire(ev)
	return nil
}

func (s *JobService) handleStatus(ev sse.Event) error {
	var p statusPayload
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return fmt.Errorf("decode job-status-update: %w", err)
	}
	s.store.UpdateJobStatus(p.JobID, p.Status, &jobs.StatusFields{
		ErrorMessage: p.ErrorMessage,
		Progress:     p.Progress,
		StartedAt:    parseTime(p.StartedAt),
		CompletedAt:  parseTime(p.CompletedAt),
		WordCount:    p.WordCount,
		ImageCount:   p.ImageCount,
		ProductCount: p.ProductCount,
	})
	s.fire(ev)
	return nil
}

func (s *JobService) handleProgress(ev sse.Event) error {
	var p progressPayload
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return fmt.Errorf("decode job-progress: %w", err)
	}
	s.store.UpdateJobProgress(p.JobID, p.Data.Progress, p.Data.Message)
	s.fire(ev)
	return nil
}

func (s *JobService) handleDeleted(ev sse.Event) error {
	var p deletedPayload
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return fmt.Errorf("decode job-deleted: %w", err)
	}
	s.store.RemoveJob(p.JobID)
	s.fire(ev)
	return nil
}

func (s *JobService) handleError(ev sse.Event) error {
	var p errorPayload
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return fmt.Errorf("decode job-error: %w", err)
	}
	s.store.UpdateJobStatus(p.JobID, jobs.StatusFailed, &jobs.StatusFields{
		ErrorMessage: p.Error,
	})
	s.fire(ev)
	return nil
}

// fire runs registered callbacks for the event. A panicking callback is
// contained; the store commit already happened and must stand.
func (s *JobService) fire(ev sse.Event) {
	s.cbMu.RLock()
	cbs := s.callbacks[ev.Name]
	s.cbMu.RUnlock()

	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("event callback panicked", "event", ev.Name, "panic", r)
				}
			}()
			cb(ev)
		}()
	}
}

func (s *JobService) publish(topic, detail string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Message{Topic: topic, Stream: "jobs", Detail: detail})
}
