package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/user/storeport/internal/bus"
	"github.com/user/storeport/internal/jobs"
	"github.com/user/storeport/internal/session"
	"github.com/user/storeport/pkg/sse"
)

// PerfConfig configures a PerfService. BaseURL is the API base, not the
// dashboard origin; the performance stream is served by the API directly.
type PerfConfig struct {
	BaseURL       string
	MaxRetries    int
	BaseDelay     time.Duration
	BackoffFactor float64
	Session       *session.Session
	Bus           *bus.Bus
	Logger        *slog.Logger
}

// PerfService consumes the backend performance stream and keeps the store's
// latest sample current. It is independent of the job stream: either can be
// up while the other is down.
type PerfService struct {
	store  *jobs.Store
	sess   *session.Session
	bus    *bus.Bus
	logger *slog.Logger
	client *sse.Client
}

// NewPerfService wires a performance stream service to the store.
func NewPerfService(store *jobs.Store, cfg PerfConfig) *PerfService {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &PerfService{
		store:  store,
		sess:   cfg.Session,
		bus:    cfg.Bus,
		logger: logger,
	}
	clientCfg := sse.Config{
		BaseURL:       cfg.BaseURL,
		MaxRetries:    cfg.MaxRetries,
		BaseDelay:     cfg.BaseDelay,
		BackoffFactor: cfg.BackoffFactor,
		Logger:        logger,
	}
	if cfg.Session != nil {
		clientCfg.Jar = cfg.Session.Jar()
	}
	s.client = sse.NewClient("performance", s, clientCfg)
	return s
}

// Connect starts the stream. Idempotent while running.
func (s *PerfService) Connect(ctx context.Context) error {
	return s.client.Connect(ctx)
}

// Disconnect stops the stream.
func (s *PerfService) Disconnect() {
	s.client.Disconnect()
}

// Status returns the underlying connection state.
func (s *PerfService) Status() sse.ConnectionStatus {
	return s.client.Status()
}

// Endpoint implements sse.StreamHandler.
func (s *PerfService) Endpoint() string { return "/performance/stream" }

// RegisterHandlers implements sse.StreamHandler.
func (s *PerfService) RegisterHandlers(reg *sse.Registry) {
	reg.Handle("performance-update", s.handleUpdate)
	reg.HandleRaw("keepalive", func(sse.Event) error { return nil })
}

// HandleConnection implements sse.StreamHandler.
func (s *PerfService) HandleConnection(ev sse.Event) {
	var p connectionPayload
	if err := json.Unmarshal(ev.Data, &p); err == nil && p.ClientID != "" {
		s.logger.Info("performance stream handshake", "client_id", p.ClientID)
	}
}

// HandleInitialData implements sse.StreamHandler. The performance stream's
// bulk sync is a single current sample.
func (s *PerfService) HandleInitialData(ev sse.Event) {
	if err := s.handleUpdate(ev); err != nil {
		s.logger.Warn("bad performance initial-data", "error", err)
	}
}

// BeforeConnect vetoes the attempt when the local session is known-expired.
func (s *PerfService) BeforeConnect() bool {
	if s.sess == nil || s.sess.Valid() {
		return true
	}
	s.logger.Warn("performance stream connect vetoed: session invalid")
	return false
}

// ShouldRetry implements sse.RetryPolicy.
func (s *PerfService) ShouldRetry(err error) bool {
	if sse.IsAuthError(err) {
		if s.bus != nil {
			s.bus.Publish(bus.Message{Topic: bus.TopicAuthError, Stream: "performance", Detail: err.Error()})
		}
		return false
	}
	return true
}

func (s *PerfService) handleUpdate(ev sse.Event) error {
	var p perfPayload
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return err
	}
	s.store.SetPerf(p.toSample())
	return nil
}
