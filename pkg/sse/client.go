// Package sse implements a reconnecting Server-Sent Events client with
// named-event routing. A Client owns one long-lived streaming connection;
// stream-specific behavior (endpoint, event handlers, lifecycle hooks) is
// supplied by a StreamHandler.
package sse

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"
)

// Default retry tuning, matching the backend's documented reconnect policy.
const (
	DefaultMaxRetries    = 5
	DefaultBaseDelay     = time.Second
	DefaultBackoffFactor = 2.0
)

// StatusError is a non-2xx response to the stream open request.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("stream open failed: HTTP %d", e.Code)
}

// IsAuthError reports whether err is an HTTP 401 or 403 stream failure.
func IsAuthError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && (se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden)
}

// HandlerFunc processes one decoded event. Errors are logged, never fatal to
// the connection.
type HandlerFunc func(Event) error

// Registry maps event names to handlers. It is rebuilt from scratch on every
// connect, so handlers registered for a previous connection can never fire.
type Registry struct {
	entries map[string]handlerEntry
}

type handlerEntry struct {
	fn        HandlerFunc
	parseJSON bool
}

func newRegistry() *Registry {
	return &Registry{entries: make(map[string]handlerEntry)}
}

// Handle registers fn for the named event. The payload is required to be
// valid JSON; malformed payloads are dropped with a log line before fn runs.
// Re-registering a name replaces the previous handler.
func (r *Registry) Handle(name string, fn HandlerFunc) {
	r.entries[name] = handlerEntry{fn: fn, parseJSON: true}
}

// HandleRaw registers fn for the named event without JSON validation.
func (r *Registry) HandleRaw(name string, fn HandlerFunc) {
	r.entries[name] = handlerEntry{fn: fn, parseJSON: false}
}

// StreamHandler supplies the stream-specific half of a Client.
type StreamHandler interface {
	// Endpoint returns the path joined to the base URL, e.g. "/jobs/stream".
	Endpoint() string
	// RegisterHandlers populates the registry. Called fresh on every connect;
	// it must be stateless with respect to re-registration.
	RegisterHandlers(reg *Registry)
	// HandleConnection receives the server's initial handshake event.
	HandleConnection(ev Event)
	// HandleInitialData receives the server's bulk-sync event.
	HandleInitialData(ev Event)
}

// Optional StreamHandler extensions, detected by type assertion.
type (
	// BeforeConnecter can veto a connection attempt (e.g. no valid session).
	BeforeConnecter interface{ BeforeConnect() bool }
	// AfterConnecter is notified after each successful stream open.
	AfterConnecter interface{ AfterConnect() }
	// Disconnecter is notified when the stream goes down, cleanly or not.
	Disconnecter interface{ OnDisconnect() }
	// RetryPolicy overrides the default never-retry-on-auth-failure check.
	// Returning false makes the error terminal regardless of retry budget.
	RetryPolicy interface{ ShouldRetry(err error) bool }
)

// ConnectionStatus is a read-only snapshot of the connection state.
type ConnectionStatus struct {
	Connected  bool `json:"connected"`
	RetryCount int  `json:"retry_count"`
}

// Config tunes a Client. Zero values fall back to package defaults.
type Config struct {
	BaseURL       string
	MaxRetries    int
	BaseDelay     time.Duration
	BackoffFactor float64
	// Jar carries the session cookies for credentialed streams. Nil means
	// the stream is opened without credentials.
	Jar http.CookieJar
	// HTTPClient overrides the default streaming transport.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client manages one named, credentialed SSE connection with automatic
// reconnection and per-event handler dispatch.
type Client struct {
	name       string
	handler    StreamHandler
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger

	mu         sync.Mutex
	connected  bool
	running    bool
	retryCount int
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewClient creates a client for the given stream. name appears in log lines.
func NewClient(name string, handler StreamHandler, cfg Config) *Client {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.BackoffFactor == 0 {
		cfg.BackoffFactor = DefaultBackoffFactor
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = defaultHTTPClient()
	}
	if cfg.Jar != nil {
		// Copy so the jar does not leak into a caller-shared client.
		c := *httpClient
		c.Jar = cfg.Jar
		httpClient = &c
	}
	return &Client{
		name:       name,
		handler:    handler,
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger.With("stream", name),
	}
}

// defaultHTTPClient builds a client tuned for long-lived streams: no global
// timeout (per-request contexts control lifetime) and HTTP/2 read-idle pings
// so a silently dead connection errors out instead of hanging forever.
func defaultHTTPClient() *http.Client {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	tr := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
	}
	if h2, err := http2.ConfigureTransports(tr); err == nil {
		h2.ReadIdleTimeout = 30 * time.Second
		h2.PingTimeout = 10 * time.Second
	}
	return &http.Client{
		Timeout:   0,
		Transport: tr,
	}
}

// Connect starts the stream. Idempotent: if the client is already connected
// or connecting, Connect is a no-op. The connection lives until Disconnect is
// called, ctx is cancelled, or the retry budget is exhausted.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	if v, ok := c.handler.(BeforeConnecter); ok && !v.BeforeConnect() {
		c.mu.Unlock()
		return fmt.Errorf("stream %s: connect vetoed", c.name)
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.run(runCtx)
	}()
	return nil
}

// Disconnect aborts the transport and marks the client disconnected. Safe to
// call multiple times.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Status returns a snapshot of the connection state.
func (c *Client) Status() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionStatus{Connected: c.connected, RetryCount: c.retryCount}
}

// run is the connection loop: open, read until failure, back off, repeat.
func (c *Client) run(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.running = false
		c.connected = false
		c.mu.Unlock()
	}()

	for {
		err := c.openAndRead(ctx)

		c.setConnected(false)
		if d, ok := c.handler.(Disconnecter); ok {
			d.OnDisconnect()
		}

		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// Clean server close: reconnect on the same schedule.
			err = errors.New("stream closed by server")
		}

		c.mu.Lock()
		attempt := c.retryCount
		c.mu.Unlock()

		if !c.shouldRetry(err) {
			c.logger.Error("stream terminally disconnected", "error", err, "retries", attempt)
			return
		}
		if attempt >= c.cfg.MaxRetries {
			c.logger.Error("stream retry budget exhausted", "error", err, "max_retries", c.cfg.MaxRetries)
			return
		}

		delay := Jitter(RetryDelay(c.cfg.BaseDelay, c.cfg.BackoffFactor, attempt))
		c.logger.Warn("stream disconnected, reconnecting",
			"error", err,
			"attempt", attempt+1,
			"max_retries", c.cfg.MaxRetries,
			"delay", delay,
		)

		c.mu.Lock()
		c.retryCount++
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// openAndRead opens the stream and pumps events until the body errors or the
// server closes. A nil return means a clean close.
func (c *Client) openAndRead(ctx context.Context) error {
	reg := newRegistry()
	reg.Handle("connection", func(ev Event) error {
		c.handler.HandleConnection(ev)
		return nil
	})
	reg.Handle("initial-data", func(ev Event) error {
		c.handler.HandleInitialData(ev)
		return nil
	})
	c.handler.RegisterHandlers(reg)

	url := strings.TrimRight(c.cfg.BaseURL, "/") + c.handler.Endpoint()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode}
	}

	c.mu.Lock()
	c.connected = true
	c.retryCount = 0
	c.mu.Unlock()
	c.logger.Info("stream connected", "url", url)

	if a, ok := c.handler.(AfterConnecter); ok {
		a.AfterConnect()
	}

	return readFrames(ctx, resp.Body, func(ev Event) {
		c.dispatch(reg, ev)
	})
}

// dispatch routes one event to its registered handler. Handler errors and
// panics are contained here; one bad event must not kill the connection.
func (c *Client) dispatch(reg *Registry, ev Event) {
	entry, ok := reg.entries[ev.Name]
	if !ok {
		c.logger.Debug("unhandled stream event", "event", ev.Name)
		return
	}
	if entry.parseJSON && len(ev.Data) > 0 && !json.Valid(ev.Data) {
		c.logger.Warn("malformed event payload", "event", ev.Name)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("event handler panicked", "event", ev.Name, "panic", r)
		}
	}()
	if err := entry.fn(ev); err != nil {
		c.logger.Warn("event handler failed", "event", ev.Name, "error", err)
	}
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// shouldRetry consults the handler's retry policy, defaulting to "retry
// anything except auth failures". Retrying an unauthenticated endpoint cannot
// succeed without user action, so 401/403 are always terminal.
func (c *Client) shouldRetry(err error) bool {
	if p, ok := c.handler.(RetryPolicy); ok {
		return p.ShouldRetry(err)
	}
	return !IsAuthError(err)
}

// RetryDelay is the pre-jitter delay before retry attempt n (0-indexed):
// base * factor^attempt.
func RetryDelay(base time.Duration, factor float64, attempt int) time.Duration {
	return time.Duration(float64(base) * math.Pow(factor, float64(attempt)))
}

// Jitter applies ±20% symmetric jitter so clients that lost the same server
// do not reconnect in lockstep.
func Jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.8 + 0.4*rand.Float64()))
}
