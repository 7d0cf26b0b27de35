// Package refresh reconciles the store against the REST API while the job
// stream is down. It is a fallback path only: when the stream is connected
// the poller skips its tick and lets events drive the store.
package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/storeport/internal/jobs"
	"github.com/user/storeport/pkg/client"
)

// Lister is the slice of the API client the refresher needs.
type Lister interface {
	ListJobs(ctx context.Context, opts client.ListOptions) (*client.JobList, error)
}

// Config holds refresher configuration.
type Config struct {
	Interval time.Duration // poll cadence while the stream is down (default 30s)
	PageSize int           // jobs per listing page (default 100)
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		PageSize: 100,
	}
}

// Refresher polls the job listing and replaces the store's job set.
type Refresher struct {
	api    Lister
	store  *jobs.Store
	config Config
	logger *slog.Logger
}

// New creates a Refresher.
func New(api Lister, store *jobs.Store, config Config, logger *slog.Logger) *Refresher {
	def := DefaultConfig()
	if config.Interval == 0 {
		config.Interval = def.Interval
	}
	if config.PageSize == 0 {
		config.PageSize = def.PageSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{api: api, store: store, config: config, logger: logger}
}

// Run starts the poll loop. It blocks until the context is cancelled.
func (r *Refresher) Run(ctx context.Context) {
	r.logger.Info("refresher started", "interval", r.config.Interval)
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("refresher stopped")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Refresher) tick(ctx context.Context) {
	meta, _ := r.store.Snapshot()
	if meta.StreamConnected {
		return
	}
	if err := r.RefreshNow(ctx); err != nil {
		r.logger.Warn("fallback refresh failed", "error", err)
	}
}

// RefreshNow fetches every job page and replaces the store's job set. It runs
// regardless of stream state; manual refreshes go through here.
func (r *Refresher) RefreshNow(ctx context.Context) error {
	var all []jobs.Job
	for page := 1; ; page++ {
		list, err := r.api.ListJobs(ctx, client.ListOptions{Page: page, PerPage: r.config.PageSize})
		if err != nil {
			return fmt.Errorf("list jobs page %d: %w", page, err)
		}
		for _, j := range list.Jobs {
			all = append(all, fromAPI(j))
		}
		if len(list.Jobs) < r.config.PageSize || len(all) >= list.Total {
			break
		}
	}

	r.store.ReplaceJobs(all)
	r.logger.Debug("store refreshed from api", "jobs", len(all))
	return nil
}

func fromAPI(j client.Job) jobs.Job {
	return jobs.Job{
		ID:           j.ID,
		Status:       j.Status,
		Progress:     j.Progress,
		Message:      j.Message,
		SourceURL:    j.SourceURL,
		Title:        j.Title,
		ErrorMessage: j.ErrorMessage,
		WordCount:    j.WordCount,
		ImageCount:   j.ImageCount,
		ProductCount: j.ProductCount,
		CreatedAt:    parseTime(j.CreatedAt),
		StartedAt:    parseTime(j.StartedAt),
		CompletedAt:  parseTime(j.CompletedAt),
	}
}

func parseTime(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return nil
	}
	return &t
}
