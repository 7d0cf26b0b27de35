package stream

import (
	"time"

	"github.com/user/storeport/internal/jobs"
)

// Wire payloads for the job stream. The backend owns these shapes; timestamps
// arrive as RFC3339 strings, absent fields as null.

type jobPayload struct {
	ID           string  `json:"id"`
	Status       string  `json:"status"`
	Progress     int     `json:"progress"`
	Message      string  `json:"message,omitempty"`
	SourceURL    string  `json:"source_url,omitempty"`
	Title        string  `json:"title,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`
	WordCount    int     `json:"word_count,omitempty"`
	ImageCount   int     `json:"image_count,omitempty"`
	ProductCount int     `json:"product_count,omitempty"`
	CreatedAt    *string `json:"created_at,omitempty"`
	StartedAt    *string `json:"started_at,omitempty"`
	CompletedAt  *string `json:"completed_at,omitempty"`
}

func (p jobPayload) toJob() jobs.Job {
	return jobs.Job{
		ID:           p.ID,
		Status:       p.Status,
		Progress:     p.Progress,
		Message:      p.Message,
		SourceURL:    p.SourceURL,
		Title:        p.Title,
		ErrorMessage: p.ErrorMessage,
		WordCount:    p.WordCount,
		ImageCount:   p.ImageCount,
		ProductCount: p.ProductCount,
		CreatedAt:    parseTime(p.CreatedAt),
		StartedAt:    parseTime(p.StartedAt),
		CompletedAt:  parseTime(p.CompletedAt),
	}
}

type initialDataPayload struct {
	TotalJobs int          `json:"total_jobs"`
	Jobs      []jobPayload `json:"jobs"`
}

type progressPayload struct {
	JobID string `json:"job_id"`
	Data  struct {
		Progress int    `json:"progress"`
		Message  string `json:"message,omitempty"`
	} `json:"data"`
}

type statusPayload struct {
	JobID        string  `json:"job_id"`
	Status       string  `json:"status"`
	ErrorMessage string  `json:"error_message,omitempty"`
	Progress     *int    `json:"progress,omitempty"`
	StartedAt    *string `json:"started_at,omitempty"`
	CompletedAt  *string `json:"completed_at,omitempty"`
	WordCount    *int    `json:"word_count,omitempty"`
	ImageCount   *int    `json:"image_count,omitempty"`
	ProductCount *int    `json:"product_count,omitempty"`
}

type deletedPayload struct {
	JobID string `json:"job_id"`
}

type errorPayload struct {
	JobID string `json:"job_id"`
	Error string `json:"error"`
}

type connectionPayload struct {
	ClientID string `json:"client_id"`
}

type perfPayload struct {
	ActiveJobs     int     `json:"active_jobs"`
	QueueDepth     int     `json:"queue_depth"`
	AvgDurationSec float64 `json:"avg_duration_sec"`
	ErrorRate      float64 `json:"error_rate"`
}

func (p perfPayload) toSample() jobs.PerfSample {
	return jobs.PerfSample{
		ActiveJobs:     p.ActiveJobs,
		QueueDepth:     p.QueueDepth,
		AvgDurationSec: p.AvgDurationSec,
		ErrorRate:      p.ErrorRate,
		ReceivedAt:     time.Now(),
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
