package jobs

import "time"

// Job statuses
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// IsTerminal reports whether a job in this status will receive no further
// server updates.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Job is one conversion job as known to the console. IDs are server-assigned
// and unique within the store.
type Job struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	Progress     int        `json:"progress"`
	Message      string     `json:"message,omitempty"`
	SourceURL    string     `json:"source_url,omitempty"`
	Title        string     `json:"title,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	WordCount    int        `json:"word_count,omitempty"`
	ImageCount   int        `json:"image_count,omitempty"`
	ProductCount int        `json:"product_count,omitempty"`
	CreatedAt    *time.Time `json:"created_at,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Meta is store-level metadata alongside the job set.
type Meta struct {
	Total           int       `json:"total"`
	LastUpdate      time.Time `json:"last_update"`
	StreamConnected bool      `json:"stream_connected"`
}

// Metrics is the aggregate projection over the job set.
type Metrics struct {
	Total       int     `json:"total"`
	Pending     int     `json:"pending"`
	Processing  int     `json:"processing"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	Cancelled   int     `json:"cancelled"`
	SuccessRate float64 `json:"success_rate"`
}

// PerfSample is one performance-update push from the metrics stream.
type PerfSample struct {
	ActiveJobs     int     `json:"active_jobs"`
	QueueDepth     int     `json:"queue_depth"`
	AvgDurationSec float64 `json:"avg_duration_sec"`
	ErrorRate      float64 `json:"error_rate"`
	ReceivedAt     time.Time `json:"received_at"`
}
