package notify

import (
	"context"
	"time"
)

const Channel = "queue:events"

// Event is one queue entry transition, fanned out to the owner's live
// dashboard connections.
type Event struct {
	QueueJobID string    `json:"queueJobId"`
	JobID      string    `json:"jobId"`
	UserID     string    `json:"userId"`
	Status     string    `json:"status"`
	RetryCount int       `json:"retryCount"`
	OutputURL  string    `json:"outputUrl,omitempty"`
	At         time.Time `json:"at"`
}

// Publisher delivers events across processes (redis pub/sub in production).
type Publisher interface {
	PublishEvent(ctx context.Context, ev Event) error
}
