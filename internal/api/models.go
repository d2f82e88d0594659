package api

import (
	"time"

	"transit-poll-store/internal/replay"
)

// JobResponse is returned after a session has been accepted.
type JobResponse struct {
	JobID string `json:"job_id"`
}

// JobStatus represents the runtime state of a submitted session.
type JobStatus struct {
	JobID      string        `json:"job_id"`
	Status     string        `json:"status"` // queued | running | finished | error | cancelled
	Error      string        `json:"error,omitempty"`
	Stats      *replay.Stats `json:"stats,omitempty"`
	StartedAt  time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
}
