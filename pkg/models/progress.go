package models

import (
	"time"

	"github.com/google/uuid"
)

// ProgressEvent is one point-in-time update for a job. Terminal events carry
// the final state and close the job's progress stream.
type ProgressEvent struct {
	Seq       uint64    `json:"seq"`
	JobID     uuid.UUID `json:"job_id"`
	State     JobState  `json:"state"`
	Percent   float64   `json:"percent"`
	Speed     string    `json:"speed,omitempty"`
	ETA       string    `json:"eta,omitempty"`
	Message   string    `json:"message,omitempty"`
	Terminal  bool      `json:"terminal"`
	Error     *JobError `json:"error,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// ProgressUpdate is what collaborators report while they work.
type ProgressUpdate struct {
	Percent float64
	Speed   string
	ETA     string
	Message string
}

// ProgressFunc receives collaborator updates. Implementations must not block.
type ProgressFunc func(ProgressUpdate)
