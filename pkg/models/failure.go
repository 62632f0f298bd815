package models

import (
	"time"

	"github.com/google/uuid"
)

// FailureCluster groups failed jobs whose error messages normalize to the
// same text.
type FailureCluster struct {
	Fingerprint   string      `json:"fingerprint"`
	Kind          ErrorKind   `json:"kind"`
	Count         int         `json:"count"`
	Platforms     []string    `json:"platforms"`
	FirstSeenAt   time.Time   `json:"first_seen_at"`
	LastSeenAt    time.Time   `json:"last_seen_at"`
	SampleMessage string      `json:"sample_message"`
	SampleJobIDs  []uuid.UUID `json:"sample_job_ids"`
}
