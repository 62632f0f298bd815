package models

import (
	"time"

	"github.com/google/uuid"
)

// HistoryEntry is the durable per-owner record of a finished job. It outlives
// the job itself, which is evicted after the retention window.
type HistoryEntry struct {
	ID         uuid.UUID  `db:"id"          json:"id"`
	JobID      uuid.UUID  `db:"job_id"      json:"job_id"`
	OwnerID    uuid.UUID  `db:"owner_id"    json:"owner_id"`
	URL        string     `db:"source_url"  json:"source_url"`
	Platform   string     `db:"platform"    json:"platform"`
	Format     string     `db:"format"      json:"format"`
	Title      string     `db:"title"       json:"title,omitempty"`
	State      JobState   `db:"state"       json:"state"`
	ErrorKind  *ErrorKind `db:"error_kind"  json:"error_kind,omitempty"`
	FileSize   *int64     `db:"file_size"   json:"file_size,omitempty"`
	FinishedAt time.Time  `db:"finished_at" json:"finished_at"`
}

// HistoryFromJob builds a history entry from a terminal job.
func HistoryFromJob(j *Job, id uuid.UUID) *HistoryEntry {
	h := &HistoryEntry{
		ID:       id,
		JobID:    j.ID,
		OwnerID:  j.Owner,
		URL:      j.URL,
		Platform: j.Platform,
		Format:   j.Format,
		State:    j.State,
	}
	if j.FinishedAt != nil {
		h.FinishedAt = *j.FinishedAt
	}
	if j.Result != nil {
		h.Title = j.Result.Title
		size := j.Result.Size
		h.FileSize = &size
	}
	if j.Error != nil {
		kind := j.Error.Kind
		h.ErrorKind = &kind
	}
	return h
}
