package models

import (
	"time"

	"github.com/google/uuid"
)

// JobState is the lifecycle state of a download job.
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// failed -> queued is the retry edge; callers must also check RetryCount.
var validTransitions = map[JobState][]JobState{
	JobStateQueued:  {JobStateRunning, JobStateCancelled},
	JobStateRunning: {JobStateSucceeded, JobStateFailed, JobStateCancelled},
	JobStateFailed:  {JobStateQueued},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to JobState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are expected. A failed job
// is only terminal once the scheduler has decided not to retry it; the state
// alone cannot tell, so failed counts as terminal here.
func (s JobState) IsTerminal() bool {
	return s == JobStateSucceeded || s == JobStateFailed || s == JobStateCancelled
}

func (s JobState) String() string { return string(s) }

// TrimRange selects a sub-clip, in seconds from the start of the source.
// A zero End means "until the end".
type TrimRange struct {
	Start float64 `json:"start"`
	End   float64 `json:"end,omitempty"`
}

// Length returns the clip length, or 0 if it runs to the end of the source.
func (t *TrimRange) Length() float64 {
	if t == nil || t.End <= 0 {
		return 0
	}
	return t.End - t.Start
}

// ConvertSpec asks the transcoder to re-encode the downloaded file.
type ConvertSpec struct {
	Container  string `json:"container"`            // mp4, webm, mkv, mp3, m4a
	Quality    string `json:"quality,omitempty"`    // high, medium, low
	Resolution int    `json:"resolution,omitempty"` // target height in pixels, 0 keeps the source
}

// JobResult references the artifact produced by a successful job.
type JobResult struct {
	Path     string `json:"-"`
	FileName string `json:"file_name"`
	Size     int64  `json:"size"`
	Title    string `json:"title,omitempty"`
}

// JobError is the recorded failure classification of a job.
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Job is the record of one admitted download/convert request.
type Job struct {
	ID       uuid.UUID    `db:"id"         json:"id"`
	Owner    uuid.UUID    `db:"owner_id"   json:"owner"`
	URL      string       `db:"source_url" json:"source_url"`
	Platform string       `db:"platform"   json:"platform"`
	Format   string       `db:"format"     json:"format"`
	Trim     *TrimRange   `db:"trim_range" json:"trim_range,omitempty"`
	Convert  *ConvertSpec `db:"convert_spec" json:"convert,omitempty"`
	Priority int          `db:"priority"   json:"priority"`

	State           JobState `db:"state"       json:"state"`
	RetryCount      int      `db:"retry_count" json:"retry_count"`
	CancelRequested bool     `db:"-"           json:"cancel_requested,omitempty"`
	Progress        float64  `db:"-"           json:"progress"`

	Result *JobResult `db:"result" json:"result,omitempty"`
	Error  *JobError  `db:"error"  json:"error,omitempty"`

	CreatedAt  time.Time  `db:"created_at"  json:"created_at"`
	StartedAt  *time.Time `db:"started_at"  json:"started_at,omitempty"`
	FinishedAt *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	// NotBefore holds a queued job back while it waits out a retry backoff.
	NotBefore *time.Time `db:"not_before" json:"not_before,omitempty"`

	// Version increases with every mutation; persistence ignores stale writes.
	Version int64 `db:"version" json:"-"`
}

// Clone returns a deep copy safe to hand outside the scheduler's lock.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Trim != nil {
		t := *j.Trim
		c.Trim = &t
	}
	if j.Convert != nil {
		cv := *j.Convert
		c.Convert = &cv
	}
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	c.StartedAt = cloneTime(j.StartedAt)
	c.FinishedAt = cloneTime(j.FinishedAt)
	c.NotBefore = cloneTime(j.NotBefore)
	return &c
}

// NeedsTranscode reports whether the job requires a transcoder pass after download.
func (j *Job) NeedsTranscode() bool {
	return j.Trim != nil || j.Convert != nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
