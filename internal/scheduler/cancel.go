package scheduler

import (
	"context"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/vidfetch/pkg/models"
)

// Cancel stops a job on behalf of owner (uuid.Nil acts for any owner).
//
// A queued job is removed from the queue and cancelled at once. A running job
// only gets a cancel request: its context is cancelled and the worker settles
// it as cancelled at its next checkpoint, so the returned snapshot may still
// read running. Terminal jobs return ErrNotCancellable.
func (s *Scheduler) Cancel(ctx context.Context, owner, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	e, err := s.lookup(owner, id)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	job := e.job

	switch job.State {
	case models.JobStateQueued:
		if !s.queue.Remove(id) {
			s.mu.Unlock()
			slog.Error("queued job missing from queue", "job_id", id)
			return nil, ErrNotCancellable
		}
		now := s.now().UTC()
		job.State = models.JobStateCancelled
		job.FinishedAt = &now
		job.NotBefore = nil
		job.Error = &models.JobError{Kind: models.ErrorKindCancelled, Message: "cancelled before start"}
		job.Version++
		s.countOutcome(job)
		snapshot := job.Clone()
		s.mu.Unlock()

		// A job waiting out a retry may still have files from its last attempt.
		if err := os.RemoveAll(s.jobDir(id)); err != nil {
			slog.Warn("failed to remove partial files", "job_id", id, "error", err)
		}
		s.hub.Publish(id, eventFor(snapshot, "cancelled"))
		s.persist(snapshot)
		s.recordHistory(snapshot)
		slog.Info("job cancelled", "job_id", id, "owner", snapshot.Owner, "state", models.JobStateQueued)
		return snapshot, nil

	case models.JobStateRunning:
		already := job.CancelRequested
		job.CancelRequested = true
		if e.cancel != nil {
			e.cancel()
		}
		snapshot := job.Clone()
		s.mu.Unlock()

		if !already {
			s.hub.Publish(id, models.ProgressEvent{
				State:   models.JobStateRunning,
				Percent: snapshot.Progress,
				Message: "cancelling",
			})
			slog.Info("job cancel requested", "job_id", id, "owner", snapshot.Owner)
		}
		return snapshot, nil

	default:
		s.mu.Unlock()
		return nil, ErrNotCancellable
	}
}
