package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/vidfetch/pkg/models"
)

const (
	maxErrorMessage = 1000
	sourceDir       = "source"
	// downloadShare is the part of the overall percent given to the download
	// when a transcode pass follows it.
	downloadShare = 80.0
)

var errCancelRequested = models.NewMediaError(models.ErrorKindCancelled, errors.New("cancelled by request"))

// run executes one attempt of a job on a worker slot.
func (s *Scheduler) run(ctx context.Context, job *models.Job, attempt int) {
	defer s.workers.Done()

	var (
		result *models.JobResult
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("panic in job worker", "job_id", job.ID, "error", r, "stack", string(debug.Stack()))
				err = models.NewMediaError(models.ErrorKindInternal, fmt.Errorf("panic: %v", r))
			}
		}()
		result, err = s.execute(ctx, job, attempt)
	}()
	s.finish(job.ID, attempt, result, err)
}

// execute drives the job through resolve, download and the optional
// transcode pass, checking for cancellation and the deadline between steps.
func (s *Scheduler) execute(ctx context.Context, job *models.Job, attempt int) (*models.JobResult, error) {
	dir := s.jobDir(job.ID)
	// A previous attempt may have left partial files behind.
	if err := os.RemoveAll(dir); err != nil {
		return nil, models.NewMediaError(models.ErrorKindInternal, fmt.Errorf("clearing job dir: %w", err))
	}

	var creds *models.Credentials
	if s.creds != nil {
		c, err := s.creds.Credentials(ctx, job.Platform, job.Owner)
		if err != nil {
			return nil, models.NewMediaError(models.ErrorKindInternal, fmt.Errorf("loading credentials: %w", err))
		}
		creds = c
	}

	if err := s.checkpoint(ctx, job.ID); err != nil {
		return nil, err
	}
	info, err := callWithTimeout(ctx, s.cfg.CallTimeout, func(ctx context.Context) (*models.StreamInfo, error) {
		return s.extractor.Resolve(ctx, models.ResolveRequest{
			URL:         job.URL,
			Platform:    job.Platform,
			Credentials: creds,
		})
	})
	if err != nil {
		return nil, err
	}
	if err := s.checkDuration(job, info); err != nil {
		return nil, err
	}

	if err := s.checkpoint(ctx, job.ID); err != nil {
		return nil, err
	}
	share := 100.0
	if job.NeedsTranscode() {
		share = downloadShare
	}
	s.report(job.ID, attempt, models.ProgressUpdate{Message: "downloading " + info.Title})
	path, err := callWithTimeout(ctx, s.cfg.CallTimeout, func(ctx context.Context) (string, error) {
		return s.extractor.Download(ctx, models.DownloadRequest{
			URL:         job.URL,
			Platform:    job.Platform,
			Format:      job.Format,
			OutputDir:   filepath.Join(dir, sourceDir),
			Credentials: creds,
		}, s.progressFunc(job.ID, attempt, 0, share))
	})
	if err != nil {
		return nil, err
	}

	if job.NeedsTranscode() {
		if err := s.checkpoint(ctx, job.ID); err != nil {
			return nil, err
		}
		spec := models.ConvertSpec{}
		if job.Convert != nil {
			spec = *job.Convert
		}
		s.report(job.ID, attempt, models.ProgressUpdate{Percent: share, Message: "transcoding"})
		out, err := callWithTimeout(ctx, s.cfg.CallTimeout, func(ctx context.Context) (string, error) {
			return s.transcoder.Convert(ctx, models.ConvertRequest{
				InputPath: path,
				OutputDir: dir,
				Spec:      spec,
				Trim:      job.Trim,
				Duration:  info.Duration,
			}, s.progressFunc(job.ID, attempt, share, 100-share))
		})
		if err != nil {
			return nil, err
		}
		if err := os.RemoveAll(filepath.Join(dir, sourceDir)); err != nil {
			slog.Warn("failed to remove intermediate download", "job_id", job.ID, "error", err)
		}
		path = out
	}

	if err := s.checkpoint(ctx, job.ID); err != nil {
		return nil, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, models.NewMediaError(models.ErrorKindInternal, fmt.Errorf("stat artifact: %w", err))
	}
	return &models.JobResult{
		Path:     path,
		FileName: filepath.Base(path),
		Size:     fi.Size(),
		Title:    info.Title,
	}, nil
}

func (s *Scheduler) checkDuration(job *models.Job, info *models.StreamInfo) error {
	if limit := s.media.MaxDuration; limit > 0 && info.Duration > limit.Seconds() {
		return models.NewMediaError(models.ErrorKindUnsupported,
			fmt.Errorf("video is %s long, the limit is %s", secondsToDuration(info.Duration), limit))
	}
	if job.Trim != nil && info.Duration > 0 && job.Trim.Start >= info.Duration {
		return models.NewMediaError(models.ErrorKindUnsupported,
			fmt.Errorf("trim start %.1fs is past the end of a %.1fs video", job.Trim.Start, info.Duration))
	}
	return nil
}

// checkpoint reports whether the job must stop: a cancel request, its
// deadline, or scheduler shutdown.
func (s *Scheduler) checkpoint(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	e, ok := s.jobs[id]
	requested := ok && e.job.CancelRequested
	s.mu.Unlock()
	if requested {
		return errCancelRequested
	}
	if err := ctx.Err(); err != nil {
		return models.ClassifyError(err)
	}
	return nil
}

// progressFunc maps a collaborator's 0-100 onto [base, base+span] of the job.
func (s *Scheduler) progressFunc(id uuid.UUID, attempt int, base, span float64) models.ProgressFunc {
	return func(u models.ProgressUpdate) {
		u.Percent = base + clampPercent(u.Percent)*span/100
		s.report(id, attempt, u)
	}
}

// report records and publishes an ongoing update. Updates from a stale attempt
// or for a job that is no longer running are dropped.
func (s *Scheduler) report(id uuid.UUID, attempt int, u models.ProgressUpdate) {
	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok || e.attempt != attempt || e.job.State != models.JobStateRunning {
		s.mu.Unlock()
		return
	}
	if u.Percent > e.job.Progress {
		e.job.Progress = u.Percent
	}
	evt := models.ProgressEvent{
		State:   models.JobStateRunning,
		Percent: e.job.Progress,
		Speed:   u.Speed,
		ETA:     u.ETA,
		Message: u.Message,
	}
	s.mu.Unlock()

	s.hub.Publish(id, evt)
}

// finish applies the outcome of an attempt: success, retry or a terminal
// failure. It always releases the worker slot.
func (s *Scheduler) finish(id uuid.UUID, attempt int, result *models.JobResult, runErr error) {
	s.mu.Lock()
	s.running--
	e, ok := s.jobs[id]
	if !ok || e.attempt != attempt {
		s.mu.Unlock()
		s.signal()
		return
	}
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	job := e.job
	now := s.now().UTC()

	if runErr != nil && !job.CancelRequested && s.shuttingDown() && errors.Is(runErr, context.Canceled) {
		s.mu.Unlock()
		slog.Info("job interrupted by shutdown", "job_id", id)
		return
	}

	var (
		message  string
		retryIn  time.Duration
		cleanup  bool
		failure  *models.MediaError
		logLevel = slog.LevelInfo
	)
	switch {
	case runErr == nil:
		job.State = models.JobStateSucceeded
		job.Result = result
		job.Error = nil
		job.Progress = 100
		job.FinishedAt = &now
		message = "completed"

	default:
		failure = models.ClassifyError(runErr)
		if job.CancelRequested {
			failure = errCancelRequested
		}
		job.Error = &models.JobError{
			Kind:    failure.Kind,
			Message: truncateString(failure.Error(), maxErrorMessage),
		}
		cleanup = true

		if failure.Kind == models.ErrorKindCancelled {
			job.State = models.JobStateCancelled
			job.FinishedAt = &now
			message = "cancelled"
			break
		}

		job.State = models.JobStateFailed
		job.FinishedAt = &now
		message = "failed"
		logLevel = slog.LevelWarn
		if !s.retryable(job, failure) {
			break
		}

		// The failed -> queued edge is taken under the lock, so the failed
		// state is never published for a job that will run again.
		retryIn = s.nextBackoff(e)
		notBefore := now.Add(retryIn)
		job.State = models.JobStateQueued
		job.RetryCount++
		job.StartedAt = nil
		job.FinishedAt = nil
		job.NotBefore = &notBefore
		job.Progress = 0
		if err := s.queue.Enqueue(job); err != nil {
			slog.Error("failed to requeue job", "job_id", id, "error", err)
			job.State = models.JobStateFailed
			job.FinishedAt = &now
			job.NotBefore = nil
			retryIn = 0
			break
		}
		cleanup = false
		message = fmt.Sprintf("retrying in %s (attempt %d of %d)", retryIn.Round(time.Millisecond), job.RetryCount+1, s.cfg.MaxRetries+1)
	}
	job.Version++
	if job.State.IsTerminal() {
		s.countOutcome(job)
	}
	snapshot := job.Clone()
	s.mu.Unlock()

	if cleanup {
		if err := os.RemoveAll(s.jobDir(id)); err != nil {
			slog.Warn("failed to remove partial files", "job_id", id, "error", err)
		}
	}
	s.hub.Publish(id, eventFor(snapshot, message))
	s.persist(snapshot)
	if snapshot.State.IsTerminal() {
		s.recordHistory(snapshot)
	}
	s.signal()

	attrs := []any{
		"job_id", id,
		"owner", snapshot.Owner,
		"platform", snapshot.Platform,
		"state", snapshot.State,
		"attempt", snapshot.RetryCount + 1,
	}
	if failure != nil {
		attrs = append(attrs, "error_kind", failure.Kind, "error", failure.Error())
	}
	if retryIn > 0 {
		attrs = append(attrs, "retry_in", retryIn)
	}
	slog.Log(context.Background(), logLevel, "job "+message, attrs...)
}

// retryable reports whether a failed job may take the retry edge. Must be
// called with s.mu held.
func (s *Scheduler) retryable(job *models.Job, failure *models.MediaError) bool {
	return failure.IsRetryable() &&
		job.RetryCount < s.cfg.MaxRetries &&
		models.CanTransition(job.State, models.JobStateQueued)
}

// nextBackoff returns the delay before the job's next attempt. Must be called
// with s.mu held.
func (s *Scheduler) nextBackoff(e *jobEntry) time.Duration {
	if e.backoff == nil {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = s.cfg.BackoffInitial
		b.MaxInterval = s.cfg.BackoffMax
		b.MaxElapsedTime = 0
		b.Reset()
		e.backoff = b
	}
	d := e.backoff.NextBackOff()
	if d == backoff.Stop || d < 0 {
		d = s.cfg.BackoffMax
	}
	return d
}

// countOutcome must be called with s.mu held.
func (s *Scheduler) countOutcome(job *models.Job) {
	c, ok := s.totals[job.Platform]
	if !ok {
		c = &outcomeCounts{}
		s.totals[job.Platform] = c
	}
	switch job.State {
	case models.JobStateSucceeded:
		c.succeeded++
	case models.JobStateFailed:
		c.failed++
	case models.JobStateCancelled:
		c.cancelled++
	}
}

// callWithTimeout runs fn under its own deadline. It returns when fn does or
// when ctx ends, whichever is first, so a collaborator that ignores its
// context cannot hold the worker slot.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		val T
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: models.NewMediaError(models.ErrorKindInternal, fmt.Errorf("panic: %v", r))}
			}
		}()
		v, err := fn(ctx)
		ch <- outcome{val: v, err: err}
	}()

	select {
	case o := <-ch:
		if o.err != nil && ctx.Err() != nil {
			return o.val, models.ClassifyError(ctx.Err())
		}
		return o.val, o.err
	case <-ctx.Done():
		var zero T
		return zero, models.ClassifyError(ctx.Err())
	}
}

func clampPercent(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

func secondsToDuration(sec float64) time.Duration {
	return (time.Duration(sec) * time.Second).Round(time.Second)
}

// truncateString truncates s to maxBytes without splitting UTF-8 runes.
func truncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
