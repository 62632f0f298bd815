// Package scheduler admits download jobs, runs them on a bounded worker pool
// and owns their lifecycle from queued to a terminal state.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/vidfetch/internal/config"
	"github.com/kiranshivaraju/vidfetch/internal/progress"
	"github.com/kiranshivaraju/vidfetch/internal/queue"
	"github.com/kiranshivaraju/vidfetch/pkg/models"
)

const (
	persistTimeout = 5 * time.Second
	// listLimit caps the terminal jobs List returns per owner.
	listLimit = 50
)

// JobStore persists job state. *store.PostgresStore satisfies it.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	UpdateJob(ctx context.Context, job *models.Job) error
	ListRecoverableJobs(ctx context.Context) ([]*models.Job, error)
	PurgeFinishedJobs(ctx context.Context, before time.Time) (int64, error)
	RecordHistory(ctx context.Context, entry *models.HistoryEntry) error
}

// Deps are the collaborators a Scheduler drives. Credentials and Store are
// optional; a nil Hub gets a fresh one.
type Deps struct {
	Extractor   models.Extractor
	Transcoder  models.Transcoder
	Credentials models.CredentialStore
	Store       JobStore
	Hub         *progress.Hub
}

// Scheduler is the single owner of the queue and of every in-memory job
// record. All mutation happens under mu.
type Scheduler struct {
	cfg       config.QueueConfig
	media     config.MediaConfig
	platforms map[string]bool

	extractor  models.Extractor
	transcoder models.Transcoder
	creds      models.CredentialStore
	store      JobStore
	hub        *progress.Hub
	now        func() time.Time

	mu          sync.Mutex
	queue       *queue.PriorityQueue
	jobs        map[uuid.UUID]*jobEntry
	running     int
	lastCreated time.Time
	totals      map[string]*outcomeCounts
	started     bool
	stopped     bool

	wake chan struct{}
	// baseCtx parents every running job; it ends on Stop or when the Start
	// context ends.
	baseCtx  context.Context
	cancel   context.CancelFunc
	workers  sync.WaitGroup
	loopDone chan struct{}
}

type jobEntry struct {
	job *models.Job
	// attempt increases on every dispatch; callbacks from an older attempt are ignored.
	attempt int
	// cancel aborts the running attempt; nil while queued.
	cancel  context.CancelFunc
	backoff *backoff.ExponentialBackOff
	// claims counts open artifact readers; the sweep skips claimed jobs.
	claims int
}

type outcomeCounts struct {
	succeeded int
	failed    int
	cancelled int
}

// New builds a Scheduler. It does not start dispatching until Start.
func New(cfg config.QueueConfig, media config.MediaConfig, deps Deps) (*Scheduler, error) {
	if deps.Extractor == nil {
		return nil, fmt.Errorf("scheduler: extractor is required")
	}
	if deps.Transcoder == nil {
		return nil, fmt.Errorf("scheduler: transcoder is required")
	}
	if cfg.MaxConcurrent < 1 {
		return nil, fmt.Errorf("scheduler: max concurrent must be at least 1, got %d", cfg.MaxConcurrent)
	}
	if media.WorkDir == "" {
		return nil, fmt.Errorf("scheduler: work dir is required")
	}

	platforms := make(map[string]bool, len(cfg.SupportedPlatforms))
	for _, p := range cfg.SupportedPlatforms {
		platforms[strings.ToLower(p)] = true
	}
	hub := deps.Hub
	if hub == nil {
		hub = progress.NewHub(cfg.ProgressBuffer)
	}

	return &Scheduler{
		cfg:        cfg,
		media:      media,
		platforms:  platforms,
		extractor:  deps.Extractor,
		transcoder: deps.Transcoder,
		creds:      deps.Credentials,
		store:      deps.Store,
		hub:        hub,
		now:        time.Now,
		queue:      queue.New(),
		jobs:       make(map[uuid.UUID]*jobEntry),
		totals:     make(map[string]*outcomeCounts),
		wake:       make(chan struct{}, 1),
	}, nil
}

// Start recovers persisted jobs and launches the dispatch loop and the
// retention sweeper. Both stop when ctx ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.started = true
	s.mu.Unlock()

	if err := s.recover(ctx); err != nil {
		return fmt.Errorf("recovering jobs: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.baseCtx = loopCtx
	s.cancel = cancel
	s.loopDone = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	go s.sweeper(loopCtx)

	slog.Info("scheduler started",
		"max_concurrent", s.cfg.MaxConcurrent,
		"max_retries", s.cfg.MaxRetries,
		"work_dir", s.media.WorkDir,
	)
	return nil
}

// Stop rejects new submissions, interrupts running jobs and waits for the
// workers to return. Interrupted jobs stay persisted as running and are
// re-queued by the next Start.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel := s.cancel
	loopDone := s.loopDone
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		if loopDone != nil {
			<-loopDone
		}
		s.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for workers: %w", ctx.Err())
	}
}

// recover re-admits jobs a previous process left queued or running.
func (s *Scheduler) recover(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	jobs, err := s.store.ListRecoverableJobs(ctx)
	if err != nil {
		return err
	}

	var reset []*models.Job
	s.mu.Lock()
	for _, job := range jobs {
		if _, exists := s.jobs[job.ID]; exists {
			continue
		}
		if job.State == models.JobStateRunning {
			job.State = models.JobStateQueued
			job.StartedAt = nil
			job.Version++
			reset = append(reset, job.Clone())
		}
		job.Progress = 0
		job.CancelRequested = false
		if err := s.queue.Enqueue(job); err != nil {
			slog.Warn("skipping unrecoverable job", "job_id", job.ID, "error", err)
			continue
		}
		s.jobs[job.ID] = &jobEntry{job: job}
		if job.CreatedAt.After(s.lastCreated) {
			s.lastCreated = job.CreatedAt
		}
		s.hub.Open(job.ID, eventFor(job, "recovered"))
	}
	s.mu.Unlock()

	for _, job := range reset {
		s.persist(job)
	}
	if len(jobs) > 0 {
		slog.Info("recovered jobs", "count", len(jobs), "reset_running", len(reset))
	}
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.loopDone)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		wait := s.dispatch(ctx)

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if wait > 0 {
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// dispatch hands ready jobs to free slots. It returns how long until the next
// delayed job becomes ready, or 0 if there is none.
func (s *Scheduler) dispatch(ctx context.Context) time.Duration {
	var started, abandoned []*models.Job

	s.mu.Lock()
	now := s.now()
	for s.running < s.cfg.MaxConcurrent && ctx.Err() == nil {
		job := s.queue.DequeueHighest(now)
		if job == nil {
			break
		}
		e := s.jobs[job.ID]
		if !models.CanTransition(job.State, models.JobStateRunning) {
			slog.Error("dequeued job in unexpected state", "job_id", job.ID, "state", job.State)
			finishedAt := now.UTC()
			job.State = models.JobStateFailed
			job.FinishedAt = &finishedAt
			job.NotBefore = nil
			job.Error = &models.JobError{Kind: models.ErrorKindInternal, Message: "job left the queue in an unexpected state"}
			job.Version++
			s.countOutcome(job)
			abandoned = append(abandoned, job.Clone())
			continue
		}
		startedAt := now.UTC()
		job.State = models.JobStateRunning
		job.StartedAt = &startedAt
		job.NotBefore = nil
		job.Progress = 0
		job.Version++

		jobCtx, cancel := s.jobContext(ctx)
		e.cancel = cancel
		e.attempt++
		s.running++

		snapshot := job.Clone()
		started = append(started, snapshot)
		s.workers.Add(1)
		go s.run(jobCtx, snapshot, e.attempt)
	}
	var wait time.Duration
	if next, ok := s.queue.NextReadyAt(); ok {
		wait = next.Sub(now)
		if wait <= 0 {
			wait = time.Millisecond
		}
	}
	s.mu.Unlock()

	for _, job := range abandoned {
		s.hub.Publish(job.ID, eventFor(job, "failed"))
		s.persist(job)
		s.recordHistory(job)
	}
	for _, job := range started {
		s.hub.Publish(job.ID, eventFor(job, "started"))
		s.persist(job)
		slog.Info("job started",
			"job_id", job.ID,
			"platform", job.Platform,
			"attempt", job.RetryCount+1,
		)
	}
	return wait
}

func (s *Scheduler) jobContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.JobTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.JobTimeout)
	}
	return context.WithCancel(ctx)
}

// shuttingDown must be called with s.mu held.
func (s *Scheduler) shuttingDown() bool {
	return s.stopped || (s.baseCtx != nil && s.baseCtx.Err() != nil)
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Status returns a snapshot of the job. A nil owner matches any job.
func (s *Scheduler) Status(owner, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.lookup(owner, id)
	if err != nil {
		return nil, err
	}
	return e.job.Clone(), nil
}

// List returns the owner's active jobs and most recent finished ones, newest
// first. uuid.Nil lists every owner's jobs.
func (s *Scheduler) List(owner uuid.UUID) []*models.Job {
	s.mu.Lock()
	var active, finished []*models.Job
	for _, e := range s.jobs {
		if owner != uuid.Nil && e.job.Owner != owner {
			continue
		}
		if e.job.State.IsTerminal() {
			finished = append(finished, e.job.Clone())
		} else {
			active = append(active, e.job.Clone())
		}
	}
	s.mu.Unlock()

	newestFirst := func(jobs []*models.Job) {
		sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	}
	newestFirst(active)
	newestFirst(finished)
	if len(finished) > listLimit {
		finished = finished[:listLimit]
	}
	return append(active, finished...)
}

// Subscribe streams the job's progress: the latest event first, then live
// events until the terminal one.
func (s *Scheduler) Subscribe(ctx context.Context, owner, id uuid.UUID) (<-chan models.ProgressEvent, error) {
	s.mu.Lock()
	_, err := s.lookup(owner, id)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	ch, err := s.hub.Subscribe(ctx, id)
	if err != nil {
		return nil, ErrJobNotFound
	}
	return ch, nil
}

// lookup must be called with s.mu held.
func (s *Scheduler) lookup(owner, id uuid.UUID) (*jobEntry, error) {
	e, ok := s.jobs[id]
	if !ok || (owner != uuid.Nil && e.job.Owner != owner) {
		return nil, ErrJobNotFound
	}
	return e, nil
}

func (s *Scheduler) jobDir(id uuid.UUID) string {
	return filepath.Join(s.media.WorkDir, id.String())
}

func (s *Scheduler) persist(job *models.Job) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.store.UpdateJob(ctx, job); err != nil {
		slog.Error("failed to persist job", "job_id", job.ID, "state", job.State, "error", err)
	}
}

func (s *Scheduler) recordHistory(job *models.Job) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.store.RecordHistory(ctx, models.HistoryFromJob(job, uuid.New())); err != nil {
		slog.Error("failed to record history", "job_id", job.ID, "error", err)
	}
}

func eventFor(job *models.Job, message string) models.ProgressEvent {
	evt := models.ProgressEvent{
		State:    job.State,
		Percent:  job.Progress,
		Message:  message,
		Terminal: job.State.IsTerminal(),
	}
	if job.Error != nil {
		e := *job.Error
		evt.Error = &e
	}
	return evt
}
