package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/vidfetch/internal/config"
	"github.com/kiranshivaraju/vidfetch/internal/media/mock"
	"github.com/kiranshivaraju/vidfetch/pkg/models"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type memStore struct {
	mu        sync.Mutex
	jobs      map[uuid.UUID]*models.Job
	history   []*models.HistoryEntry
	createErr error
	purged    []time.Time
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[uuid.UUID]*models.Job)}
}

func (s *memStore) CreateJob(_ context.Context, job *models.Job) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *memStore) UpdateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.jobs[job.ID]; ok && cur.Version >= job.Version {
		return nil
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *memStore) ListRecoverableJobs(_ context.Context) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, j := range s.jobs {
		if j.State == models.JobStateQueued || j.State == models.JobStateRunning {
			out = append(out, j.Clone())
		}
	}
	return out, nil
}

func (s *memStore) PurgeFinishedJobs(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purged = append(s.purged, before)
	var n int64
	for id, j := range s.jobs {
		if j.State.IsTerminal() && j.FinishedAt != nil && j.FinishedAt.Before(before) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) RecordHistory(_ context.Context, entry *models.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, entry)
	return nil
}

func (s *memStore) get(id uuid.UUID) *models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id].Clone()
}

func (s *memStore) historyLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// --- helpers ---

var testOwner = uuid.MustParse("6f1c2c1e-2a53-4c61-9a39-0c4d1f7e9b10")

func testConfig(t *testing.T) (config.QueueConfig, config.MediaConfig) {
	t.Helper()
	return config.QueueConfig{
			MaxConcurrent:      3,
			MaxRetries:         3,
			MaxBatch:           10,
			JobTimeout:         10 * time.Second,
			CallTimeout:        5 * time.Second,
			Retention:          time.Hour,
			SweepInterval:      time.Hour,
			BackoffInitial:     time.Millisecond,
			BackoffMax:         5 * time.Millisecond,
			ProgressBuffer:     64,
			SupportedPlatforms: []string{"youtube", "tiktok", "vimeo"},
		}, config.MediaConfig{
			Extractor:   "mock",
			WorkDir:     t.TempDir(),
			MaxDuration: time.Hour,
		}
}

type testDeps struct {
	extractor  models.Extractor
	transcoder *mock.Transcoder
	store      *memStore
	queueCfg   func(*config.QueueConfig)
	mediaCfg   func(*config.MediaConfig)
}

// newScheduler builds a scheduler over mock collaborators. It is not started.
func newScheduler(t *testing.T, d testDeps) *Scheduler {
	t.Helper()
	qc, mc := testConfig(t)
	if d.queueCfg != nil {
		d.queueCfg(&qc)
	}
	if d.mediaCfg != nil {
		d.mediaCfg(&mc)
	}
	if d.extractor == nil {
		d.extractor = &mock.Extractor{Name_: "mock"}
	}
	if d.transcoder == nil {
		d.transcoder = &mock.Transcoder{}
	}
	deps := Deps{Extractor: d.extractor, Transcoder: d.transcoder}
	if d.store != nil {
		deps.Store = d.store
	}
	s, err := New(qc, mc, deps)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func startScheduler(t *testing.T, d testDeps) *Scheduler {
	t.Helper()
	s := newScheduler(t, d)
	require.NoError(t, s.Start(context.Background()))
	return s
}

func submit(t *testing.T, s *Scheduler, url string, priority int) *models.Job {
	t.Helper()
	job, err := s.Submit(context.Background(), testOwner, SubmitRequest{URL: url, Platform: "youtube", Priority: priority})
	require.NoError(t, err)
	return job
}

func waitForState(t *testing.T, s *Scheduler, id uuid.UUID, want models.JobState) *models.Job {
	t.Helper()
	var last *models.Job
	require.Eventually(t, func() bool {
		job, err := s.Status(uuid.Nil, id)
		if err != nil {
			return false
		}
		last = job
		return job.State == want
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return last
}

func networkError() error {
	return models.NewMediaError(models.ErrorKindNetwork, errors.New("connection reset by peer"))
}
