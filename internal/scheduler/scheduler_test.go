package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/vidfetch/internal/config"
	"github.com/kiranshivaraju/vidfetch/internal/media/mock"
	"github.com/kiranshivaraju/vidfetch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RequiresCollaborators(t *testing.T) {
	qc, mc := testConfig(t)

	_, err := New(qc, mc, Deps{Transcoder: &mock.Transcoder{}})
	assert.Error(t, err)

	_, err = New(qc, mc, Deps{Extractor: &mock.Extractor{}})
	assert.Error(t, err)

	qc.MaxConcurrent = 0
	_, err = New(qc, mc, Deps{Extractor: &mock.Extractor{}, Transcoder: &mock.Transcoder{}})
	assert.Error(t, err)
}

func TestStart_Twice(t *testing.T) {
	s := startScheduler(t, testDeps{})
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
}

func TestScheduler_RunsJobToSuccess(t *testing.T) {
	st := newMemStore()
	s := startScheduler(t, testDeps{extractor: mock.NewExtractor(time.Millisecond), store: st})

	job := submit(t, s, "https://www.youtube.com/watch?v=abc", 0)
	assert.Equal(t, models.JobStateQueued, job.State)

	done := waitForState(t, s, job.ID, models.JobStateSucceeded)
	require.NotNil(t, done.Result)
	assert.Equal(t, "Mock video", done.Result.Title)
	assert.Equal(t, int64(4096), done.Result.Size)
	assert.Equal(t, 100.0, done.Progress)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.FinishedAt)
	assert.Nil(t, done.Error)
	assert.FileExists(t, done.Result.Path)

	require.Eventually(t, func() bool {
		p := st.get(job.ID)
		return p != nil && p.State == models.JobStateSucceeded
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return st.historyLen() == 1 }, time.Second, 5*time.Millisecond)
}

func TestScheduler_ConcurrencyBound(t *testing.T) {
	var active, peak atomic.Int32
	ext := &mock.Extractor{
		Name_: "mock",
		DownloadFunc: func(ctx context.Context, req models.DownloadRequest, _ models.ProgressFunc) (string, error) {
			n := active.Add(1)
			defer active.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(20 * time.Millisecond):
			}
			return mock.WriteFile(req.OutputDir, "out.mp4", 16)
		},
	}
	s := startScheduler(t, testDeps{extractor: ext})

	var ids []uuid.UUID
	for i := 0; i < 10; i++ {
		ids = append(ids, submit(t, s, "https://youtu.be/clip", 0).ID)
	}

	require.Eventually(t, func() bool {
		stats := s.Stats(uuid.Nil)
		assert.LessOrEqual(t, stats.Running, 3)
		for _, id := range ids {
			job, err := s.Status(uuid.Nil, id)
			if err != nil || job.State != models.JobStateSucceeded {
				return false
			}
		}
		return true
	}, 5*time.Second, 2*time.Millisecond)

	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, int32(3), peak.Load(), "pool never filled")
}

func TestScheduler_DispatchOrder(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var order []string
	ext := &mock.Extractor{
		Name_: "mock",
		DownloadFunc: func(ctx context.Context, req models.DownloadRequest, _ models.ProgressFunc) (string, error) {
			mu.Lock()
			order = append(order, req.URL[strings.LastIndex(req.URL, "/")+1:])
			mu.Unlock()
			if strings.HasSuffix(req.URL, "blocker") {
				select {
				case <-release:
				case <-ctx.Done():
					return "", ctx.Err()
				}
			}
			return mock.WriteFile(req.OutputDir, "out.mp4", 16)
		},
	}
	s := startScheduler(t, testDeps{
		extractor: ext,
		queueCfg:  func(c *config.QueueConfig) { c.MaxConcurrent = 1 },
	})

	blocker := submit(t, s, "https://youtu.be/blocker", 0)
	waitForState(t, s, blocker.ID, models.JobStateRunning)

	a := submit(t, s, "https://youtu.be/a", 5)
	b := submit(t, s, "https://youtu.be/b", 10)
	c := submit(t, s, "https://youtu.be/c", 10)
	close(release)

	for _, j := range []*models.Job{a, b, c} {
		waitForState(t, s, j.ID, models.JobStateSucceeded)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"blocker", "b", "c", "a"}, order)
}

func TestScheduler_RetriesTransientFailureUpToLimit(t *testing.T) {
	ext := mock.NewFailingExtractor(networkError())
	s := startScheduler(t, testDeps{
		extractor: ext,
		queueCfg:  func(c *config.QueueConfig) { c.MaxRetries = 2 },
	})

	job := submit(t, s, "https://youtu.be/flaky", 0)
	failed := waitForState(t, s, job.ID, models.JobStateFailed)

	assert.Equal(t, 2, failed.RetryCount)
	assert.Equal(t, 3, ext.ResolveCalls())
	require.NotNil(t, failed.Error)
	assert.Equal(t, models.ErrorKindNetwork, failed.Error.Kind)
	assert.Contains(t, failed.Error.Message, "connection reset")
	assert.NotNil(t, failed.FinishedAt)

	// Nothing runs again once the job is terminal.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, ext.ResolveCalls())
}

func TestScheduler_RetrySucceeds(t *testing.T) {
	var calls atomic.Int32
	ext := &mock.Extractor{
		Name_: "mock",
		DownloadFunc: func(_ context.Context, req models.DownloadRequest, _ models.ProgressFunc) (string, error) {
			if calls.Add(1) == 1 {
				return "", networkError()
			}
			return mock.WriteFile(req.OutputDir, "out.mp4", 16)
		},
	}
	s := startScheduler(t, testDeps{extractor: ext})

	job := submit(t, s, "https://youtu.be/once", 0)
	done := waitForState(t, s, job.ID, models.JobStateSucceeded)
	assert.Equal(t, 1, done.RetryCount)
	assert.Nil(t, done.Error)
}

func TestScheduler_RetryIsNotPublishedAsFailure(t *testing.T) {
	var calls atomic.Int32
	ext := &mock.Extractor{
		Name_: "mock",
		DownloadFunc: func(_ context.Context, req models.DownloadRequest, _ models.ProgressFunc) (string, error) {
			if calls.Add(1) == 1 {
				return "", networkError()
			}
			return mock.WriteFile(req.OutputDir, "out.mp4", 16)
		},
	}
	s := newScheduler(t, testDeps{extractor: ext})
	job := submit(t, s, "https://youtu.be/once", 0)
	events, err := s.Subscribe(context.Background(), testOwner, job.ID)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	var states []models.JobState
	var retryMessage string
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case evt, ok := <-events:
			if !ok {
				done = true
				break
			}
			states = append(states, evt.State)
			if evt.State == models.JobStateQueued && strings.HasPrefix(evt.Message, "retrying") {
				retryMessage = evt.Message
				assert.False(t, evt.Terminal)
			}
		case <-timeout:
			t.Fatal("timed out waiting for events")
		}
	}

	assert.NotContains(t, states, models.JobStateFailed)
	assert.Contains(t, retryMessage, "attempt 2 of 4")
	assert.Equal(t, models.JobStateSucceeded, states[len(states)-1])

	got, err := s.Status(testOwner, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.NotNil(t, got.FinishedAt)
}

func TestScheduler_NonRetryableFailures(t *testing.T) {
	tests := []struct {
		name string
		kind models.ErrorKind
	}{
		{"auth required", models.ErrorKindAuthRequired},
		{"not found", models.ErrorKindNotFound},
		{"unsupported", models.ErrorKindUnsupported},
		{"codec failure", models.ErrorKindTranscode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ext := mock.NewFailingExtractor(models.NewMediaError(tt.kind, errors.New("boom")))
			s := startScheduler(t, testDeps{extractor: ext})

			job := submit(t, s, "https://youtu.be/x", 0)
			failed := waitForState(t, s, job.ID, models.JobStateFailed)
			assert.Equal(t, 0, failed.RetryCount)
			assert.Equal(t, 1, ext.ResolveCalls())
			assert.Equal(t, tt.kind, failed.Error.Kind)
		})
	}
}

func TestScheduler_TransientTranscodeFailureIsRetried(t *testing.T) {
	var calls atomic.Int32
	tc := &mock.Transcoder{
		ConvertFunc: func(_ context.Context, req models.ConvertRequest, _ models.ProgressFunc) (string, error) {
			if calls.Add(1) == 1 {
				return "", &models.MediaError{Kind: models.ErrorKindTranscode, Transient: true, Err: errors.New("no space left on device")}
			}
			return mock.WriteFile(req.OutputDir, "out.mp3", 8)
		},
	}
	s := startScheduler(t, testDeps{transcoder: tc})

	job, err := s.Submit(context.Background(), testOwner, SubmitRequest{
		URL:     "https://youtu.be/x",
		Convert: &models.ConvertSpec{Container: "mp3"},
	})
	require.NoError(t, err)
	done := waitForState(t, s, job.ID, models.JobStateSucceeded)
	assert.Equal(t, 1, done.RetryCount)
	assert.Equal(t, "out.mp3", done.Result.FileName)
}

func TestScheduler_TranscodesWhenRequested(t *testing.T) {
	tc := &mock.Transcoder{}
	s := startScheduler(t, testDeps{extractor: mock.NewExtractor(0), transcoder: tc})

	job, err := s.Submit(context.Background(), testOwner, SubmitRequest{
		URL:     "https://youtu.be/x",
		Trim:    &models.TrimRange{Start: 1, End: 5},
		Convert: &models.ConvertSpec{Container: "MP3", Quality: "High"},
	})
	require.NoError(t, err)
	assert.Equal(t, "mp3", job.Convert.Container)

	done := waitForState(t, s, job.ID, models.JobStateSucceeded)
	assert.Equal(t, 1, tc.Calls())
	assert.Equal(t, ".mp3", filepath.Ext(done.Result.FileName))
	assert.NoDirExists(t, filepath.Join(filepath.Dir(done.Result.Path), sourceDir))
}

func TestScheduler_SkipsTranscodeWithoutTrimOrConvert(t *testing.T) {
	tc := &mock.Transcoder{}
	s := startScheduler(t, testDeps{transcoder: tc})

	job := submit(t, s, "https://youtu.be/x", 0)
	waitForState(t, s, job.ID, models.JobStateSucceeded)
	assert.Equal(t, 0, tc.Calls())
}

func TestScheduler_RejectsOverlongVideo(t *testing.T) {
	ext := &mock.Extractor{
		Name_: "mock",
		ResolveFunc: func(_ context.Context, req models.ResolveRequest) (*models.StreamInfo, error) {
			return &models.StreamInfo{Title: "long", Duration: 7200, Platform: req.Platform}, nil
		},
	}
	s := startScheduler(t, testDeps{extractor: ext})

	job := submit(t, s, "https://youtu.be/long", 0)
	failed := waitForState(t, s, job.ID, models.JobStateFailed)
	assert.Equal(t, models.ErrorKindUnsupported, failed.Error.Kind)
	assert.Equal(t, 0, failed.RetryCount)
	assert.Equal(t, 0, ext.DownloadCalls())
}

func TestScheduler_JobTimeout(t *testing.T) {
	s := startScheduler(t, testDeps{
		extractor: mock.NewTimeoutExtractor(),
		queueCfg: func(c *config.QueueConfig) {
			c.JobTimeout = 50 * time.Millisecond
			c.CallTimeout = 0
			c.MaxRetries = 0
		},
	})

	job := submit(t, s, "https://youtu.be/slow", 0)
	failed := waitForState(t, s, job.ID, models.JobStateFailed)
	assert.Equal(t, models.ErrorKindTimeout, failed.Error.Kind)
}

func TestScheduler_StuckCollaboratorFreesSlot(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	s := startScheduler(t, testDeps{
		extractor: mock.NewStuckExtractor(release),
		queueCfg: func(c *config.QueueConfig) {
			c.MaxConcurrent = 1
			c.CallTimeout = 50 * time.Millisecond
			c.MaxRetries = 0
		},
	})

	first := submit(t, s, "https://youtu.be/stuck1", 0)
	second := submit(t, s, "https://youtu.be/stuck2", 0)

	f := waitForState(t, s, first.ID, models.JobStateFailed)
	assert.Equal(t, models.ErrorKindTimeout, f.Error.Kind)
	// The second job only runs if the first released its slot.
	waitForState(t, s, second.ID, models.JobStateFailed)
	assert.Equal(t, 0, s.Stats(uuid.Nil).Running)
}

func TestScheduler_ProgressEventsInOrder(t *testing.T) {
	s := newScheduler(t, testDeps{extractor: mock.NewExtractor(time.Millisecond)})

	job := submit(t, s, "https://youtu.be/x", 0)
	events, err := s.Subscribe(context.Background(), testOwner, job.ID)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	var got []models.ProgressEvent
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case evt, ok := <-events:
			if !ok {
				done = true
				break
			}
			got = append(got, evt)
		case <-timeout:
			t.Fatal("timed out waiting for events")
		}
	}

	require.NotEmpty(t, got)
	assert.Equal(t, models.JobStateQueued, got[0].State)
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].Seq, got[i-1].Seq)
		assert.GreaterOrEqual(t, got[i].Percent, got[i-1].Percent)
	}
	last := got[len(got)-1]
	assert.True(t, last.Terminal)
	assert.Equal(t, models.JobStateSucceeded, last.State)
	assert.Equal(t, 100.0, last.Percent)
}

func TestScheduler_LateSubscriberGetsTerminalSnapshot(t *testing.T) {
	s := startScheduler(t, testDeps{})
	job := submit(t, s, "https://youtu.be/x", 0)
	waitForState(t, s, job.ID, models.JobStateSucceeded)

	events, err := s.Subscribe(context.Background(), testOwner, job.ID)
	require.NoError(t, err)

	select {
	case evt := <-events:
		assert.True(t, evt.Terminal)
		assert.Equal(t, models.JobStateSucceeded, evt.State)
	case <-time.After(time.Second):
		t.Fatal("no snapshot delivered")
	}
	select {
	case _, ok := <-events:
		assert.False(t, ok, "stream should end after the terminal event")
	case <-time.After(time.Second):
		t.Fatal("stream did not end")
	}
}

func TestSubscribe_UnknownOrForeignJob(t *testing.T) {
	s := startScheduler(t, testDeps{})

	_, err := s.Subscribe(context.Background(), testOwner, uuid.New())
	assert.ErrorIs(t, err, ErrJobNotFound)

	job := submit(t, s, "https://youtu.be/x", 0)
	_, err = s.Subscribe(context.Background(), uuid.New(), job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestStatus_OwnerScoping(t *testing.T) {
	s := newScheduler(t, testDeps{})
	job := submit(t, s, "https://youtu.be/x", 0)

	got, err := s.Status(testOwner, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)

	_, err = s.Status(uuid.New(), job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)

	got, err = s.Status(uuid.Nil, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
}

func TestStatus_ReturnsCopy(t *testing.T) {
	s := newScheduler(t, testDeps{})
	job := submit(t, s, "https://youtu.be/x", 0)

	got, err := s.Status(testOwner, job.ID)
	require.NoError(t, err)
	got.State = models.JobStateSucceeded

	again, err := s.Status(testOwner, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateQueued, again.State)
}

func TestList_ActiveFirstThenNewest(t *testing.T) {
	s := newScheduler(t, testDeps{})
	first := submit(t, s, "https://youtu.be/1", 0)
	second := submit(t, s, "https://youtu.be/2", 0)
	_, err := s.Cancel(context.Background(), testOwner, first.ID)
	require.NoError(t, err)

	_, err = s.Submit(context.Background(), uuid.New(), SubmitRequest{URL: "https://youtu.be/other", Platform: "youtube"})
	require.NoError(t, err)

	jobs := s.List(testOwner)
	require.Len(t, jobs, 2)
	assert.Equal(t, second.ID, jobs[0].ID)
	assert.Equal(t, first.ID, jobs[1].ID)
}

func TestList_AdminSeesEveryOwner(t *testing.T) {
	s := newScheduler(t, testDeps{})
	mine := submit(t, s, "https://youtu.be/1", 0)
	theirs, err := s.Submit(context.Background(), uuid.New(), SubmitRequest{URL: "https://youtu.be/2", Platform: "youtube"})
	require.NoError(t, err)

	jobs := s.List(uuid.Nil)
	require.Len(t, jobs, 2)
	assert.Equal(t, theirs.ID, jobs[0].ID)
	assert.Equal(t, mine.ID, jobs[1].ID)

	own := s.List(testOwner)
	require.Len(t, own, 1)
	assert.Equal(t, mine.ID, own[0].ID)
}

func TestStats_Breakdown(t *testing.T) {
	ext := &mock.Extractor{
		Name_: "mock",
		DownloadFunc: func(_ context.Context, req models.DownloadRequest, _ models.ProgressFunc) (string, error) {
			if strings.Contains(req.URL, "missing") {
				return "", models.NewMediaError(models.ErrorKindNotFound, errors.New("video unavailable"))
			}
			return mock.WriteFile(req.OutputDir, "out.mp4", 16)
		},
	}
	s := startScheduler(t, testDeps{extractor: ext})

	ok1 := submit(t, s, "https://youtu.be/1", 0)
	ok2 := submit(t, s, "https://youtu.be/2", 0)
	bad := submit(t, s, "https://youtu.be/missing", 0)
	tk, err := s.Submit(context.Background(), uuid.New(), SubmitRequest{URL: "https://www.tiktok.com/@u/video/1"})
	require.NoError(t, err)

	waitForState(t, s, ok1.ID, models.JobStateSucceeded)
	waitForState(t, s, ok2.ID, models.JobStateSucceeded)
	waitForState(t, s, bad.ID, models.JobStateFailed)
	waitForState(t, s, tk.ID, models.JobStateSucceeded)

	stats := s.Stats(testOwner)
	assert.Equal(t, 0, stats.Queued)
	assert.Equal(t, 0, stats.Running)
	assert.Equal(t, 3, stats.MaxConcurrent)

	yt := stats.Platforms["youtube"]
	require.NotNil(t, yt)
	assert.Equal(t, 2, yt.Succeeded)
	assert.Equal(t, 1, yt.Failed)
	assert.InDelta(t, 2.0/3.0, yt.SuccessRate, 0.0001)
	assert.Equal(t, 1, stats.Platforms["tiktok"].Succeeded)
	assert.Equal(t, 1.0, stats.Platforms["tiktok"].SuccessRate)

	require.NotNil(t, stats.Owner)
	assert.Equal(t, 2, stats.Owner.Succeeded)
	assert.Equal(t, 1, stats.Owner.Failed)

	assert.Nil(t, s.Stats(uuid.Nil).Owner)
}

func TestStart_RecoversPersistedJobs(t *testing.T) {
	st := newMemStore()
	started := time.Now().UTC().Add(-time.Minute)
	running := &models.Job{
		ID: uuid.New(), Owner: testOwner, URL: "https://youtu.be/r", Platform: "youtube",
		State: models.JobStateRunning, CreatedAt: started, StartedAt: &started, Version: 3,
	}
	queued := &models.Job{
		ID: uuid.New(), Owner: testOwner, URL: "https://youtu.be/q", Platform: "youtube",
		State: models.JobStateQueued, CreatedAt: started.Add(time.Second), Version: 1,
	}
	finished := started
	done := &models.Job{
		ID: uuid.New(), Owner: testOwner, URL: "https://youtu.be/d", Platform: "youtube",
		State: models.JobStateSucceeded, CreatedAt: started, FinishedAt: &finished, Version: 4,
	}
	for _, j := range []*models.Job{running, queued, done} {
		require.NoError(t, st.CreateJob(context.Background(), j))
	}

	ext := &mock.Extractor{Name_: "mock"}
	s := startScheduler(t, testDeps{extractor: ext, store: st})

	waitForState(t, s, running.ID, models.JobStateSucceeded)
	waitForState(t, s, queued.ID, models.JobStateSucceeded)
	_, err := s.Status(uuid.Nil, done.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.Equal(t, 2, ext.DownloadCalls())

	require.Eventually(t, func() bool {
		p := st.get(running.ID)
		return p.State == models.JobStateSucceeded && p.Version > 3
	}, time.Second, 5*time.Millisecond)

	// New admissions order after the recovered ones.
	next := submit(t, s, "https://youtu.be/n", 0)
	assert.True(t, next.CreatedAt.After(queued.CreatedAt))
}

func TestSubmit_PersistFailureAdmitsNothing(t *testing.T) {
	st := newMemStore()
	st.createErr = errors.New("db down")
	s := newScheduler(t, testDeps{store: st})

	_, err := s.Submit(context.Background(), testOwner, SubmitRequest{URL: "https://youtu.be/x"})
	require.Error(t, err)
	assert.Equal(t, 0, s.Stats(uuid.Nil).Queued)
	assert.Empty(t, s.List(testOwner))
}

func TestStop_LeavesRunningJobsRecoverable(t *testing.T) {
	st := newMemStore()
	s := startScheduler(t, testDeps{extractor: mock.NewTimeoutExtractor(), store: st})

	job := submit(t, s, "https://youtu.be/x", 0)
	waitForState(t, s, job.ID, models.JobStateRunning)
	require.Eventually(t, func() bool {
		p := st.get(job.ID)
		return p != nil && p.State == models.JobStateRunning
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	assert.Equal(t, models.JobStateRunning, st.get(job.ID).State)
	assert.Equal(t, 0, st.historyLen())

	_, err := s.Submit(context.Background(), testOwner, SubmitRequest{URL: "https://youtu.be/y"})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestScheduler_PartialFilesRemovedOnFailure(t *testing.T) {
	var dir string
	var mu sync.Mutex
	ext := &mock.Extractor{
		Name_: "mock",
		DownloadFunc: func(_ context.Context, req models.DownloadRequest, _ models.ProgressFunc) (string, error) {
			mu.Lock()
			dir = filepath.Dir(req.OutputDir)
			mu.Unlock()
			if _, err := mock.WriteFile(req.OutputDir, "video.mp4.part", 64); err != nil {
				return "", err
			}
			return "", models.NewMediaError(models.ErrorKindNotFound, errors.New("gone"))
		},
	}
	s := startScheduler(t, testDeps{extractor: ext})

	job := submit(t, s, "https://youtu.be/x", 0)
	waitForState(t, s, job.ID, models.JobStateFailed)

	mu.Lock()
	defer mu.Unlock()
	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "job dir should be removed")
}

func TestCallWithTimeout(t *testing.T) {
	t.Run("returns value", func(t *testing.T) {
		v, err := callWithTimeout(context.Background(), time.Second, func(context.Context) (int, error) {
			return 7, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 7, v)
	})

	t.Run("abandons a call that ignores its context", func(t *testing.T) {
		block := make(chan struct{})
		defer close(block)
		start := time.Now()
		_, err := callWithTimeout(context.Background(), 20*time.Millisecond, func(context.Context) (int, error) {
			<-block
			return 0, nil
		})
		var me *models.MediaError
		require.ErrorAs(t, err, &me)
		assert.Equal(t, models.ErrorKindTimeout, me.Kind)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("recovers panics", func(t *testing.T) {
		_, err := callWithTimeout(context.Background(), time.Second, func(context.Context) (int, error) {
			panic("kaboom")
		})
		var me *models.MediaError
		require.ErrorAs(t, err, &me)
		assert.Equal(t, models.ErrorKindInternal, me.Kind)
	})

	t.Run("parent cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := callWithTimeout(ctx, 0, func(ctx context.Context) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		})
		var me *models.MediaError
		require.ErrorAs(t, err, &me)
		assert.Equal(t, models.ErrorKindCancelled, me.Kind)
	})
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "abc", truncateString("abc", 10))
	assert.Equal(t, "ab", truncateString("abcdef", 2))
	// "é" is two bytes; never cut it in half.
	assert.Equal(t, "a", truncateString("aé", 2))
}

func TestDispatch_SettlesJobInUnexpectedState(t *testing.T) {
	store := newMemStore()
	s := newScheduler(t, testDeps{store: store})
	job := submit(t, s, "https://youtu.be/stale", 0)

	s.mu.Lock()
	s.jobs[job.ID].job.State = models.JobStateRunning
	s.mu.Unlock()

	s.dispatch(context.Background())

	got, err := s.Status(testOwner, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateFailed, got.State)
	require.NotNil(t, got.Error)
	assert.Equal(t, models.ErrorKindInternal, got.Error.Kind)
	assert.NotNil(t, got.FinishedAt)

	s.mu.Lock()
	assert.Zero(t, s.queue.Size())
	assert.Zero(t, s.running)
	s.mu.Unlock()

	evt, ok := s.hub.Snapshot(job.ID)
	require.True(t, ok)
	assert.True(t, evt.Terminal)
	assert.Equal(t, models.JobStateFailed, store.get(job.ID).State)
	assert.Equal(t, 1, store.historyLen())
	assert.Equal(t, 1, s.Stats(uuid.Nil).Platforms["youtube"].Failed)
}
