package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/vidfetch/internal/config"
	"github.com/kiranshivaraju/vidfetch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shortRetention(c *config.QueueConfig) { c.Retention = 10 * time.Millisecond }

func TestSweep_EvictsExpiredJobs(t *testing.T) {
	st := newMemStore()
	s := startScheduler(t, testDeps{store: st, queueCfg: shortRetention})

	job := submit(t, s, "https://youtu.be/x", 0)
	done := waitForState(t, s, job.ID, models.JobStateSucceeded)
	require.FileExists(t, done.Result.Path)

	time.Sleep(20 * time.Millisecond)
	res := s.Sweep(context.Background())
	assert.Equal(t, 1, res.Evicted)

	_, err := s.Status(uuid.Nil, job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.NoFileExists(t, done.Result.Path)
	assert.NoDirExists(t, s.jobDir(job.ID))

	_, err = s.Subscribe(context.Background(), testOwner, job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.Equal(t, 0, s.hub.Len())
	assert.Nil(t, st.get(job.ID), "persisted row is purged")

	// Outcome counters outlive the job.
	assert.Equal(t, 1, s.Stats(uuid.Nil).Platforms["youtube"].Succeeded)
}

func TestSweep_KeepsJobsInsideRetention(t *testing.T) {
	s := startScheduler(t, testDeps{})

	job := submit(t, s, "https://youtu.be/x", 0)
	waitForState(t, s, job.ID, models.JobStateSucceeded)

	res := s.Sweep(context.Background())
	assert.Equal(t, 0, res.Evicted)
	_, err := s.Status(uuid.Nil, job.ID)
	assert.NoError(t, err)
}

func TestSweep_NeverEvictsActiveJobs(t *testing.T) {
	s := newScheduler(t, testDeps{queueCfg: shortRetention})
	job := submit(t, s, "https://youtu.be/x", 0)

	time.Sleep(20 * time.Millisecond)
	s.Sweep(context.Background())

	got, err := s.Status(uuid.Nil, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateQueued, got.State)
}

func TestSweep_SkipsClaimedArtifact(t *testing.T) {
	s := startScheduler(t, testDeps{queueCfg: shortRetention})

	job := submit(t, s, "https://youtu.be/x", 0)
	done := waitForState(t, s, job.ID, models.JobStateSucceeded)

	art, err := s.OpenArtifact(testOwner, job.ID)
	require.NoError(t, err)
	assert.Equal(t, done.Result.FileName, art.Name)
	assert.Equal(t, done.Result.Size, art.Size)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, s.Sweep(context.Background()).Evicted)
	assert.FileExists(t, done.Result.Path)

	require.NoError(t, art.Close())
	assert.Equal(t, 1, s.Sweep(context.Background()).Evicted)
	assert.NoFileExists(t, done.Result.Path)
}

func TestSweep_RemovesOrphans(t *testing.T) {
	s := newScheduler(t, testDeps{queueCfg: func(c *config.QueueConfig) { c.Retention = time.Minute }})
	work := s.media.WorkDir
	old := time.Now().Add(-time.Hour)

	orphanDir := filepath.Join(work, uuid.NewString())
	require.NoError(t, os.MkdirAll(orphanDir, 0o755))
	require.NoError(t, os.Chtimes(orphanDir, old, old))

	stray := filepath.Join(work, "leftover.part")
	require.NoError(t, os.WriteFile(stray, []byte("x"), 0o644))
	require.NoError(t, os.Chtimes(stray, old, old))

	fresh := filepath.Join(work, uuid.NewString())
	require.NoError(t, os.MkdirAll(fresh, 0o755))

	job := submit(t, s, "https://youtu.be/x", 0)
	tracked := s.jobDir(job.ID)
	require.NoError(t, os.MkdirAll(tracked, 0o755))
	require.NoError(t, os.Chtimes(tracked, old, old))

	res := s.Sweep(context.Background())
	assert.Equal(t, 2, res.Orphans)
	assert.NoDirExists(t, orphanDir)
	assert.NoFileExists(t, stray)
	assert.DirExists(t, fresh)
	assert.DirExists(t, tracked)
}

func TestSweep_MissingWorkDir(t *testing.T) {
	s := newScheduler(t, testDeps{mediaCfg: func(c *config.MediaConfig) {
		c.WorkDir = filepath.Join(t.TempDir(), "does-not-exist")
	}})
	assert.Equal(t, SweepResult{}, s.Sweep(context.Background()))
}

func TestOpenArtifact_Unavailable(t *testing.T) {
	s := newScheduler(t, testDeps{})
	job := submit(t, s, "https://youtu.be/x", 0)

	_, err := s.OpenArtifact(testOwner, job.ID)
	assert.ErrorIs(t, err, ErrArtifactUnavailable)

	_, err = s.OpenArtifact(testOwner, uuid.New())
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestOpenArtifact_FileGone(t *testing.T) {
	s := startScheduler(t, testDeps{queueCfg: shortRetention})
	job := submit(t, s, "https://youtu.be/x", 0)
	done := waitForState(t, s, job.ID, models.JobStateSucceeded)
	require.NoError(t, os.Remove(done.Result.Path))

	_, err := s.OpenArtifact(testOwner, job.ID)
	assert.ErrorIs(t, err, ErrArtifactUnavailable)

	// The failed open must not leave a claim behind.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, s.Sweep(context.Background()).Evicted)
}
