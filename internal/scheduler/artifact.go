package scheduler

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/vidfetch/pkg/models"
)

// Artifact is an open handle on a finished job's output. The retention sweep
// leaves the file alone until every handle is closed.
type Artifact struct {
	*os.File
	Name string
	Size int64

	release func()
	once    sync.Once
}

// Close closes the file and releases the claim.
func (a *Artifact) Close() error {
	err := a.File.Close()
	a.once.Do(a.release)
	return err
}

// OpenArtifact claims the output of a succeeded job for streaming.
func (s *Scheduler) OpenArtifact(owner, id uuid.UUID) (*Artifact, error) {
	s.mu.Lock()
	e, err := s.lookup(owner, id)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if e.job.State != models.JobStateSucceeded || e.job.Result == nil {
		s.mu.Unlock()
		return nil, ErrArtifactUnavailable
	}
	result := *e.job.Result
	e.claims++
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		e.claims--
		s.mu.Unlock()
	}

	f, err := os.Open(result.Path)
	if err != nil {
		release()
		return nil, fmt.Errorf("%w: %v", ErrArtifactUnavailable, err)
	}
	size := result.Size
	if fi, err := f.Stat(); err == nil {
		size = fi.Size()
	}
	return &Artifact{File: f, Name: result.FileName, Size: size, release: release}, nil
}
