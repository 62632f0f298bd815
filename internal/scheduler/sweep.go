package scheduler

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// SweepResult summarizes one retention pass.
type SweepResult struct {
	Evicted int
	Purged  int64
	Orphans int
}

func (s *Scheduler) sweeper(ctx context.Context) {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep evicts jobs that have been terminal for longer than the retention
// window, together with their progress stream, persisted row and files. Jobs
// with an open artifact handle are kept until a later pass. Files in the work
// dir that belong to no known job are removed once they are older than the
// window.
func (s *Scheduler) Sweep(ctx context.Context) SweepResult {
	cutoff := s.now().UTC().Add(-s.cfg.Retention)

	var evicted []uuid.UUID
	s.mu.Lock()
	for id, e := range s.jobs {
		j := e.job
		if !j.State.IsTerminal() || j.FinishedAt == nil || !j.FinishedAt.Before(cutoff) || e.claims > 0 {
			continue
		}
		delete(s.jobs, id)
		evicted = append(evicted, id)
	}
	s.mu.Unlock()

	var res SweepResult
	for _, id := range evicted {
		s.hub.Remove(id)
		if err := os.RemoveAll(s.jobDir(id)); err != nil {
			slog.Warn("failed to remove job files", "job_id", id, "error", err)
		}
	}
	res.Evicted = len(evicted)

	if s.store != nil {
		n, err := s.store.PurgeFinishedJobs(ctx, cutoff)
		if err != nil {
			slog.Error("failed to purge finished jobs", "error", err)
		}
		res.Purged = n
	}

	res.Orphans = s.sweepOrphans(cutoff)

	if res.Evicted > 0 || res.Purged > 0 || res.Orphans > 0 {
		slog.Info("retention sweep",
			"evicted", res.Evicted,
			"purged", res.Purged,
			"orphans", res.Orphans,
		)
	}
	return res
}

// sweepOrphans removes work dir entries older than cutoff that no tracked job owns.
func (s *Scheduler) sweepOrphans(cutoff time.Time) int {
	entries, err := os.ReadDir(s.media.WorkDir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("failed to read work dir", "dir", s.media.WorkDir, "error", err)
		}
		return 0
	}

	removed := 0
	for _, ent := range entries {
		if id, err := uuid.Parse(ent.Name()); err == nil {
			s.mu.Lock()
			_, tracked := s.jobs[id]
			s.mu.Unlock()
			if tracked {
				continue
			}
		}
		info, err := ent.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.media.WorkDir, ent.Name())); err != nil {
			slog.Warn("failed to remove orphaned file", "path", ent.Name(), "error", err)
			continue
		}
		removed++
	}
	return removed
}
