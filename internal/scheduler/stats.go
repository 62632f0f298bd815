package scheduler

import (
	"github.com/google/uuid"
	"github.com/kiranshivaraju/vidfetch/pkg/models"
)

// Stats is a point-in-time view of the queue. Outcome counts are cumulative
// since the process started; evicted jobs still count.
type Stats struct {
	Queued        int                       `json:"queued"`
	Running       int                       `json:"running"`
	MaxConcurrent int                       `json:"max_concurrent"`
	Platforms     map[string]*PlatformStats `json:"platforms"`
	Owner         *OwnerStats               `json:"owner,omitempty"`
}

type PlatformStats struct {
	Queued      int     `json:"queued"`
	Running     int     `json:"running"`
	Succeeded   int     `json:"succeeded"`
	Failed      int     `json:"failed"`
	Cancelled   int     `json:"cancelled"`
	SuccessRate float64 `json:"success_rate"`
}

// OwnerStats counts the jobs one owner currently has tracked.
type OwnerStats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Stats returns queue counts with a per-platform breakdown. When owner is not
// uuid.Nil the owner's own counts are included.
func (s *Scheduler) Stats(owner uuid.UUID) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Queued:        s.queue.Size(),
		Running:       s.running,
		MaxConcurrent: s.cfg.MaxConcurrent,
		Platforms:     make(map[string]*PlatformStats),
	}
	platform := func(name string) *PlatformStats {
		p, ok := st.Platforms[name]
		if !ok {
			p = &PlatformStats{}
			st.Platforms[name] = p
		}
		return p
	}
	if owner != uuid.Nil {
		st.Owner = &OwnerStats{}
	}

	for _, e := range s.jobs {
		j := e.job
		switch j.State {
		case models.JobStateQueued:
			platform(j.Platform).Queued++
		case models.JobStateRunning:
			platform(j.Platform).Running++
		}
		if st.Owner != nil && j.Owner == owner {
			st.Owner.add(j.State)
		}
	}
	for name, c := range s.totals {
		p := platform(name)
		p.Succeeded = c.succeeded
		p.Failed = c.failed
		p.Cancelled = c.cancelled
		if done := c.succeeded + c.failed; done > 0 {
			p.SuccessRate = float64(c.succeeded) / float64(done)
		}
	}
	return st
}

func (o *OwnerStats) add(state models.JobState) {
	switch state {
	case models.JobStateQueued:
		o.Queued++
	case models.JobStateRunning:
		o.Running++
	case models.JobStateSucceeded:
		o.Succeeded++
	case models.JobStateFailed:
		o.Failed++
	case models.JobStateCancelled:
		o.Cancelled++
	}
}
