package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/vidfetch/internal/media/ffmpeg"
	"github.com/kiranshivaraju/vidfetch/pkg/models"
)

const maxURLLength = 2048

// SubmitRequest is one download request from a client.
type SubmitRequest struct {
	URL      string              `json:"url"`
	Platform string              `json:"platform,omitempty"`
	Format   string              `json:"format,omitempty"`
	Priority int                 `json:"priority,omitempty"`
	Trim     *models.TrimRange   `json:"trim_range,omitempty"`
	Convert  *models.ConvertSpec `json:"convert,omitempty"`
}

// BatchResult is the outcome of one item of a batch submission. Exactly one
// of Job and Err is set.
type BatchResult struct {
	Index int
	Job   *models.Job
	Err   error
}

var platformHosts = map[string]string{
	"youtube.com":   "youtube",
	"youtu.be":      "youtube",
	"tiktok.com":    "tiktok",
	"facebook.com":  "facebook",
	"fb.watch":      "facebook",
	"twitter.com":   "twitter",
	"x.com":         "twitter",
	"instagram.com": "instagram",
	"vimeo.com":     "vimeo",
}

// DetectPlatform guesses the platform from the URL host. It returns "" when
// the host is not recognised.
func DetectPlatform(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	for host != "" {
		if p, ok := platformHosts[host]; ok {
			return p
		}
		i := strings.IndexByte(host, '.')
		if i < 0 {
			break
		}
		host = host[i+1:]
	}
	return ""
}

// Submit validates req and admits a new queued job. It only blocks for
// admission; the job runs later on a worker.
func (s *Scheduler) Submit(ctx context.Context, owner uuid.UUID, req SubmitRequest) (*models.Job, error) {
	platform, err := s.validate(&req)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	job := &models.Job{
		ID:        uuid.New(),
		Owner:     owner,
		URL:       strings.TrimSpace(req.URL),
		Platform:  platform,
		Format:    req.Format,
		Trim:      req.Trim,
		Convert:   req.Convert,
		Priority:  req.Priority,
		State:     models.JobStateQueued,
		CreatedAt: s.nextCreatedAt(),
		Version:   1,
	}
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.CreateJob(ctx, job.Clone()); err != nil {
			return nil, fmt.Errorf("persisting job: %w", err)
		}
	}

	s.mu.Lock()
	if _, exists := s.jobs[job.ID]; exists {
		s.mu.Unlock()
		panic(fmt.Sprintf("scheduler: job id collision %s", job.ID))
	}
	if err := s.queue.Enqueue(job); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("admitting job: %w", err)
	}
	s.jobs[job.ID] = &jobEntry{job: job}
	snapshot := job.Clone()
	s.mu.Unlock()

	s.hub.Open(job.ID, eventFor(snapshot, "queued"))
	s.signal()

	slog.Info("job admitted",
		"job_id", job.ID,
		"owner", owner,
		"platform", platform,
		"priority", job.Priority,
	)
	return snapshot, nil
}

// SubmitBatch admits each request independently. Partial success is allowed;
// the returned slice has one entry per request, in order. Only an empty or
// oversized batch fails as a whole.
func (s *Scheduler) SubmitBatch(ctx context.Context, owner uuid.UUID, reqs []SubmitRequest) ([]BatchResult, error) {
	if len(reqs) == 0 {
		return nil, invalid("jobs", "at least one job is required")
	}
	if s.cfg.MaxBatch > 0 && len(reqs) > s.cfg.MaxBatch {
		return nil, invalid("jobs", "at most %d jobs per batch, got %d", s.cfg.MaxBatch, len(reqs))
	}

	results := make([]BatchResult, len(reqs))
	for i, req := range reqs {
		job, err := s.Submit(ctx, owner, req)
		results[i] = BatchResult{Index: i, Job: job, Err: err}
		if errors.Is(err, ErrStopped) {
			for j := i + 1; j < len(reqs); j++ {
				results[j] = BatchResult{Index: j, Err: ErrStopped}
			}
			break
		}
	}
	return results, nil
}

// validate checks req in place and returns the resolved platform.
func (s *Scheduler) validate(req *SubmitRequest) (string, error) {
	raw := strings.TrimSpace(req.URL)
	if raw == "" {
		return "", invalid("url", "is required")
	}
	if len(raw) > maxURLLength {
		return "", invalid("url", "must be at most %d characters", maxURLLength)
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", invalid("url", "must be an absolute http(s) URL")
	}

	platform := strings.ToLower(strings.TrimSpace(req.Platform))
	if platform == "" {
		platform = DetectPlatform(raw)
		if platform == "" {
			return "", invalid("platform", "is required when it cannot be detected from the URL")
		}
	}
	if !s.platforms[platform] {
		return "", invalid("platform", "%q is not supported", platform)
	}

	if req.Trim != nil {
		t := *req.Trim
		req.Trim = &t
		if t.Start < 0 || t.End < 0 {
			return "", invalid("trim_range", "offsets must not be negative")
		}
		if t.End > 0 && t.End <= t.Start {
			return "", invalid("trim_range", "end must be after start")
		}
		if t.Start == 0 && t.End == 0 {
			req.Trim = nil
		}
	}

	if req.Convert != nil {
		cv := *req.Convert
		c := &cv
		req.Convert = c
		c.Container = strings.ToLower(strings.TrimSpace(c.Container))
		c.Quality = strings.ToLower(strings.TrimSpace(c.Quality))
		if c.Container != "" {
			if _, ok := ffmpeg.Containers[c.Container]; !ok {
				return "", invalid("convert.container", "%q is not supported", c.Container)
			}
		}
		if c.Quality != "" {
			if _, ok := ffmpeg.Qualities[c.Quality]; !ok {
				return "", invalid("convert.quality", "must be one of high, medium, low")
			}
		}
		if c.Resolution < 0 {
			return "", invalid("convert.resolution", "must not be negative")
		}
	}
	return platform, nil
}

// nextCreatedAt returns a strictly increasing admission time so FIFO order
// survives clock steps and equal timestamps. Must be called with s.mu held.
func (s *Scheduler) nextCreatedAt() time.Time {
	now := s.now().UTC().Truncate(time.Microsecond)
	if !now.After(s.lastCreated) {
		now = s.lastCreated.Add(time.Microsecond)
	}
	s.lastCreated = now
	return now
}
