package scheduler

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/vidfetch/pkg/models"
)

// Resolve looks up stream metadata for a URL without creating a job. It
// applies the same URL and platform checks as Submit and the same call
// timeout as a worker.
func (s *Scheduler) Resolve(ctx context.Context, owner uuid.UUID, rawURL, platform string) (*models.StreamInfo, error) {
	req := SubmitRequest{URL: strings.TrimSpace(rawURL), Platform: platform}
	p, err := s.validate(&req)
	if err != nil {
		return nil, err
	}

	var creds *models.Credentials
	if s.creds != nil {
		creds, err = s.creds.Credentials(ctx, p, owner)
		if err != nil {
			return nil, fmt.Errorf("loading credentials: %w", err)
		}
	}

	return callWithTimeout(ctx, s.cfg.CallTimeout, func(ctx context.Context) (*models.StreamInfo, error) {
		return s.extractor.Resolve(ctx, models.ResolveRequest{
			URL:         req.URL,
			Platform:    p,
			Credentials: creds,
		})
	})
}
