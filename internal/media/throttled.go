package media

import (
	"context"
	"sync"

	"github.com/kiranshivaraju/vidfetch/pkg/models"
	"golang.org/x/time/rate"
)

// ThrottledExtractor limits calls to each platform with its own token bucket.
type ThrottledExtractor struct {
	next  models.Extractor
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewThrottledExtractor(next models.Extractor, perSecond float64, burst int) *ThrottledExtractor {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &ThrottledExtractor{
		next:     next,
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (e *ThrottledExtractor) Name() string { return e.next.Name() }

func (e *ThrottledExtractor) Resolve(ctx context.Context, req models.ResolveRequest) (*models.StreamInfo, error) {
	if err := e.wait(ctx, req.Platform); err != nil {
		return nil, err
	}
	return e.next.Resolve(ctx, req)
}

func (e *ThrottledExtractor) Download(ctx context.Context, req models.DownloadRequest, progress models.ProgressFunc) (string, error) {
	if err := e.wait(ctx, req.Platform); err != nil {
		return "", err
	}
	return e.next.Download(ctx, req, progress)
}

func (e *ThrottledExtractor) wait(ctx context.Context, platform string) error {
	if err := e.limiter(platform).Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return models.ClassifyError(ctxErr)
		}
		// The token would not arrive before the context deadline.
		return models.NewMediaError(models.ErrorKindTimeout, err)
	}
	return nil
}

func (e *ThrottledExtractor) limiter(platform string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.limiters[platform]
	if !ok {
		l = rate.NewLimiter(e.limit, e.burst)
		e.limiters[platform] = l
	}
	return l
}

var _ models.Extractor = (*ThrottledExtractor)(nil)
