package media

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/vidfetch/internal/cache"
	"github.com/kiranshivaraju/vidfetch/pkg/models"
)

// InfoCache is the subset of cache.Cache the stream-info cache needs.
type InfoCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// CachedExtractor memoises successful Resolve results. Cache failures are
// logged and never fail the call.
type CachedExtractor struct {
	next  models.Extractor
	cache InfoCache
	ttl   time.Duration
}

func NewCachedExtractor(next models.Extractor, c InfoCache, ttl time.Duration) *CachedExtractor {
	return &CachedExtractor{next: next, cache: c, ttl: ttl}
}

func (e *CachedExtractor) Name() string { return e.next.Name() }

func (e *CachedExtractor) Resolve(ctx context.Context, req models.ResolveRequest) (*models.StreamInfo, error) {
	key := infoKey(req)

	if data, found, err := e.cache.Get(ctx, key); err != nil {
		slog.Warn("stream info cache read failed", "error", err, "platform", req.Platform)
	} else if found {
		var info models.StreamInfo
		if err := json.Unmarshal(data, &info); err == nil {
			return &info, nil
		}
		slog.Warn("discarding corrupt stream info cache entry", "platform", req.Platform)
	}

	info, err := e.next.Resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(info); err == nil {
		if err := e.cache.Set(ctx, key, data, e.ttl); err != nil {
			slog.Warn("stream info cache write failed", "error", err, "platform", req.Platform)
		}
	}
	return info, nil
}

func (e *CachedExtractor) Download(ctx context.Context, req models.DownloadRequest, progress models.ProgressFunc) (string, error) {
	return e.next.Download(ctx, req, progress)
}

// infoKey scopes entries by the cookie jar used, so metadata only visible to
// one owner's session is never served to another.
func infoKey(req models.ResolveRequest) string {
	source := req.URL
	if req.Credentials != nil && req.Credentials.CookiesPath != "" {
		source += "\x00" + req.Credentials.CookiesPath
	}
	return cache.MediaInfoKey(req.Platform, source)
}

var _ models.Extractor = (*CachedExtractor)(nil)
