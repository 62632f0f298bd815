// Package media wires the extractor and transcoder implementations together
// with caching and per-platform throttling.
package media

import (
	"fmt"
	"time"

	"github.com/kiranshivaraju/vidfetch/internal/config"
	"github.com/kiranshivaraju/vidfetch/internal/media/ffmpeg"
	"github.com/kiranshivaraju/vidfetch/internal/media/mock"
	"github.com/kiranshivaraju/vidfetch/internal/media/ytdlp"
	"github.com/kiranshivaraju/vidfetch/pkg/models"
)

const mockStepDelay = 500 * time.Millisecond

// NewExtractor constructs the configured extractor, throttled per platform
// and, when a cache is given, backed by the stream-info cache.
// Called once at server startup.
func NewExtractor(cfg config.MediaConfig, cache InfoCache) (models.Extractor, error) {
	var base models.Extractor
	switch cfg.Extractor {
	case "ytdlp":
		base = ytdlp.NewExtractor()
	case "mock":
		base = mock.NewExtractor(mockStepDelay)
	default:
		return nil, fmt.Errorf("unknown extractor %q: must be one of ytdlp, mock", cfg.Extractor)
	}

	var ex models.Extractor = NewThrottledExtractor(base, cfg.RequestsPerSecond, 1)
	if cache != nil && cfg.InfoCacheTTL > 0 {
		ex = NewCachedExtractor(ex, cache, cfg.InfoCacheTTL)
	}
	return ex, nil
}

// NewTranscoder constructs the transcoder matching the configured extractor.
func NewTranscoder(cfg config.MediaConfig) (models.Transcoder, error) {
	switch cfg.Extractor {
	case "ytdlp":
		return ffmpeg.NewTranscoder(cfg), nil
	case "mock":
		return &mock.Transcoder{}, nil
	default:
		return nil, fmt.Errorf("unknown extractor %q: must be one of ytdlp, mock", cfg.Extractor)
	}
}
