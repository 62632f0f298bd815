// Package mock provides deterministic media collaborators for tests and for
// running the server without yt-dlp or ffmpeg installed.
package mock

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/vidfetch/pkg/models"
)

// Extractor satisfies models.Extractor for testing.
type Extractor struct {
	Name_        string
	ResolveFunc  func(ctx context.Context, req models.ResolveRequest) (*models.StreamInfo, error)
	DownloadFunc func(ctx context.Context, req models.DownloadRequest, progress models.ProgressFunc) (string, error)

	resolveCalls  atomic.Int32
	downloadCalls atomic.Int32
}

func (m *Extractor) Name() string { return m.Name_ }

func (m *Extractor) Resolve(ctx context.Context, req models.ResolveRequest) (*models.StreamInfo, error) {
	m.resolveCalls.Add(1)
	if m.ResolveFunc != nil {
		return m.ResolveFunc(ctx, req)
	}
	return &models.StreamInfo{Title: "mock", Platform: req.Platform}, nil
}

func (m *Extractor) Download(ctx context.Context, req models.DownloadRequest, progress models.ProgressFunc) (string, error) {
	m.downloadCalls.Add(1)
	if m.DownloadFunc != nil {
		return m.DownloadFunc(ctx, req, progress)
	}
	return WriteFile(req.OutputDir, "mock.mp4", 1024)
}

// ResolveCalls returns how many times Resolve was invoked.
func (m *Extractor) ResolveCalls() int { return int(m.resolveCalls.Load()) }

// DownloadCalls returns how many times Download was invoked.
func (m *Extractor) DownloadCalls() int { return int(m.downloadCalls.Load()) }

// NewExtractor returns an Extractor that resolves a 30 second clip and
// "downloads" it in four progress steps, stepDelay apart.
func NewExtractor(stepDelay time.Duration) *Extractor {
	return &Extractor{
		Name_: "mock",
		ResolveFunc: func(_ context.Context, req models.ResolveRequest) (*models.StreamInfo, error) {
			return &models.StreamInfo{
				Title:    "Mock video",
				Duration: 30,
				Platform: req.Platform,
				Formats: []models.Format{
					{ID: "best", Ext: "mp4", Resolution: "best"},
					{ID: "18", Ext: "mp4", Resolution: "640x360", Height: 360},
				},
			}, nil
		},
		DownloadFunc: func(ctx context.Context, req models.DownloadRequest, progress models.ProgressFunc) (string, error) {
			for _, pct := range []float64{25, 50, 75, 100} {
				select {
				case <-ctx.Done():
					return "", ctx.Err()
				case <-time.After(stepDelay):
				}
				if progress != nil {
					progress(models.ProgressUpdate{Percent: pct, Speed: "1.0 MB/s"})
				}
			}
			return WriteFile(req.OutputDir, "mock-"+uuid.NewString()[:8]+".mp4", 4096)
		},
	}
}

// NewFailingExtractor returns an Extractor whose Resolve and Download always
// fail with err.
func NewFailingExtractor(err error) *Extractor {
	return &Extractor{
		Name_: "mock-failing",
		ResolveFunc: func(_ context.Context, _ models.ResolveRequest) (*models.StreamInfo, error) {
			return nil, err
		},
		DownloadFunc: func(_ context.Context, _ models.DownloadRequest, _ models.ProgressFunc) (string, error) {
			return "", err
		},
	}
}

// NewTimeoutExtractor returns an Extractor whose Download blocks until the
// context is done.
func NewTimeoutExtractor() *Extractor {
	return &Extractor{
		Name_: "mock-timeout",
		DownloadFunc: func(ctx context.Context, _ models.DownloadRequest, _ models.ProgressFunc) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
}

// NewStuckExtractor returns an Extractor whose Download ignores its context
// and only returns once release is closed.
func NewStuckExtractor(release <-chan struct{}) *Extractor {
	return &Extractor{
		Name_: "mock-stuck",
		DownloadFunc: func(_ context.Context, _ models.DownloadRequest, _ models.ProgressFunc) (string, error) {
			<-release
			return "", fmt.Errorf("released")
		},
	}
}

// Transcoder satisfies models.Transcoder for testing.
type Transcoder struct {
	ConvertFunc func(ctx context.Context, req models.ConvertRequest, progress models.ProgressFunc) (string, error)

	calls atomic.Int32
}

// Convert copies the input into OutputDir under the requested container
// extension unless ConvertFunc is set.
func (m *Transcoder) Convert(ctx context.Context, req models.ConvertRequest, progress models.ProgressFunc) (string, error) {
	m.calls.Add(1)
	if m.ConvertFunc != nil {
		return m.ConvertFunc(ctx, req, progress)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ext := filepath.Ext(req.InputPath)
	if req.Spec.Container != "" {
		ext = "." + strings.ToLower(req.Spec.Container)
	}
	name := strings.TrimSuffix(filepath.Base(req.InputPath), filepath.Ext(req.InputPath)) + ext
	out := filepath.Join(req.OutputDir, name)
	if err := copyFile(req.InputPath, out); err != nil {
		return "", models.NewMediaError(models.ErrorKindTranscode, err)
	}
	if progress != nil {
		progress(models.ProgressUpdate{Percent: 100, Message: "transcoding"})
	}
	return out, nil
}

// Calls returns how many times Convert was invoked.
func (m *Transcoder) Calls() int { return int(m.calls.Load()) }

// CredentialStore hands out fixed credentials per platform.
type CredentialStore struct {
	ByPlatform map[string]*models.Credentials
	Err        error
}

func (m *CredentialStore) Credentials(_ context.Context, platform string, _ uuid.UUID) (*models.Credentials, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	return m.ByPlatform[platform], nil
}

// WriteFile creates dir/name filled with size bytes and returns its path.
func WriteFile(dir, name string, size int) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Compile-time checks.
var (
	_ models.Extractor       = (*Extractor)(nil)
	_ models.Transcoder      = (*Transcoder)(nil)
	_ models.CredentialStore = (*CredentialStore)(nil)
)
