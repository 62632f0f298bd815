// Package models contains shared data models used across the vidfetch codebase.
package models

import (
	"context"

	"github.com/google/uuid"
)

// Extractor resolves and fetches media from a hosting platform.
// Never call a specific extractor directly; inject this interface.
type Extractor interface {
	// Resolve returns stream metadata without downloading.
	Resolve(ctx context.Context, req ResolveRequest) (*StreamInfo, error)
	// Download fetches the media into req.OutputDir and returns the file path.
	Download(ctx context.Context, req DownloadRequest, progress ProgressFunc) (string, error)
	// Name returns the extractor identifier (e.g., "ytdlp", "mock").
	Name() string
}

// Transcoder converts or trims a downloaded file.
type Transcoder interface {
	Convert(ctx context.Context, req ConvertRequest, progress ProgressFunc) (string, error)
}

// CredentialStore supplies per-platform authentication material (cookie jars).
// A nil result with a nil error means no credentials are configured.
type CredentialStore interface {
	Credentials(ctx context.Context, platform string, owner uuid.UUID) (*Credentials, error)
}

// Credentials is opaque to the scheduler; extractors know how to use it.
type Credentials struct {
	CookiesPath string
}

// ResolveRequest is the input to Extractor.Resolve.
type ResolveRequest struct {
	URL         string
	Platform    string
	Credentials *Credentials
}

// DownloadRequest is the input to Extractor.Download.
type DownloadRequest struct {
	URL         string
	Platform    string
	Format      string
	OutputDir   string
	Credentials *Credentials
}

// ConvertRequest is the input to Transcoder.Convert.
type ConvertRequest struct {
	InputPath string
	OutputDir string
	Spec      ConvertSpec
	Trim      *TrimRange
	// Duration of the input in seconds, used to compute percent complete.
	Duration float64
}

// StreamInfo is the metadata Resolve returns.
type StreamInfo struct {
	Title     string   `json:"title"`
	Duration  float64  `json:"duration"`
	Thumbnail string   `json:"thumbnail,omitempty"`
	Platform  string   `json:"platform"`
	Formats   []Format `json:"formats"`
}

// Format is one downloadable rendition.
type Format struct {
	ID         string `json:"format_id"`
	Ext        string `json:"ext"`
	Resolution string `json:"resolution,omitempty"`
	Height     int    `json:"height,omitempty"`
	FPS        int    `json:"fps,omitempty"`
	VideoCodec string `json:"vcodec,omitempty"`
	AudioCodec string `json:"acodec,omitempty"`
	FileSize   int64  `json:"filesize,omitempty"`
}
