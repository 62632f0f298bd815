package media

import (
	"fmt"
	"os/exec"

	"github.com/kiranshivaraju/vidfetch/internal/config"
)

// DependencyReport describes which external binaries were found.
type DependencyReport struct {
	YTDLPFound  bool   `json:"yt_dlp_found"`
	YTDLPPath   string `json:"yt_dlp_path,omitempty"`
	FFmpegFound bool   `json:"ffmpeg_found"`
	FFmpegPath  string `json:"ffmpeg_path,omitempty"`
}

// DependencyStatus looks up yt-dlp and ffmpeg.
func DependencyStatus(cfg config.MediaConfig) DependencyReport {
	report := DependencyReport{}
	if path, err := exec.LookPath("yt-dlp"); err == nil {
		report.YTDLPFound = true
		report.YTDLPPath = path
	}
	ffmpegBin := cfg.FFmpegPath
	if ffmpegBin == "" {
		ffmpegBin = "ffmpeg"
	}
	if path, err := exec.LookPath(ffmpegBin); err == nil {
		report.FFmpegFound = true
		report.FFmpegPath = path
	}
	return report
}

// CheckDependencies fails when the configured extractor needs a binary that
// is not installed.
func CheckDependencies(cfg config.MediaConfig) error {
	if cfg.Extractor != "ytdlp" {
		return nil
	}
	report := DependencyStatus(cfg)
	if !report.YTDLPFound {
		return fmt.Errorf("missing dependency: yt-dlp is not installed or not on PATH")
	}
	if !report.FFmpegFound {
		return fmt.Errorf("missing dependency: ffmpeg %q was not found", cfg.FFmpegPath)
	}
	return nil
}
