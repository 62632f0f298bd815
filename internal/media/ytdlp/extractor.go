// Package ytdlp implements models.Extractor on top of the yt-dlp binary.
package ytdlp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kiranshivaraju/vidfetch/pkg/models"
	"github.com/lrstanley/go-ytdlp"
)

const progressInterval = 500 * time.Millisecond

// Extractor resolves and downloads media through yt-dlp. The binary is
// looked up on PATH; ffmpeg must be available there too for merged formats.
type Extractor struct{}

func NewExtractor() *Extractor {
	return &Extractor{}
}

func (e *Extractor) Name() string { return "ytdlp" }

// rawInfo is the subset of yt-dlp's info JSON we read.
type rawInfo struct {
	Title     string      `json:"title"`
	Duration  float64     `json:"duration"`
	Thumbnail string      `json:"thumbnail"`
	Formats   []rawFormat `json:"formats"`
}

type rawFormat struct {
	FormatID       string  `json:"format_id"`
	Ext            string  `json:"ext"`
	Resolution     string  `json:"resolution"`
	FormatNote     string  `json:"format_note"`
	Height         int     `json:"height"`
	FPS            float64 `json:"fps"`
	VCodec         string  `json:"vcodec"`
	ACodec         string  `json:"acodec"`
	FileSize       int64   `json:"filesize"`
	FileSizeApprox float64 `json:"filesize_approx"`
}

// Resolve fetches stream metadata without downloading anything.
func (e *Extractor) Resolve(ctx context.Context, req models.ResolveRequest) (*models.StreamInfo, error) {
	dl := ytdlp.New().
		DumpJSON().
		SkipDownload().
		NoPlaylist()
	if req.Credentials != nil && req.Credentials.CookiesPath != "" {
		dl = dl.Cookies(req.Credentials.CookiesPath)
	}

	res, err := dl.Run(ctx, req.URL)
	if err != nil {
		return nil, classifyRun(ctx, res, err)
	}

	info, err := parseInfo(res.Stdout)
	if err != nil {
		return nil, models.NewMediaError(models.ErrorKindInternal, fmt.Errorf("parse yt-dlp output: %w", err))
	}

	return &models.StreamInfo{
		Title:     info.Title,
		Duration:  info.Duration,
		Thumbnail: info.Thumbnail,
		Platform:  req.Platform,
		Formats:   convertFormats(info.Formats),
	}, nil
}

// Download fetches the media into req.OutputDir and returns the final file path.
func (e *Extractor) Download(ctx context.Context, req models.DownloadRequest, progress models.ProgressFunc) (string, error) {
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return "", models.NewMediaError(models.ErrorKindInternal, fmt.Errorf("create output dir: %w", err))
	}

	dl := ytdlp.New().
		NoPlaylist().
		ForceOverwrites().
		RestrictFilenames().
		Format(FormatSelector(req.Format)).
		Output(filepath.Join(req.OutputDir, "%(title).80s.%(ext)s"))
	if req.Credentials != nil && req.Credentials.CookiesPath != "" {
		dl = dl.Cookies(req.Credentials.CookiesPath)
	}
	if progress != nil {
		dl.ProgressFunc(progressInterval, func(update ytdlp.ProgressUpdate) {
			progress(toUpdate(update))
		})
	}

	res, err := dl.Run(ctx, req.URL)
	if err != nil {
		return "", classifyRun(ctx, res, err)
	}

	path, err := findOutput(req.OutputDir)
	if err != nil {
		return "", models.NewMediaError(models.ErrorKindInternal, err)
	}
	return path, nil
}

func toUpdate(u ytdlp.ProgressUpdate) models.ProgressUpdate {
	out := models.ProgressUpdate{}
	if u.TotalBytes > 0 {
		out.Percent = float64(u.DownloadedBytes) / float64(u.TotalBytes) * 100
	}
	if !u.Started.IsZero() {
		if elapsed := time.Since(u.Started).Seconds(); elapsed > 0 {
			out.Speed = humanize.Bytes(uint64(float64(u.DownloadedBytes)/elapsed)) + "/s"
		}
	}
	if eta := u.ETA(); eta > 0 {
		out.ETA = eta.Round(time.Second).String()
	}
	return out
}

// FormatSelector maps a requested format onto a yt-dlp -f expression.
// "best" and "audio" are aliases; "<N>p" caps the video height; anything else
// is passed through as a yt-dlp format id.
func FormatSelector(format string) string {
	f := strings.ToLower(strings.TrimSpace(format))
	switch {
	case f == "" || f == "best":
		return "bestvideo+bestaudio/best"
	case f == "audio":
		return "bestaudio/best"
	case strings.HasSuffix(f, "p") && isDigits(f[:len(f)-1]):
		h := f[:len(f)-1]
		return fmt.Sprintf("bestvideo[height<=%s]+bestaudio/best[height<=%s]", h, h)
	default:
		return format
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func parseInfo(stdout string) (*rawInfo, error) {
	sc := bufio.NewScanner(strings.NewReader(stdout))
	sc.Buffer(make([]byte, 0, 64*1024), 32*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var info rawInfo
		if err := json.Unmarshal([]byte(line), &info); err != nil {
			return nil, err
		}
		return &info, nil
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("no info JSON in output")
}

// convertFormats keeps renditions carrying both audio and video, deduplicated
// by height and extension, tallest first.
func convertFormats(in []rawFormat) []models.Format {
	seen := make(map[string]bool)
	out := []models.Format{{ID: "best", Ext: "mp4", Resolution: "best"}}
	for _, f := range in {
		if f.VCodec == "none" || f.ACodec == "none" {
			continue
		}
		key := fmt.Sprintf("%dp_%s", f.Height, f.Ext)
		if seen[key] {
			continue
		}
		seen[key] = true
		size := f.FileSize
		if size == 0 {
			size = int64(f.FileSizeApprox)
		}
		res := f.Resolution
		if res == "" {
			res = f.FormatNote
		}
		out = append(out, models.Format{
			ID:         f.FormatID,
			Ext:        f.Ext,
			Resolution: res,
			Height:     f.Height,
			FPS:        int(f.FPS),
			VideoCodec: f.VCodec,
			AudioCodec: f.ACodec,
			FileSize:   size,
		})
	}
	rest := out[1:]
	sort.SliceStable(rest, func(i, j int) bool { return rest[i].Height > rest[j].Height })
	return out
}

// findOutput returns the newest finished file yt-dlp left in dir, skipping
// partial and intermediate fragments.
func findOutput(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read output dir: %w", err)
	}
	var newest string
	var newestMod time.Time
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || strings.HasSuffix(name, ".part") || strings.HasSuffix(name, ".ytdl") || strings.Contains(name, ".temp.") {
			continue
		}
		fi, err := ent.Info()
		if err != nil {
			continue
		}
		if newest == "" || fi.ModTime().After(newestMod) {
			newest = filepath.Join(dir, name)
			newestMod = fi.ModTime()
		}
	}
	if newest == "" {
		return "", errors.New("yt-dlp finished without producing a file")
	}
	return newest, nil
}

func classifyRun(ctx context.Context, res *ytdlp.Result, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return models.ClassifyError(ctxErr)
	}
	stderr := ""
	if res != nil {
		stderr = res.Stderr
	}
	return Classify(err, stderr)
}

var errorPatterns = []struct {
	kind     models.ErrorKind
	patterns []string
}{
	{models.ErrorKindInternal, []string{
		"ffmpeg not found", "ffprobe not found", "ffmpeg is not installed",
	}},
	{models.ErrorKindAuthRequired, []string{
		"sign in to confirm", "login required", "you need to log in", "use --cookies",
		"cookies are no longer valid", "private video", "members-only", "age-restricted",
		"confirm your age", "requires authentication", "authentication required",
	}},
	{models.ErrorKindNotFound, []string{
		"video unavailable", "does not exist", "has been removed", "http error 404",
		"this video is no longer available", "account has been terminated",
	}},
	{models.ErrorKindUnsupported, []string{
		"unsupported url", "no video formats found", "requested format is not available",
		"is not a valid url", "drm protected", "this video is drm",
	}},
	{models.ErrorKindTimeout, []string{
		"timed out", "timeout",
	}},
}

// Classify maps a yt-dlp failure onto a MediaError kind. Only yt-dlp's
// ERROR: lines are matched when stderr has any, so warnings and progress
// output cannot decide the kind. Unrecognised failures are treated as
// network errors so they are retried.
func Classify(err error, stderr string) *models.MediaError {
	text := classifyText(err, stderr)
	for _, group := range errorPatterns {
		for _, p := range group.patterns {
			if strings.Contains(text, p) {
				return models.NewMediaError(group.kind, wrapWithStderr(err, stderr))
			}
		}
	}
	return models.NewMediaError(models.ErrorKindNetwork, wrapWithStderr(err, stderr))
}

func classifyText(err error, stderr string) string {
	var lines []string
	for _, l := range strings.Split(stderr, "\n") {
		if l = strings.TrimSpace(l); strings.HasPrefix(l, "ERROR:") {
			lines = append(lines, l)
		}
	}
	if len(lines) == 0 {
		return strings.ToLower(errString(err))
	}
	return strings.ToLower(strings.Join(lines, "\n"))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func wrapWithStderr(err error, stderr string) error {
	line := lastErrorLine(stderr)
	switch {
	case err == nil && line == "":
		return errors.New("yt-dlp failed")
	case err == nil:
		return errors.New(line)
	case line == "":
		return err
	default:
		return fmt.Errorf("%s: %w", line, err)
	}
}

func lastErrorLine(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); strings.HasPrefix(l, "ERROR:") {
			return l
		}
	}
	return ""
}

var _ models.Extractor = (*Extractor)(nil)
