// Package ffmpeg implements models.Transcoder by running the ffmpeg binary.
package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/kiranshivaraju/vidfetch/internal/config"
	"github.com/kiranshivaraju/vidfetch/pkg/models"
)

const (
	progressTimePrefix = "out_time_us="
	stderrLimit        = 16 * 1024
)

type codecs struct {
	video string
	audio string
}

// Containers lists the output containers Convert accepts.
var Containers = map[string]codecs{
	"mp4":  {video: "libx264", audio: "aac"},
	"mkv":  {video: "libx264", audio: "aac"},
	"mov":  {video: "libx264", audio: "aac"},
	"webm": {video: "libvpx-vp9", audio: "libopus"},
	"mp3":  {audio: "libmp3lame"},
	"m4a":  {audio: "aac"},
	"wav":  {audio: "pcm_s16le"},
}

type preset struct {
	crf    int
	preset string
}

// Qualities lists the accepted quality presets.
var Qualities = map[string]preset{
	"high":   {crf: 18, preset: "slow"},
	"medium": {crf: 23, preset: "medium"},
	"low":    {crf: 28, preset: "fast"},
}

// Transcoder runs ffmpeg for trim and convert requests.
type Transcoder struct {
	bin string
}

func NewTranscoder(cfg config.MediaConfig) *Transcoder {
	bin := cfg.FFmpegPath
	if bin == "" {
		bin = "ffmpeg"
	}
	return &Transcoder{bin: bin}
}

// Convert writes the converted file into req.OutputDir. On failure or
// cancellation the partial output is removed.
func (t *Transcoder) Convert(ctx context.Context, req models.ConvertRequest, progress models.ProgressFunc) (string, error) {
	args, out, err := BuildArgs(req)
	if err != nil {
		return "", models.NewMediaError(models.ErrorKindUnsupported, err)
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return "", transient(fmt.Errorf("create output dir: %w", err))
	}

	cmd := exec.CommandContext(ctx, t.bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", models.NewMediaError(models.ErrorKindInternal, fmt.Errorf("stdout pipe: %w", err))
	}
	stderr := &tailBuffer{limit: stderrLimit}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return "", models.NewMediaError(models.ErrorKindInternal, fmt.Errorf("start ffmpeg: %w", err))
	}

	// All reads from stdout must finish before Wait.
	monitorProgress(stdout, expectedDuration(req), progress)
	err = cmd.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		_ = os.Remove(out)
		return "", models.ClassifyError(ctxErr)
	}
	if err != nil {
		_ = os.Remove(out)
		return "", ClassifyFailure(err, stderr.String())
	}
	return out, nil
}

// BuildArgs returns the ffmpeg arguments for req and the output path.
func BuildArgs(req models.ConvertRequest) ([]string, string, error) {
	container := strings.ToLower(req.Spec.Container)
	if container == "" {
		container = strings.TrimPrefix(strings.ToLower(filepath.Ext(req.InputPath)), ".")
	}
	c, ok := Containers[container]
	if !ok {
		return nil, "", fmt.Errorf("unsupported container %q", container)
	}
	quality := strings.ToLower(req.Spec.Quality)
	if quality == "" {
		quality = "medium"
	}
	q, ok := Qualities[quality]
	if !ok {
		return nil, "", fmt.Errorf("unsupported quality %q", req.Spec.Quality)
	}

	base := strings.TrimSuffix(filepath.Base(req.InputPath), filepath.Ext(req.InputPath))
	out := filepath.Join(req.OutputDir, base+"."+container)

	args := []string{"-y", "-hide_banner", "-nostats", "-progress", "pipe:1"}
	if req.Trim != nil && req.Trim.Start > 0 {
		args = append(args, "-ss", formatSeconds(req.Trim.Start))
	}
	args = append(args, "-i", req.InputPath)
	if l := req.Trim.Length(); l > 0 {
		args = append(args, "-t", formatSeconds(l))
	}

	if c.video == "" {
		args = append(args, "-vn", "-c:a", c.audio)
	} else {
		args = append(args, "-c:v", c.video, "-crf", strconv.Itoa(q.crf))
		if c.video == "libx264" {
			args = append(args, "-preset", q.preset)
		} else {
			args = append(args, "-b:v", "0")
		}
		if req.Spec.Resolution > 0 {
			args = append(args, "-vf", fmt.Sprintf("scale=-2:%d", req.Spec.Resolution))
		}
		args = append(args, "-c:a", c.audio)
		if container == "mp4" || container == "mov" {
			args = append(args, "-movflags", "+faststart")
		}
	}
	args = append(args, out)
	return args, out, nil
}

// ClassifyFailure maps an ffmpeg failure onto a transcode MediaError.
// Environment failures are marked transient so they may be retried.
func ClassifyFailure(err error, stderr string) *models.MediaError {
	lower := strings.ToLower(stderr)
	msg := lastLine(stderr)
	if msg != "" {
		err = fmt.Errorf("%s: %w", msg, err)
	}
	for _, p := range []string{"no space left on device", "cannot allocate memory", "resource temporarily unavailable"} {
		if strings.Contains(lower, p) {
			return transient(err)
		}
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		// The process did not run to completion for a reason outside the input.
		return transient(err)
	}
	return models.NewMediaError(models.ErrorKindTranscode, err)
}

func transient(err error) *models.MediaError {
	return &models.MediaError{Kind: models.ErrorKindTranscode, Transient: true, Err: err}
}

func expectedDuration(req models.ConvertRequest) float64 {
	if l := req.Trim.Length(); l > 0 {
		return l
	}
	if req.Trim != nil && req.Duration > req.Trim.Start {
		return req.Duration - req.Trim.Start
	}
	return req.Duration
}

// monitorProgress reads ffmpeg's -progress key=value stream.
func monitorProgress(r io.Reader, total float64, progress models.ProgressFunc) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if progress == nil || total <= 0 || !strings.HasPrefix(line, progressTimePrefix) {
			continue
		}
		us, err := strconv.ParseInt(strings.TrimPrefix(line, progressTimePrefix), 10, 64)
		if err != nil || us < 0 {
			continue
		}
		pct := float64(us) / 1e6 / total * 100
		if pct > 100 {
			pct = 100
		}
		progress(models.ProgressUpdate{Percent: pct, Message: "transcoding"})
	}
	// Drain so ffmpeg never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(p)
	b.buf.Write(p)
	if over := b.buf.Len() - b.limit; over > 0 {
		b.buf.Next(over)
	}
	return n, nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

var _ models.Transcoder = (*Transcoder)(nil)
