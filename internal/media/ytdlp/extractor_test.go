package ytdlp

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/kiranshivaraju/vidfetch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatSelector(t *testing.T) {
	tests := map[string]string{
		"":      "bestvideo+bestaudio/best",
		"best":  "bestvideo+bestaudio/best",
		"BEST":  "bestvideo+bestaudio/best",
		"audio": "bestaudio/best",
		"720p":  "bestvideo[height<=720]+bestaudio/best[height<=720]",
		"137":   "137",
		"p":     "p",
		"22+140": "22+140",
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, FormatSelector(in))
		})
	}
}

func TestClassify(t *testing.T) {
	runErr := errors.New("exit status 1")
	tests := []struct {
		name   string
		stderr string
		want   models.ErrorKind
	}{
		{"sign in", "ERROR: [youtube] abc: Sign in to confirm you're not a bot. Use --cookies", models.ErrorKindAuthRequired},
		{"private", "ERROR: [youtube] abc: Private video", models.ErrorKindAuthRequired},
		{"unavailable", "ERROR: [youtube] abc: Video unavailable", models.ErrorKindNotFound},
		{"404", "ERROR: unable to download webpage: HTTP Error 404: Not Found", models.ErrorKindNotFound},
		{"unsupported", "ERROR: Unsupported URL: https://example.com/page", models.ErrorKindUnsupported},
		{"timeout", "ERROR: The read operation timed out", models.ErrorKindTimeout},
		{"reset", "ERROR: Connection reset by peer", models.ErrorKindNetwork},
		{"empty", "", models.ErrorKindNetwork},
		{"missing ffmpeg", "ERROR: Postprocessing: ffmpeg not found. Please install or provide the path", models.ErrorKindInternal},
		{"unrelated not found", "ERROR: [youtube] abc: Unable to extract player response: section not found", models.ErrorKindNetwork},
		{"warning mentions cookies", "WARNING: [youtube] cookies file is stale\nERROR: [youtube] abc: Connection reset by peer", models.ErrorKindNetwork},
		{"warning only", "WARNING: you need to log in to see comments", models.ErrorKindNetwork},
		{"drm", "ERROR: [vimeo] 123: This video is DRM protected", models.ErrorKindUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(runErr, tt.stderr)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Kind)
			assert.ErrorIs(t, got, runErr)
		})
	}
}

func TestClassify_FallsBackToErrorText(t *testing.T) {
	got := Classify(errors.New("yt-dlp: HTTP Error 404: Not Found"), "[download] 10.0% of 5MiB\n")
	assert.Equal(t, models.ErrorKindNotFound, got.Kind)

	got = Classify(errors.New("exit status 1"), "[info] cookies loaded from browser\n")
	assert.Equal(t, models.ErrorKindNetwork, got.Kind)
}

func TestClassify_MessageCarriesErrorLine(t *testing.T) {
	got := Classify(errors.New("exit status 1"), "[info] something\nERROR: [youtube] abc: Video unavailable\n")
	assert.Contains(t, got.Error(), "ERROR: [youtube] abc: Video unavailable")
}

func TestParseInfo(t *testing.T) {
	stdout := "WARNING: ignoring\n" +
		`{"title":"Clip","duration":61.5,"thumbnail":"https://i/x.jpg","formats":[` +
		`{"format_id":"18","ext":"mp4","height":360,"vcodec":"avc1","acodec":"mp4a","filesize":1000},` +
		`{"format_id":"140","ext":"m4a","vcodec":"none","acodec":"mp4a"},` +
		`{"format_id":"22","ext":"mp4","height":720,"fps":30,"vcodec":"avc1","acodec":"mp4a","filesize_approx":5000.5},` +
		`{"format_id":"22b","ext":"mp4","height":720,"vcodec":"avc1","acodec":"mp4a"}` +
		"]}\n"

	info, err := parseInfo(stdout)
	require.NoError(t, err)
	assert.Equal(t, "Clip", info.Title)
	assert.InDelta(t, 61.5, info.Duration, 1e-9)

	formats := convertFormats(info.Formats)
	require.Len(t, formats, 3)
	assert.Equal(t, "best", formats[0].ID)
	assert.Equal(t, "22", formats[1].ID, "tallest first, first duplicate wins")
	assert.Equal(t, int64(5000), formats[1].FileSize)
	assert.Equal(t, 30, formats[1].FPS)
	assert.Equal(t, "18", formats[2].ID)
}

func TestParseInfo_NoJSON(t *testing.T) {
	_, err := parseInfo("ERROR: nothing here\n")
	assert.Error(t, err)
}

func TestFindOutput_SkipsPartials(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "clip.mp4.part"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "clip.f137.temp.mp4"), []byte("x"), 0o644))

	_, err := findOutput(dir)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "clip.mp4"), []byte("video"), 0o644))
	got, err := findOutput(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "clip.mp4"), got)
}
