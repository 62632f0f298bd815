package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kiranshivaraju/vidfetch/pkg/models"
)

const maxURLColumn = 48

func shortID(id fmt.Stringer) string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

func formatSize(n int64) string {
	if n <= 0 {
		return "-"
	}
	return humanize.IBytes(uint64(n))
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func formatPercent(p float64) string {
	return fmt.Sprintf("%.1f%%", p)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func jobSize(job *models.Job) int64 {
	if job.Result == nil {
		return 0
	}
	return job.Result.Size
}

func jobErrorText(job *models.Job) string {
	if job.Error == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", job.Error.Kind, job.Error.Message)
}

func buildJobRows(jobs []*models.Job) [][]string {
	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		rows = append(rows, []string{
			shortID(job.ID),
			job.Platform,
			string(job.State),
			formatPercent(job.Progress),
			formatSize(jobSize(job)),
			formatAge(job.CreatedAt),
			truncate(job.URL, maxURLColumn),
		})
	}
	return rows
}

func buildJobDetailRows(job *models.Job) [][]string {
	rows := [][]string{
		{"ID", job.ID.String()},
		{"URL", job.URL},
		{"Platform", job.Platform},
		{"State", string(job.State)},
		{"Progress", formatPercent(job.Progress)},
		{"Priority", fmt.Sprint(job.Priority)},
		{"Retries", fmt.Sprint(job.RetryCount)},
		{"Created", formatAge(job.CreatedAt)},
	}
	if job.Format != "" {
		rows = append(rows, []string{"Format", job.Format})
	}
	if job.Trim != nil {
		end := "end"
		if job.Trim.End > 0 {
			end = fmt.Sprintf("%gs", job.Trim.End)
		}
		rows = append(rows, []string{"Trim", fmt.Sprintf("%gs - %s", job.Trim.Start, end)})
	}
	if job.Convert != nil {
		parts := []string{job.Convert.Container}
		if job.Convert.Quality != "" {
			parts = append(parts, job.Convert.Quality)
		}
		if job.Convert.Resolution > 0 {
			parts = append(parts, fmt.Sprintf("%dp", job.Convert.Resolution))
		}
		rows = append(rows, []string{"Convert", strings.Join(parts, " ")})
	}
	if job.StartedAt != nil {
		rows = append(rows, []string{"Started", formatAge(*job.StartedAt)})
	}
	if job.FinishedAt != nil {
		rows = append(rows, []string{"Finished", formatAge(*job.FinishedAt)})
	}
	if job.NotBefore != nil {
		rows = append(rows, []string{"Next attempt", formatAge(*job.NotBefore)})
	}
	if job.CancelRequested {
		rows = append(rows, []string{"Cancel requested", "yes"})
	}
	if job.Result != nil {
		rows = append(rows, []string{"File", job.Result.FileName})
		rows = append(rows, []string{"Size", formatSize(job.Result.Size)})
		if job.Result.Title != "" {
			rows = append(rows, []string{"Title", job.Result.Title})
		}
	}
	if job.Error != nil {
		rows = append(rows, []string{"Error", jobErrorText(job)})
	}
	return rows
}

// formatEvent renders one progress event as a single status line.
func formatEvent(evt models.ProgressEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%6s] %s", formatPercent(evt.Percent), evt.State)
	if evt.Speed != "" {
		b.WriteString("  " + evt.Speed)
	}
	if evt.ETA != "" {
		b.WriteString("  ETA " + evt.ETA)
	}
	if evt.Message != "" {
		b.WriteString("  " + evt.Message)
	}
	if evt.Error != nil {
		fmt.Fprintf(&b, "  (%s: %s)", evt.Error.Kind, evt.Error.Message)
	}
	return b.String()
}
