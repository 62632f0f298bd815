package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/vidfetch/internal/api/middleware"
	"github.com/kiranshivaraju/vidfetch/pkg/models"
)

const defaultHeartbeat = 15 * time.Second

// EventSource streams a job's progress events until its terminal event.
type EventSource interface {
	Subscribe(ctx context.Context, owner, id uuid.UUID) (<-chan models.ProgressEvent, error)
}

// NewEventsHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}/events.
// Events are sent as server-sent events: "progress" while the job is active and
// one final "done" event, after which the stream closes. Comment lines keep
// idle connections open through proxies.
func NewEventsHandler(src EventSource, heartbeat time.Duration) http.HandlerFunc {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r, "jobID")
		if !ok {
			return
		}

		events, err := src.Subscribe(r.Context(), mw.ViewerID(r), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		rc := http.NewResponseController(w)
		// Streams outlive the server's write timeout.
		_ = rc.SetWriteDeadline(time.Time{})
		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		if err := rc.Flush(); err != nil {
			slog.Warn("event stream cannot flush", "job_id", id, "error", err)
		}

		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
				if err := rc.Flush(); err != nil {
					return
				}
			case evt, open := <-events:
				if !open {
					return
				}
				if err := writeEvent(w, evt); err != nil {
					slog.Debug("event stream write failed", "job_id", id, "error", err)
					return
				}
				if err := rc.Flush(); err != nil {
					return
				}
				if evt.Terminal {
					return
				}
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, evt models.ProgressEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	name := "progress"
	if evt.Terminal {
		name = "done"
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, name, data)
	return err
}
