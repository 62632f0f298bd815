package handler

import (
	"mime"
	"net/http"
	"time"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/vidfetch/internal/api/middleware"
	"github.com/kiranshivaraju/vidfetch/internal/scheduler"
)

// ArtifactOpener hands out the output file of a succeeded job.
type ArtifactOpener interface {
	OpenArtifact(owner, id uuid.UUID) (*scheduler.Artifact, error)
}

// NewFileHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}/file.
// Range requests and conditional GETs are handled by http.ServeContent.
func NewFileHandler(svc ArtifactOpener) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r, "jobID")
		if !ok {
			return
		}

		art, err := svc.OpenArtifact(mw.ViewerID(r), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		defer art.Close()

		var modTime time.Time
		if info, err := art.Stat(); err == nil {
			modTime = info.ModTime()
		}

		_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
		w.Header().Set("Content-Disposition",
			mime.FormatMediaType("attachment", map[string]string{"filename": art.Name}))
		http.ServeContent(w, r, art.Name, modTime, art.File)
	}
}
