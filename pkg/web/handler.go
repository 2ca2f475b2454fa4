package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/pianoscribe/pkg/artifact"
	"github.com/psantana5/pianoscribe/pkg/logging"
	"github.com/psantana5/pianoscribe/pkg/models"
	"github.com/psantana5/pianoscribe/pkg/ratelimit"
	"github.com/psantana5/pianoscribe/pkg/tracker"
)

// multipartMemory is how much of an upload is buffered before spilling to disk
const multipartMemory = 8 << 20

// Pinger probes the remote transcription service
type Pinger interface {
	Ping(ctx context.Context) (*models.ServiceInfo, error)
}

// Handler exposes one job controller to a browser front-end
type Handler struct {
	ctrl          *tracker.Controller
	pinger        Pinger
	logger        *logging.Logger
	limiter       *ratelimit.Limiter
	maxUpload     int64
	proxyDownload bool
	keepAlive     time.Duration
}

// NewHandler creates a new web handler
func NewHandler(ctrl *tracker.Controller, pinger Pinger, logger *logging.Logger) *Handler {
	return &Handler{
		ctrl:      ctrl,
		pinger:    pinger,
		logger:    logger.WithComponent("web"),
		keepAlive: 15 * time.Second,
	}
}

// SetRateLimiter limits job submissions per client
func (h *Handler) SetRateLimiter(l *ratelimit.Limiter) {
	h.limiter = l
}

// SetMaxUploadSize caps the request body of a submission; 0 disables
func (h *Handler) SetMaxUploadSize(n int64) {
	h.maxUpload = n
}

// SetProxyDownloads streams artifacts through this process instead of
// redirecting the browser, which is required when the service needs a token.
func (h *Handler) SetProxyDownloads(proxy bool) {
	h.proxyDownload = proxy
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	var submit http.Handler = http.HandlerFunc(h.SubmitJob)
	if h.limiter != nil {
		submit = h.limiter.Middleware(ratelimit.IPKeyFunc)(submit)
	}

	r.HandleFunc("/api/job", h.GetJob).Methods("GET")
	r.Handle("/api/job", submit).Methods("POST")
	r.HandleFunc("/api/job", h.ResetJob).Methods("DELETE")
	r.HandleFunc("/api/job/artifact", h.GetArtifact).Methods("GET")
	r.HandleFunc("/api/job/events", h.StreamEvents).Methods("GET")
	r.HandleFunc("/api/health", h.Health).Methods("GET")
}

// GetJob returns the current job view
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.View())
}

// SubmitJob accepts a multipart upload with the audio in field "file"
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	if h.maxUpload > 0 {
		// Leave room for the multipart framing around the file
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+1<<20)
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, tracker.ErrFileTooLarge.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, tracker.ErrMissingFile.Error())
		return
	}
	defer file.Close()

	src := &tracker.Source{
		Name: hdr.Filename,
		Size: hdr.Size,
		Open: func() (io.ReadCloser, error) { return file, nil },
	}

	err = h.ctrl.Submit(r.Context(), src)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, h.ctrl.View())
	case errors.Is(err, tracker.ErrFileTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, tracker.ErrInvalidFile), errors.Is(err, tracker.ErrMissingFile):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, tracker.ErrJobActive):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("Submission failed", logging.Fields{"error": err})
		writeError(w, http.StatusInternalServerError, "submission failed")
	}
}

// ResetJob discards the current job
func (h *Handler) ResetJob(w http.ResponseWriter, r *http.Request) {
	h.ctrl.Reset()
	writeJSON(w, http.StatusOK, h.ctrl.View())
}

// GetArtifact sends the browser to the score of the completed job
func (h *Handler) GetArtifact(w http.ResponseWriter, r *http.Request) {
	kind, ok := models.ParseArtifactKind(r.URL.Query().Get("kind"))
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown artifact kind %q", r.URL.Query().Get("kind")))
		return
	}

	url, err := h.ctrl.ArtifactURL(kind)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	if !h.proxyDownload {
		http.Redirect(w, r, url, http.StatusFound)
		return
	}

	job := h.ctrl.View()
	name := artifact.DefaultName(kind, job.SourceFile, job.ID)
	contentType := "application/pdf"
	if kind == models.ArtifactMIDI {
		contentType = "audio/midi"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))

	if _, err := h.ctrl.DownloadArtifact(r.Context(), kind, w); err != nil {
		// Headers may already be out; all that is left is to log.
		h.logger.Error("Artifact download failed", logging.Fields{"kind": kind, "error": err})
	}
}

// StreamEvents pushes a job snapshot as a server-sent event after every change
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	updates, cancel := h.ctrl.Subscribe()
	defer cancel()

	keepAlive := time.NewTicker(h.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case job, ok := <-updates:
			if !ok {
				return
			}
			data, err := json.Marshal(job)
			if err != nil {
				h.logger.Error("Failed to encode job", logging.Fields{"error": err})
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// Health reports whether the transcription service answers
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	info, err := h.pinger.Ping(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": info,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
