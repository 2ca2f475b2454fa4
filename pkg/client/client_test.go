package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/pianoscribe/pkg/models"
	"github.com/psantana5/pianoscribe/pkg/retry"
)

// wavHeader is a minimal RIFF/WAVE prefix
var wavHeader = append([]byte("RIFF\x24\x00\x00\x00WAVEfmt "), make([]byte, 64)...)

func newFakeService(t *testing.T) (*httptest.Server, *Client) {
	t.Helper()

	r := mux.NewRouter()
	r.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(models.ServiceInfo{Message: "Piano Transcription API", Version: "1.0.0", Status: "running"})
	}).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/transcribe/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"detail": "missing credentials"})
			return
		}
		file, hdr, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusUnprocessableEntity)
			fmt.Fprint(w, `{"detail":[{"msg":"field required"}]}`)
			return
		}
		defer file.Close()
		if !strings.HasSuffix(hdr.Filename, ".wav") {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"detail": "Formato no soportado"})
			return
		}
		w.Header().Set("X-Part-Content-Type", hdr.Header.Get("Content-Type"))
		json.NewEncoder(w).Encode(models.SubmitResponse{TaskID: "abc", Status: "processing"})
	}).Methods("POST")

	api.HandleFunc("/transcribe/status/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		switch id {
		case "abc":
			w.Header().Set("Content-Type", "application/json")
			progress := 100
			json.NewEncoder(w).Encode(models.StatusResponse{
				TaskID:            id,
				Status:            "completed",
				Progress:          &progress,
				Message:           "Done",
				HasPDF:            true,
				TranscriptionInfo: &models.TranscriptionInfo{DurationSeconds: 12.5, TotalNotes: 88, TotalFrames: 400},
			})
		case "boom":
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, "<html>oops</html>")
		default:
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"detail": "Tarea no encontrada"})
		}
	}).Methods("GET")

	api.HandleFunc("/transcribe/stream/{id}", func(w http.ResponseWriter, r *http.Request) {
		if mux.Vars(r)["id"] != "abc" {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"detail": "Tarea no encontrada"})
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"progress\": 40, \"message\": \"Processing\", \"status\": \"processing\"}\n\n")
	}).Methods("GET")

	api.HandleFunc("/transcribe/download/{kind}/{id}", func(w http.ResponseWriter, r *http.Request) {
		if mux.Vars(r)["kind"] != "pdf" {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"detail": "Archivo MIDI no encontrado"})
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		fmt.Fprint(w, "%PDF-1.4 fake")
	}).Methods("GET")

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	c := NewClient(server.URL + "/api/v1/")
	c.SetAPIKey("secret")
	return server, c
}

func TestSubmit(t *testing.T) {
	_, c := newFakeService(t)

	resp, err := c.Submit(context.Background(), "song.wav", bytes.NewReader(wavHeader))
	require.NoError(t, err)
	assert.Equal(t, "abc", resp.TaskID)
}

func TestDecodesJSONWithoutContentType(t *testing.T) {
	tests := []struct {
		name        string
		contentType []string
	}{
		{"missing", nil},
		{"plain text", []string{"text/plain; charset=utf-8"}},
		{"html", []string{"text/html"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := mux.NewRouter()
			write := func(w http.ResponseWriter, body string) {
				// A nil entry stops net/http from sniffing a type
				w.Header()["Content-Type"] = tt.contentType
				fmt.Fprint(w, body)
			}
			r.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
				write(w, `{"message":"Piano Transcription API","version":"1.0.0","status":"running"}`)
			})
			r.HandleFunc("/api/v1/transcribe/", func(w http.ResponseWriter, r *http.Request) {
				write(w, `{"task_id":"abc","status":"processing"}`)
			}).Methods("POST")
			r.HandleFunc("/api/v1/transcribe/status/{id}", func(w http.ResponseWriter, r *http.Request) {
				write(w, `{"task_id":"abc","status":"processing","progress":30,"message":"Processing"}`)
			}).Methods("GET")

			server := httptest.NewServer(r)
			defer server.Close()
			c := NewClient(server.URL + "/api/v1")

			sub, err := c.Submit(context.Background(), "song.wav", bytes.NewReader(wavHeader))
			require.NoError(t, err)
			assert.Equal(t, "abc", sub.TaskID)

			st, err := c.Status(context.Background(), "abc")
			require.NoError(t, err)
			assert.Equal(t, "processing", st.Status)

			info, err := c.Ping(context.Background())
			require.NoError(t, err)
			assert.Equal(t, "1.0.0", info.Version)
		})
	}
}

func TestSubmitErrors(t *testing.T) {
	_, c := newFakeService(t)

	_, err := c.Submit(context.Background(), "song.mp3", bytes.NewReader(wavHeader))
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "Formato no soportado", apiErr.Detail)

	anon := NewClient(c.APIURL())
	_, err = anon.Submit(context.Background(), "song.wav", bytes.NewReader(wavHeader))
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "missing credentials", apiErr.Detail)
}

func TestStatus(t *testing.T) {
	_, c := newFakeService(t)

	st, err := c.Status(context.Background(), "abc")
	require.NoError(t, err)

	u := st.Update()
	assert.Equal(t, models.TaskStatusCompleted, u.Status)
	require.NotNil(t, u.Result)
	assert.Equal(t, 88, u.Result.TotalNotes)
	assert.True(t, u.Result.HasPDF)
	assert.False(t, u.Result.HasMIDI)
}

func TestStatusErrors(t *testing.T) {
	_, c := newFakeService(t)

	_, err := c.Status(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrTaskNotFound))
	assert.False(t, retry.IsRetryable(err), "404 must not be retried")

	_, err = c.Status(context.Background(), "boom")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "transcription service returned 500 Internal Server Error", apiErr.Detail)
	assert.True(t, retry.IsRetryable(err), "5xx should be retried")
}

func TestOpenStream(t *testing.T) {
	_, c := newFakeService(t)

	body, err := c.OpenStream(context.Background(), "abc")
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status": "processing"`)

	_, err = c.OpenStream(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrTaskNotFound))
}

func TestDownloadArtifact(t *testing.T) {
	_, c := newFakeService(t)

	var buf bytes.Buffer
	n, err := c.DownloadArtifact(context.Background(), models.ArtifactPDF, "abc", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)
	assert.True(t, strings.HasPrefix(buf.String(), "%PDF"))

	_, err = c.DownloadArtifact(context.Background(), models.ArtifactMIDI, "abc", &buf)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "Archivo MIDI no encontrado", apiErr.Detail)
}

func TestDownloadArtifactTimeout(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/transcribe/download/pdf/{id}", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(300 * time.Millisecond):
		case <-r.Context().Done():
			return
		}
		fmt.Fprint(w, "%PDF-1.4 slow")
	})
	server := httptest.NewServer(r)
	defer server.Close()

	c := NewClient(server.URL + "/api/v1")
	c.SetRequestTimeout(50 * time.Millisecond)

	var buf bytes.Buffer
	_, err := c.DownloadArtifact(context.Background(), models.ArtifactPDF, "abc", &buf)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)

	// zero disables the deadline
	c.SetRequestTimeout(0)
	buf.Reset()
	_, err = c.DownloadArtifact(context.Background(), models.ArtifactPDF, "abc", &buf)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 slow", buf.String())
}

func TestArtifactURL(t *testing.T) {
	c := NewClient("http://localhost:8000/api/v1/")
	assert.Equal(t, "http://localhost:8000/api/v1/transcribe/download/pdf/abc", c.ArtifactURL(models.ArtifactPDF, "abc"))
	assert.Equal(t, "http://localhost:8000/api/v1/transcribe/download/midi/abc", c.ArtifactURL(models.ArtifactMIDI, "abc"))
}

func TestPing(t *testing.T) {
	_, c := newFakeService(t)

	info, err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "running", info.Status)
	assert.Equal(t, "1.0.0", info.Version)
}

func TestNewAPIError(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"detail string", `{"detail":"Tarea no encontrada"}`, "Tarea no encontrada"},
		{"detail list", `{"detail":[{"msg":"a"},{"msg":"b"}]}`, "a; b"},
		{"error field", `{"error":"corrupt audio"}`, "corrupt audio"},
		{"unreadable", `not json`, "transcription service returned 502 Bad Gateway"},
		{"empty", ``, "transcription service returned 502 Bad Gateway"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := newAPIError(http.StatusBadGateway, "", []byte(tt.body))
			if err.Detail != tt.want {
				t.Errorf("Detail = %q, want %q", err.Detail, tt.want)
			}
		})
	}
}
