package tracker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/pianoscribe/pkg/client"
	"github.com/psantana5/pianoscribe/pkg/logging"
	"github.com/psantana5/pianoscribe/pkg/models"
	"github.com/psantana5/pianoscribe/pkg/retry"
)

// fakeAPI is an in-memory transcription service
type fakeAPI struct {
	mu          sync.Mutex
	submitCalls int
	statusCalls int
	downloads   int
	streamCtxs  []context.Context

	submitFn func(ctx context.Context, name string) (*models.SubmitResponse, error)
	streamFn func(ctx context.Context, id string) (io.ReadCloser, error)
	statusFn func(ctx context.Context, id string) (*models.StatusResponse, error)
}

func (f *fakeAPI) Submit(ctx context.Context, name string, r io.Reader) (*models.SubmitResponse, error) {
	f.mu.Lock()
	f.submitCalls++
	fn := f.submitFn
	f.mu.Unlock()
	if _, err := io.Copy(io.Discard, r); err != nil {
		return nil, err
	}
	if fn == nil {
		return &models.SubmitResponse{TaskID: "abc"}, nil
	}
	return fn(ctx, name)
}

func (f *fakeAPI) OpenStream(ctx context.Context, id string) (io.ReadCloser, error) {
	f.mu.Lock()
	f.streamCtxs = append(f.streamCtxs, ctx)
	fn := f.streamFn
	f.mu.Unlock()
	if fn == nil {
		return nil, errors.New("stream unsupported")
	}
	return fn(ctx, id)
}

func (f *fakeAPI) Status(ctx context.Context, id string) (*models.StatusResponse, error) {
	f.mu.Lock()
	f.statusCalls++
	fn := f.statusFn
	f.mu.Unlock()
	if fn == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return fn(ctx, id)
}

func (f *fakeAPI) ArtifactURL(kind models.ArtifactKind, id string) string {
	return "http://svc/api/v1/transcribe/download/" + string(kind) + "/" + id
}

func (f *fakeAPI) DownloadArtifact(ctx context.Context, kind models.ArtifactKind, id string, w io.Writer) (int64, error) {
	f.mu.Lock()
	f.downloads++
	f.mu.Unlock()
	n, err := io.Copy(w, strings.NewReader("%PDF-1.4"))
	return n, err
}

func (f *fakeAPI) calls() (submit, status, downloads int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitCalls, f.statusCalls, f.downloads
}

func events(lines ...string) func(ctx context.Context, id string) (io.ReadCloser, error) {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString("data: " + l + "\n\n")
	}
	body := b.String()
	return func(ctx context.Context, id string) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(body)), nil
	}
}

// hangingStream emits lines and then stays open until the request is cancelled
func hangingStream(lines ...string) func(ctx context.Context, id string) (io.ReadCloser, error) {
	return func(ctx context.Context, id string) (io.ReadCloser, error) {
		pr, pw := io.Pipe()
		go func() {
			for _, l := range lines {
				if _, err := pw.Write([]byte("data: " + l + "\n\n")); err != nil {
					return
				}
			}
			<-ctx.Done()
			pw.CloseWithError(ctx.Err())
		}()
		return pr, nil
	}
}

func intPtr(v int) *int { return &v }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.ConnectTimeout = time.Second
	cfg.ResultRetry = retry.Config{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2}
	return cfg
}

func wav() *Source {
	return BytesSource("song.wav", []byte("RIFF....WAVEfmt "))
}

func waitDone(t *testing.T, c *Controller) models.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	job, err := c.Wait(ctx)
	require.NoError(t, err, "job did not finish")
	return job
}

func TestStreamToCompletion(t *testing.T) {
	api := &fakeAPI{
		streamFn: events(
			`{"progress": 40, "message": "Processing", "status": "processing"}`,
			`{"progress": 100, "message": "Done", "status": "completed"}`,
		),
		statusFn: func(ctx context.Context, id string) (*models.StatusResponse, error) {
			return &models.StatusResponse{
				TaskID: id, Status: "completed", Progress: intPtr(100), Message: "Done",
				HasPDF:            true,
				TranscriptionInfo: &models.TranscriptionInfo{DurationSeconds: 31.5, TotalNotes: 412, TotalFrames: 1008},
			}, nil
		},
	}

	finished := make(chan models.Job, 2)
	c := New(api, testConfig(), logging.Nop(), WithFinishHook(func(j models.Job) { finished <- j }))
	require.NoError(t, c.Submit(context.Background(), wav()))

	job := waitDone(t, c)
	assert.Equal(t, models.JobStateCompleted, job.State)
	assert.Equal(t, "abc", job.ID)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, "Done", job.StatusMessage)
	assert.Empty(t, job.ErrorDetail)
	require.NotNil(t, job.Result)
	assert.Equal(t, 412, job.Result.TotalNotes)
	assert.True(t, job.Result.HasPDF)

	states := make([]models.JobState, 0, len(job.Transitions))
	for _, tr := range job.Transitions {
		states = append(states, tr.To)
	}
	assert.Equal(t, []models.JobState{models.JobStateSubmitting, models.JobStateTracking, models.JobStateCompleted}, states)

	url, err := c.ArtifactURL(models.ArtifactPDF)
	require.NoError(t, err)
	assert.Equal(t, "http://svc/api/v1/transcribe/download/pdf/abc", url)

	_, err = c.ArtifactURL(models.ArtifactMIDI)
	assert.True(t, errors.Is(err, ErrArtifactUnavailable))

	var buf bytes.Buffer
	_, err = c.DownloadArtifact(context.Background(), models.ArtifactPDF, &buf)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4", buf.String())

	select {
	case fin := <-finished:
		assert.Equal(t, models.JobStateCompleted, fin.State)
		assert.Equal(t, "abc", fin.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("finish hook not called")
	}
	assert.Empty(t, finished, "finish hook fires once per job")
}

func TestSubmitRejectsNonWav(t *testing.T) {
	api := &fakeAPI{}
	c := New(api, testConfig(), logging.Nop())

	for _, name := range []string{"song.mp3", "song", "song.wav.txt"} {
		err := c.Submit(context.Background(), BytesSource(name, []byte("x")))
		assert.True(t, errors.Is(err, ErrInvalidFile), "%s: got %v", name, err)
	}
	assert.True(t, errors.Is(c.Submit(context.Background(), nil), ErrMissingFile))

	submits, _, _ := api.calls()
	assert.Zero(t, submits, "validation must not reach the network")
	assert.Equal(t, models.JobStateIdle, c.View().State)
}

func TestSubmitAcceptsUppercaseExtension(t *testing.T) {
	api := &fakeAPI{streamFn: hangingStream()}
	c := New(api, testConfig(), logging.Nop())
	defer c.Reset()

	require.NoError(t, c.Submit(context.Background(), BytesSource("SONG.WAV", []byte("RIFF"))))
	assert.Equal(t, models.JobStateTracking, c.View().State)
}

func TestSubmitRejectsLargeFiles(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFileSize = 4
	c := New(&fakeAPI{}, cfg, logging.Nop())

	err := c.Submit(context.Background(), BytesSource("song.wav", []byte("12345")))
	assert.True(t, errors.Is(err, ErrFileTooLarge))
	assert.True(t, errors.Is(err, ErrInvalidFile))
}

func TestFallbackToPollingOnStreamError(t *testing.T) {
	api := &fakeAPI{
		submitFn: func(ctx context.Context, name string) (*models.SubmitResponse, error) {
			return &models.SubmitResponse{TaskID: "xyz"}, nil
		},
		streamFn: func(ctx context.Context, id string) (io.ReadCloser, error) {
			return nil, errors.New("connection refused")
		},
		statusFn: func(ctx context.Context, id string) (*models.StatusResponse, error) {
			return &models.StatusResponse{Status: "processing", Progress: intPtr(10), Message: "Cargando modelo"}, nil
		},
	}
	c := New(api, testConfig(), logging.Nop())
	defer c.Reset()

	require.NoError(t, c.Submit(context.Background(), wav()))

	require.Eventually(t, func() bool {
		j := c.View()
		return j.Transport == "poll" && j.Progress == 10
	}, 2*time.Second, 5*time.Millisecond)

	job := c.View()
	assert.Equal(t, models.JobStateTracking, job.State)
	assert.Equal(t, "xyz", job.ID)
}

func TestFallbackPreservesProgress(t *testing.T) {
	polled := make(chan models.Job, 1)
	var c *Controller
	api := &fakeAPI{
		streamFn: events(`{"progress": 40, "message": "Processing", "status": "processing"}`),
	}
	api.statusFn = func(ctx context.Context, id string) (*models.StatusResponse, error) {
		select {
		case polled <- c.View():
		default:
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}

	c = New(api, testConfig(), logging.Nop())
	defer c.Reset()
	require.NoError(t, c.Submit(context.Background(), wav()))

	select {
	case job := <-polled:
		assert.Equal(t, models.JobStateTracking, job.State)
		assert.Equal(t, 40, job.Progress)
		assert.Equal(t, "Processing", job.StatusMessage)
		assert.Equal(t, "poll", job.Transport)
	case <-time.After(2 * time.Second):
		t.Fatal("poll transport never started")
	}
}

func TestServiceReportsFailure(t *testing.T) {
	api := &fakeAPI{
		streamFn: events(
			`{"progress": 20, "message": "Processing", "status": "processing"}`,
			`{"progress": 20, "message": "corrupt audio", "status": "failed"}`,
		),
	}
	c := New(api, testConfig(), logging.Nop())
	require.NoError(t, c.Submit(context.Background(), wav()))

	job := waitDone(t, c)
	assert.Equal(t, models.JobStateFailed, job.State)
	assert.Equal(t, "corrupt audio", job.ErrorDetail)
	assert.Nil(t, job.Result)

	_, err := c.ArtifactURL(models.ArtifactPDF)
	assert.True(t, errors.Is(err, ErrArtifactUnavailable))
	_, err = c.DownloadArtifact(context.Background(), models.ArtifactPDF, io.Discard)
	assert.True(t, errors.Is(err, ErrArtifactUnavailable))

	_, _, downloads := api.calls()
	assert.Zero(t, downloads, "refused artifact requests must not reach the network")
}

func TestPollReportsErrorField(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = ModePoll
	errText := "Error en transcripción: bad header"
	api := &fakeAPI{
		statusFn: func(ctx context.Context, id string) (*models.StatusResponse, error) {
			return &models.StatusResponse{Status: "failed", Message: "Error: bad header", Error: &errText}, nil
		},
	}
	c := New(api, cfg, logging.Nop())
	require.NoError(t, c.Submit(context.Background(), wav()))

	job := waitDone(t, c)
	assert.Equal(t, models.JobStateFailed, job.State)
	assert.Equal(t, errText, job.ErrorDetail)
	assert.Equal(t, "poll", job.Transport)
}

func TestTerminalStateIsImmutable(t *testing.T) {
	api := &fakeAPI{
		streamFn: events(`{"progress": 30, "message": "x", "status": "failed"}`),
	}
	c := New(api, testConfig(), logging.Nop())
	require.NoError(t, c.Submit(context.Background(), wav()))
	before := waitDone(t, c)

	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	// Late deliveries from any transport of this job are dropped.
	c.onUpdate(gen, nil, models.StatusUpdate{Status: models.TaskStatusCompleted, Progress: intPtr(100), Message: "late", Result: &models.Result{HasPDF: true}})
	c.onTransportError(gen, nil, errors.New("late error"))

	after := c.View()
	assert.Equal(t, before.State, after.State)
	assert.Equal(t, before.Progress, after.Progress)
	assert.Equal(t, before.StatusMessage, after.StatusMessage)
	assert.Equal(t, before.ErrorDetail, after.ErrorDetail)
	assert.Nil(t, after.Result)
}

func TestProgressNeverRegresses(t *testing.T) {
	api := &fakeAPI{
		streamFn: hangingStream(
			`{"progress": 50, "message": "half", "status": "processing"}`,
			`{"progress": 30, "message": "less", "status": "processing"}`,
			`{"progress": 250, "message": "more", "status": "processing"}`,
		),
	}
	c := New(api, testConfig(), logging.Nop())
	defer c.Reset()
	require.NoError(t, c.Submit(context.Background(), wav()))

	require.Eventually(t, func() bool { return c.View().StatusMessage == "more" }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 100, c.View().Progress)
}

func TestResetStopsTransportAndClearsJob(t *testing.T) {
	api := &fakeAPI{
		streamFn: hangingStream(`{"progress": 40, "message": "Processing", "status": "processing"}`),
	}
	c := New(api, testConfig(), logging.Nop())
	require.NoError(t, c.Submit(context.Background(), wav()))
	require.Eventually(t, func() bool { return c.View().Progress == 40 }, 2*time.Second, 5*time.Millisecond)

	c.Reset()

	api.mu.Lock()
	streamCtx := api.streamCtxs[0]
	api.mu.Unlock()
	select {
	case <-streamCtx.Done():
	default:
		t.Fatal("stream must be closed when Reset returns")
	}

	job := c.View()
	assert.Equal(t, models.Job{State: models.JobStateIdle}, job)

	c.Reset()
	assert.Equal(t, job, c.View(), "second reset is a no-op")

	select {
	case <-c.Done():
	default:
		t.Error("Done must be closed after reset")
	}
}

func TestResetDuringUploadDiscardsResult(t *testing.T) {
	uploading := make(chan struct{})
	api := &fakeAPI{
		submitFn: func(ctx context.Context, name string) (*models.SubmitResponse, error) {
			close(uploading)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	c := New(api, testConfig(), logging.Nop())

	errc := make(chan error, 1)
	go func() { errc <- c.Submit(context.Background(), wav()) }()

	<-uploading
	assert.Equal(t, models.JobStateSubmitting, c.View().State)
	c.Reset()

	require.NoError(t, <-errc)
	assert.Equal(t, models.JobStateIdle, c.View().State)
}

func TestSubmitWhileActive(t *testing.T) {
	api := &fakeAPI{streamFn: hangingStream()}
	c := New(api, testConfig(), logging.Nop())
	defer c.Reset()

	require.NoError(t, c.Submit(context.Background(), wav()))
	assert.True(t, errors.Is(c.Submit(context.Background(), wav()), ErrJobActive))

	submits, _, _ := api.calls()
	assert.Equal(t, 1, submits)
}

func TestSubmissionFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"api error", &client.APIError{StatusCode: 400, Detail: "Formato no soportado"}, "Formato no soportado"},
		{"network", errors.New("dial tcp: connection refused"), msgNetworkError},
		{"malformed", client.ErrMalformedResponse, msgMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{
				submitFn: func(ctx context.Context, name string) (*models.SubmitResponse, error) {
					return nil, tt.err
				},
			}
			c := New(api, testConfig(), logging.Nop())
			require.NoError(t, c.Submit(context.Background(), wav()))

			job := c.View()
			assert.Equal(t, models.JobStateFailed, job.State)
			assert.Equal(t, tt.want, job.ErrorDetail)
			assert.Empty(t, job.ID)

			c.Reset()
			assert.Equal(t, models.JobStateIdle, c.View().State)
		})
	}
}

func TestPollLostConnection(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = ModePoll
	cfg.MaxPollFailures = 3
	api := &fakeAPI{
		statusFn: func(ctx context.Context, id string) (*models.StatusResponse, error) {
			return nil, errors.New("connection refused")
		},
	}
	c := New(api, cfg, logging.Nop())
	require.NoError(t, c.Submit(context.Background(), wav()))

	job := waitDone(t, c)
	assert.Equal(t, models.JobStateFailed, job.State)
	assert.Equal(t, "lost connection to transcription service", job.ErrorDetail)
}

func TestResultFetchFailureStillCompletes(t *testing.T) {
	api := &fakeAPI{
		streamFn: events(`{"progress": 100, "message": "Done", "status": "completed"}`),
		statusFn: func(ctx context.Context, id string) (*models.StatusResponse, error) {
			return nil, errors.New("connection reset by peer")
		},
	}
	c := New(api, testConfig(), logging.Nop())
	require.NoError(t, c.Submit(context.Background(), wav()))

	job := waitDone(t, c)
	assert.Equal(t, models.JobStateCompleted, job.State)
	require.NotNil(t, job.Result)
	assert.False(t, job.Result.HasPDF)
	assert.Equal(t, msgResultMissing, job.StatusMessage)

	_, status, _ := api.calls()
	assert.Equal(t, 3, status, "result fetch is attempted three times")

	_, err := c.ArtifactURL(models.ArtifactPDF)
	assert.True(t, errors.Is(err, ErrArtifactUnavailable))
}

func TestSubscribeReceivesTransitions(t *testing.T) {
	api := &fakeAPI{
		streamFn: events(`{"progress": 100, "message": "Done", "status": "completed"}`),
		statusFn: func(ctx context.Context, id string) (*models.StatusResponse, error) {
			return &models.StatusResponse{Status: "completed", HasPDF: true}, nil
		},
	}
	c := New(api, testConfig(), logging.Nop())
	ch, cancel := c.Subscribe()
	defer cancel()

	first := <-ch
	assert.Equal(t, models.JobStateIdle, first.State)

	require.NoError(t, c.Submit(context.Background(), wav()))
	waitDone(t, c)

	var last models.Job
	timeout := time.After(2 * time.Second)
	for last.State != models.JobStateCompleted {
		select {
		case last = <-ch:
		case <-timeout:
			t.Fatal("no completed snapshot delivered")
		}
	}
	assert.True(t, last.Result.HasPDF)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("POLL")
	require.NoError(t, err)
	assert.Equal(t, ModePoll, m)

	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModePush, m)

	_, err = ParseMode("carrier-pigeon")
	assert.Error(t, err)
}
