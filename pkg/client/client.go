package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/psantana5/pianoscribe/pkg/logging"
	"github.com/psantana5/pianoscribe/pkg/models"
	"github.com/psantana5/pianoscribe/pkg/tracing"
)

const (
	defaultRequestTimeout = 30 * time.Second

	// sniffLen is how much of an upload is read to detect its content type
	sniffLen = 3072

	// maxErrorBody bounds how much of a failed streaming response is read
	maxErrorBody = 64 << 10
)

// Client talks to the remote transcription service
type Client struct {
	apiURL         string
	http           *resty.Client
	requestTimeout time.Duration
	logger         *logging.Logger
	tracer         trace.Tracer
}

// NewClient creates a client for the API rooted at apiURL
// (e.g. http://localhost:8000/api/v1).
func NewClient(apiURL string) *Client {
	apiURL = strings.TrimRight(apiURL, "/")
	// No client-wide timeout: the progress stream is long-lived. Short calls
	// get a per-request deadline instead.
	h := resty.New().
		SetBaseURL(apiURL).
		SetHeader("User-Agent", "pscribe")

	return &Client{
		apiURL:         apiURL,
		http:           h,
		requestTimeout: defaultRequestTimeout,
		logger:         logging.Nop(),
		tracer:         tracing.Tracer("pscribe/client"),
	}
}

// NewClientWithTLS creates a client with custom TLS settings
func NewClientWithTLS(apiURL string, tlsConfig *tls.Config) *Client {
	c := NewClient(apiURL)
	c.http.SetTLSClientConfig(tlsConfig)
	return c
}

// SetAPIKey sets the bearer token sent with every request
func (c *Client) SetAPIKey(apiKey string) {
	if apiKey != "" {
		c.http.SetAuthToken(apiKey)
	}
}

// SetLogger sets the logger used for request diagnostics
func (c *Client) SetLogger(logger *logging.Logger) {
	c.logger = logger.WithComponent("client")
}

// SetRequestTimeout bounds status, probe and download requests. Zero
// disables the deadline.
func (c *Client) SetRequestTimeout(d time.Duration) {
	c.requestTimeout = max(d, 0)
}

// APIURL returns the configured API root
func (c *Client) APIURL() string {
	return c.apiURL
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout == 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.requestTimeout)
}

func (c *Client) request(ctx context.Context) *resty.Request {
	r := c.http.R().
		SetContext(ctx).
		SetHeader("X-Request-ID", uuid.NewString())
	tracing.InjectHeaders(ctx, func(k, v string) { r.SetHeader(k, v) })
	return r
}

func (c *Client) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
}

// Submit uploads an audio file as the multipart field "file"
func (c *Client) Submit(ctx context.Context, fileName string, r io.Reader) (*models.SubmitResponse, error) {
	ctx, span := c.startSpan(ctx, "client.Submit", attribute.String("file.name", fileName))
	defer span.End()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		tracing.SetError(span, err)
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	head = head[:n]
	contentType := mimetype.Detect(head).String()
	body := io.MultiReader(bytes.NewReader(head), r)

	c.logger.Debug("Submitting transcription", logging.Fields{
		"file":         fileName,
		"content_type": contentType,
	})

	var out models.SubmitResponse
	resp, err := c.request(ctx).
		SetMultipartField("file", fileName, contentType, body).
		SetResult(&out).
		ForceContentType("application/json").
		Post("/transcribe/")
	if err != nil {
		tracing.SetError(span, err)
		return nil, fmt.Errorf("failed to send submission: %w", err)
	}
	if resp.IsError() {
		apiErr := newAPIError(resp.StatusCode(), resp.Status(), resp.Body())
		tracing.SetError(span, apiErr)
		return nil, apiErr
	}
	if out.TaskID == "" {
		tracing.SetError(span, ErrMalformedResponse)
		return nil, fmt.Errorf("%w: missing task_id", ErrMalformedResponse)
	}

	span.SetAttributes(attribute.String("task.id", out.TaskID))
	return &out, nil
}

// Status fetches the current status of a task
func (c *Client) Status(ctx context.Context, taskID string) (*models.StatusResponse, error) {
	ctx, span := c.startSpan(ctx, "client.Status", attribute.String("task.id", taskID))
	defer span.End()

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var out models.StatusResponse
	resp, err := c.request(ctx).
		SetPathParam("taskID", taskID).
		SetResult(&out).
		ForceContentType("application/json").
		Get("/transcribe/status/{taskID}")
	if err != nil {
		tracing.SetError(span, err)
		return nil, fmt.Errorf("failed to fetch status: %w", err)
	}
	if resp.IsError() {
		apiErr := newAPIError(resp.StatusCode(), resp.Status(), resp.Body())
		tracing.SetError(span, apiErr)
		return nil, apiErr
	}
	if out.Status == "" {
		tracing.SetError(span, ErrMalformedResponse)
		return nil, fmt.Errorf("%w: missing status", ErrMalformedResponse)
	}
	return &out, nil
}

// OpenStream opens the server-sent event stream for a task. The caller owns
// the returned body and must close it; cancelling ctx also ends the stream.
func (c *Client) OpenStream(ctx context.Context, taskID string) (io.ReadCloser, error) {
	resp, err := c.request(ctx).
		SetPathParam("taskID", taskID).
		SetHeader("Accept", "text/event-stream").
		SetHeader("Cache-Control", "no-cache").
		SetDoNotParseResponse(true).
		Get("/transcribe/stream/{taskID}")
	if err != nil {
		return nil, fmt.Errorf("failed to open progress stream: %w", err)
	}

	raw := resp.RawBody()
	if resp.IsError() {
		var body []byte
		if raw != nil {
			body, _ = io.ReadAll(io.LimitReader(raw, maxErrorBody))
			raw.Close()
		}
		return nil, newAPIError(resp.StatusCode(), resp.Status(), body)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: empty stream body", ErrMalformedResponse)
	}
	return raw, nil
}

// ArtifactURL returns the download location of an artifact
func (c *Client) ArtifactURL(kind models.ArtifactKind, taskID string) string {
	return fmt.Sprintf("%s/transcribe/download/%s/%s", c.apiURL, kind, url.PathEscape(taskID))
}

// DownloadArtifact streams an artifact into w and returns the bytes written
func (c *Client) DownloadArtifact(ctx context.Context, kind models.ArtifactKind, taskID string, w io.Writer) (int64, error) {
	ctx, span := c.startSpan(ctx, "client.DownloadArtifact",
		attribute.String("task.id", taskID),
		attribute.String("artifact.kind", string(kind)))
	defer span.End()

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.request(ctx).
		SetDoNotParseResponse(true).
		Get(c.ArtifactURL(kind, taskID))
	if err != nil {
		tracing.SetError(span, err)
		return 0, fmt.Errorf("failed to download %s: %w", kind, err)
	}

	raw := resp.RawBody()
	if raw == nil {
		return 0, fmt.Errorf("%w: empty download body", ErrMalformedResponse)
	}
	defer raw.Close()

	if resp.IsError() {
		body, _ := io.ReadAll(io.LimitReader(raw, maxErrorBody))
		apiErr := newAPIError(resp.StatusCode(), resp.Status(), body)
		tracing.SetError(span, apiErr)
		return 0, apiErr
	}

	n, err := io.Copy(w, raw)
	if err != nil {
		tracing.SetError(span, err)
		return n, fmt.Errorf("failed to write %s: %w", kind, err)
	}
	span.SetAttributes(attribute.Int64("artifact.bytes", n))
	return n, nil
}

// Ping queries the service root, which lives above the API prefix
func (c *Client) Ping(ctx context.Context) (*models.ServiceInfo, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	root, err := serviceRoot(c.apiURL)
	if err != nil {
		return nil, err
	}

	var out models.ServiceInfo
	resp, err := c.request(ctx).
		SetResult(&out).
		ForceContentType("application/json").
		Get(root)
	if err != nil {
		return nil, fmt.Errorf("failed to reach transcription service: %w", err)
	}
	if resp.IsError() {
		return nil, newAPIError(resp.StatusCode(), resp.Status(), resp.Body())
	}
	return &out, nil
}

func serviceRoot(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", fmt.Errorf("invalid api url %q: %w", apiURL, err)
	}
	u.Path = "/"
	u.RawQuery = ""
	return u.String(), nil
}
