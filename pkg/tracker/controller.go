package tracker

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/psantana5/pianoscribe/pkg/logging"
	"github.com/psantana5/pianoscribe/pkg/models"
	"github.com/psantana5/pianoscribe/pkg/retry"
	"github.com/psantana5/pianoscribe/pkg/transport"
)

// Mode selects the preferred transport
type Mode string

const (
	ModePush Mode = "push" // event stream, falling back to polling
	ModePoll Mode = "poll" // polling only
)

// ParseMode validates a transport mode name
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case "", ModePush:
		return ModePush, nil
	case ModePoll:
		return ModePoll, nil
	default:
		return "", fmt.Errorf("unknown transport %q (want push or poll)", s)
	}
}

// Config holds the controller settings
type Config struct {
	Mode            Mode
	PollInterval    time.Duration
	MaxPollFailures int           // 0 polls forever
	SubmitTimeout   time.Duration // 0 disables
	ConnectTimeout  time.Duration // 0 disables
	MaxFileSize     int64         // 0 disables
	ResultRetry     retry.Config
}

// DefaultConfig returns the settings used when nothing is configured
func DefaultConfig() Config {
	rc := retry.DefaultConfig()
	rc.MaxRetries = 2
	return Config{
		Mode:            ModePush,
		PollInterval:    transport.DefaultPollInterval,
		MaxPollFailures: 30,
		SubmitTimeout:   5 * time.Minute,
		ConnectTimeout:  15 * time.Second,
		MaxFileSize:     100 << 20,
		ResultRetry:     rc,
	}
}

// API is the part of the transcription service the controller uses
type API interface {
	Submit(ctx context.Context, fileName string, r io.Reader) (*models.SubmitResponse, error)
	transport.StatusFetcher
	transport.StreamOpener
	ArtifactURL(kind models.ArtifactKind, taskID string) string
	DownloadArtifact(ctx context.Context, kind models.ArtifactKind, taskID string, w io.Writer) (int64, error)
}

// Metrics receives controller events. *metrics.Metrics implements it.
type Metrics interface {
	SubmissionAccepted()
	SubmissionRejected()
	SubmissionFailed()
	UpdateReceived(transport string, status models.TaskStatus)
	TransportFallback()
	PollFailure()
	ProgressRegression()
	JobStarted()
	JobEnded(state models.JobState, elapsed time.Duration)
}

// Option configures a Controller
type Option func(*Controller)

// WithMetrics instruments the controller
func WithMetrics(m Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithFinishHook registers fn to receive every job that reaches a terminal
// state. Hooks run outside the controller lock, in registration order.
func WithFinishHook(fn func(models.Job)) Option {
	return func(c *Controller) { c.onFinish = append(c.onFinish, fn) }
}

// Controller owns the lifecycle of one transcription job at a time. All
// state changes go through its mutex; transport callbacks carry the
// generation they were started for and are dropped once it is superseded.
type Controller struct {
	api      API
	cfg      Config
	logger   *logging.Logger
	metrics  Metrics
	onFinish []func(models.Job)
	now      func() time.Time

	mu         sync.Mutex
	gen        uint64
	job        models.Job
	active     transport.Strategy
	finalizing bool
	jobCtx     context.Context
	jobCancel  context.CancelFunc
	done       chan struct{}
	doneClosed bool
	subs       map[int]chan models.Job
	nextSub    int
}

// New creates an idle controller
func New(api API, cfg Config, logger *logging.Logger, opts ...Option) *Controller {
	c := &Controller{
		api:     api,
		cfg:     cfg,
		logger:  logger.WithComponent("tracker"),
		metrics: nopMetrics{},
		now:     time.Now,
		job:     models.Job{State: models.JobStateIdle},
		subs:    make(map[int]chan models.Job),
	}
	c.done = make(chan struct{})
	close(c.done)
	c.doneClosed = true

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// View returns a snapshot of the current job
func (c *Controller) View() models.Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.job.Clone()
}

// Done returns a channel closed when the current job stops being active,
// either by reaching a terminal state or by Reset.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Wait blocks until the current job stops being active and returns its view
func (c *Controller) Wait(ctx context.Context) (models.Job, error) {
	select {
	case <-c.Done():
		return c.View(), nil
	case <-ctx.Done():
		return c.View(), ctx.Err()
	}
}

// Subscribe delivers a snapshot after every change. Slow readers only miss
// intermediate snapshots, never the latest one.
func (c *Controller) Subscribe() (<-chan models.Job, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSub
	c.nextSub++
	ch := make(chan models.Job, 16)
	c.subs[id] = ch
	ch <- c.job.Clone()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.subs, id)
			close(ch)
		})
	}
}

// Submit validates src and uploads it. Validation and precondition failures
// are returned and leave the controller untouched; every later failure is
// reported through the job state. Submit returns once the service accepted or
// refused the file; tracking continues in the background.
func (c *Controller) Submit(ctx context.Context, src *Source) error {
	if err := c.validate(src); err != nil {
		c.metrics.SubmissionRejected()
		return err
	}

	c.mu.Lock()
	if c.job.State != models.JobStateIdle {
		c.mu.Unlock()
		return ErrJobActive
	}
	c.mu.Unlock()

	rc, err := src.Open()
	if err != nil {
		c.metrics.SubmissionRejected()
		return fmt.Errorf("%w: %v", ErrMissingFile, err)
	}
	defer rc.Close()

	c.mu.Lock()
	if c.job.State != models.JobStateIdle {
		c.mu.Unlock()
		return ErrJobActive
	}
	c.gen++
	gen := c.gen
	c.jobCtx, c.jobCancel = context.WithCancel(context.Background())
	jobCtx := c.jobCtx
	now := c.now()
	c.job = models.Job{
		State:       models.JobStateIdle,
		SourceFile:  src.Name,
		SubmittedAt: &now,
	}
	c.done = make(chan struct{})
	c.doneClosed = false
	c.transitionLocked(models.JobStateSubmitting, "upload started")
	c.metrics.JobStarted()
	c.notifyLocked()
	c.mu.Unlock()

	var (
		upCtx  context.Context
		cancel context.CancelFunc
	)
	if c.cfg.SubmitTimeout > 0 {
		upCtx, cancel = context.WithTimeout(jobCtx, c.cfg.SubmitTimeout)
	} else {
		upCtx, cancel = context.WithCancel(jobCtx)
	}
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	c.logger.Info("Submitting audio", logging.Fields{"file": src.Name, "bytes": src.Size})
	resp, err := c.api.Submit(upCtx, src.Name, rc)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		c.logger.Debug("Discarding submission result of a reset job", logging.Fields{"file": src.Name})
		return nil
	}

	if err != nil {
		c.metrics.SubmissionFailed()
		c.logger.Warn("Submission failed", logging.Fields{"file": src.Name, "error": err})
		if ctx.Err() != nil && jobCtx.Err() == nil {
			err = ctx.Err()
		}
		fin := c.finishLocked(models.JobStateFailed, nil, submissionDetail(err), "submission failed")
		c.mu.Unlock()
		c.fireFinish(fin)
		return nil
	}

	c.metrics.SubmissionAccepted()
	c.job.ID = resp.TaskID
	c.transitionLocked(models.JobStateTracking, "task accepted")
	c.startLocked(gen, c.preferredStrategy())
	c.notifyLocked()
	c.mu.Unlock()
	return nil
}

func (c *Controller) validate(src *Source) error {
	if src == nil || src.Name == "" || src.Open == nil {
		return ErrMissingFile
	}
	if !strings.EqualFold(filepath.Ext(src.Name), ".wav") {
		return fmt.Errorf("%w: %s is not a .wav file", ErrInvalidFile, src.Name)
	}
	if c.cfg.MaxFileSize > 0 && src.Size > c.cfg.MaxFileSize {
		return fmt.Errorf("%w (%d bytes, limit %d)", ErrFileTooLarge, src.Size, c.cfg.MaxFileSize)
	}
	return nil
}

// Reset stops any transport, discards the job and returns to idle. The
// transport has fully stopped when Reset returns.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.gen++
	t := c.active
	c.active = nil
	c.finalizing = false
	if c.jobCancel != nil {
		c.jobCancel()
		c.jobCancel = nil
	}

	wasActive := models.IsActiveState(c.job.State)
	var elapsed time.Duration
	if c.job.SubmittedAt != nil {
		elapsed = c.now().Sub(*c.job.SubmittedAt)
	}
	changed := c.job.State != models.JobStateIdle || c.job.SourceFile != ""

	c.job = models.Job{State: models.JobStateIdle}
	c.closeDoneLocked()
	if changed {
		c.notifyLocked()
	}
	c.mu.Unlock()

	if t != nil {
		t.Stop()
	}
	if wasActive {
		c.metrics.JobEnded(models.JobStateIdle, elapsed)
		c.logger.Info("Job reset while active")
	}
}

// ArtifactURL returns where the artifact of the completed job can be fetched
func (c *Controller) ArtifactURL(kind models.ArtifactKind) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.artifactAvailableLocked(kind); err != nil {
		return "", err
	}
	return c.api.ArtifactURL(kind, c.job.ID), nil
}

// DownloadArtifact writes the artifact of the completed job to w. It refuses
// without a request when the artifact is not available.
func (c *Controller) DownloadArtifact(ctx context.Context, kind models.ArtifactKind, w io.Writer) (int64, error) {
	c.mu.Lock()
	if err := c.artifactAvailableLocked(kind); err != nil {
		c.mu.Unlock()
		return 0, err
	}
	id := c.job.ID
	c.mu.Unlock()

	return c.api.DownloadArtifact(ctx, kind, id, w)
}

func (c *Controller) artifactAvailableLocked(kind models.ArtifactKind) error {
	switch {
	case c.job.State != models.JobStateCompleted:
		return fmt.Errorf("%w: transcription has not completed", ErrArtifactUnavailable)
	case !c.job.Result.Has(kind):
		return fmt.Errorf("%w: the service produced no %s for this task", ErrArtifactUnavailable, kind)
	}
	return nil
}

func (c *Controller) preferredStrategy() transport.Strategy {
	if c.cfg.Mode == ModePoll {
		return c.newPoll()
	}
	return transport.NewPush(c.api, c.cfg.ConnectTimeout, c.logger)
}

func (c *Controller) newPoll() transport.Strategy {
	p := transport.NewPoll(c.api, c.cfg.PollInterval, c.cfg.MaxPollFailures, c.logger)
	p.OnTickFailure(func(error) { c.metrics.PollFailure() })
	return p
}

// startLocked makes s the single active transport of generation gen
func (c *Controller) startLocked(gen uint64, s transport.Strategy) {
	c.active = s
	c.job.Transport = s.Name()

	err := s.Start(c.job.ID,
		func(u models.StatusUpdate) { c.onUpdate(gen, s, u) },
		func(err error) { c.onTransportError(gen, s, err) },
	)
	if err != nil {
		// Strategies are built per job, so this only happens on misuse.
		c.logger.Error("Failed to start transport", logging.Fields{"transport": s.Name(), "error": err})
		c.active = nil
	}
}

// detachLocked drops the active transport. Callbacks run on the transport's
// own goroutine, so it is stopped asynchronously to avoid waiting on itself.
func (c *Controller) detachLocked() {
	if t := c.active; t != nil {
		c.active = nil
		go t.Stop()
	}
}

func (c *Controller) stale(gen uint64, s transport.Strategy) bool {
	return gen != c.gen || s != c.active || c.finalizing || models.IsTerminalState(c.job.State)
}

func (c *Controller) onUpdate(gen uint64, s transport.Strategy, u models.StatusUpdate) {
	c.mu.Lock()
	if c.stale(gen, s) {
		c.mu.Unlock()
		return
	}

	c.metrics.UpdateReceived(s.Name(), u.Status)
	if !u.KnownStatus {
		c.logger.Warn("Unknown task status, treating as processing", logging.Fields{
			"task_id": c.job.ID,
			"status":  u.RawStatus,
		})
	}
	c.logger.Debug("Status update", logging.Fields{
		"task_id":   c.job.ID,
		"transport": s.Name(),
		"status":    u.RawStatus,
		"message":   u.Message,
	})

	if u.Progress != nil {
		p := models.ClampProgress(*u.Progress)
		if p < c.job.Progress {
			c.metrics.ProgressRegression()
		} else {
			c.job.Progress = p
		}
	}
	if u.Message != "" {
		c.job.StatusMessage = u.Message
	}

	var fin *models.Job
	switch u.Status {
	case models.TaskStatusCompleted:
		c.job.Progress = 100
		if u.Result != nil {
			fin = c.finishLocked(models.JobStateCompleted, u.Result, "", "service reported completed")
			break
		}
		// Stream events carry no summary: fetch it once, then complete.
		c.finalizing = true
		c.detachLocked()
		c.notifyLocked()
		go c.fetchResult(c.jobCtx, gen, c.job.ID)

	case models.TaskStatusFailed:
		detail := u.Error
		if detail == "" {
			detail = u.Message
		}
		if detail == "" {
			detail = msgTranscribeFailed
		}
		fin = c.finishLocked(models.JobStateFailed, nil, detail, "service reported failed")

	default:
		c.notifyLocked()
	}
	c.mu.Unlock()

	c.fireFinish(fin)
}

func (c *Controller) fetchResult(ctx context.Context, gen uint64, taskID string) {
	var st *models.StatusResponse
	err := retry.Do(ctx, c.cfg.ResultRetry, func() error {
		var err error
		st, err = c.api.Status(ctx, taskID)
		return err
	})

	c.mu.Lock()
	if gen != c.gen || !c.finalizing {
		c.mu.Unlock()
		return
	}
	c.finalizing = false

	result := &models.Result{}
	if err != nil {
		c.logger.Warn("Could not fetch transcription result", logging.Fields{"task_id": taskID, "error": err})
		c.job.StatusMessage = msgResultMissing
	} else {
		result = st.Result()
	}
	fin := c.finishLocked(models.JobStateCompleted, result, "", "service reported completed")
	c.mu.Unlock()

	c.fireFinish(fin)
}

func (c *Controller) onTransportError(gen uint64, s transport.Strategy, err error) {
	c.mu.Lock()
	if c.stale(gen, s) {
		c.mu.Unlock()
		return
	}

	if s.Name() == transport.NamePush {
		c.logger.Warn("Progress stream failed, falling back to polling", logging.Fields{
			"task_id": c.job.ID,
			"error":   err,
		})
		c.metrics.TransportFallback()
		c.detachLocked()
		c.startLocked(gen, c.newPoll())
		c.notifyLocked()
		c.mu.Unlock()
		return
	}

	c.logger.Error("Tracking failed", logging.Fields{"task_id": c.job.ID, "error": err})
	fin := c.finishLocked(models.JobStateFailed, nil, trackingDetail(err), "tracking failed")
	c.mu.Unlock()

	c.fireFinish(fin)
}

// finishLocked moves the job to a terminal state and returns the snapshot
// to hand to finish hooks once the lock is released.
func (c *Controller) finishLocked(state models.JobState, result *models.Result, detail, reason string) *models.Job {
	c.detachLocked()
	c.transitionLocked(state, reason)

	now := c.now()
	c.job.FinishedAt = &now
	c.job.Result = result
	c.job.ErrorDetail = detail
	if c.jobCancel != nil {
		c.jobCancel()
		c.jobCancel = nil
	}
	c.closeDoneLocked()

	var elapsed time.Duration
	if c.job.SubmittedAt != nil {
		elapsed = now.Sub(*c.job.SubmittedAt)
	}
	c.metrics.JobEnded(state, elapsed)
	c.notifyLocked()

	snap := c.job.Clone()
	return &snap
}

func (c *Controller) transitionLocked(to models.JobState, reason string) {
	from := c.job.State
	if err := models.ValidateTransition(from, to); err != nil {
		c.logger.Error("Rejected state change", logging.Fields{"error": err})
		return
	}

	c.job.State = to
	c.job.Transitions = append(c.job.Transitions, models.StateTransition{
		From:      from,
		To:        to,
		Timestamp: c.now(),
		Reason:    reason,
	})

	c.logger.Info("Job state changed", logging.Fields{
		"task_id": c.job.ID,
		"from":    from,
		"to":      to,
		"reason":  reason,
	})
}

func (c *Controller) closeDoneLocked() {
	if !c.doneClosed {
		close(c.done)
		c.doneClosed = true
	}
}

func (c *Controller) notifyLocked() {
	snap := c.job.Clone()
	for _, ch := range c.subs {
		select {
		case ch <- snap:
		default:
			// Drop the oldest snapshot so the newest always lands.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func (c *Controller) fireFinish(job *models.Job) {
	if job == nil {
		return
	}
	for _, fn := range c.onFinish {
		fn(job.Clone())
	}
}

type nopMetrics struct{}

func (nopMetrics) SubmissionAccepted() {}
func (nopMetrics) SubmissionRejected() {}
func (nopMetrics) SubmissionFailed() {}
func (nopMetrics) UpdateReceived(string, models.TaskStatus) {}
func (nopMetrics) TransportFallback() {}
func (nopMetrics) PollFailure() {}
func (nopMetrics) ProgressRegression() {}
func (nopMetrics) JobStarted() {}
func (nopMetrics) JobEnded(models.JobState, time.Duration) {}
