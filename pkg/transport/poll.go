package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/psantana5/pianoscribe/pkg/logging"
)

// DefaultPollInterval matches the refresh rate of the original web client
const DefaultPollInterval = 2 * time.Second

// ErrLostConnection is reported once the failure budget of the poll loop is spent
var ErrLostConnection = errors.New("lost connection to transcription service")

// Poll follows a task by requesting its status on a fixed interval
type Poll struct {
	fetcher     StatusFetcher
	interval    time.Duration
	maxFailures int
	onFailure   func(error)
	logger      *logging.Logger
	worker
}

// NewPoll creates a poll strategy. maxFailures consecutive failed ticks end
// tracking with ErrLostConnection; zero keeps polling forever.
func NewPoll(fetcher StatusFetcher, interval time.Duration, maxFailures int, logger *logging.Logger) *Poll {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poll{
		fetcher:     fetcher,
		interval:    interval,
		maxFailures: maxFailures,
		logger:      logger.WithField("transport", NamePoll),
	}
}

// OnTickFailure registers a hook called for every failed tick
func (p *Poll) OnTickFailure(fn func(error)) {
	p.onFailure = fn
}

func (p *Poll) Name() string { return NamePoll }

func (p *Poll) Start(jobID string, onUpdate UpdateFunc, onError ErrorFunc) error {
	return p.start(func(ctx context.Context) {
		p.run(ctx, jobID, onUpdate, onError)
	})
}

func (p *Poll) Stop() { p.stop() }

func (p *Poll) run(ctx context.Context, jobID string, onUpdate UpdateFunc, onError ErrorFunc) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	failures := 0
	for {
		resp, err := p.fetcher.Status(ctx, jobID)
		// A response that lands after Stop belongs to a superseded job.
		if ctx.Err() != nil {
			return
		}

		if err != nil {
			failures++
			p.logger.Warn("Status poll failed", logging.Fields{
				"task_id":  jobID,
				"failures": failures,
				"error":    err,
			})
			if p.onFailure != nil {
				p.onFailure(err)
			}
			if p.maxFailures > 0 && failures >= p.maxFailures {
				onError(fmt.Errorf("%w after %d failed status requests: %v", ErrLostConnection, failures, err))
				return
			}
		} else {
			failures = 0
			u := resp.Update()
			onUpdate(u)
			if u.Status.IsTerminal() {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
