package transport

import (
	"context"
	"errors"
	"io"

	"github.com/psantana5/pianoscribe/pkg/models"
)

// Names reported in the job view and metrics
const (
	NamePush = "push"
	NamePoll = "poll"
)

// ErrStreamClosed is reported when the stream ends before a terminal status
var ErrStreamClosed = errors.New("progress stream closed before the task finished")

// UpdateFunc receives status updates in arrival order
type UpdateFunc func(models.StatusUpdate)

// ErrorFunc receives a transport-level failure. It is called at most once and
// the strategy delivers nothing further afterwards.
type ErrorFunc func(error)

// Strategy delivers the status of one task to the job controller
type Strategy interface {
	Name() string
	// Start begins delivery for jobID. It does not block.
	Start(jobID string, onUpdate UpdateFunc, onError ErrorFunc) error
	// Stop ends delivery and waits for the worker goroutine to exit. No
	// callback fires after Stop returns. Safe to call more than once.
	Stop()
}

// StatusFetcher is the status endpoint used by the poll strategy
type StatusFetcher interface {
	Status(ctx context.Context, taskID string) (*models.StatusResponse, error)
}

// StreamOpener is the event stream endpoint used by the push strategy
type StreamOpener interface {
	OpenStream(ctx context.Context, taskID string) (io.ReadCloser, error)
}
