package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/psantana5/pianoscribe/pkg/logging"
	"github.com/psantana5/pianoscribe/pkg/models"
)

// maxEventSize bounds a single server-sent event line
const maxEventSize = 64 << 10

// Push follows a task over its server-sent event stream
type Push struct {
	opener         StreamOpener
	connectTimeout time.Duration
	logger         *logging.Logger
	worker
}

// NewPush creates a push strategy. A connectTimeout of zero waits for the
// stream headers indefinitely.
func NewPush(opener StreamOpener, connectTimeout time.Duration, logger *logging.Logger) *Push {
	return &Push{
		opener:         opener,
		connectTimeout: connectTimeout,
		logger:         logger.WithField("transport", NamePush),
	}
}

func (p *Push) Name() string { return NamePush }

func (p *Push) Start(jobID string, onUpdate UpdateFunc, onError ErrorFunc) error {
	return p.start(func(ctx context.Context) {
		p.run(ctx, jobID, onUpdate, onError)
	})
}

func (p *Push) Stop() { p.stop() }

func (p *Push) run(ctx context.Context, jobID string, onUpdate UpdateFunc, onError ErrorFunc) {
	body, err := p.connect(ctx, jobID)
	if err != nil {
		if ctx.Err() == nil {
			onError(err)
		}
		return
	}
	defer body.Close()

	p.logger.Debug("Progress stream open", logging.Fields{"task_id": jobID})

	err = readEvents(body, func(data string) bool {
		var ev models.StreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			if ctx.Err() == nil {
				onError(fmt.Errorf("unparsable progress event: %w", err))
			}
			return false
		}
		if ctx.Err() != nil {
			return false
		}

		u := ev.Update()
		onUpdate(u)
		return !u.Status.IsTerminal()
	})

	switch {
	case ctx.Err() != nil, err == errStopped:
		return
	case err != nil:
		onError(fmt.Errorf("progress stream failed: %w", err))
	default:
		onError(ErrStreamClosed)
	}
}

// connect opens the stream, cancelling the attempt when no response headers
// arrive within the connect timeout.
func (p *Push) connect(ctx context.Context, jobID string) (io.ReadCloser, error) {
	if p.connectTimeout <= 0 {
		return p.opener.OpenStream(ctx, jobID)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(p.connectTimeout, cancel)

	body, err := p.opener.OpenStream(streamCtx, jobID)
	if !timer.Stop() {
		if body != nil {
			body.Close()
		}
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("progress stream did not connect within %s", p.connectTimeout)
	}
	if err != nil {
		cancel()
		return nil, err
	}

	// streamCtx stays alive with the body; closing it releases the request.
	return &cancelOnClose{ReadCloser: body, cancel: cancel}, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// errStopped means the event handler asked readEvents to stop
var errStopped = errors.New("event stream stopped")

// readEvents parses a text/event-stream body and hands the data of every
// complete event to fn. Returning false from fn stops reading with errStopped.
// It returns nil when the stream ends cleanly.
func readEvents(r io.Reader, fn func(data string) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), maxEventSize)

	var data []string
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if len(data) == 0 {
				continue
			}
			payload := strings.Join(data, "\n")
			data = data[:0]
			if !fn(payload) {
				return errStopped
			}
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		if field == "data" {
			data = append(data, value)
		}
		// event, id and retry fields carry nothing the tracker uses
	}

	return scanner.Err()
}
