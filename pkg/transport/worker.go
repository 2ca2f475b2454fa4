package transport

import (
	"context"
	"errors"
	"sync"
)

var errAlreadyStarted = errors.New("transport already started")

// worker owns the single goroutine of a strategy. A strategy instance serves
// one job; the controller builds a fresh one for every job.
type worker struct {
	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func (w *worker) start(run func(ctx context.Context)) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return errAlreadyStarted
	}
	w.started = true

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	w.cancel = cancel
	w.done = done

	go func() {
		defer close(done)
		defer cancel()
		run(ctx)
	}()
	return nil
}

func (w *worker) stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
