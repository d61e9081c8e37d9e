package dispatch

import (
	"context"
	"sync"

	"dispatchd/internal/executor"
	"dispatchd/internal/storage"
)

// execution tracks one in-flight entry from claim to terminal status.
type execution struct {
	entry *storage.QueueEntry

	mu          sync.Mutex
	handle      executor.Handle
	cancelReq   bool
	interrupted bool

	// handleReady closes once the runtime handle is available; finished
	// closes once the entry has been settled (or abandoned at shutdown).
	handleReady chan struct{}
	finished    chan struct{}

	finishOnce sync.Once
	readyOnce  sync.Once
}

func newExecution(e *storage.QueueEntry) *execution {
	return &execution{
		entry:       e,
		handleReady: make(chan struct{}),
		finished:    make(chan struct{}),
	}
}

func (ex *execution) setHandle(h executor.Handle) {
	ex.mu.Lock()
	ex.handle = h
	ex.mu.Unlock()
	ex.readyOnce.Do(func() { close(ex.handleReady) })
}

func (ex *execution) markFinished() {
	ex.finishOnce.Do(func() { close(ex.finished) })
}

func (ex *execution) markInterrupted() {
	ex.mu.Lock()
	ex.interrupted = true
	ex.mu.Unlock()
}

func (ex *execution) isInterrupted() bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.interrupted
}

func (ex *execution) cancelRequested() bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.cancelReq
}

// handleIfReady waits for the runtime handle (invocation may still be in
// flight) and returns it, or nil if the execution finished or ctx expired
// before a handle appeared.
func (ex *execution) handleIfReady(ctx context.Context) executor.Handle {
	select {
	case <-ex.handleReady:
	case <-ex.finished:
		return nil
	case <-ctx.Done():
		return nil
	}
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.handle
}

// stop requests cancellation of the running execution and blocks until the
// entry is settled. The run goroutine does the settling: if the runtime
// reports an error after the stop request the entry becomes cancelled; if it
// managed to complete anyway, completion wins.
func (ex *execution) stop(ctx context.Context) error {
	ex.mu.Lock()
	ex.cancelReq = true
	ex.mu.Unlock()

	h := ex.handleIfReady(ctx)
	if h != nil {
		if err := h.Stop(ctx); err != nil {
			return err
		}
	}
	select {
	case <-ex.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
