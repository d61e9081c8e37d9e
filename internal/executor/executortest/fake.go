// Package executortest provides a controllable in-memory Runtime for tests.
package executortest

import (
	"context"
	"sync"

	"dispatchd/internal/executor"
)

// Runtime records invocations and lets the test decide when and how each
// execution finishes.
type Runtime struct {
	mu      sync.Mutex
	handles map[string]*Handle // by entry id
	order   []string

	// InvokeErr, when set, makes Invoke fail.
	InvokeErr error
}

func New() *Runtime {
	return &Runtime{handles: map[string]*Handle{}}
}

func (r *Runtime) Invoke(_ context.Context, inv executor.Invocation) (executor.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.InvokeErr != nil {
		return nil, r.InvokeErr
	}
	h := &Handle{
		Invocation: inv,
		done:       make(chan executor.Result, 1),
		stopped:    make(chan struct{}),
		agent:      inv.AgentSessionID,
	}
	r.handles[inv.EntryID] = h
	r.order = append(r.order, inv.EntryID)
	return h, nil
}

// Handle returns the handle for an entry id, or nil if it was never invoked.
func (r *Runtime) Handle(entryID string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[entryID]
}

// Invocations returns entry ids in invocation order.
func (r *Runtime) Invocations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

type Handle struct {
	Invocation executor.Invocation

	done    chan executor.Result
	stopped chan struct{}

	mu       sync.Mutex
	agent    string
	finished bool
	stopOnce sync.Once
}

func (h *Handle) Done() <-chan executor.Result { return h.done }

func (h *Handle) AgentSessionID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.agent
}

// SetAgentSessionID simulates the runtime reporting an agent session.
func (h *Handle) SetAgentSessionID(id string) {
	h.mu.Lock()
	h.agent = id
	h.mu.Unlock()
}

// Finish delivers the result. Safe to call once.
func (h *Handle) Finish(res executor.Result) {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return
	}
	h.finished = true
	if res.AgentSessionID == "" {
		res.AgentSessionID = h.agent
	}
	h.mu.Unlock()
	h.done <- res
	close(h.done)
}

// Stop finishes the execution with a cancelled-style result and records that
// a stop was requested.
func (h *Handle) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() { close(h.stopped) })
	h.Finish(executor.Result{Err: context.Canceled})
	return nil
}

// StopRequested reports whether Stop was called.
func (h *Handle) StopRequested() bool {
	select {
	case <-h.stopped:
		return true
	default:
		return false
	}
}
