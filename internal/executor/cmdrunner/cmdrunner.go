// Package cmdrunner runs executions as child processes.
//
// Each invocation spawns the configured command, writes a JSON payload to its
// stdin and waits for it to exit. The child reports its outcome as a JSON
// document on stdout:
//
//	{"session_id":"...","error":"..."}
//
// Exit code 0 with no "error" field means success. Stop sends SIGTERM, waits
// for the grace period, then SIGKILLs.
package cmdrunner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"dispatchd/internal/executor"
	logx "dispatchd/pkg/logx"
)

const (
	defaultStopGrace = 10 * time.Second

	// outputLimit bounds captured stdout/stderr per execution.
	outputLimit = 64 * 1024
)

type Runner struct {
	log logx.Logger

	mu        sync.RWMutex
	command   string
	args      []string
	stopGrace time.Duration
}

func New(command string, args []string, stopGrace time.Duration, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Runner{log: log}
	r.Configure(command, args, stopGrace)
	return r
}

// Configure swaps the command line. In-flight executions keep the command
// they were started with.
func (r *Runner) Configure(command string, args []string, stopGrace time.Duration) {
	if stopGrace <= 0 {
		stopGrace = defaultStopGrace
	}
	r.mu.Lock()
	r.command = command
	r.args = append([]string(nil), args...)
	r.stopGrace = stopGrace
	r.mu.Unlock()
}

// payload is the document written to the child's stdin.
type payload struct {
	EntryID        string          `json:"entry_id"`
	SessionID      string          `json:"session_id"`
	ExecutorType   string          `json:"executor_type"`
	Action         json.RawMessage `json:"action"`
	AgentSessionID string          `json:"agent_session_id,omitempty"`
}

// report is the document the child prints on stdout.
type report struct {
	SessionID string `json:"session_id"`
	Error     string `json:"error"`
}

func (r *Runner) Invoke(ctx context.Context, inv executor.Invocation) (executor.Handle, error) {
	r.mu.RLock()
	command, args, grace := r.command, r.args, r.stopGrace
	r.mu.RUnlock()
	if strings.TrimSpace(command) == "" {
		return nil, errors.New("cmdrunner: no command configured")
	}

	action := json.RawMessage(inv.Action)
	if !json.Valid(action) {
		action, _ = json.Marshal(inv.Action)
	}
	in, err := json.Marshal(payload{
		EntryID:        inv.EntryID,
		SessionID:      inv.SessionID,
		ExecutorType:   inv.ExecutorType,
		Action:         action,
		AgentSessionID: inv.AgentSessionID,
	})
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(command, args...)
	cmd.Stdin = bytes.NewReader(in)
	stdout := &cappedBuffer{limit: outputLimit}
	stderr := &cappedBuffer{limit: outputLimit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("cmdrunner: start %s: %w", command, err)
	}
	r.log.Debug("execution started",
		logx.String("entry_id", inv.EntryID),
		logx.String("command", command),
		logx.Int("pid", cmd.Process.Pid),
	)

	h := &handle{
		cmd:          cmd,
		grace:        grace,
		done:         make(chan executor.Result, 1),
		waitDone:     make(chan struct{}),
		agentSession: inv.AgentSessionID,
	}
	go h.wait(stdout, stderr)
	return h, nil
}

type handle struct {
	cmd      *exec.Cmd
	grace    time.Duration
	done     chan executor.Result
	waitDone chan struct{}

	mu           sync.Mutex
	agentSession string
}

func (h *handle) Done() <-chan executor.Result { return h.done }

func (h *handle) AgentSessionID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.agentSession
}

func (h *handle) wait(stdout, stderr *cappedBuffer) {
	defer close(h.waitDone)
	waitErr := h.cmd.Wait()

	var rep report
	if out := bytes.TrimSpace(stdout.Bytes()); len(out) > 0 {
		// The report is the last line; earlier lines are free-form progress.
		if i := bytes.LastIndexByte(out, '\n'); i >= 0 {
			out = bytes.TrimSpace(out[i+1:])
		}
		_ = json.Unmarshal(out, &rep)
	}
	if rep.SessionID != "" {
		h.mu.Lock()
		h.agentSession = rep.SessionID
		h.mu.Unlock()
	}

	res := executor.Result{AgentSessionID: h.AgentSessionID()}
	switch {
	case rep.Error != "":
		res.Err = errors.New(rep.Error)
	case waitErr != nil:
		msg := strings.TrimSpace(string(stderr.Bytes()))
		if msg != "" {
			res.Err = fmt.Errorf("%v: %s", waitErr, msg)
		} else {
			res.Err = waitErr
		}
	}
	h.done <- res
	close(h.done)
}

// Stop terminates the child: SIGTERM, then SIGKILL after the grace period.
// It returns once the process has exited (and the Result was delivered) or
// ctx expires.
func (h *handle) Stop(ctx context.Context) error {
	select {
	case <-h.waitDone:
		return nil
	default:
	}

	_ = h.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-h.waitDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(h.grace):
	}

	_ = h.cmd.Process.Kill()
	select {
	case <-h.waitDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cappedBuffer keeps the first limit bytes and drops the rest.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}
