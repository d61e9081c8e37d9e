package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"dispatchd/internal/eventbus"
	"dispatchd/internal/executor"
	"dispatchd/internal/storage"
	logx "dispatchd/pkg/logx"

	rtsup "dispatchd/internal/runtime/supervisor"
)

var (
	// ErrQueueDisabled is returned by Submit while admission is switched off.
	ErrQueueDisabled = errors.New("dispatch: queue is disabled")

	// ErrDuplicateActiveSession mirrors the store-level constraint so API
	// callers don't need to import storage.
	ErrDuplicateActiveSession = storage.ErrDuplicateActiveSession
)

// maxErrorMessageLen bounds the error text persisted with a failed entry.
const maxErrorMessageLen = 1000

type Controller struct {
	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store
	rt    executor.Runtime

	mu       sync.Mutex
	settings Settings

	// wake nudges the admission loop; buffered so notifies never block.
	wake chan struct{}

	execMu      sync.Mutex
	execs       map[string]*execution // by entry id
	interrupted bool

	lcMu     sync.Mutex
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}
}

func New(settings Settings, store storage.Store, rt executor.Runtime, log logx.Logger, bus eventbus.Bus) *Controller {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Controller{
		log:      log,
		bus:      bus,
		store:    store,
		rt:       rt,
		settings: settings,
		wake:     make(chan struct{}, 1),
		execs:    map[string]*execution{},
	}
}

func (c *Controller) snapshot() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// Apply swaps the effective settings and pokes the admission loop so new
// limits take effect without waiting for the fallback poll.
func (c *Controller) Apply(s Settings) {
	c.mu.Lock()
	c.settings = s
	c.mu.Unlock()
	c.notify()
}

// RecoveredPriority reports the priority floor applied when interrupted
// executions are re-enqueued.
func (c *Controller) RecoveredPriority() int {
	return c.snapshot().RecoveredPriority
}

// notify wakes the admission loop. Non-blocking; a pending wake is enough.
func (c *Controller) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Start launches the admission loop. Idempotent.
func (c *Controller) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.lcMu.Lock()
	defer c.lcMu.Unlock()
	if c.stopCh != nil {
		return
	}
	c.stopCh = make(chan struct{})
	c.stopDone = nil

	c.sup = rtsup.New(ctx,
		rtsup.WithLogger(c.log.With(logx.String("comp", "dispatch"))),
		rtsup.WithCancelOnError(false),
	)
	c.sup.GoRestart("admission", c.admissionLoop,
		rtsup.WithStopOnCleanExit(true),
		rtsup.WithPublishFirstError(true),
	)
	c.log.Info("dispatch started",
		logx.Bool("enabled", c.snapshot().Enabled),
		logx.Int("default_limit", c.snapshot().DefaultLimit),
	)
}

// Stop interrupts in-flight executions (writing them to the ledger so the
// next start can resume them) and shuts the admission loop down.
func (c *Controller) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.lcMu.Lock()
	if c.stopCh == nil {
		c.lcMu.Unlock()
		return
	}
	if c.stopDone != nil {
		done := c.stopDone
		c.lcMu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	c.stopDone = done
	close(c.stopCh)
	sup := c.sup
	c.lcMu.Unlock()

	if sup != nil {
		sup.Cancel()
	}
	c.interruptInFlight(ctx)

	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		c.lcMu.Lock()
		c.sup = nil
		c.stopCh = nil
		c.stopDone = nil
		c.lcMu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		c.log.Info("dispatch stopped")
	case <-ctx.Done():
		c.log.Warn("dispatch stop timed out", logx.Err(ctx.Err()))
	}
}

// SubmitRequest describes a new execution request.
type SubmitRequest struct {
	SessionID      string
	WorkspaceID    string
	ExecutorType   string
	Action         string
	Priority       int
	AgentSessionID string
}

// Submit admits a request into the queue and returns the created entry and
// its position (entries of the same executor type ahead of it).
func (c *Controller) Submit(ctx context.Context, req SubmitRequest) (*storage.QueueEntry, int, error) {
	if !c.snapshot().Enabled {
		return nil, 0, ErrQueueDisabled
	}
	if strings.TrimSpace(req.SessionID) == "" {
		return nil, 0, errors.New("dispatch: session id is required")
	}
	if strings.TrimSpace(req.ExecutorType) == "" {
		return nil, 0, errors.New("dispatch: executor type is required")
	}

	e, err := c.store.CreateEntry(ctx, storage.CreateEntryParams{
		SessionID:      req.SessionID,
		WorkspaceID:    req.WorkspaceID,
		ExecutorType:   req.ExecutorType,
		ExecutorAction: req.Action,
		Priority:       req.Priority,
		AgentSessionID: req.AgentSessionID,
	})
	if err != nil {
		return nil, 0, err
	}
	pos, err := c.store.Position(ctx, e.ID)
	if err != nil {
		// Position is advisory; the entry is already admitted.
		c.log.Warn("position lookup failed", logx.String("entry_id", e.ID), logx.Err(err))
		pos = 0
	}
	c.log.Info("entry queued",
		logx.String("entry_id", e.ID),
		logx.String("session_id", e.SessionID),
		logx.String("executor_type", e.ExecutorType),
		logx.Int("priority", e.Priority),
		logx.Int("position", pos),
	)
	c.publishUpdate(e, storage.StatusPending, &pos, "")
	c.notify()
	return e, pos, nil
}

// CancelOutcome reports what a Cancel call actually did.
type CancelOutcome string

const (
	// CancelOutcomeCancelled: the entry was still pending and was removed.
	CancelOutcomeCancelled CancelOutcome = "cancelled"
	// CancelOutcomeStopped: a running execution was stopped.
	CancelOutcomeStopped CancelOutcome = "stopped"
	// CancelOutcomeNoActiveEntry: nothing to do; the session had no pending
	// or processing entry (it may have just finished).
	CancelOutcomeNoActiveEntry CancelOutcome = "no_active_entry"
)

// Cancel cancels a session's active entry. Racing a completion is safe: the
// store transition is a compare-and-set, so exactly one outcome wins and a
// finished entry is never overwritten.
func (c *Controller) Cancel(ctx context.Context, sessionID string) (CancelOutcome, error) {
	for {
		e, err := c.store.ActiveEntryForSession(ctx, sessionID)
		if errors.Is(err, storage.ErrNotFound) {
			return CancelOutcomeNoActiveEntry, nil
		}
		if err != nil {
			return "", err
		}

		if e.Status == storage.StatusPending {
			ok, err := c.store.CancelPending(ctx, e.ID)
			if err != nil {
				return "", err
			}
			if !ok {
				// Lost the race with a claim; re-read and take the
				// processing path.
				continue
			}
			c.log.Info("pending entry cancelled",
				logx.String("entry_id", e.ID),
				logx.String("session_id", sessionID),
			)
			c.publishUpdate(e, storage.StatusCancelled, nil, "")
			c.notify()
			return CancelOutcomeCancelled, nil
		}

		// Processing: delegate to the execution supervisor so the runtime
		// is actually stopped before the entry is settled.
		ex := c.executionFor(e.ID)
		if ex == nil {
			// Processing but unknown to this process. Should not happen
			// outside a crashed predecessor; settle it directly.
			ok, err := c.store.FinishEntry(ctx, e.ID, storage.StatusCancelled, "")
			if err != nil {
				return "", err
			}
			if !ok {
				return CancelOutcomeNoActiveEntry, nil
			}
			c.publishUpdate(e, storage.StatusCancelled, nil, "")
			c.notify()
			return CancelOutcomeCancelled, nil
		}
		if err := ex.stop(ctx); err != nil {
			return "", err
		}
		return CancelOutcomeStopped, nil
	}
}

// PositionInfo describes where a pending entry sits in its queue.
type PositionInfo struct {
	AheadCount int `json:"ahead_count"`
}

// SessionStatus is the answer to a status query. IsQueued is true only while
// the entry is pending; Position is set in that case. A processing entry is
// returned with IsQueued false and no position.
type SessionStatus struct {
	IsQueued bool
	Entry    *storage.QueueEntry
	Position *PositionInfo
}

func (c *Controller) Status(ctx context.Context, sessionID string) (SessionStatus, error) {
	e, err := c.store.ActiveEntryForSession(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return SessionStatus{}, nil
	}
	if err != nil {
		return SessionStatus{}, err
	}
	st := SessionStatus{Entry: e}
	if e.Status == storage.StatusPending {
		pos, err := c.store.Position(ctx, e.ID)
		if err != nil {
			return SessionStatus{}, err
		}
		st.IsQueued = true
		st.Position = &PositionInfo{AheadCount: pos}
	}
	return st, nil
}

func (c *Controller) admissionLoop(ctx context.Context) error {
	for {
		c.drainPending(ctx)

		// The fallback poll is a safety net for missed wakes.
		timer := time.NewTimer(c.snapshot().FallbackPoll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-c.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// drainPending claims and launches work until every executor type is either
// empty or at its concurrency limit.
func (c *Controller) drainPending(ctx context.Context) {
	s := c.snapshot()
	if !s.Enabled {
		return
	}
	types, err := c.store.ExecutorTypesWithPending(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Warn("pending scan failed", logx.Err(err))
		}
		return
	}
	for _, typ := range types {
		for ctx.Err() == nil {
			e, err := c.store.ClaimNext(ctx, typ, s.LimitFor(typ))
			if err != nil {
				if ctx.Err() == nil {
					c.log.Warn("claim failed", logx.String("executor_type", typ), logx.Err(err))
				}
				break
			}
			if e == nil {
				break
			}
			c.launch(ctx, e)
		}
	}
}

func (c *Controller) launch(ctx context.Context, e *storage.QueueEntry) {
	ex := newExecution(e)

	c.lcMu.Lock()
	sup := c.sup
	c.lcMu.Unlock()

	c.execMu.Lock()
	if c.interrupted || sup == nil {
		// Shutdown won the race; leave the entry processing so the restart
		// sweep fails it and the ledger path is not needed.
		c.execMu.Unlock()
		return
	}
	c.execs[e.ID] = ex
	c.execMu.Unlock()

	c.log.Info("execution starting",
		logx.String("entry_id", e.ID),
		logx.String("session_id", e.SessionID),
		logx.String("executor_type", e.ExecutorType),
	)
	c.publishUpdate(e, storage.StatusProcessing, nil, "")

	sup.Go0("exec."+shortID(e.ID), func(ctx context.Context) {
		c.run(ctx, ex)
	})
}

func (c *Controller) run(ctx context.Context, ex *execution) {
	e := ex.entry
	h, err := c.rt.Invoke(ctx, executor.Invocation{
		EntryID:        e.ID,
		SessionID:      e.SessionID,
		ExecutorType:   e.ExecutorType,
		Action:         e.ExecutorAction,
		AgentSessionID: e.AgentSessionID,
	})
	if err != nil {
		c.settle(ex, storage.StatusFailed, truncateError(err.Error()))
		return
	}
	ex.setHandle(h)

	res := <-h.Done()

	if ex.isInterrupted() {
		// Shutdown path: the entry stays processing and the ledger row is
		// written by interruptInFlight. Recovery resumes it on next start.
		ex.markFinished()
		return
	}

	status := storage.StatusCompleted
	msg := ""
	if res.Err != nil {
		if ex.cancelRequested() {
			status = storage.StatusCancelled
		} else {
			status = storage.StatusFailed
			msg = truncateError(res.Err.Error())
		}
	}
	c.settle(ex, status, msg)
}

// settle moves the entry to its terminal status and releases the slot.
func (c *Controller) settle(ex *execution, status storage.Status, errMsg string) {
	e := ex.entry
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ok, err := c.store.FinishEntry(ctx, e.ID, status, errMsg)
	if err != nil {
		c.log.Error("finish failed",
			logx.String("entry_id", e.ID),
			logx.String("status", string(status)),
			logx.Err(err),
		)
	} else if !ok {
		// Someone else settled it first; keep their outcome.
		c.log.Debug("entry already settled", logx.String("entry_id", e.ID))
	} else {
		c.log.Info("execution finished",
			logx.String("entry_id", e.ID),
			logx.String("session_id", e.SessionID),
			logx.String("status", string(status)),
		)
		c.publishUpdate(e, status, nil, errMsg)
	}

	c.execMu.Lock()
	delete(c.execs, e.ID)
	c.execMu.Unlock()
	ex.markFinished()
	c.notify()
}

// interruptInFlight stops every running execution and records it in the
// interrupted-execution ledger so the next start can re-enqueue it.
func (c *Controller) interruptInFlight(ctx context.Context) {
	c.execMu.Lock()
	c.interrupted = true
	snapshot := make([]*execution, 0, len(c.execs))
	for _, ex := range c.execs {
		ex.markInterrupted()
		snapshot = append(snapshot, ex)
	}
	c.execMu.Unlock()

	for _, ex := range snapshot {
		e := ex.entry
		agentSession := e.AgentSessionID
		if h := ex.handleIfReady(ctx); h != nil {
			if err := h.Stop(ctx); err != nil {
				c.log.Warn("execution stop failed during shutdown",
					logx.String("entry_id", e.ID), logx.Err(err))
			}
			if id := h.AgentSessionID(); id != "" {
				agentSession = id
			}
		}
		_, err := c.store.CreateInterrupted(ctx, storage.CreateInterruptedParams{
			SessionID:      e.SessionID,
			WorkspaceID:    e.WorkspaceID,
			ExecutorType:   e.ExecutorType,
			ExecutorAction: e.ExecutorAction,
			Priority:       e.Priority,
			AgentSessionID: agentSession,
		})
		if err != nil {
			c.log.Error("ledger write failed; execution will restart as failed",
				logx.String("entry_id", e.ID), logx.Err(err))
			continue
		}
		c.log.Info("execution interrupted for shutdown",
			logx.String("entry_id", e.ID),
			logx.String("session_id", e.SessionID),
			logx.Bool("agent_session_known", agentSession != ""),
		)
	}
}

func (c *Controller) executionFor(entryID string) *execution {
	c.execMu.Lock()
	defer c.execMu.Unlock()
	return c.execs[entryID]
}

func (c *Controller) publishUpdate(e *storage.QueueEntry, status storage.Status, pos *int, errMsg string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{
		Type: EventQueueUpdate,
		Data: QueueUpdate{
			EntryID:      e.ID,
			SessionID:    e.SessionID,
			ExecutorType: e.ExecutorType,
			Status:       status,
			Position:     pos,
			ErrorMessage: errMsg,
		},
	})
}

func truncateError(s string) string {
	if len(s) <= maxErrorMessageLen {
		return s
	}
	return s[:maxErrorMessageLen]
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
