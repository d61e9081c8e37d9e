// Package recovery restores queue state after a restart.
//
// It runs once, before admission starts. First every leftover "processing"
// entry is failed (the process just started, so nothing can legitimately be
// running). Then each unconsumed ledger row is re-enqueued as a fresh pending
// entry carrying the interrupted execution's agent session, so the agent
// conversation continues instead of starting over.
package recovery

import (
	"context"
	"errors"

	"dispatchd/internal/eventbus"
	"dispatchd/internal/storage"
	logx "dispatchd/pkg/logx"
)

const (
	// EventRecovered is published once per completed recovery pass.
	EventRecovered = "recovery.done"

	interruptedByRestart = "execution was interrupted by a restart"
)

// Summary reports what a recovery pass did.
type Summary struct {
	OrphansFailed int64 `json:"orphans_failed"`
	Resumed       int   `json:"resumed"`
	Skipped       int   `json:"skipped"`
	Failed        int   `json:"failed"`
}

// Recover sweeps orphaned entries and re-enqueues interrupted executions.
//
// RecoveredPriority caps the re-enqueued priority: an interrupted execution
// is re-admitted at its original priority or recoveredPriority, whichever is
// more urgent. The pass is idempotent; each ledger row is consumed exactly
// once, and a crash mid-pass only leaves rows for the next pass.
func Recover(ctx context.Context, store storage.Store, recoveredPriority int, log logx.Logger, bus eventbus.Bus) (Summary, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	var sum Summary

	n, err := store.FailOrphanedProcessing(ctx, interruptedByRestart)
	if err != nil {
		return sum, err
	}
	sum.OrphansFailed = n
	if n > 0 {
		log.Warn("orphaned processing entries failed", logx.Int64("count", n))
	}

	rows, err := store.NotResumed(ctx)
	if err != nil {
		return sum, err
	}
	for _, row := range rows {
		// Consume the row first so a crash mid-loop cannot double-enqueue.
		ok, err := store.MarkResumed(ctx, row.ID)
		if err != nil {
			// Row failures are isolated; the rest of the pass proceeds.
			sum.Failed++
			log.Warn("ledger row consume failed",
				logx.String("ledger_id", row.ID), logx.Err(err))
			continue
		}
		if !ok {
			continue
		}

		priority := row.Priority
		if recoveredPriority > 0 && recoveredPriority < priority {
			priority = recoveredPriority
		}
		e, err := store.CreateEntry(ctx, storage.CreateEntryParams{
			SessionID:      row.SessionID,
			WorkspaceID:    row.WorkspaceID,
			ExecutorType:   row.ExecutorType,
			ExecutorAction: row.ExecutorAction,
			Priority:       priority,
			AgentSessionID: row.AgentSessionID,
		})
		if errors.Is(err, storage.ErrDuplicateActiveSession) {
			// The session got new work before recovery ran; the newer
			// submission supersedes the interrupted one.
			sum.Skipped++
			log.Info("interrupted execution superseded by newer entry",
				logx.String("session_id", row.SessionID))
			continue
		}
		if err != nil {
			sum.Failed++
			log.Warn("interrupted execution re-enqueue failed",
				logx.String("ledger_id", row.ID),
				logx.String("session_id", row.SessionID),
				logx.Err(err),
			)
			continue
		}
		sum.Resumed++
		log.Info("interrupted execution re-enqueued",
			logx.String("entry_id", e.ID),
			logx.String("session_id", e.SessionID),
			logx.Int("priority", e.Priority),
			logx.Bool("agent_session_known", e.AgentSessionID != ""),
		)
	}

	if bus != nil && (sum.OrphansFailed > 0 || sum.Resumed > 0 || sum.Skipped > 0 || sum.Failed > 0) {
		bus.Publish(eventbus.Event{Type: EventRecovered, Data: sum})
	}
	return sum, nil
}
