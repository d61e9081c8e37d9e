package recovery

import (
	"context"
	"path/filepath"
	"testing"

	"dispatchd/internal/eventbus"
	"dispatchd/internal/storage"
	logx "dispatchd/pkg/logx"
)

func openStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// simulateCrashMidExecution leaves the store the way an unclean stop does:
// the entry is still processing and a ledger row exists.
func simulateCrashMidExecution(t *testing.T, st storage.Store, sessionID string, priority int, agentSession string) *storage.QueueEntry {
	t.Helper()
	ctx := context.Background()
	e, err := st.CreateEntry(ctx, storage.CreateEntryParams{
		SessionID:      sessionID,
		WorkspaceID:    "ws1",
		ExecutorType:   "e",
		ExecutorAction: `{"prompt":"work"}`,
		Priority:       priority,
	})
	if err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	if _, err := st.ClaimNext(ctx, "e", 0); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if _, err := st.CreateInterrupted(ctx, storage.CreateInterruptedParams{
		SessionID:      sessionID,
		WorkspaceID:    e.WorkspaceID,
		ExecutorType:   e.ExecutorType,
		ExecutorAction: e.ExecutorAction,
		Priority:       e.Priority,
		AgentSessionID: agentSession,
	}); err != nil {
		t.Fatalf("CreateInterrupted: %v", err)
	}
	return e
}

func TestRecoverReEnqueuesInterruptedExecution(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	ctx := context.Background()

	old := simulateCrashMidExecution(t, st, "s1", 500, "agent-9")

	sum, err := Recover(ctx, st, 100, logx.Nop(), eventbus.New())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if sum.OrphansFailed != 1 || sum.Resumed != 1 || sum.Skipped != 0 {
		t.Fatalf("summary = %+v", sum)
	}

	// The orphan is failed with an explanatory message.
	got, err := st.Entry(ctx, old.ID)
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}
	if got.Status != storage.StatusFailed || got.ErrorMessage == "" {
		t.Errorf("orphan = %+v", got)
	}

	// A fresh pending entry exists, boosted to the recovered priority and
	// carrying the agent session.
	e, err := st.ActiveEntryForSession(ctx, "s1")
	if err != nil {
		t.Fatalf("ActiveEntryForSession: %v", err)
	}
	if e.Status != storage.StatusPending || e.Priority != 100 || e.AgentSessionID != "agent-9" {
		t.Errorf("re-enqueued entry = %+v", e)
	}
	if e.WorkspaceID != "ws1" {
		t.Errorf("workspace not carried over: %q", e.WorkspaceID)
	}
	if e.ExecutorAction != `{"prompt":"work"}` {
		t.Errorf("action not carried over: %q", e.ExecutorAction)
	}
}

func TestRecoverKeepsMoreUrgentOriginalPriority(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	ctx := context.Background()

	simulateCrashMidExecution(t, st, "s1", 5, "")

	if _, err := Recover(ctx, st, 100, logx.Nop(), nil); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	e, err := st.ActiveEntryForSession(ctx, "s1")
	if err != nil {
		t.Fatalf("ActiveEntryForSession: %v", err)
	}
	if e.Priority != 5 {
		t.Errorf("priority = %d, want the original 5", e.Priority)
	}
}

func TestRecoverIsIdempotent(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	ctx := context.Background()

	simulateCrashMidExecution(t, st, "s1", 500, "")

	if _, err := Recover(ctx, st, 100, logx.Nop(), nil); err != nil {
		t.Fatalf("first Recover: %v", err)
	}
	sum, err := Recover(ctx, st, 100, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("second Recover: %v", err)
	}
	if sum.OrphansFailed != 0 || sum.Resumed != 0 || sum.Skipped != 0 {
		t.Fatalf("second pass did work: %+v", sum)
	}

	// Still exactly one active entry for the session.
	if _, err := st.ActiveEntryForSession(ctx, "s1"); err != nil {
		t.Fatalf("ActiveEntryForSession: %v", err)
	}
	stats, err := st.QueueStats(ctx)
	if err != nil {
		t.Fatalf("QueueStats: %v", err)
	}
	if stats.Pending != 1 {
		t.Errorf("pending = %d, want 1", stats.Pending)
	}
}

func TestRecoverSkipsSupersededSessions(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	ctx := context.Background()

	simulateCrashMidExecution(t, st, "s1", 500, "")
	// Orphan sweep happens inside Recover, so fail it manually first to let
	// the session take new work before recovery runs.
	if _, err := st.FailOrphanedProcessing(ctx, "interrupted"); err != nil {
		t.Fatalf("FailOrphanedProcessing: %v", err)
	}
	newer, err := st.CreateEntry(ctx, storage.CreateEntryParams{
		SessionID:      "s1",
		ExecutorType:   "e",
		ExecutorAction: `{"prompt":"newer"}`,
	})
	if err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}

	sum, err := Recover(ctx, st, 100, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if sum.Resumed != 0 || sum.Skipped != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	// The newer submission is untouched; the ledger row is consumed.
	e, err := st.ActiveEntryForSession(ctx, "s1")
	if err != nil || e.ID != newer.ID {
		t.Fatalf("active entry = %+v err=%v", e, err)
	}
	rows, err := st.NotResumed(ctx)
	if err != nil || len(rows) != 0 {
		t.Fatalf("ledger rows = %v err=%v", rows, err)
	}
}
