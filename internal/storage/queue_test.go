package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "dispatchd/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func mustCreate(t *testing.T, st Store, p CreateEntryParams) *QueueEntry {
	t.Helper()
	e, err := st.CreateEntry(context.Background(), p)
	if err != nil {
		t.Fatalf("CreateEntry(%+v): %v", p, err)
	}
	return e
}

func TestCreateEntryDefaults(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)

	e := mustCreate(t, st, CreateEntryParams{
		SessionID:      "s1",
		WorkspaceID:    "ws1",
		ExecutorType:   "claude_code",
		ExecutorAction: `{"prompt":"hi"}`,
	})
	if e.Priority != DefaultPriority {
		t.Errorf("priority = %d, want %d", e.Priority, DefaultPriority)
	}
	if e.Status != StatusPending {
		t.Errorf("status = %q, want pending", e.Status)
	}
	if e.ID == "" || e.QueuedAt.IsZero() {
		t.Error("id/queued_at not populated")
	}

	got, err := st.Entry(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}
	if got.SessionID != "s1" || got.WorkspaceID != "ws1" || got.ExecutorAction != `{"prompt":"hi"}` {
		t.Errorf("round-trip mismatch: %+v", got)
	}
}

func TestCreateEntryRejectsDuplicateActiveSession(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	mustCreate(t, st, CreateEntryParams{SessionID: "s1", ExecutorType: "e", ExecutorAction: "{}"})

	_, err := st.CreateEntry(ctx, CreateEntryParams{SessionID: "s1", ExecutorType: "e", ExecutorAction: "{}"})
	if !errors.Is(err, ErrDuplicateActiveSession) {
		t.Fatalf("second submit: err = %v, want ErrDuplicateActiveSession", err)
	}

	// Also rejected while processing.
	if _, err := st.ClaimNext(ctx, "e", 0); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	_, err = st.CreateEntry(ctx, CreateEntryParams{SessionID: "s1", ExecutorType: "e", ExecutorAction: "{}"})
	if !errors.Is(err, ErrDuplicateActiveSession) {
		t.Fatalf("submit while processing: err = %v, want ErrDuplicateActiveSession", err)
	}

	// Allowed again after the entry reaches a terminal status.
	e, err := st.ActiveEntryForSession(ctx, "s1")
	if err != nil {
		t.Fatalf("ActiveEntryForSession: %v", err)
	}
	if ok, err := st.FinishEntry(ctx, e.ID, StatusCompleted, ""); err != nil || !ok {
		t.Fatalf("FinishEntry: ok=%v err=%v", ok, err)
	}
	mustCreate(t, st, CreateEntryParams{SessionID: "s1", ExecutorType: "e", ExecutorAction: "{}"})
}

func TestClaimNextOrdersByPriorityThenAge(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	low1 := mustCreate(t, st, CreateEntryParams{SessionID: "a", ExecutorType: "e", ExecutorAction: "{}", Priority: 5})
	urgent := mustCreate(t, st, CreateEntryParams{SessionID: "b", ExecutorType: "e", ExecutorAction: "{}", Priority: 1})
	low2 := mustCreate(t, st, CreateEntryParams{SessionID: "c", ExecutorType: "e", ExecutorAction: "{}", Priority: 5})

	var order []string
	for {
		e, err := st.ClaimNext(ctx, "e", 0)
		if err != nil {
			t.Fatalf("ClaimNext: %v", err)
		}
		if e == nil {
			break
		}
		order = append(order, e.ID)
		if e.Status != StatusProcessing || e.StartedAt == nil {
			t.Errorf("claimed entry not processing: %+v", e)
		}
	}
	want := []string{urgent.ID, low1.ID, low2.ID}
	if len(order) != len(want) {
		t.Fatalf("claimed %d entries, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("claim order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestClaimNextHonorsLimit(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	for _, sid := range []string{"a", "b", "c"} {
		mustCreate(t, st, CreateEntryParams{SessionID: sid, ExecutorType: "e", ExecutorAction: "{}"})
	}

	first, err := st.ClaimNext(ctx, "e", 2)
	if err != nil || first == nil {
		t.Fatalf("first claim: %v %v", first, err)
	}
	second, err := st.ClaimNext(ctx, "e", 2)
	if err != nil || second == nil {
		t.Fatalf("second claim: %v %v", second, err)
	}
	third, err := st.ClaimNext(ctx, "e", 2)
	if err != nil {
		t.Fatalf("third claim: %v", err)
	}
	if third != nil {
		t.Fatalf("third claim admitted past limit: %+v", third)
	}

	// Finishing one frees a slot.
	if ok, err := st.FinishEntry(ctx, first.ID, StatusCompleted, ""); err != nil || !ok {
		t.Fatalf("FinishEntry: ok=%v err=%v", ok, err)
	}
	again, err := st.ClaimNext(ctx, "e", 2)
	if err != nil || again == nil {
		t.Fatalf("claim after free slot: %v %v", again, err)
	}
}

func TestClaimNextIsolatesExecutorTypes(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	mustCreate(t, st, CreateEntryParams{SessionID: "a", ExecutorType: "busy", ExecutorAction: "{}"})
	other := mustCreate(t, st, CreateEntryParams{SessionID: "b", ExecutorType: "idle", ExecutorAction: "{}"})

	if _, err := st.ClaimNext(ctx, "busy", 1); err != nil {
		t.Fatalf("ClaimNext busy: %v", err)
	}
	// busy is saturated; idle must still be claimable.
	if e, err := st.ClaimNext(ctx, "busy", 1); err != nil || e != nil {
		t.Fatalf("busy over limit: %v %v", e, err)
	}
	e, err := st.ClaimNext(ctx, "idle", 1)
	if err != nil || e == nil || e.ID != other.ID {
		t.Fatalf("idle claim: %v %v", e, err)
	}
}

func TestCancelPendingCAS(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	e := mustCreate(t, st, CreateEntryParams{SessionID: "s", ExecutorType: "e", ExecutorAction: "{}"})

	ok, err := st.CancelPending(ctx, e.ID)
	if err != nil || !ok {
		t.Fatalf("CancelPending: ok=%v err=%v", ok, err)
	}
	// Second attempt loses the race.
	ok, err = st.CancelPending(ctx, e.ID)
	if err != nil || ok {
		t.Fatalf("CancelPending repeat: ok=%v err=%v", ok, err)
	}

	got, err := st.Entry(ctx, e.ID)
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}
	if got.Status != StatusCancelled || got.CompletedAt == nil {
		t.Errorf("entry after cancel: %+v", got)
	}

	// A cancelled entry is never claimed.
	if c, err := st.ClaimNext(ctx, "e", 0); err != nil || c != nil {
		t.Fatalf("claimed cancelled entry: %v %v", c, err)
	}
}

func TestFinishEntrySingleWinner(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	e := mustCreate(t, st, CreateEntryParams{SessionID: "s", ExecutorType: "e", ExecutorAction: "{}"})
	if _, err := st.ClaimNext(ctx, "e", 0); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	ok, err := st.FinishEntry(ctx, e.ID, StatusCompleted, "")
	if err != nil || !ok {
		t.Fatalf("first finish: ok=%v err=%v", ok, err)
	}
	// Racing cancellation observes completion and must not overwrite it.
	ok, err = st.FinishEntry(ctx, e.ID, StatusCancelled, "")
	if err != nil || ok {
		t.Fatalf("second finish: ok=%v err=%v", ok, err)
	}

	got, err := st.Entry(ctx, e.ID)
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
}

func TestFinishEntryRejectsNonTerminal(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)

	if _, err := st.FinishEntry(context.Background(), "x", StatusPending, ""); err == nil {
		t.Fatal("FinishEntry accepted non-terminal status")
	}
}

func TestPosition(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	a := mustCreate(t, st, CreateEntryParams{SessionID: "a", ExecutorType: "e", ExecutorAction: "{}", Priority: 10})
	b := mustCreate(t, st, CreateEntryParams{SessionID: "b", ExecutorType: "e", ExecutorAction: "{}", Priority: 10})
	urgent := mustCreate(t, st, CreateEntryParams{SessionID: "c", ExecutorType: "e", ExecutorAction: "{}", Priority: 1})
	// Other executor types never affect the position.
	mustCreate(t, st, CreateEntryParams{SessionID: "d", ExecutorType: "other", ExecutorAction: "{}", Priority: 1})

	check := func(id string, want int) {
		t.Helper()
		got, err := st.Position(ctx, id)
		if err != nil {
			t.Fatalf("Position(%s): %v", id, err)
		}
		if got != want {
			t.Errorf("Position(%s) = %d, want %d", id, got, want)
		}
	}
	check(urgent.ID, 0)
	check(a.ID, 1)
	check(b.ID, 2)

	if _, err := st.Position(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Position(missing): err = %v, want ErrNotFound", err)
	}
}

func TestFailOrphanedProcessing(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	e := mustCreate(t, st, CreateEntryParams{SessionID: "s", ExecutorType: "e", ExecutorAction: "{}"})
	pending := mustCreate(t, st, CreateEntryParams{SessionID: "s2", ExecutorType: "e", ExecutorAction: "{}"})
	if _, err := st.ClaimNext(ctx, "e", 1); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	n, err := st.FailOrphanedProcessing(ctx, "execution was interrupted by a restart")
	if err != nil {
		t.Fatalf("FailOrphanedProcessing: %v", err)
	}
	if n != 1 {
		t.Fatalf("orphaned count = %d, want 1", n)
	}

	got, err := st.Entry(ctx, e.ID)
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}
	if got.Status != StatusFailed || got.ErrorMessage == "" {
		t.Errorf("orphan after sweep: %+v", got)
	}
	// Pending entries are untouched.
	got, err = st.Entry(ctx, pending.ID)
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("pending entry changed: %+v", got)
	}
}

func TestCleanupTerminal(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	old := mustCreate(t, st, CreateEntryParams{SessionID: "a", ExecutorType: "e", ExecutorAction: "{}"})
	if ok, err := st.CancelPending(ctx, old.ID); err != nil || !ok {
		t.Fatalf("CancelPending: ok=%v err=%v", ok, err)
	}
	keep := mustCreate(t, st, CreateEntryParams{SessionID: "b", ExecutorType: "e", ExecutorAction: "{}"})

	n, err := st.CleanupTerminal(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("CleanupTerminal: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted = %d, want 1", n)
	}
	if _, err := st.Entry(ctx, old.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("old entry still present: err = %v", err)
	}
	if _, err := st.Entry(ctx, keep.ID); err != nil {
		t.Errorf("pending entry deleted: %v", err)
	}
}

func TestQueueStats(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	mustCreate(t, st, CreateEntryParams{SessionID: "a", ExecutorType: "e1", ExecutorAction: "{}"})
	mustCreate(t, st, CreateEntryParams{SessionID: "b", ExecutorType: "e1", ExecutorAction: "{}"})
	mustCreate(t, st, CreateEntryParams{SessionID: "c", ExecutorType: "e2", ExecutorAction: "{}"})
	if _, err := st.ClaimNext(ctx, "e1", 0); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	stats, err := st.QueueStats(ctx)
	if err != nil {
		t.Fatalf("QueueStats: %v", err)
	}
	if stats.Pending != 2 || stats.Processing != 1 {
		t.Errorf("totals = %d pending / %d processing, want 2/1", stats.Pending, stats.Processing)
	}
	if tc := stats.ByType["e1"]; tc.Pending != 1 || tc.Processing != 1 {
		t.Errorf("e1 counts = %+v", tc)
	}
	if tc := stats.ByType["e2"]; tc.Pending != 1 || tc.Processing != 0 {
		t.Errorf("e2 counts = %+v", tc)
	}
}

func TestExecutorTypesWithPending(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	mustCreate(t, st, CreateEntryParams{SessionID: "a", ExecutorType: "zeta", ExecutorAction: "{}"})
	mustCreate(t, st, CreateEntryParams{SessionID: "b", ExecutorType: "alpha", ExecutorAction: "{}"})

	types, err := st.ExecutorTypesWithPending(ctx)
	if err != nil {
		t.Fatalf("ExecutorTypesWithPending: %v", err)
	}
	if len(types) != 2 || types[0] != "alpha" || types[1] != "zeta" {
		t.Errorf("types = %v", types)
	}
}
