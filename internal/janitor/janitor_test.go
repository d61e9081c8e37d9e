package janitor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"dispatchd/internal/config"
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

func TestSweepPrunesOldRows(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	ctx := context.Background()

	// A terminal entry and a consumed ledger row, both old enough.
	e, err := st.CreateEntry(ctx, storage.CreateEntryParams{SessionID: "a", ExecutorType: "e", ExecutorAction: "{}"})
	if err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	if ok, err := st.CancelPending(ctx, e.ID); err != nil || !ok {
		t.Fatalf("CancelPending: ok=%v err=%v", ok, err)
	}
	row, err := st.CreateInterrupted(ctx, storage.CreateInterruptedParams{SessionID: "a", ExecutorType: "e", ExecutorAction: "{}"})
	if err != nil {
		t.Fatalf("CreateInterrupted: %v", err)
	}
	if ok, err := st.MarkResumed(ctx, row.ID); err != nil || !ok {
		t.Fatalf("MarkResumed: ok=%v err=%v", ok, err)
	}

	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	s := New(Options{
		Enabled:      true,
		Schedule:     "@hourly",
		QueueMaxAge:  time.Nanosecond,
		LedgerMaxAge: time.Nanosecond,
	}, st, logx.Nop(), bus)

	time.Sleep(10 * time.Millisecond)
	s.sweep()

	if _, err := st.Entry(ctx, e.ID); err == nil {
		t.Error("terminal entry survived sweep")
	}
	rows, err := st.CleanupResumed(ctx, time.Now())
	if err != nil {
		t.Fatalf("CleanupResumed: %v", err)
	}
	if rows != 0 {
		t.Errorf("ledger rows left for cleanup = %d, want 0", rows)
	}

	select {
	case ev := <-events:
		if ev.Type != EventSweep {
			t.Errorf("event type = %q, want %q", ev.Type, EventSweep)
		}
		res, ok := ev.Data.(SweepResult)
		if !ok || res.Entries != 1 || res.LedgerRows != 1 {
			t.Errorf("event data = %#v", ev.Data)
		}
	default:
		t.Error("no sweep event published")
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	s := New(Options{Enabled: true, Schedule: "not a cron line"}, openStore(t), logx.Nop(), nil)
	if err := s.Start(); err == nil {
		t.Fatal("Start accepted a bad schedule")
	}
}

func TestOptionsFromConfig(t *testing.T) {
	t.Parallel()

	o, err := OptionsFromConfig(nil)
	if err != nil || o.Enabled {
		t.Fatalf("nil section: %+v err=%v", o, err)
	}

	o, err = OptionsFromConfig(&config.JanitorConfig{Enabled: true})
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if o.Schedule != "@hourly" || o.QueueMaxAge != 7*24*time.Hour || o.LedgerMaxAge != 24*time.Hour {
		t.Errorf("defaults = %+v", o)
	}

	if _, err := OptionsFromConfig(&config.JanitorConfig{Enabled: true, QueueMaxAge: "bogus"}); err == nil {
		t.Error("bad duration accepted")
	}
}
