package cmdrunner

import (
	"context"
	"strings"
	"testing"
	"time"

	"dispatchd/internal/executor"
	logx "dispatchd/pkg/logx"
)

func shRunner(t *testing.T, script string, grace time.Duration) *Runner {
	t.Helper()
	return New("sh", []string{"-c", script}, grace, logx.Nop())
}

func waitResult(t *testing.T, h executor.Handle) executor.Result {
	t.Helper()
	select {
	case res := <-h.Done():
		return res
	case <-time.After(10 * time.Second):
		t.Fatal("execution did not finish")
		return executor.Result{}
	}
}

func TestInvokeParsesReport(t *testing.T) {
	t.Parallel()

	// The child must receive the payload on stdin and report the agent
	// session on its last stdout line; earlier lines are progress noise.
	script := `payload=$(cat)
case "$payload" in
*'"entry_id":"e1"'*) ;;
*) printf '%s\n' '{"error":"unexpected payload"}'; exit 0 ;;
esac
echo "working..."
printf '%s\n' '{"session_id":"agent-9"}'`

	r := shRunner(t, script, time.Second)
	h, err := r.Invoke(context.Background(), executor.Invocation{
		EntryID:      "e1",
		SessionID:    "s1",
		ExecutorType: "claude",
		Action:       `{"prompt":"hi"}`,
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	res := waitResult(t, h)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.AgentSessionID != "agent-9" {
		t.Fatalf("agent session = %q, want agent-9", res.AgentSessionID)
	}
	if got := h.AgentSessionID(); got != "agent-9" {
		t.Fatalf("handle agent session = %q, want agent-9", got)
	}
}

func TestInvokeErrorReport(t *testing.T) {
	t.Parallel()

	r := shRunner(t, `cat >/dev/null; printf '%s\n' '{"error":"boom"}'`, time.Second)
	h, err := r.Invoke(context.Background(), executor.Invocation{EntryID: "e1", Action: "{}"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	res := waitResult(t, h)
	if res.Err == nil || res.Err.Error() != "boom" {
		t.Fatalf("err = %v, want boom", res.Err)
	}
}

func TestInvokeNonzeroExit(t *testing.T) {
	t.Parallel()

	r := shRunner(t, `cat >/dev/null; echo "oops" >&2; exit 3`, time.Second)
	h, err := r.Invoke(context.Background(), executor.Invocation{EntryID: "e1", Action: "{}"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	res := waitResult(t, h)
	if res.Err == nil {
		t.Fatal("expected an error for exit code 3")
	}
	if !strings.Contains(res.Err.Error(), "oops") {
		t.Fatalf("err = %v, want stderr included", res.Err)
	}
}

func TestStopTerminatesChild(t *testing.T) {
	t.Parallel()

	r := New("sleep", []string{"30"}, 100*time.Millisecond, logx.Nop())
	h, err := r.Invoke(context.Background(), executor.Invocation{EntryID: "e1", Action: "{}"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	res := waitResult(t, h)
	if res.Err == nil {
		t.Fatal("expected an error after termination")
	}
}

func TestInvokeWithoutCommand(t *testing.T) {
	t.Parallel()

	r := New("", nil, 0, logx.Nop())
	if _, err := r.Invoke(context.Background(), executor.Invocation{EntryID: "e1"}); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestCappedBuffer(t *testing.T) {
	t.Parallel()

	b := &cappedBuffer{limit: 4}
	if n, _ := b.Write([]byte("abcdef")); n != 6 {
		t.Fatalf("n = %d, want 6 (writes never fail)", n)
	}
	if got := string(b.Bytes()); got != "abcd" {
		t.Fatalf("buf = %q, want abcd", got)
	}
	_, _ = b.Write([]byte("xyz"))
	if got := string(b.Bytes()); got != "abcd" {
		t.Fatalf("buf = %q, want abcd after overflow", got)
	}
}
