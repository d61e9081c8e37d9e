package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, `
logging:
  level: debug
  console: true
storage:
  path: ./test.db
queue:
  enabled: true
  default_limit: 2
  limits:
    claude_code: 4
  recovered_priority: 100
  fallback_poll: 10s
executor:
  command: /usr/local/bin/agent-exec
  args: ["--json"]
api:
  addr: 127.0.0.1:0
`)

	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Queue.DefaultLimit != 2 {
		t.Errorf("queue.default_limit = %d, want 2", cfg.Queue.DefaultLimit)
	}
	if got := cfg.Queue.Limits["claude_code"]; got != 4 {
		t.Errorf("queue.limits[claude_code] = %d, want 4", got)
	}
	if cfg.Executor.Command == "" {
		t.Error("executor.command empty")
	}
	if m.Get() != cfg {
		t.Error("Get() did not return committed config")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, `
queue:
  enabled: true
  not_a_real_key: 1
`)

	m := NewConfigManager(path)
	if _, err := m.Parse(); err == nil {
		t.Fatal("Parse accepted unknown field")
	}
}

func TestParseRejectsTrailingJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeFile(t, path, `{"queue":{"enabled":true}}{"queue":{}}`)

	m := NewConfigManager(path)
	if _, err := m.Parse(); err == nil {
		t.Fatal("Parse accepted trailing JSON")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"  ", 0, false},
		{"5s", 5 * time.Second, false},
		{"250ms", 250 * time.Millisecond, false},
		{"-1s", 0, true},
		{"bogus", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseDurationField("test.field", tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseDurationField(%q): want error", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseDurationField(%q): %v", tc.raw, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseDurationField(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestSubscribeDropsOldestWhenFull(t *testing.T) {
	t.Parallel()

	m := NewConfigManager("unused")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	a := &Config{Queue: QueueConfig{DefaultLimit: 1}}
	b := &Config{Queue: QueueConfig{DefaultLimit: 2}}
	m.publish(a)
	m.publish(b)

	got := <-ch
	if got.Queue.DefaultLimit != 2 {
		t.Errorf("subscriber received stale config (default_limit=%d), want latest", got.Queue.DefaultLimit)
	}
}
