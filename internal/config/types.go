package config

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`

	// Queue controls admission: per-executor concurrency limits and the
	// background admission loop.
	Queue QueueConfig `json:"queue"`

	Executor ExecutorConfig `json:"executor"`

	// Janitor prunes old terminal queue entries and resumed ledger rows.
	// If omitted, pruning is disabled.
	Janitor *JanitorConfig `json:"janitor,omitempty"`

	API APIConfig `json:"api"`

	// Push controls the client notification fan-out.
	Push *PushConfig `json:"push,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig locates the SQLite database file.
//
// Example:
//
//	"storage": { "path": "./dispatchd.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// QueueConfig controls the admission controller.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Limits maps an executor type to its maximum concurrent executions.
// A limit of 0 means unlimited. Executor types missing from the map use
// DefaultLimit.
//
// Defaults (when fields are omitted/zero):
//   - default_limit: 1
//   - recovered_priority: 100
//   - fallback_poll: "30s"
type QueueConfig struct {
	Enabled      bool           `json:"enabled"`
	DefaultLimit int            `json:"default_limit,omitempty"`
	Limits       map[string]int `json:"limits,omitempty"`

	// RecoveredPriority is assigned to entries re-enqueued by recovery when it
	// is lower (= more urgent) than the entry's original priority.
	RecoveredPriority int `json:"recovered_priority,omitempty"`

	// FallbackPoll bounds how long the admission loop sleeps without a wake
	// signal. Acts as a safety net in case a notification is missed.
	FallbackPoll string `json:"fallback_poll,omitempty"`
}

// ExecutorConfig describes how the executor runtime is invoked.
//
// Command is executed once per admitted queue entry; the serialized executor
// action is written to its stdin. StopGrace bounds how long a stop request
// waits between SIGTERM and SIGKILL.
type ExecutorConfig struct {
	Command   string   `json:"command"`
	Args      []string `json:"args,omitempty"`
	StopGrace string   `json:"stop_grace,omitempty"` // Go duration string
}

// JanitorConfig controls periodic pruning.
//
// Schedule accepts a cron expression (robfig/cron, descriptors allowed, e.g.
// "@hourly"). Max ages are Go duration strings; 0 disables that pruner.
type JanitorConfig struct {
	Enabled      bool   `json:"enabled"`
	Schedule     string `json:"schedule,omitempty"`
	QueueMaxAge  string `json:"queue_max_age,omitempty"`
	LedgerMaxAge string `json:"ledger_max_age,omitempty"`
}

// APIConfig controls the HTTP server.
//
// WriteTimeout defaults to 0 (disabled) so the SSE event stream is not cut
// off by the server.
type APIConfig struct {
	Addr         string `json:"addr,omitempty"` // default: "127.0.0.1:8716"
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// PushConfig controls the client notification fan-out.
type PushConfig struct {
	Buffer     int `json:"buffer,omitempty"`       // per-subscriber buffer, default 64
	RatePerSec int `json:"rate_per_sec,omitempty"` // position recompute budget, default 20
}
