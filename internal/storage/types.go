package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("storage: not found")

	// ErrDuplicateActiveSession is returned by CreateEntry when the session
	// already has a pending or processing entry.
	ErrDuplicateActiveSession = errors.New("storage: session already has an active queue entry")
)

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default (5s)
}

// Status is the lifecycle state of a queue entry.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether the status is final. Terminal entries never
// change again and are eventually pruned.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// DefaultPriority is assigned to submissions that don't specify one.
// Lower values are more urgent.
const DefaultPriority = 1000

// QueueEntry is one queued (or finished) execution request.
//
// ExecutorAction is an opaque JSON document handed to the executor runtime;
// the store never interprets it. AgentSessionID carries conversational
// continuity across a recovery re-enqueue and may be empty.
type QueueEntry struct {
	ID             string
	SessionID      string
	WorkspaceID    string
	ExecutorType   string
	ExecutorAction string
	Priority       int
	Status         Status
	QueuedAt       time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	ErrorMessage   string
	AgentSessionID string
}

// CreateEntryParams holds the caller-supplied fields of a new entry.
// Priority <= 0 means DefaultPriority.
type CreateEntryParams struct {
	SessionID      string
	WorkspaceID    string
	ExecutorType   string
	ExecutorAction string
	Priority       int
	AgentSessionID string
}

// InterruptedExecution is one row of the interrupted-execution ledger.
// Rows are written when a running execution is interrupted by shutdown and
// consumed (resumed) exactly once by recovery on the next start.
type InterruptedExecution struct {
	ID             string
	SessionID      string
	WorkspaceID    string
	ExecutorType   string
	ExecutorAction string
	Priority       int
	AgentSessionID string
	InterruptedAt  time.Time
	Resumed        bool
	ResumedAt      *time.Time
}

// CreateInterruptedParams holds the fields of a new ledger row.
// Priority is the interrupted entry's priority; recovery uses it to decide
// how urgently the work is re-enqueued.
type CreateInterruptedParams struct {
	SessionID      string
	WorkspaceID    string
	ExecutorType   string
	ExecutorAction string
	Priority       int
	AgentSessionID string
}

// TypeCounts is the per-executor-type slice of Stats.
type TypeCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
}

// Stats is a point-in-time summary of queue depth.
type Stats struct {
	Pending    int                   `json:"pending"`
	Processing int                   `json:"processing"`
	ByType     map[string]TypeCounts `json:"by_type"`
}
