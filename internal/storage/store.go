package storage

import (
	"context"
	"time"
)

// Store is the persistence API used by dispatch, recovery and the janitor.
type Store interface {
	// Queue entries.
	CreateEntry(ctx context.Context, p CreateEntryParams) (*QueueEntry, error)
	Entry(ctx context.Context, id string) (*QueueEntry, error)
	ActiveEntryForSession(ctx context.Context, sessionID string) (*QueueEntry, error)
	ClaimNext(ctx context.Context, executorType string, limit int) (*QueueEntry, error)
	CancelPending(ctx context.Context, id string) (bool, error)
	FinishEntry(ctx context.Context, id string, status Status, errorMessage string) (bool, error)
	Position(ctx context.Context, id string) (int, error)
	ExecutorTypesWithPending(ctx context.Context) ([]string, error)
	QueueStats(ctx context.Context) (Stats, error)
	FailOrphanedProcessing(ctx context.Context, errorMessage string) (int64, error)
	CleanupTerminal(ctx context.Context, olderThan time.Time) (int64, error)

	// Interrupted-execution ledger.
	CreateInterrupted(ctx context.Context, p CreateInterruptedParams) (*InterruptedExecution, error)
	NotResumed(ctx context.Context) ([]InterruptedExecution, error)
	MarkResumed(ctx context.Context, id string) (bool, error)
	CleanupResumed(ctx context.Context, olderThan time.Time) (int64, error)

	Close() error
}
