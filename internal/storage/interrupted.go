package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

const interruptedColumns = `id, session_id, workspace_id, executor_type, executor_action, priority, agent_session_id,
	interrupted_at, resumed, resumed_at`

func scanInterrupted(row rowScanner) (*InterruptedExecution, error) {
	var (
		ie            InterruptedExecution
		agentSession  sql.NullString
		interruptedAt int64
		resumed       int
		resumedAt     sql.NullInt64
	)
	err := row.Scan(
		&ie.ID, &ie.SessionID, &ie.WorkspaceID, &ie.ExecutorType, &ie.ExecutorAction, &ie.Priority, &agentSession,
		&interruptedAt, &resumed, &resumedAt,
	)
	if err != nil {
		return nil, err
	}
	ie.AgentSessionID = agentSession.String
	ie.InterruptedAt = time.Unix(0, interruptedAt)
	ie.Resumed = resumed != 0
	ie.ResumedAt = fromNullTime(resumedAt)
	return &ie, nil
}

// CreateInterrupted appends a ledger row for an execution that was stopped
// by shutdown before it could finish.
func (s *sqliteStore) CreateInterrupted(ctx context.Context, p CreateInterruptedParams) (*InterruptedExecution, error) {
	if strings.TrimSpace(p.SessionID) == "" {
		return nil, errors.New("storage: session id is required")
	}
	priority := p.Priority
	if priority <= 0 {
		priority = DefaultPriority
	}
	ie := &InterruptedExecution{
		ID:             uuid.NewString(),
		SessionID:      p.SessionID,
		WorkspaceID:    p.WorkspaceID,
		ExecutorType:   p.ExecutorType,
		ExecutorAction: p.ExecutorAction,
		Priority:       priority,
		AgentSessionID: p.AgentSessionID,
		InterruptedAt:  time.Now(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO interrupted_executions
		   (id, session_id, workspace_id, executor_type, executor_action, priority, agent_session_id, interrupted_at, resumed)
		 VALUES (?,?,?,?,?,?,?,?,0)`,
		ie.ID, ie.SessionID, ie.WorkspaceID, ie.ExecutorType, ie.ExecutorAction, ie.Priority, nullStr(ie.AgentSessionID),
		ie.InterruptedAt.UnixNano(),
	)
	if err != nil {
		return nil, err
	}
	return ie, nil
}

// NotResumed returns ledger rows awaiting recovery, oldest interruption first.
func (s *sqliteStore) NotResumed(ctx context.Context) ([]InterruptedExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+interruptedColumns+` FROM interrupted_executions
		 WHERE resumed = 0 ORDER BY interrupted_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []InterruptedExecution
	for rows.Next() {
		ie, err := scanInterrupted(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ie)
	}
	return out, rows.Err()
}

// MarkResumed flips a ledger row to resumed. Compare-and-set: returns false
// if the row was already resumed, so each interruption is consumed once.
func (s *sqliteStore) MarkResumed(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE interrupted_executions SET resumed = 1, resumed_at = ?
		 WHERE id = ? AND resumed = 0`,
		time.Now().UnixNano(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) CleanupResumed(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM interrupted_executions
		 WHERE resumed = 1 AND interrupted_at < ?`,
		olderThan.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
