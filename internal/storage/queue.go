package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const entryColumns = `id, session_id, workspace_id, executor_type, executor_action, priority, status,
	queued_at, started_at, completed_at, error_message, agent_session_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*QueueEntry, error) {
	var (
		e            QueueEntry
		status       string
		queuedAt     int64
		startedAt    sql.NullInt64
		completedAt  sql.NullInt64
		errMsg       sql.NullString
		agentSession sql.NullString
	)
	err := row.Scan(
		&e.ID, &e.SessionID, &e.WorkspaceID, &e.ExecutorType, &e.ExecutorAction, &e.Priority, &status,
		&queuedAt, &startedAt, &completedAt, &errMsg, &agentSession,
	)
	if err != nil {
		return nil, err
	}
	e.Status = Status(status)
	e.QueuedAt = time.Unix(0, queuedAt)
	e.StartedAt = fromNullTime(startedAt)
	e.CompletedAt = fromNullTime(completedAt)
	e.ErrorMessage = errMsg.String
	e.AgentSessionID = agentSession.String
	return &e, nil
}

// CreateEntry admits a new pending entry. The duplicate-session check and
// the insert run in one transaction so two concurrent submissions for the
// same session cannot both pass.
func (s *sqliteStore) CreateEntry(ctx context.Context, p CreateEntryParams) (*QueueEntry, error) {
	if strings.TrimSpace(p.SessionID) == "" {
		return nil, errors.New("storage: session id is required")
	}
	if strings.TrimSpace(p.ExecutorType) == "" {
		return nil, errors.New("storage: executor type is required")
	}
	priority := p.Priority
	if priority <= 0 {
		priority = DefaultPriority
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var active int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_entries WHERE session_id = ? AND status IN ('pending','processing')`,
		p.SessionID,
	).Scan(&active)
	if err != nil {
		return nil, err
	}
	if active > 0 {
		return nil, ErrDuplicateActiveSession
	}

	e := &QueueEntry{
		ID:             uuid.NewString(),
		SessionID:      p.SessionID,
		WorkspaceID:    p.WorkspaceID,
		ExecutorType:   p.ExecutorType,
		ExecutorAction: p.ExecutorAction,
		Priority:       priority,
		Status:         StatusPending,
		QueuedAt:       time.Now(),
		AgentSessionID: p.AgentSessionID,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO queue_entries
		   (id, session_id, workspace_id, executor_type, executor_action, priority, status, queued_at, agent_session_id)
		 VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ID, e.SessionID, e.WorkspaceID, e.ExecutorType, e.ExecutorAction, e.Priority, string(e.Status),
		e.QueuedAt.UnixNano(), nullStr(e.AgentSessionID),
	)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *sqliteStore) Entry(ctx context.Context, id string) (*QueueEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM queue_entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// ActiveEntryForSession returns the session's pending or processing entry.
// A session has at most one (enforced by CreateEntry).
func (s *sqliteStore) ActiveEntryForSession(ctx context.Context, sessionID string) (*QueueEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM queue_entries
		 WHERE session_id = ? AND status IN ('pending','processing')
		 ORDER BY queued_at DESC, id DESC LIMIT 1`,
		sessionID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// ClaimNext atomically moves the most urgent pending entry of the given
// executor type to processing, honoring the concurrency limit (0 means
// unlimited). The limit check and the claim share one transaction, so the
// processing count can never exceed the limit. Returns (nil, nil) when
// nothing is claimable.
func (s *sqliteStore) ClaimNext(ctx context.Context, executorType string, limit int) (*QueueEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if limit > 0 {
		var processing int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM queue_entries WHERE executor_type = ? AND status = 'processing'`,
			executorType,
		).Scan(&processing)
		if err != nil {
			return nil, err
		}
		if processing >= limit {
			return nil, nil
		}
	}

	row := tx.QueryRowContext(ctx,
		`UPDATE queue_entries SET status = 'processing', started_at = ?
		 WHERE id = (
		   SELECT id FROM queue_entries
		   WHERE status = 'pending' AND executor_type = ?
		   ORDER BY priority ASC, queued_at ASC, id ASC
		   LIMIT 1
		 )
		 RETURNING `+entryColumns,
		time.Now().UnixNano(), executorType)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return e, nil
}

// CancelPending moves a pending entry to cancelled. Returns false when the
// entry was not pending anymore (already claimed or finished); the race
// loser simply observes the other transition.
func (s *sqliteStore) CancelPending(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_entries SET status = 'cancelled', completed_at = ?
		 WHERE id = ? AND status = 'pending'`,
		time.Now().UnixNano(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FinishEntry moves a processing entry to the given terminal status. It is
// a compare-and-set: exactly one of several racing finishers (completion,
// failure, cancellation) wins.
func (s *sqliteStore) FinishEntry(ctx context.Context, id string, status Status, errorMessage string) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("storage: %q is not a terminal status", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_entries SET status = ?, completed_at = ?, error_message = ?
		 WHERE id = ? AND status = 'processing'`,
		string(status), time.Now().UnixNano(), nullStr(errorMessage), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Position returns how many pending entries of the same executor type are
// ahead of the given pending entry. 0 means next in line. The ordering
// matches ClaimNext exactly (priority, queued_at, id).
func (s *sqliteStore) Position(ctx context.Context, id string) (int, error) {
	e, err := s.Entry(ctx, id)
	if err != nil {
		return 0, err
	}
	if e.Status != StatusPending {
		return 0, nil
	}
	var ahead int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_entries
		 WHERE status = 'pending' AND executor_type = ?
		   AND (priority < ?
		        OR (priority = ? AND queued_at < ?)
		        OR (priority = ? AND queued_at = ? AND id < ?))`,
		e.ExecutorType,
		e.Priority,
		e.Priority, e.QueuedAt.UnixNano(),
		e.Priority, e.QueuedAt.UnixNano(), e.ID,
	).Scan(&ahead)
	if err != nil {
		return 0, err
	}
	return ahead, nil
}

func (s *sqliteStore) ExecutorTypesWithPending(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT executor_type FROM queue_entries WHERE status = 'pending' ORDER BY executor_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var types []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, rows.Err()
}

func (s *sqliteStore) QueueStats(ctx context.Context) (Stats, error) {
	st := Stats{ByType: map[string]TypeCounts{}}
	rows, err := s.db.QueryContext(ctx,
		`SELECT executor_type, status, COUNT(*) FROM queue_entries
		 WHERE status IN ('pending','processing')
		 GROUP BY executor_type, status`)
	if err != nil {
		return st, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			typ, status string
			n           int
		)
		if err := rows.Scan(&typ, &status, &n); err != nil {
			return st, err
		}
		tc := st.ByType[typ]
		switch Status(status) {
		case StatusPending:
			tc.Pending = n
			st.Pending += n
		case StatusProcessing:
			tc.Processing = n
			st.Processing += n
		}
		st.ByType[typ] = tc
	}
	return st, rows.Err()
}

// FailOrphanedProcessing marks every processing entry as failed. Called once
// at startup: with the process freshly started, nothing can legitimately be
// processing, so any such row is a remnant of an unclean stop.
func (s *sqliteStore) FailOrphanedProcessing(ctx context.Context, errorMessage string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_entries SET status = 'failed', completed_at = ?, error_message = ?
		 WHERE status = 'processing'`,
		time.Now().UnixNano(), nullStr(errorMessage))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) CleanupTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM queue_entries
		 WHERE status IN ('completed','failed','cancelled')
		   AND completed_at IS NOT NULL AND completed_at < ?`,
		olderThan.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
