package tickstore

import (
	"database/sql"
	"fmt"
	"time"
)

const timeFmt = time.RFC3339Nano

// TickRecord is one row of the tick history table.
type TickRecord struct {
	TickID    int
	Reason    string
	SessionID string
	StartedAt time.Time
	EndedAt   *time.Time
	Status    string
	ErrorKind string
}

// Begin inserts (or, for a tick number already seen after a crash-restart,
// idempotently updates) the starting row for a tick.
func (s *Store) Begin(tickID int, reason, sessionID string, startedAt time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO ticks (tick_id, reason, session_id, started_at, status)
		VALUES (?, ?, ?, ?, 'running')
		ON CONFLICT(tick_id) DO UPDATE SET
			reason = excluded.reason,
			session_id = excluded.session_id,
			started_at = excluded.started_at,
			status = 'running'`,
		tickID, reason, sessionID, startedAt.UTC().Format(timeFmt))
	if err != nil {
		return fmt.Errorf("tickstore: begin tick %d: %w", tickID, err)
	}
	return nil
}

// End records a tick's final status, error kind (empty for a normal
// ending), and end time.
func (s *Store) End(tickID int, status, errorKind string, endedAt time.Time) error {
	_, err := s.db.Exec(`
		UPDATE ticks SET status = ?, error_kind = ?, ended_at = ? WHERE tick_id = ?`,
		status, errorKind, endedAt.UTC().Format(timeFmt), tickID)
	if err != nil {
		return fmt.Errorf("tickstore: end tick %d: %w", tickID, err)
	}
	return nil
}

// Get returns one tick record by ID.
func (s *Store) Get(tickID int) (*TickRecord, error) {
	r := &TickRecord{}
	var started string
	var ended sql.NullString
	err := s.db.QueryRow(`
		SELECT tick_id, reason, session_id, started_at, ended_at, status, error_kind
		FROM ticks WHERE tick_id = ?`, tickID).Scan(
		&r.TickID, &r.Reason, &r.SessionID, &started, &ended, &r.Status, &r.ErrorKind)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tickstore: get tick %d: %w", tickID, err)
	}
	if r.StartedAt, err = time.Parse(timeFmt, started); err != nil {
		return nil, fmt.Errorf("tickstore: parse started_at for tick %d: %w", tickID, err)
	}
	if ended.Valid {
		t, err := time.Parse(timeFmt, ended.String)
		if err != nil {
			return nil, fmt.Errorf("tickstore: parse ended_at for tick %d: %w", tickID, err)
		}
		r.EndedAt = &t
	}
	return r, nil
}

// List returns the most recent limit ticks, newest first. limit <= 0
// means no bound.
func (s *Store) List(limit int) ([]TickRecord, error) {
	query := `SELECT tick_id, reason, session_id, started_at, ended_at, status, error_kind
		FROM ticks ORDER BY tick_id DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("tickstore: list ticks: %w", err)
	}
	defer rows.Close()

	var out []TickRecord
	for rows.Next() {
		var r TickRecord
		var started string
		var ended sql.NullString
		if err := rows.Scan(&r.TickID, &r.Reason, &r.SessionID, &started, &ended, &r.Status, &r.ErrorKind); err != nil {
			return nil, fmt.Errorf("tickstore: scan tick row: %w", err)
		}
		if r.StartedAt, err = time.Parse(timeFmt, started); err != nil {
			return nil, fmt.Errorf("tickstore: parse started_at: %w", err)
		}
		if ended.Valid {
			t, err := time.Parse(timeFmt, ended.String)
			if err != nil {
				return nil, fmt.Errorf("tickstore: parse ended_at: %w", err)
			}
			r.EndedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
