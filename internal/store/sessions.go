package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateSession persists a freshly authorized session.
func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, room, client_ip, target_ip, created_at, expires_at, active, user_agent, last_activity)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Room, sess.ClientIP, sess.TargetIP,
		sess.CreatedAt.Unix(), sess.ExpiresAt.Unix(), boolToInt(sess.Active),
		sess.UserAgent, sess.LastActivity.Unix())
	if err != nil {
		return fmt.Errorf("create session %s: %w", sess.ID, err)
	}
	return nil
}

// FindSession returns the session with the given id, or ErrNotFound.
func (s *Store) FindSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, sessionSelect+` WHERE id = ?`, id)
	return scanSession(row)
}

// ListActiveSessions returns every session still marked active, newest
// first.
func (s *Store) ListActiveSessions(ctx context.Context) ([]Session, error) {
	return s.querySessions(ctx, sessionSelect+` WHERE active = 1 ORDER BY created_at DESC`)
}

// ActiveSessionsForRoom returns the active sessions bound to a room.
func (s *Store) ActiveSessionsForRoom(ctx context.Context, room string) ([]Session, error) {
	return s.querySessions(ctx, sessionSelect+` WHERE room = ? AND active = 1`, room)
}

// ActiveSessionsExpiredBefore returns sessions whose expiry has passed
// but which are still marked active, the sweep's work list.
func (s *Store) ActiveSessionsExpiredBefore(ctx context.Context, t time.Time) ([]Session, error) {
	return s.querySessions(ctx,
		sessionSelect+` WHERE active = 1 AND expires_at <= ?`, t.Unix())
}

// MarkSessionInactive transitions a session to terminated. The record
// itself is retained as history.
func (s *Store) MarkSessionInactive(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark session %s inactive: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchSession updates the last-activity timestamp.
func (s *Store) TouchSession(ctx context.Context, id string, t time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity = ? WHERE id = ?`, t.Unix(), id)
	if err != nil {
		return fmt.Errorf("touch session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountActiveSessions returns the number of sessions marked active.
func (s *Store) CountActiveSessions(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE active = 1`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	return n, nil
}

const sessionSelect = `SELECT id, room, client_ip, target_ip, created_at, expires_at, active, user_agent, last_activity FROM sessions`

func (s *Store) querySessions(ctx context.Context, query string, args ...any) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var createdAt, expiresAt, lastActivity int64
	var active int
	err := row.Scan(&sess.ID, &sess.Room, &sess.ClientIP, &sess.TargetIP,
		&createdAt, &expiresAt, &active, &sess.UserAgent, &lastActivity)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.CreatedAt = unixTime(createdAt)
	sess.ExpiresAt = unixTime(expiresAt)
	sess.Active = active != 0
	sess.LastActivity = unixTime(lastActivity)
	return &sess, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}
