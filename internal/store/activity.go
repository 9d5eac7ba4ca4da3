package store

import (
	"context"
	"fmt"
	"time"
)

// Activity levels, mirrored in the admin log view.
const (
	ActivityInfo    = "INFO"
	ActivityWarning = "WARNING"
	ActivityError   = "ERROR"
)

// AppendActivity persists one log line. Failures are logged and
// swallowed; the activity trail is best-effort and must never fail the
// operation being recorded.
func (s *Store) AppendActivity(ctx context.Context, ts time.Time, level, message, sessionID, sourceIP string) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activity_log (ts, level, message, session_id, source_ip)
		 VALUES (?, ?, ?, ?, ?)`,
		ts.Unix(), level, message, sessionID, sourceIP)
	if err != nil {
		s.logger.Error("failed to record activity", "error", err, "message", message)
	}
}

// RecentActivity returns up to limit entries, newest first.
func (s *Store) RecentActivity(ctx context.Context, limit int) ([]ActivityEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, level, message, session_id, source_ip
		 FROM activity_log ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent activity: %w", err)
	}
	defer rows.Close()

	var entries []ActivityEntry
	for rows.Next() {
		var e ActivityEntry
		var ts int64
		if err := rows.Scan(&e.ID, &ts, &e.Level, &e.Message, &e.SessionID, &e.SourceIP); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		e.Timestamp = unixTime(ts)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PruneActivityBefore deletes entries older than cutoff and reports how
// many were removed.
func (s *Store) PruneActivityBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM activity_log WHERE ts < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune activity: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
