// Package transcript keeps a SQLite record of session events.
package transcript

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chatwire/internal/domain"

	_ "modernc.org/sqlite"
)

// Entry is one stored event.
type Entry struct {
	ID        int64
	SessionID string
	Kind      domain.EventKind
	UserID    string
	Nickname  string
	Channel   string
	Text      string
	Detail    string
	At        time.Time
}

// SessionRecord summarizes one connection.
type SessionRecord struct {
	ID        string
	Addr      string
	UserID    string
	StartedAt time.Time
	EndedAt   time.Time // zero while the session is open
	EndCause  string
	Events    int
}

// Query selects entries. Zero fields do not filter.
type Query struct {
	SessionID string
	Kinds     []domain.EventKind
	Since     time.Time
	Limit     int // most recent N, default 100
}

// Store is the SQLite-backed transcript.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the transcript database at dbPath and
// brings its schema up to date.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create transcript directory %s: %w", dir, err)
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot open transcript: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("transcript migration failed: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// DB exposes the underlying handle for diagnostics.
func (s *Store) DB() *sql.DB { return s.db }

// OpenSession records the start of a session. Calling it again for the same
// ID updates the address and user.
func (s *Store) OpenSession(ctx context.Context, rec SessionRecord) error {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, addr, user_id, started_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   addr = CASE WHEN excluded.addr != '' THEN excluded.addr ELSE sessions.addr END,
		   user_id = CASE WHEN excluded.user_id != '' THEN excluded.user_id ELSE sessions.user_id END`,
		rec.ID, rec.Addr, rec.UserID, rec.StartedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("open session %s: %w", rec.ID, err)
	}
	return nil
}

// EndSession marks a session closed. cause may be empty.
func (s *Store) EndSession(ctx context.Context, id string, at time.Time, cause string) error {
	if err := s.ensureSession(ctx, id, at); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, end_cause = ? WHERE id = ? AND ended_at = 0`,
		at.UnixMilli(), cause, id,
	)
	if err != nil {
		return fmt.Errorf("end session %s: %w", id, err)
	}
	return nil
}

func (s *Store) ensureSession(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (id, started_at) VALUES (?, ?)`, id, at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("register session %s: %w", id, err)
	}
	return nil
}

// Append stores e and returns its row ID. The session row is created on
// demand, since events can precede OpenSession.
func (s *Store) Append(ctx context.Context, e Entry) (int64, error) {
	if e.SessionID == "" {
		return 0, errors.New("transcript: entry without session")
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if err := s.ensureSession(ctx, e.SessionID, e.At); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (session_id, kind, user_id, nickname, channel, text, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, string(e.Kind), e.UserID, e.Nickname, e.Channel, e.Text, e.Detail, e.At.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("append %s event: %w", e.Kind, err)
	}
	return res.LastInsertId()
}

// Events returns the most recent entries matching q, oldest first.
func (s *Store) Events(ctx context.Context, q Query) ([]Entry, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	var where []string
	var args []any
	if q.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if len(q.Kinds) > 0 {
		marks := make([]string, len(q.Kinds))
		for i, k := range q.Kinds {
			marks[i] = "?"
			args = append(args, string(k))
		}
		where = append(where, "kind IN ("+strings.Join(marks, ", ")+")")
	}
	if !q.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, q.Since.UnixMilli())
	}

	query := `SELECT id, session_id, kind, user_id, nickname, channel, text, detail, created_at FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var kind string
		var at int64
		if err := rows.Scan(&e.ID, &e.SessionID, &kind, &e.UserID, &e.Nickname,
			&e.Channel, &e.Text, &e.Detail, &at); err != nil {
			return nil, err
		}
		e.Kind = domain.EventKind(kind)
		e.At = time.UnixMilli(at)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Sessions lists the most recently started sessions, newest first.
func (s *Store) Sessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.addr, s.user_id, s.started_at, s.ended_at, s.end_cause,
		        (SELECT COUNT(*) FROM events e WHERE e.session_id = s.id)
		 FROM sessions s ORDER BY s.started_at DESC, s.rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var r SessionRecord
		var started, ended int64
		if err := rows.Scan(&r.ID, &r.Addr, &r.UserID, &started, &ended, &r.EndCause, &r.Events); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMilli(started)
		if ended != 0 {
			r.EndedAt = time.UnixMilli(ended)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune deletes events older than cutoff, then closed sessions that ended
// before cutoff and have no events left. It returns the number of events
// removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	ms := cutoff.UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, ms)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	n, _ := res.RowsAffected()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE ended_at != 0 AND ended_at < ?
		 AND NOT EXISTS (SELECT 1 FROM events e WHERE e.session_id = sessions.id)`, ms,
	); err != nil {
		return n, fmt.Errorf("prune sessions: %w", err)
	}
	if n > 0 {
		s.logger.Info("transcript pruned", "events", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	return n, nil
}

// PruneDays applies a retention period in days. Zero keeps everything.
func (s *Store) PruneDays(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	return s.Prune(ctx, time.Now().AddDate(0, 0, -days))
}

func (s *Store) Close() error {
	return s.db.Close()
}
