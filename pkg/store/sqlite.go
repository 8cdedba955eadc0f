package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLite opens or creates the database at dbPath.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode keeps the writer from blocking concurrent readers.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		turn_count INTEGER NOT NULL DEFAULT 0,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		cached_tokens INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, started_at);

	CREATE TABLE IF NOT EXISTS turns (
		session_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		user_text TEXT NOT NULL,
		agent_text TEXT NOT NULL,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		cached_tokens INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, idx)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	query := `
	INSERT INTO sessions (session_id, agent_id, user_id, status, started_at)
	VALUES (?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		sess.ID, sess.AgentID, sess.UserID, string(sess.Status), sess.StartedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) InsertTurn(ctx context.Context, t *Turn) error {
	query := `
	INSERT INTO turns (session_id, idx, user_text, agent_text,
		input_tokens, output_tokens, total_tokens, cached_tokens, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, query,
		t.SessionID, t.Index, t.UserText, t.AgentText,
		t.InputTokens, t.OutputTokens, t.TotalTokens, t.CachedTokens,
		createdAt.Unix())
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateSessionTotals(ctx context.Context, sessionID string, c Counters) error {
	query := `
	UPDATE sessions SET
		turn_count = ?, input_tokens = ?, output_tokens = ?,
		total_tokens = ?, cached_tokens = ?
	WHERE session_id = ?`

	result, err := s.db.ExecContext(ctx, query,
		c.TurnCount, c.InputTokens, c.OutputTokens, c.TotalTokens, c.CachedTokens,
		sessionID)
	if err != nil {
		return fmt.Errorf("update session totals: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("update session totals: %w", ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) CloseSession(ctx context.Context, sessionID string, status Status, endedAt time.Time, durationMs int64) error {
	query := `
	UPDATE sessions SET status = ?, ended_at = ?, duration_ms = ?
	WHERE session_id = ?`

	result, err := s.db.ExecContext(ctx, query,
		string(status), endedAt.Unix(), durationMs, sessionID)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("close session: %w", ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	query := `
	SELECT session_id, agent_id, user_id, status, started_at, ended_at, duration_ms,
	       turn_count, input_tokens, output_tokens, total_tokens, cached_tokens
	FROM sessions WHERE session_id = ?`

	row := s.db.QueryRowContext(ctx, query, sessionID)

	var sess Session
	var status string
	var startedAt int64
	var endedAt sql.NullInt64

	err := row.Scan(
		&sess.ID, &sess.AgentID, &sess.UserID, &status, &startedAt, &endedAt,
		&sess.DurationMs, &sess.TurnCount, &sess.InputTokens, &sess.OutputTokens,
		&sess.TotalTokens, &sess.CachedTokens,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	sess.Status = Status(status)
	sess.StartedAt = time.Unix(startedAt, 0)
	if endedAt.Valid {
		sess.EndedAt = time.Unix(endedAt.Int64, 0)
	}
	return &sess, nil
}

// ListSessions returns a user's sessions, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string) ([]*Session, error) {
	query := `
	SELECT session_id, agent_id, user_id, status, started_at, ended_at, duration_ms,
	       turn_count, input_tokens, output_tokens, total_tokens, cached_tokens
	FROM sessions WHERE user_id = ? ORDER BY started_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var sess Session
		var status string
		var startedAt int64
		var endedAt sql.NullInt64

		if err := rows.Scan(
			&sess.ID, &sess.AgentID, &sess.UserID, &status, &startedAt, &endedAt,
			&sess.DurationMs, &sess.TurnCount, &sess.InputTokens, &sess.OutputTokens,
			&sess.TotalTokens, &sess.CachedTokens,
		); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sess.Status = Status(status)
		sess.StartedAt = time.Unix(startedAt, 0)
		if endedAt.Valid {
			sess.EndedAt = time.Unix(endedAt.Int64, 0)
		}
		sessions = append(sessions, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

func (s *SQLiteStore) ListTurns(ctx context.Context, sessionID string) ([]*Turn, error) {
	query := `
	SELECT session_id, idx, user_text, agent_text,
	       input_tokens, output_tokens, total_tokens, cached_tokens, created_at
	FROM turns WHERE session_id = ? ORDER BY idx`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []*Turn
	for rows.Next() {
		var t Turn
		var createdAt int64
		if err := rows.Scan(
			&t.SessionID, &t.Index, &t.UserText, &t.AgentText,
			&t.InputTokens, &t.OutputTokens, &t.TotalTokens, &t.CachedTokens,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		t.CreatedAt = time.Unix(createdAt, 0)
		turns = append(turns, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return turns, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
