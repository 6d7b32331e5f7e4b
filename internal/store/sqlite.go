package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kmcai/portfolio-status/internal/domain"
	"github.com/kmcai/portfolio-status/internal/shared"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes writers to avoid SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		completed INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

	CREATE TABLE IF NOT EXISTS updates (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		event TEXT NOT NULL,
		step_kind TEXT,
		progress INTEGER NOT NULL DEFAULT 0,
		payload TEXT NOT NULL,
		received_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_updates_session ON updates(session_id, seq);
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

// AppendUpdate records an update and bumps its session.
func (s *SQLiteStore) AppendUpdate(ctx context.Context, entry *domain.JournalEntry) (int64, error) {
	if entry.ReceivedAt.IsZero() {
		entry.ReceivedAt = time.Now().UTC()
	}

	var seq int64
	err := shared.RetryOnConflict(ctx, "append update", func() error {
		var err error
		seq, err = s.appendOnce(ctx, entry)
		return err
	})
	if err != nil {
		return 0, err
	}
	entry.Seq = seq
	return seq, nil
}

func (s *SQLiteStore) appendOnce(ctx context.Context, entry *domain.JournalEntry) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	received := entry.ReceivedAt.UnixMilli()
	completed := 0
	if entry.Event == domain.EventProcessingCompleteUpdate {
		completed = 1
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO sessions (session_id, created_at, updated_at, completed)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		updated_at = excluded.updated_at,
		completed = MAX(sessions.completed, excluded.completed)`,
		entry.SessionID, received, received, completed,
	)
	if err != nil {
		return 0, fmt.Errorf("upsert session: %w", err)
	}

	var stepKind any
	if entry.StepKind != "" {
		stepKind = string(entry.StepKind)
	}
	res, err := tx.ExecContext(ctx, `
	INSERT INTO updates (session_id, event, step_kind, progress, payload, received_at)
	VALUES (?, ?, ?, ?, ?, ?)`,
		entry.SessionID, entry.Event, stepKind, entry.Progress, string(entry.Payload), received,
	)
	if err != nil {
		return 0, fmt.Errorf("insert update: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get update seq: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return seq, nil
}

// ListUpdates returns the journaled updates of a session after afterSeq.
func (s *SQLiteStore) ListUpdates(ctx context.Context, sessionID string, afterSeq int64) ([]domain.JournalEntry, error) {
	query := `
		SELECT seq, session_id, event, step_kind, progress, payload, received_at
		FROM updates WHERE session_id = ? AND seq > ? ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, sessionID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("query updates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []domain.JournalEntry
	for rows.Next() {
		var e domain.JournalEntry
		var stepKind sql.NullString
		var payload string
		var received int64

		if err := rows.Scan(&e.Seq, &e.SessionID, &e.Event, &stepKind, &e.Progress, &payload, &received); err != nil {
			return nil, fmt.Errorf("scan update row: %w", err)
		}
		e.StepKind = domain.StepKind(stepKind.String)
		e.Payload = []byte(payload)
		e.ReceivedAt = time.UnixMilli(received).UTC()
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate updates: %w", err)
	}
	return entries, nil
}

// GetSession returns the summary of a journaled session.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.SessionRecord, error) {
	query := `
		SELECT s.session_id, s.created_at, s.updated_at, s.completed,
		       (SELECT COUNT(*) FROM updates u WHERE u.session_id = s.session_id)
		FROM sessions s WHERE s.session_id = ?`

	var rec domain.SessionRecord
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&rec.SessionID, &createdAt, &updatedAt, &rec.Completed, &rec.UpdateCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &rec, nil
}

// DeleteExpiredSessions removes sessions idle for longer than ttl.
func (s *SQLiteStore) DeleteExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).UnixMilli()

	var deleted int64
	err := shared.RetryOnConflict(ctx, "delete expired sessions", func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin cleanup: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
		DELETE FROM updates WHERE session_id IN (
			SELECT session_id FROM sessions WHERE updated_at < ?
		)`, threshold); err != nil {
			return fmt.Errorf("delete expired updates: %w", err)
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, threshold)
		if err != nil {
			return fmt.Errorf("delete expired sessions: %w", err)
		}
		if deleted, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		return tx.Commit()
	})
	return deleted, err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
