package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/sessionbridge/internal/shared"
	_ "modernc.org/sqlite"
)

// historyCap bounds how many trailing messages a snapshot persists,
// independent of the in-memory session.History ring size — a persisted
// snapshot is a bounded projection, not the full live buffer.
const historyCap = 500

// SQLiteStore is the default Storage implementation: WAL journal mode, a
// bounded connection pool, and retry-with-exponential-backoff around
// SQLITE_BUSY.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) a WAL-mode SQLite database at
// dbPath and initializes the schema.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

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

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS session_snapshots (
		id TEXT PRIMARY KEY,
		backend_session_id TEXT,
		cwd TEXT NOT NULL,
		name TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		state_json TEXT NOT NULL,
		history_json TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_session_snapshots_updated ON session_snapshots(updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// SaveSnapshot upserts a session's persisted state, retrying on
// SQLITE_BUSY/locked.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	history := snap.History
	if len(history) > historyCap {
		history = history[len(history)-historyCap:]
	}

	stateJSON, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	var backendSessionID any
	if snap.BackendSessionID != "" {
		backendSessionID = snap.BackendSessionID
	}
	var name any
	if snap.Name != "" {
		name = snap.Name
	}

	query := `
	INSERT INTO session_snapshots (
		id, backend_session_id, cwd, name, created_at, updated_at, state_json, history_json
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		backend_session_id = excluded.backend_session_id,
		cwd = excluded.cwd,
		name = COALESCE(excluded.name, session_snapshots.name),
		updated_at = excluded.updated_at,
		state_json = excluded.state_json,
		history_json = excluded.history_json`

	return withRetry(func() error {
		_, err := s.db.ExecContext(ctx, query,
			snap.ID, backendSessionID, snap.Cwd, name,
			snap.CreatedAt.Unix(), time.Now().Unix(),
			string(stateJSON), string(historyJSON),
		)
		if err != nil {
			return fmt.Errorf("save snapshot %s: %w", snap.ID, err)
		}
		return nil
	})
}

func (s *SQLiteStore) LoadSnapshot(ctx context.Context, sessionID string) (*Snapshot, error) {
	query := `
		SELECT id, backend_session_id, cwd, name, created_at, state_json, history_json
		FROM session_snapshots WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, sessionID)

	var snap Snapshot
	var backendSessionID, name sql.NullString
	var createdAt int64
	var stateJSON, historyJSON string

	err := row.Scan(&snap.ID, &backendSessionID, &snap.Cwd, &name, &createdAt, &stateJSON, &historyJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan snapshot row: %w", err)
	}

	snap.BackendSessionID = backendSessionID.String
	snap.Name = name.String
	snap.CreatedAt = time.Unix(createdAt, 0)

	if err := json.Unmarshal([]byte(stateJSON), &snap.State); err != nil {
		return nil, fmt.Errorf("unmarshal session state: %w", err)
	}
	if err := json.Unmarshal([]byte(historyJSON), &snap.History); err != nil {
		return nil, fmt.Errorf("unmarshal history: %w", err)
	}
	return &snap, nil
}

func (s *SQLiteStore) DeleteSnapshot(ctx context.Context, sessionID string) error {
	return withRetry(func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM session_snapshots WHERE id = ?`, sessionID)
		if err != nil {
			return fmt.Errorf("delete snapshot %s: %w", sessionID, err)
		}
		return nil
	})
}

// ListExpired returns ids of snapshots not updated within ttl.
func (s *SQLiteStore) ListExpired(ctx context.Context, ttl time.Duration) ([]string, error) {
	threshold := time.Now().Add(-ttl).Unix()
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM session_snapshots WHERE updated_at <= ?`, threshold)
	if err != nil {
		return nil, fmt.Errorf("query expired snapshots: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("storage: failed to close expired-snapshot rows", "error", closeErr)
		}
	}()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired snapshot id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const (
	retryAttempts = 3
	retryBaseDelay = 100 * time.Millisecond
)

// withRetry retries fn on SQLITE_BUSY/locked errors with exponential
// backoff: up to three attempts, sleeping 100ms and then 200ms between them.
func withRetry(fn func() error) error {
	var err error
	for i := 0; i < retryAttempts; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i < retryAttempts-1 {
			time.Sleep(retryBaseDelay * time.Duration(1<<i))
		}
	}
	return err
}
