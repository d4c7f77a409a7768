// Package storage implements session snapshot persistence behind a small
// Storage interface; the default implementation is a concrete SQLite store
// using WAL pragmas and a retry-on-SQLITE_BUSY pattern.
package storage

import (
	"context"
	"time"

	"github.com/ashureev/sessionbridge/internal/session"
	"github.com/ashureev/sessionbridge/internal/unified"
)

// Snapshot is the minimum persisted session record: id,
// optional backend_session_id, cwd, created_at, optional name, reduced
// state, and a size-capped copy of the message history.
type Snapshot struct {
	ID               string
	BackendSessionID string
	Cwd              string
	Name             string
	CreatedAt        time.Time
	State            session.State
	History          []unified.Message
}

// Storage persists and loads session snapshots. Implementations must
// tolerate concurrent calls for distinct session ids; calls for the same
// id are serialized by the bridge Runtime's per-session persist goroutine,
// not by Storage itself.
type Storage interface {
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	LoadSnapshot(ctx context.Context, sessionID string) (*Snapshot, error)
	DeleteSnapshot(ctx context.Context, sessionID string) error
	ListExpired(ctx context.Context, ttl time.Duration) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}
