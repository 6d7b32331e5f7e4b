// Package store provides the update journal the hub replays to clients that
// join a session group late.
package store

import (
	"context"
	"time"

	"github.com/kmcai/portfolio-status/internal/domain"
)

// Repository defines the interface for persisting published updates.
type Repository interface {
	// AppendUpdate records an update and returns its sequence number. The
	// session row is created on the first update.
	AppendUpdate(ctx context.Context, entry *domain.JournalEntry) (int64, error)

	// ListUpdates returns the updates of a session with a sequence number
	// greater than afterSeq, oldest first.
	ListUpdates(ctx context.Context, sessionID string, afterSeq int64) ([]domain.JournalEntry, error)

	// GetSession returns the session summary, or nil when nothing was
	// journaled for it.
	GetSession(ctx context.Context, sessionID string) (*domain.SessionRecord, error)

	// DeleteExpiredSessions removes sessions, and their updates, that saw no
	// update within ttl.
	DeleteExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
