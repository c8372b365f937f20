// Package store provides session and message persistence.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/chatkit/internal/domain"
)

// ErrSessionNotFound is returned when an operation references a session
// that does not exist.
var ErrSessionNotFound = errors.New("session not found")

// Repository defines the interface for persisting chat sessions and messages.
type Repository interface {
	// GetOrCreateSession returns the id of an existing session, or creates
	// a new one. If sessionID is empty a fresh id is generated. Ownership
	// of an existing session is not re-validated here; callers that need
	// access control must call ValidateSessionOwnership explicitly.
	GetOrCreateSession(ctx context.Context, sessionID, ownerUserID string) (string, error)

	// GetSession retrieves a session by id, or nil if it does not exist.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// SaveMessage appends a message to a session, assigning a fresh id and
	// timestamp, and advances the session's updated_at to that timestamp.
	// Returns ErrSessionNotFound if the session does not exist.
	SaveMessage(ctx context.Context, sessionID string, role domain.Role, content string) (*domain.Message, error)

	// GetMessages returns messages in ascending timestamp order with
	// insertion-order tie-break. limit is clamped to [1,100], offset to >=0.
	GetMessages(ctx context.Context, sessionID string, limit, offset int) ([]domain.Message, error)

	// GetMessageCount returns the total number of messages in a session.
	GetMessageCount(ctx context.Context, sessionID string) (int, error)

	// GetConversationHistory returns the most recent lastN turns in
	// chronological order, stripped of message metadata.
	GetConversationHistory(ctx context.Context, sessionID string, lastN int) ([]domain.Turn, error)

	// ValidateSessionOwnership reports whether the session exists, has an
	// owner, and that owner equals userID. Unowned sessions are never
	// considered owned by anyone.
	ValidateSessionOwnership(ctx context.Context, sessionID, userID string) (bool, error)

	// DeleteOldSessions removes sessions (and, by cascade, their messages)
	// whose updated_at precedes the cutoff. Returns the number of sessions
	// deleted.
	DeleteOldSessions(ctx context.Context, olderThanDays int) (int64, error)

	// SessionCount returns the total number of sessions.
	SessionCount(ctx context.Context) (int, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
