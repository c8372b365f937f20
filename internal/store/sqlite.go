package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/chatkit/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB

	// now is swappable for tests needing deterministic timestamps.
	now func() time.Time
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// WAL for concurrent readers; foreign keys enforce the message->session
	// referential constraint and cascade deletes. _pragma applies on every
	// pooled connection, which matters for foreign_keys.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
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

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS chat_sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON chat_sessions(user_id, updated_at DESC);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
		role TEXT NOT NULL CHECK(role IN ('user', 'assistant')),
		content TEXT NOT NULL,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON chat_messages(session_id, timestamp DESC);
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

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetOrCreateSession returns an existing session's id or creates a new record.
func (s *SQLiteStore) GetOrCreateSession(ctx context.Context, sessionID, ownerUserID string) (string, error) {
	id := sessionID
	if id == "" {
		id = uuid.NewString()
	}

	var owner interface{}
	if ownerUserID != "" {
		owner = ownerUserID
	}

	// ON CONFLICT DO NOTHING makes concurrent first-sends with the same
	// client-minted id converge on one row instead of racing a
	// select-then-insert across pooled connections. An existing row keeps
	// its owner and timestamps.
	now := s.now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_sessions (id, user_id, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		id, owner, now, now)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}

	return id, nil
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, created_at, updated_at FROM chat_sessions WHERE id = ?`, sessionID)

	var sess domain.Session
	var owner sql.NullString
	err := row.Scan(&sess.ID, &owner, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	sess.OwnerUserID = owner.String

	return &sess, nil
}

// SaveMessage appends a message and advances the session's updated_at.
func (s *SQLiteStore) SaveMessage(ctx context.Context, sessionID string, role domain.Role, content string) (*domain.Message, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("invalid role %q", role)
	}

	msg := &domain.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Timestamp: s.now().UnixMilli(),
	}

	if err := withWriteRetry(ctx, func() error {
		return s.insertMessage(ctx, msg)
	}); err != nil {
		return nil, err
	}

	return msg, nil
}

func (s *SQLiteStore) insertMessage(ctx context.Context, msg *domain.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	// The foreign key would also catch a missing session, but checking
	// explicitly yields a typed error instead of a driver-specific one.
	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT 1 FROM chat_sessions WHERE id = ?`, msg.SessionID).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return ErrSessionNotFound
		}
		return fmt.Errorf("lookup session: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chat_messages (id, session_id, role, content, timestamp) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, msg.Timestamp); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE chat_sessions SET updated_at = ? WHERE id = ?`,
		msg.Timestamp, msg.SessionID); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit message: %w", err)
	}

	return nil
}

// GetMessages returns a page of messages in chronological order.
func (s *SQLiteStore) GetMessages(ctx context.Context, sessionID string, limit, offset int) ([]domain.Message, error) {
	limit = clamp(limit, 1, 100)
	if offset < 0 {
		offset = 0
	}

	// rowid breaks timestamp ties by insertion order.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, timestamp
		 FROM chat_messages
		 WHERE session_id = ?
		 ORDER BY timestamp ASC, rowid ASC
		 LIMIT ? OFFSET ?`,
		sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return messages, nil
}

// GetMessageCount returns the total number of messages in a session.
func (s *SQLiteStore) GetMessageCount(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_messages WHERE session_id = ?`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

// GetConversationHistory returns the most recent lastN turns in
// chronological order. Fetches newest-first, then reverses.
func (s *SQLiteStore) GetConversationHistory(ctx context.Context, sessionID string, lastN int) ([]domain.Turn, error) {
	if lastN <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content
		 FROM chat_messages
		 WHERE session_id = ?
		 ORDER BY timestamp DESC, rowid DESC
		 LIMIT ?`,
		sessionID, lastN)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var turns []domain.Turn
	for rows.Next() {
		var t domain.Turn
		if err := rows.Scan(&t.Role, &t.Content); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}

	return turns, nil
}

// ValidateSessionOwnership reports whether the session belongs to userID.
func (s *SQLiteStore) ValidateSessionOwnership(ctx context.Context, sessionID, userID string) (bool, error) {
	var owner sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM chat_sessions WHERE id = ?`, sessionID).Scan(&owner)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup session owner: %w", err)
	}

	// A session with no owner is never considered owned by anyone.
	if !owner.Valid || owner.String == "" {
		return false, nil
	}

	return owner.String == userID, nil
}

// DeleteOldSessions removes sessions whose updated_at precedes the cutoff.
func (s *SQLiteStore) DeleteOldSessions(ctx context.Context, olderThanDays int) (int64, error) {
	cutoff := s.now().Add(-time.Duration(olderThanDays) * 24 * time.Hour).UnixMilli()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM chat_sessions WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old sessions: %w", err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count deleted sessions: %w", err)
	}
	return deleted, nil
}

// SessionCount returns the total number of sessions.
func (s *SQLiteStore) SessionCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_sessions`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return count, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
