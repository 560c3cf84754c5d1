package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/capitalize-ai/line-relay/internal/model"
	"github.com/capitalize-ai/line-relay/pkg/logger"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS conversation_sessions (
		user_id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		last_active_at TEXT NOT NULL
	);
`

// SQLiteStore keeps sessions in an embedded SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewSQLiteStore opens (and creates if needed) the database at path.
func NewSQLiteStore(path string, log *logger.Logger) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	log.Info("sqlite session store initialized", zap.String("path", path))

	return &SQLiteStore{db: db, logger: log}, nil
}

// Get returns the session for userID.
func (s *SQLiteStore) Get(ctx context.Context, userID string) (*model.ConversationSession, error) {
	var (
		session               model.ConversationSession
		createdAt, lastActive string
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, conversation_id, created_at, last_active_at
		 FROM conversation_sessions WHERE user_id = ?`, userID,
	).Scan(&session.UserID, &session.ConversationID, &createdAt, &lastActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}

	session.CreatedAt = parseTime(createdAt)
	session.LastActiveAt = parseTime(lastActive)

	return &session, nil
}

// Upsert writes the session row.
func (s *SQLiteStore) Upsert(ctx context.Context, session *model.ConversationSession) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_sessions (user_id, conversation_id, created_at, last_active_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			last_active_at = excluded.last_active_at`,
		session.UserID, session.ConversationID,
		formatTime(session.CreatedAt), formatTime(session.LastActiveAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

// Expire clears the conversation id of the user's session.
func (s *SQLiteStore) Expire(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversation_sessions SET conversation_id = '' WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("failed to expire session: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to expire session: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
