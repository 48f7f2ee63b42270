package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/jenkins-detective/internal/domain"
	"github.com/ashureev/jenkins-detective/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	sessionMu sync.Mutex // serializes chat session writes to avoid SQLITE_BUSY

	maxRetries     int
	retryBaseDelay time.Duration
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithRetry sets how often writes failing with SQLITE_BUSY or a locked
// database are retried.
func WithRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(s *SQLiteStore) {
		if maxRetries > 0 {
			s.maxRetries = maxRetries
		}
		if baseDelay > 0 {
			s.retryBaseDelay = baseDelay
		}
	}
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string, opts ...Option) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
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

	store := &SQLiteStore{db: db, maxRetries: 3, retryBaseDelay: 100 * time.Millisecond}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chat_sessions (
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		title TEXT NOT NULL,
		title_set INTEGER NOT NULL DEFAULT 0,
		messages_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, session_id)
	);
	CREATE INDEX IF NOT EXISTS idx_chat_sessions_updated ON chat_sessions(updated_at);

	CREATE TABLE IF NOT EXISTS saved_prompts (
		user_id TEXT NOT NULL,
		prompt TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, prompt)
	);

	CREATE TABLE IF NOT EXISTS feedback (
		message_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		positive INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (message_id, user_id)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// retry runs a write through shared.RetryOnConflict with the store's settings.
func (s *SQLiteStore) retry(ctx context.Context, op string, fn func() error) error {
	return shared.RetryOnConflict(ctx, s.maxRetries, s.retryBaseDelay, op, fn)
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	row := s.db.QueryRowContext(ctx, query, userID)

	var user domain.User
	var lastSeen, createdAt, updatedAt int64

	err := row.Scan(&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)

	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	err := s.retry(ctx, "upsert_user", func() error {
		_, err := s.db.ExecContext(ctx, query,
			user.UserID, user.Username, user.LastSeenAt.Unix(),
			user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	var rows int64
	err := s.retry(ctx, "update_last_seen", func() error {
		result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}

	return nil
}

// GetChatSession retrieves the stored session for a user tab.
func (s *SQLiteStore) GetChatSession(ctx context.Context, userID, sessionID string) (*domain.Session, error) {
	query := `
		SELECT title, title_set, messages_json, created_at, updated_at
		FROM chat_sessions WHERE user_id = ? AND session_id = ?`

	row := s.db.QueryRowContext(ctx, query, userID, sessionID)

	session := domain.Session{UserID: userID, ID: sessionID}
	var messagesJSON string
	var createdAt, updatedAt int64

	err := row.Scan(&session.Title, &session.TitleSet, &messagesJSON, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan chat session: %w", err)
	}

	if err := json.Unmarshal([]byte(messagesJSON), &session.Messages); err != nil {
		return nil, fmt.Errorf("decode chat session messages: %w", err)
	}
	session.CreatedAt = time.Unix(createdAt, 0)
	session.UpdatedAt = time.Unix(updatedAt, 0)

	return &session, nil
}

// UpsertChatSession stores a full session snapshot.
func (s *SQLiteStore) UpsertChatSession(ctx context.Context, session *domain.Session) error {
	messagesJSON, err := json.Marshal(session.Messages)
	if err != nil {
		return fmt.Errorf("encode chat session messages: %w", err)
	}

	query := `
		INSERT INTO chat_sessions (
			user_id, session_id, title, title_set, messages_json, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, session_id) DO UPDATE SET
			title = excluded.title,
			title_set = excluded.title_set,
			messages_json = excluded.messages_json,
			updated_at = excluded.updated_at`

	err = s.retry(ctx, "upsert_chat_session", func() error {
		s.sessionMu.Lock()
		defer s.sessionMu.Unlock()
		_, err := s.db.ExecContext(ctx, query,
			session.UserID, session.ID, session.Title, session.TitleSet,
			string(messagesJSON), session.CreatedAt.Unix(), session.UpdatedAt.Unix(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert chat session: %w", err)
	}
	return nil
}

// CleanupExpiredSessions removes sessions older than TTL.
func (s *SQLiteStore) CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).Unix()
	query := `DELETE FROM chat_sessions WHERE updated_at < ?`

	var deleted int64
	err := s.retry(ctx, "cleanup_expired_sessions", func() error {
		s.sessionMu.Lock()
		defer s.sessionMu.Unlock()
		result, err := s.db.ExecContext(ctx, query, threshold)
		if err != nil {
			return err
		}
		deleted, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("cleanup expired sessions: %w", err)
	}
	return deleted, nil
}

// ListSavedPrompts returns a user's saved prompts, oldest first.
func (s *SQLiteStore) ListSavedPrompts(ctx context.Context, userID string) ([]domain.SavedPrompt, error) {
	query := `SELECT prompt, created_at FROM saved_prompts WHERE user_id = ? ORDER BY created_at, rowid`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query saved prompts: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close saved prompts rows", "error", closeErr)
		}
	}()

	var prompts []domain.SavedPrompt
	for rows.Next() {
		p := domain.SavedPrompt{UserID: userID}
		var createdAt int64
		if err := rows.Scan(&p.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("scan saved prompt: %w", err)
		}
		p.CreatedAt = time.Unix(createdAt, 0)
		prompts = append(prompts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate saved prompts: %w", err)
	}
	return prompts, nil
}

// AddSavedPrompt stores a prompt and reports whether it was new.
func (s *SQLiteStore) AddSavedPrompt(ctx context.Context, prompt domain.SavedPrompt) (bool, error) {
	query := `INSERT INTO saved_prompts (user_id, prompt, created_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id, prompt) DO NOTHING`
	var rows int64
	err := s.retry(ctx, "add_saved_prompt", func() error {
		result, err := s.db.ExecContext(ctx, query, prompt.UserID, prompt.Text, prompt.CreatedAt.Unix())
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("insert saved prompt: %w", err)
	}
	return rows > 0, nil
}

// RecordFeedback stores or replaces a vote on a message.
func (s *SQLiteStore) RecordFeedback(ctx context.Context, fb domain.Feedback) error {
	query := `
		INSERT INTO feedback (message_id, user_id, session_id, positive, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(message_id, user_id) DO UPDATE SET
			positive = excluded.positive,
			created_at = excluded.created_at`
	err := s.retry(ctx, "record_feedback", func() error {
		_, err := s.db.ExecContext(ctx, query, fb.MessageID, fb.UserID, fb.SessionID, fb.Positive, fb.CreatedAt.Unix())
		return err
	})
	if err != nil {
		return fmt.Errorf("record feedback: %w", err)
	}
	return nil
}

// FeedbackCounts returns the number of positive and negative votes.
func (s *SQLiteStore) FeedbackCounts(ctx context.Context) (int64, int64, error) {
	query := `SELECT
		COALESCE(SUM(CASE WHEN positive = 1 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN positive = 0 THEN 1 ELSE 0 END), 0)
		FROM feedback`
	var positive, negative int64
	if err := s.db.QueryRowContext(ctx, query).Scan(&positive, &negative); err != nil {
		return 0, 0, fmt.Errorf("count feedback: %w", err)
	}
	return positive, negative, nil
}
