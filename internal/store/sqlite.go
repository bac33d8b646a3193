package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashureev/campusbot/internal/domain"
	"github.com/ashureev/campusbot/internal/shared"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// WAL mode for concurrent readers while the journal writer appends.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)
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
	CREATE TABLE IF NOT EXISTS auth_events (
		id INTEGER PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		reason TEXT NOT NULL,
		challenge TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_auth_events_conversation ON auth_events(conversation_id, created_at);

	CREATE TABLE IF NOT EXISTS sanitization_ledger (
		conversation_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		direction TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (conversation_id, message_id)
	);
	CREATE INDEX IF NOT EXISTS idx_sanitization_status ON sanitization_ledger(status, updated_at);
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
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withRetry runs fn, retrying SQLite lock conflicts with exponential backoff.
func withRetry(ctx context.Context, op string, fn func() error) error {
	const maxRetries = 3
	attempt := 0
	err := shared.Retry(ctx, maxRetries, 50*time.Millisecond, func(err error) bool {
		attempt++
		if shared.IsSQLiteConflictError(err) {
			slog.Debug("sqlite busy, retrying", "op", op, "attempt", attempt)
			return true
		}
		return false
	}, fn)
	if err != nil && shared.IsSQLiteConflictError(err) {
		return fmt.Errorf("%s after %d attempts: %w", op, maxRetries, err)
	}
	return err
}

// RecordAuthEvent appends a state transition to the journal.
func (s *SQLiteStore) RecordAuthEvent(ctx context.Context, ev *domain.AuthEvent) error {
	query := `
	INSERT INTO auth_events (id, conversation_id, from_state, to_state, reason, challenge, attempts, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING`

	var challenge any
	if ev.Challenge != "" {
		challenge = ev.Challenge
	}

	return withRetry(ctx, "record auth event", func() error {
		_, err := s.db.ExecContext(ctx, query,
			ev.ID, ev.ConversationID, string(ev.FromState), string(ev.ToState),
			ev.Reason, challenge, ev.Attempts, ev.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert auth event: %w", err)
		}
		return nil
	})
}

// ListAuthEvents returns the latest transitions for a conversation, newest first.
func (s *SQLiteStore) ListAuthEvents(ctx context.Context, conversationID string, limit int) ([]domain.AuthEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, conversation_id, from_state, to_state, reason, challenge, attempts, created_at
		FROM auth_events WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query auth events: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close auth event rows", "error", closeErr)
		}
	}()

	var events []domain.AuthEvent
	for rows.Next() {
		var ev domain.AuthEvent
		var from, to string
		var challenge sql.NullString
		var createdAt int64
		if err := rows.Scan(&ev.ID, &ev.ConversationID, &from, &to, &ev.Reason, &challenge, &ev.Attempts, &createdAt); err != nil {
			return nil, fmt.Errorf("scan auth event row: %w", err)
		}
		ev.FromState = domain.AuthState(from)
		ev.ToState = domain.AuthState(to)
		ev.Challenge = challenge.String
		ev.CreatedAt = time.UnixMilli(createdAt)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate auth events: %w", err)
	}
	return events, nil
}

// UpsertSanitization records the latest status of a tagged message. A
// settled row is never moved back to pending.
func (s *SQLiteStore) UpsertSanitization(ctx context.Context, rec *domain.SanitizationRecord) error {
	query := `
	INSERT INTO sanitization_ledger (conversation_id, message_id, direction, status, attempts, last_error, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(conversation_id, message_id) DO UPDATE SET
		status = CASE
			WHEN excluded.status = 'pending' AND sanitization_ledger.status <> 'pending' THEN sanitization_ledger.status
			ELSE excluded.status END,
		attempts = MAX(sanitization_ledger.attempts, excluded.attempts),
		last_error = COALESCE(excluded.last_error, sanitization_ledger.last_error),
		direction = CASE WHEN excluded.direction = '' THEN sanitization_ledger.direction ELSE excluded.direction END,
		updated_at = excluded.updated_at`

	var lastError any
	if rec.LastError != "" {
		lastError = rec.LastError
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = created
	}

	return withRetry(ctx, "upsert sanitization", func() error {
		_, err := s.db.ExecContext(ctx, query,
			rec.ConversationID, rec.MessageID, rec.Direction, string(rec.Status),
			rec.Attempts, lastError, created.UnixMilli(), updated.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("upsert sanitization: %w", err)
		}
		return nil
	})
}

// UnsettledSanitizations returns tagged messages still pending deletion,
// oldest first.
func (s *SQLiteStore) UnsettledSanitizations(ctx context.Context, limit int) ([]domain.SanitizationRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `
		SELECT conversation_id, message_id, direction, status, attempts, last_error, created_at, updated_at
		FROM sanitization_ledger WHERE status = 'pending'
		ORDER BY created_at ASC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query unsettled sanitizations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close sanitization rows", "error", closeErr)
		}
	}()

	var out []domain.SanitizationRecord
	for rows.Next() {
		var rec domain.SanitizationRecord
		var status string
		var lastError sql.NullString
		var createdAt, updatedAt int64
		if err := rows.Scan(&rec.ConversationID, &rec.MessageID, &rec.Direction, &status,
			&rec.Attempts, &lastError, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan sanitization row: %w", err)
		}
		rec.Status = domain.SanitizationStatus(status)
		rec.LastError = lastError.String
		rec.CreatedAt = time.UnixMilli(createdAt)
		rec.UpdatedAt = time.UnixMilli(updatedAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sanitizations: %w", err)
	}
	return out, nil
}

// PurgeJournal removes auth events and settled ledger rows older than cutoff.
func (s *SQLiteStore) PurgeJournal(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	err := withRetry(ctx, "purge journal", func() error {
		total = 0
		res, err := s.db.ExecContext(ctx, `DELETE FROM auth_events WHERE created_at < ?`, cutoff.UnixMilli())
		if err != nil {
			return fmt.Errorf("purge auth events: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n

		res, err = s.db.ExecContext(ctx,
			`DELETE FROM sanitization_ledger WHERE status <> 'pending' AND updated_at < ?`, cutoff.UnixMilli())
		if err != nil {
			return fmt.Errorf("purge sanitization ledger: %w", err)
		}
		n, _ = res.RowsAffected()
		total += n
		return nil
	})
	return total, err
}
