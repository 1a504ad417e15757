package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/otp-registrar/internal/domain"
	"github.com/ashureev/otp-registrar/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
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
	CREATE TABLE IF NOT EXISTS phones (
		phone TEXT PRIMARY KEY,
		latest_session_id TEXT,
		active INTEGER NOT NULL DEFAULT 1,
		last_extraction INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		phone TEXT NOT NULL,
		idx INTEGER NOT NULL,
		text TEXT NOT NULL,
		extracted_at INTEGER NOT NULL,
		UNIQUE(phone, text)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_phone ON messages(phone, id);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		phone TEXT NOT NULL,
		country_code TEXT NOT NULL,
		status TEXT NOT NULL,
		otp_attempts INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		error_kind TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		completed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
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

// UpsertPhone creates or updates a phone account.
func (s *SQLiteStore) UpsertPhone(ctx context.Context, account *domain.PhoneAccount) error {
	query := `
	INSERT INTO phones (phone, latest_session_id, active, last_extraction, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(phone) DO UPDATE SET
		latest_session_id = COALESCE(excluded.latest_session_id, phones.latest_session_id),
		active = excluded.active,
		last_extraction = COALESCE(excluded.last_extraction, phones.last_extraction),
		updated_at = excluded.updated_at`

	return s.withRetry(ctx, "upsert phone", func() error {
		_, err := s.db.ExecContext(ctx, query,
			account.Phone, nullString(account.LatestSessionID), account.Active,
			nullUnix(account.LastExtraction), account.CreatedAt.Unix(), account.UpdatedAt.Unix(),
		)
		return err
	})
}

// GetPhone retrieves a phone account by its normalized number.
func (s *SQLiteStore) GetPhone(ctx context.Context, phone string) (*domain.PhoneAccount, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+phoneColumns+` FROM phones WHERE phone = ?`, phone)
	account, err := scanPhone(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan phone row: %w", err)
	}
	return account, nil
}

// ListPhones returns every phone account, oldest first.
func (s *SQLiteStore) ListPhones(ctx context.Context) ([]*domain.PhoneAccount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+phoneColumns+` FROM phones ORDER BY created_at, phone`)
	if err != nil {
		return nil, fmt.Errorf("query phones: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close phone rows", "error", closeErr)
		}
	}()

	var accounts []*domain.PhoneAccount
	for rows.Next() {
		account, err := scanPhone(rows)
		if err != nil {
			return nil, fmt.Errorf("scan phone row: %w", err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate phones: %w", err)
	}
	return accounts, nil
}

// AppendMessages inserts unseen message texts for a phone.
func (s *SQLiteStore) AppendMessages(ctx context.Context, phone string, msgs []domain.Message, extractedAt time.Time) error {
	return s.withRetry(ctx, "append messages", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, msg := range msgs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO messages (phone, idx, text, extracted_at) VALUES (?, ?, ?, ?)
				ON CONFLICT(phone, text) DO NOTHING`,
				phone, msg.Index, msg.Text, msg.Timestamp.Unix(),
			); err != nil {
				return fmt.Errorf("insert message: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE phones SET last_extraction = ?, updated_at = ? WHERE phone = ?`,
			extractedAt.Unix(), extractedAt.Unix(), phone,
		); err != nil {
			return fmt.Errorf("update last_extraction: %w", err)
		}

		return tx.Commit()
	})
}

// ListMessages returns a phone's history in insertion order.
func (s *SQLiteStore) ListMessages(ctx context.Context, phone string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, text, extracted_at FROM messages WHERE phone = ? ORDER BY id`, phone)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()
	return scanMessages(rows)
}

// SaveSession creates or updates a registration session.
func (s *SQLiteStore) SaveSession(ctx context.Context, session *domain.Session) error {
	query := `
	INSERT INTO sessions (session_id, phone, country_code, status, otp_attempts,
		error, error_kind, created_at, updated_at, completed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		status = excluded.status,
		otp_attempts = excluded.otp_attempts,
		error = excluded.error,
		error_kind = excluded.error_kind,
		updated_at = excluded.updated_at,
		completed_at = excluded.completed_at`

	return s.withRetry(ctx, "save session", func() error {
		_, err := s.db.ExecContext(ctx, query,
			session.ID, session.Phone, session.CountryCode, string(session.Status), session.OTPAttempts,
			nullString(session.Error), nullString(session.ErrorKind),
			session.CreatedAt.Unix(), session.UpdatedAt.Unix(), nullUnix(session.CompletedAt),
		)
		return err
	})
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return session, nil
}

// ListSessions returns every session, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC, session_id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// DeleteTerminalSessionsBefore purges finished sessions older than cutoff.
func (s *SQLiteStore) DeleteTerminalSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.withRetry(ctx, "delete sessions", func() error {
		args := append([]any{cutoff.Unix()}, terminalStatuses()...)
		result, err := s.db.ExecContext(ctx,
			`DELETE FROM sessions WHERE updated_at < ? AND status IN (?, ?, ?)`, args...)
		if err != nil {
			return err
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return deleted, err
}

// withRetry runs fn, retrying with exponential backoff on SQLITE_BUSY errors.
func (s *SQLiteStore) withRetry(ctx context.Context, op string, fn func() error) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxRetries-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i) // 100ms, 200ms, 400ms
		slog.Debug("sqlite write conflict, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
