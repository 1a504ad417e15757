package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/otp-registrar/internal/domain"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Repository on Postgres through the pgx stdlib driver.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres opens a Postgres-backed repository and creates its schema.
func NewPostgres(ctx context.Context, dsn string) (Repository, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS phones (
			phone TEXT PRIMARY KEY,
			latest_session_id TEXT,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			last_extraction BIGINT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			phone TEXT NOT NULL,
			idx INTEGER NOT NULL,
			text TEXT NOT NULL,
			extracted_at BIGINT NOT NULL,
			UNIQUE(phone, text)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_phone ON messages(phone, id)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			phone TEXT NOT NULL,
			country_code TEXT NOT NULL,
			status TEXT NOT NULL,
			otp_attempts INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			error_kind TEXT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			completed_at BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// UpsertPhone creates or updates a phone account.
func (s *PostgresStore) UpsertPhone(ctx context.Context, account *domain.PhoneAccount) error {
	query := `
	INSERT INTO phones (phone, latest_session_id, active, last_extraction, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT(phone) DO UPDATE SET
		latest_session_id = COALESCE(excluded.latest_session_id, phones.latest_session_id),
		active = excluded.active,
		last_extraction = COALESCE(excluded.last_extraction, phones.last_extraction),
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		account.Phone, nullString(account.LatestSessionID), account.Active,
		nullUnix(account.LastExtraction), account.CreatedAt.Unix(), account.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert phone: %w", err)
	}
	return nil
}

// GetPhone retrieves a phone account by its normalized number.
func (s *PostgresStore) GetPhone(ctx context.Context, phone string) (*domain.PhoneAccount, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+phoneColumns+` FROM phones WHERE phone = $1`, phone)
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
func (s *PostgresStore) ListPhones(ctx context.Context) ([]*domain.PhoneAccount, error) {
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
func (s *PostgresStore) AppendMessages(ctx context.Context, phone string, msgs []domain.Message, extractedAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, msg := range msgs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (phone, idx, text, extracted_at) VALUES ($1, $2, $3, $4)
			ON CONFLICT(phone, text) DO NOTHING`,
			phone, msg.Index, msg.Text, msg.Timestamp.Unix(),
		); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE phones SET last_extraction = $1, updated_at = $1 WHERE phone = $2`,
		extractedAt.Unix(), phone,
	); err != nil {
		return fmt.Errorf("update last_extraction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit messages: %w", err)
	}
	return nil
}

// ListMessages returns a phone's history in insertion order.
func (s *PostgresStore) ListMessages(ctx context.Context, phone string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, text, extracted_at FROM messages WHERE phone = $1 ORDER BY id`, phone)
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
func (s *PostgresStore) SaveSession(ctx context.Context, session *domain.Session) error {
	query := `
	INSERT INTO sessions (session_id, phone, country_code, status, otp_attempts,
		error, error_kind, created_at, updated_at, completed_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT(session_id) DO UPDATE SET
		status = excluded.status,
		otp_attempts = excluded.otp_attempts,
		error = excluded.error,
		error_kind = excluded.error_kind,
		updated_at = excluded.updated_at,
		completed_at = excluded.completed_at`

	_, err := s.db.ExecContext(ctx, query,
		session.ID, session.Phone, session.CountryCode, string(session.Status), session.OTPAttempts,
		nullString(session.Error), nullString(session.ErrorKind),
		session.CreatedAt.Unix(), session.UpdatedAt.Unix(), nullUnix(session.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id.
func (s *PostgresStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = $1`, id)
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
func (s *PostgresStore) ListSessions(ctx context.Context) ([]*domain.Session, error) {
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
func (s *PostgresStore) DeleteTerminalSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	args := append([]any{cutoff.Unix()}, terminalStatuses()...)
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE updated_at < $1 AND status IN ($2, $3, $4)`, args...)
	if err != nil {
		return 0, fmt.Errorf("delete sessions: %w", err)
	}
	return result.RowsAffected()
}
