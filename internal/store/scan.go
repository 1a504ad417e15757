package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/ashureev/otp-registrar/internal/domain"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const phoneColumns = `phone, latest_session_id, active, last_extraction, created_at, updated_at`

const sessionColumns = `session_id, phone, country_code, status, otp_attempts,
		error, error_kind, created_at, updated_at, completed_at`

func scanPhone(row rowScanner) (*domain.PhoneAccount, error) {
	var account domain.PhoneAccount
	var latest sql.NullString
	var lastExtraction sql.NullInt64
	var createdAt, updatedAt int64

	if err := row.Scan(
		&account.Phone, &latest, &account.Active, &lastExtraction, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	account.LatestSessionID = latest.String
	account.CreatedAt = time.Unix(createdAt, 0)
	account.UpdatedAt = time.Unix(updatedAt, 0)
	if lastExtraction.Valid {
		ts := time.Unix(lastExtraction.Int64, 0)
		account.LastExtraction = &ts
	}
	return &account, nil
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var session domain.Session
	var status string
	var errMsg, errKind sql.NullString
	var completedAt sql.NullInt64
	var createdAt, updatedAt int64

	if err := row.Scan(
		&session.ID, &session.Phone, &session.CountryCode, &status, &session.OTPAttempts,
		&errMsg, &errKind, &createdAt, &updatedAt, &completedAt,
	); err != nil {
		return nil, err
	}

	session.Status = domain.Status(status)
	session.Error = errMsg.String
	session.ErrorKind = errKind.String
	session.CreatedAt = time.Unix(createdAt, 0)
	session.UpdatedAt = time.Unix(updatedAt, 0)
	if completedAt.Valid {
		ts := time.Unix(completedAt.Int64, 0)
		session.CompletedAt = &ts
	}
	return &session, nil
}

func scanMessages(rows *sql.Rows) ([]domain.Message, error) {
	msgs := []domain.Message{}
	for rows.Next() {
		var msg domain.Message
		var ts int64
		if err := rows.Scan(&msg.Index, &msg.Text, &ts); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.Timestamp = time.Unix(ts, 0)
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func terminalStatuses() []any {
	return []any{
		string(domain.StatusRegistered),
		string(domain.StatusFailed),
		string(domain.StatusCancelled),
	}
}
