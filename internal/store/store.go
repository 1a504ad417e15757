// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/otp-registrar/internal/domain"
)

// Repository defines the interface for persisting phone accounts, their
// message history and registration sessions.
type Repository interface {
	// UpsertPhone creates or updates a phone account keyed by its normalized number.
	UpsertPhone(ctx context.Context, account *domain.PhoneAccount) error

	// GetPhone retrieves a phone account. Returns nil, nil when absent.
	GetPhone(ctx context.Context, phone string) (*domain.PhoneAccount, error)

	// ListPhones returns every known phone account, oldest first.
	ListPhones(ctx context.Context) ([]*domain.PhoneAccount, error)

	// AppendMessages inserts messages for a phone, ignoring texts already stored
	// for it, and records extractedAt as the last extraction time.
	AppendMessages(ctx context.Context, phone string, msgs []domain.Message, extractedAt time.Time) error

	// ListMessages returns the stored history for a phone in insertion order.
	ListMessages(ctx context.Context, phone string) ([]domain.Message, error)

	// SaveSession creates or updates a registration session.
	SaveSession(ctx context.Context, session *domain.Session) error

	// GetSession retrieves a session by id. Returns nil, nil when absent.
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// ListSessions returns every stored session, newest first.
	ListSessions(ctx context.Context) ([]*domain.Session, error)

	// DeleteTerminalSessionsBefore removes terminal sessions last updated before the cutoff.
	DeleteTerminalSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
