// Package phonestore keeps the durable per-phone identity and message history.
package phonestore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/otp-registrar/internal/domain"
	"github.com/ashureev/otp-registrar/internal/phone"
	"github.com/ashureev/otp-registrar/internal/store"
)

// Store merges harvested messages into phone accounts.
type Store struct {
	repo  store.Repository
	locks *keyedMutex
	nowF  func() time.Time
}

// New creates a Store over repo.
func New(repo store.Repository) *Store {
	return &Store{
		repo:  repo,
		locks: newKeyedMutex(),
		nowF:  time.Now,
	}
}

// PhoneData is a full account with its message history.
type PhoneData struct {
	Account  *domain.PhoneAccount `json:"account"`
	Messages []domain.Message     `json:"messages"`
}

// Normalize returns the digits-only identity key for number.
func (s *Store) Normalize(number string) string {
	return phone.Normalize(number)
}

// RegisterPhone returns the account for number, creating it if needed. A
// non-empty sessionID is recorded as the latest session and reactivates the
// account.
func (s *Store) RegisterPhone(ctx context.Context, number, sessionID string) (*domain.PhoneAccount, error) {
	key := s.Normalize(number)
	if key == "" {
		return nil, fmt.Errorf("register phone: %w", phone.ErrInvalidNumber)
	}

	unlock := s.locks.Lock(key)
	defer unlock()

	now := s.nowF()
	account, err := s.repo.GetPhone(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get phone: %w", err)
	}

	if account == nil {
		account = &domain.PhoneAccount{
			Phone:     key,
			Active:    true,
			CreatedAt: now,
		}
		slog.Info("phone account created", "phone", key)
	} else if sessionID == "" && account.Active {
		return account, nil
	}

	if sessionID != "" {
		account.LatestSessionID = sessionID
	}
	account.Active = true
	account.UpdatedAt = now

	if err := s.repo.UpsertPhone(ctx, account); err != nil {
		return nil, fmt.Errorf("upsert phone: %w", err)
	}
	return account, nil
}

// StoreMessages appends every message whose text is not already stored for
// the phone and returns the merged history.
func (s *Store) StoreMessages(ctx context.Context, number string, msgs []domain.Message) ([]domain.Message, error) {
	key := s.Normalize(number)
	if key == "" {
		return nil, fmt.Errorf("store messages: %w", phone.ErrInvalidNumber)
	}

	unlock := s.locks.Lock(key)
	defer unlock()

	now := s.nowF()
	account, err := s.repo.GetPhone(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get phone: %w", err)
	}
	if account == nil {
		account = &domain.PhoneAccount{Phone: key, Active: true, CreatedAt: now, UpdatedAt: now}
		if err := s.repo.UpsertPhone(ctx, account); err != nil {
			return nil, fmt.Errorf("upsert phone: %w", err)
		}
	}

	existing, err := s.repo.ListMessages(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	seen := make(map[string]struct{}, len(existing)+len(msgs))
	for _, m := range existing {
		seen[m.Text] = struct{}{}
	}

	var fresh []domain.Message
	for _, m := range msgs {
		if _, dup := seen[m.Text]; dup {
			continue
		}
		seen[m.Text] = struct{}{}
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		fresh = append(fresh, m)
	}

	if err := s.repo.AppendMessages(ctx, key, fresh, now); err != nil {
		return nil, fmt.Errorf("append messages: %w", err)
	}

	slog.Debug("Messages merged", "phone", key, "received", len(msgs), "added", len(fresh))
	return append(existing, fresh...), nil
}

// GetMessages returns the stored history, empty when the phone is unknown.
func (s *Store) GetMessages(ctx context.Context, number string) ([]domain.Message, error) {
	msgs, err := s.repo.ListMessages(ctx, s.Normalize(number))
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return msgs, nil
}

// PhoneExists reports whether an account exists for number.
func (s *Store) PhoneExists(ctx context.Context, number string) (bool, error) {
	account, err := s.repo.GetPhone(ctx, s.Normalize(number))
	if err != nil {
		return false, fmt.Errorf("get phone: %w", err)
	}
	return account != nil, nil
}

// PhoneData returns the account and history, or nil when unknown.
func (s *Store) PhoneData(ctx context.Context, number string) (*PhoneData, error) {
	key := s.Normalize(number)
	account, err := s.repo.GetPhone(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get phone: %w", err)
	}
	if account == nil {
		return nil, nil
	}
	msgs, err := s.GetMessages(ctx, key)
	if err != nil {
		return nil, err
	}
	return &PhoneData{Account: account, Messages: msgs}, nil
}

// ListPhones returns every known account.
func (s *Store) ListPhones(ctx context.Context) ([]*domain.PhoneAccount, error) {
	accounts, err := s.repo.ListPhones(ctx)
	if err != nil {
		return nil, fmt.Errorf("list phones: %w", err)
	}
	return accounts, nil
}

// Deactivate marks an account inactive. Unknown numbers are ignored.
func (s *Store) Deactivate(ctx context.Context, number string) error {
	key := s.Normalize(number)

	unlock := s.locks.Lock(key)
	defer unlock()

	account, err := s.repo.GetPhone(ctx, key)
	if err != nil {
		return fmt.Errorf("get phone: %w", err)
	}
	if account == nil || !account.Active {
		return nil
	}
	account.Active = false
	account.UpdatedAt = s.nowF()
	if err := s.repo.UpsertPhone(ctx, account); err != nil {
		return fmt.Errorf("upsert phone: %w", err)
	}
	return nil
}

// keyedMutex serializes writers per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refLock)}
}

// Lock acquires key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
