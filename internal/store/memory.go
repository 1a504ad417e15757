package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/otp-registrar/internal/domain"
)

// MemoryStore is an in-process Repository used by tests and ephemeral runs.
type MemoryStore struct {
	mu       sync.RWMutex
	phones   map[string]*domain.PhoneAccount
	messages map[string][]domain.Message
	sessions map[string]*domain.Session
}

// NewMemory returns an empty in-memory repository.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		phones:   make(map[string]*domain.PhoneAccount),
		messages: make(map[string][]domain.Message),
		sessions: make(map[string]*domain.Session),
	}
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

// UpsertPhone creates or updates a phone account.
func (m *MemoryStore) UpsertPhone(_ context.Context, account *domain.PhoneAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := clonePhone(account)
	if prev, ok := m.phones[account.Phone]; ok {
		next.CreatedAt = prev.CreatedAt
		if next.LatestSessionID == "" {
			next.LatestSessionID = prev.LatestSessionID
		}
		if next.LastExtraction == nil && prev.LastExtraction != nil {
			next.LastExtraction = prev.LastExtraction
		}
	}
	m.phones[account.Phone] = next
	return nil
}

// GetPhone retrieves a phone account.
func (m *MemoryStore) GetPhone(_ context.Context, phone string) (*domain.PhoneAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	account, ok := m.phones[phone]
	if !ok {
		return nil, nil
	}
	return clonePhone(account), nil
}

// ListPhones returns every phone account, oldest first.
func (m *MemoryStore) ListPhones(context.Context) ([]*domain.PhoneAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	accounts := make([]*domain.PhoneAccount, 0, len(m.phones))
	for _, a := range m.phones {
		accounts = append(accounts, clonePhone(a))
	}
	sort.Slice(accounts, func(i, j int) bool {
		if !accounts[i].CreatedAt.Equal(accounts[j].CreatedAt) {
			return accounts[i].CreatedAt.Before(accounts[j].CreatedAt)
		}
		return accounts[i].Phone < accounts[j].Phone
	})
	return accounts, nil
}

// AppendMessages inserts unseen message texts for a phone.
func (m *MemoryStore) AppendMessages(_ context.Context, phone string, msgs []domain.Message, extractedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{}, len(m.messages[phone]))
	for _, msg := range m.messages[phone] {
		seen[msg.Text] = struct{}{}
	}
	for _, msg := range msgs {
		if _, dup := seen[msg.Text]; dup {
			continue
		}
		seen[msg.Text] = struct{}{}
		m.messages[phone] = append(m.messages[phone], msg)
	}

	if account, ok := m.phones[phone]; ok {
		ts := extractedAt
		account.LastExtraction = &ts
		account.UpdatedAt = extractedAt
	}
	return nil
}

// ListMessages returns a phone's history in insertion order.
func (m *MemoryStore) ListMessages(_ context.Context, phone string) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.Message, len(m.messages[phone]))
	copy(out, m.messages[phone])
	return out, nil
}

// SaveSession creates or updates a session.
func (m *MemoryStore) SaveSession(_ context.Context, session *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := session.Clone()
	if prev, ok := m.sessions[session.ID]; ok {
		next.CreatedAt = prev.CreatedAt
	}
	m.sessions[session.ID] = next
	return nil
}

// GetSession retrieves a session by id.
func (m *MemoryStore) GetSession(_ context.Context, id string) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	return session.Clone(), nil
}

// ListSessions returns every session, newest first.
func (m *MemoryStore) ListSessions(context.Context) ([]*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*domain.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s.Clone())
	}
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
		}
		return sessions[i].ID > sessions[j].ID
	})
	return sessions, nil
}

// DeleteTerminalSessionsBefore purges finished sessions older than cutoff.
func (m *MemoryStore) DeleteTerminalSessionsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for id, s := range m.sessions {
		if s.Status.IsTerminal() && s.UpdatedAt.Before(cutoff) {
			delete(m.sessions, id)
			deleted++
		}
	}
	return deleted, nil
}

func clonePhone(a *domain.PhoneAccount) *domain.PhoneAccount {
	c := *a
	if a.LastExtraction != nil {
		t := *a.LastExtraction
		c.LastExtraction = &t
	}
	return &c
}
