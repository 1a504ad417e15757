package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/otp-registrar/internal/domain"
)

// SessionSource looks up the durable session record.
type SessionSource interface {
	GetSession(ctx context.Context, id string) (*domain.Session, error)
}

// SessionMirror keeps a session:<id> snapshot in a KV, refreshed on every
// status event.
type SessionMirror struct {
	kv      KV
	source  SessionSource
	ttl     time.Duration
	timeout time.Duration
	nowF    func() time.Time
}

// NewSessionMirror creates a mirror writing snapshots with ttl.
func NewSessionMirror(kv KV, source SessionSource, ttl time.Duration) *SessionMirror {
	return &SessionMirror{kv: kv, source: source, ttl: ttl, timeout: 3 * time.Second, nowF: time.Now}
}

// SessionKey is the cache key of a session.
func SessionKey(id string) string {
	return "session:" + id
}

// Handle refreshes the snapshot for ev's session. It is a bus Handler.
func (m *SessionMirror) Handle(ev domain.StatusEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	snapshot, err := m.snapshot(ctx, ev)
	if err != nil {
		slog.Warn("session mirror lookup failed", "session_id", ev.SessionID, "error", err)
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		slog.Warn("session mirror marshal failed", "session_id", ev.SessionID, "error", err)
		return
	}
	if err := m.kv.Set(ctx, SessionKey(ev.SessionID), payload, m.ttl); err != nil {
		slog.Warn("session mirror write failed", "session_id", ev.SessionID, "error", err)
	}
}

// snapshot prefers the durable record, overlaying the event status so an
// out-of-date read never regresses the mirror.
func (m *SessionMirror) snapshot(ctx context.Context, ev domain.StatusEvent) (*domain.Session, error) {
	var base *domain.Session
	var lookupErr error
	if m.source != nil {
		base, lookupErr = m.source.GetSession(ctx, ev.SessionID)
	}
	if base == nil {
		if cached, ok, err := m.Get(ctx, ev.SessionID); err == nil && ok {
			base = cached
		}
	}
	if base == nil {
		base = &domain.Session{ID: ev.SessionID, CreatedAt: ev.At}
	}

	base.Status = ev.Status
	base.Error = ev.Error
	if ev.Error == "" {
		base.ErrorKind = ""
	}
	if !ev.Status.IsTerminal() {
		base.CompletedAt = nil
	}
	base.UpdatedAt = ev.At
	if base.UpdatedAt.IsZero() {
		base.UpdatedAt = m.nowF()
	}
	return base, lookupErr
}

// Get returns the cached snapshot for id.
func (m *SessionMirror) Get(ctx context.Context, id string) (*domain.Session, bool, error) {
	raw, ok, err := m.kv.Get(ctx, SessionKey(id))
	if err != nil || !ok {
		return nil, false, err
	}
	var s domain.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, false, fmt.Errorf("decode cached session: %w", err)
	}
	return &s, true, nil
}

// Forget drops the snapshot for id.
func (m *SessionMirror) Forget(ctx context.Context, id string) error {
	return m.kv.Delete(ctx, SessionKey(id))
}
