package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/otp-registrar/internal/domain"
)

var errStale = errors.New("session abandoned")

// SweepResult summarizes one sweeper pass.
type SweepResult struct {
	Cancelled int
	Orphaned  int
	Purged    int64
}

// StartSweeper periodically cancels runs that stopped making progress, closes
// non-terminal records left by an earlier process and purges old terminal
// records.
func StartSweeper(ctx context.Context, o *Orchestrator, interval, ttl, retention time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Session sweeper started", "interval", interval, "ttl", ttl, "retention", retention)

		for {
			select {
			case <-ticker.C:
				if _, err := o.Sweep(ctx, ttl, retention); err != nil {
					slog.Error("Session sweep failed", "error", err)
				}
			case <-ctx.Done():
				slog.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep runs one cleanup pass.
func (o *Orchestrator) Sweep(ctx context.Context, ttl, retention time.Duration) (SweepResult, error) {
	var res SweepResult
	now := o.nowF()

	o.mu.RLock()
	var stale []string
	for id, r := range o.runs {
		if now.Sub(r.snapshot().UpdatedAt) > ttl {
			stale = append(stale, id)
		}
	}
	o.mu.RUnlock()

	for _, id := range stale {
		slog.Info("Sweeper cancelling stale run", "session_id", id)
		if err := o.Cancel(ctx, id); err != nil {
			slog.Warn("Sweeper failed to cancel run", "session_id", id, "error", err)
			continue
		}
		res.Cancelled++
	}

	sessions, err := o.sessions.ListSessions(ctx)
	if err != nil {
		return res, fmt.Errorf("list sessions: %w", err)
	}
	for _, sess := range sessions {
		if sess.Status.IsTerminal() || o.HasSession(sess.ID) || now.Sub(sess.UpdatedAt) <= ttl {
			continue
		}
		if err := o.closeOrphan(ctx, sess, domain.StatusFailed, errStale); err != nil {
			slog.Warn("Sweeper failed to close orphaned session", "session_id", sess.ID, "error", err)
			continue
		}
		res.Orphaned++
	}

	if retention > 0 {
		deleted, err := o.sessions.DeleteTerminalSessionsBefore(ctx, now.Add(-retention))
		if err != nil {
			return res, fmt.Errorf("purge sessions: %w", err)
		}
		res.Purged = deleted
	}

	if res.Cancelled+res.Orphaned > 0 || res.Purged > 0 {
		slog.Info("Session sweep completed",
			"cancelled", res.Cancelled,
			"orphaned", res.Orphaned,
			"purged", res.Purged)
	}
	return res, nil
}
