package otp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrOtpDeliveryTimeout is returned when no code arrives within the wait budget.
	ErrOtpDeliveryTimeout = errors.New("otp delivery timed out")
	// ErrOtpDeliveryCancelled is returned when the provider reports a terminal non-success status.
	ErrOtpDeliveryCancelled = errors.New("otp delivery cancelled")
)

// Provider is an SMS activation source.
type Provider interface {
	GetStatus(ctx context.Context, activationID string) (RawStatus, error)
	MarkConsumed(ctx context.Context, activationID string) error
	MarkCancelled(ctx context.Context, activationID string) error
}

// PollerConfig controls the polling cadence and budget.
type PollerConfig struct {
	Initial       time.Duration
	Step          time.Duration
	Max           time.Duration
	MaxWait       time.Duration
	NotifyTimeout time.Duration
}

// Poller waits for a code on one activation at a time.
type Poller struct {
	provider Provider
	cfg      PollerConfig
	observe  func(outcome string, elapsed time.Duration)
}

// NewPoller creates a Poller. Zero config values fall back to 1s/1s/10s
// with a three minute budget.
func NewPoller(provider Provider, cfg PollerConfig) *Poller {
	if cfg.Initial <= 0 {
		cfg.Initial = time.Second
	}
	if cfg.Step <= 0 {
		cfg.Step = time.Second
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = 10 * time.Second
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 180 * time.Second
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 5 * time.Second
	}
	return &Poller{provider: provider, cfg: cfg}
}

// OnOutcome registers fn to observe each Await result.
func (p *Poller) OnOutcome(fn func(outcome string, elapsed time.Duration)) {
	p.observe = fn
}

// Interval is the sleep after poll number attempt (1-based).
func (p *Poller) Interval(attempt int) time.Duration {
	d := p.cfg.Initial + time.Duration(attempt)*p.cfg.Step
	return min(d, p.cfg.Max)
}

// Await polls until a code arrives, the provider gives up or the budget
// elapses. The provider is told the outcome on a context that survives ctx.
func (p *Poller) Await(ctx context.Context, activationID string) (string, error) {
	logger := slog.With("activation_id", activationID)
	started := time.Now()

	budgetCtx, cancel := context.WithTimeout(ctx, p.cfg.MaxWait)
	defer cancel()

	for attempt := 1; ; attempt++ {
		raw, err := p.provider.GetStatus(budgetCtx, activationID)
		if err != nil {
			if budgetCtx.Err() != nil {
				break
			}
			logger.Warn("activation status poll failed", "attempt", attempt, "error", err)
		} else {
			res := ParseStatus(raw)
			logger.Debug("activation status", "attempt", attempt, "raw", raw.String(), "state", res.State)

			switch res.State {
			case StateCode:
				if ctx.Err() != nil {
					logger.Info("otp arrived after the wait was abandoned", "attempt", attempt)
					return "", p.abort(ctx, activationID, started)
				}
				logger.Info("otp received", "attempt", attempt, "code", Mask(res.Code), "source", res.Reason)
				p.notify(ctx, activationID, p.provider.MarkConsumed, "consumed")
				p.record("code", started)
				return res.Code, nil
			case StateTerminal:
				logger.Warn("activation ended without code", "attempt", attempt, "reason", res.Reason)
				p.notify(ctx, activationID, p.provider.MarkCancelled, "cancelled")
				p.record("cancelled", started)
				return "", fmt.Errorf("activation %s: %s: %w", activationID, res.Reason, ErrOtpDeliveryCancelled)
			}
		}

		if err := sleep(budgetCtx, p.Interval(attempt)); err != nil {
			break
		}
	}

	if ctx.Err() != nil {
		return "", p.abort(ctx, activationID, started)
	}
	p.notify(ctx, activationID, p.provider.MarkCancelled, "cancelled")
	p.record("timeout", started)
	logger.Warn("otp wait budget exhausted", "max_wait", p.cfg.MaxWait)
	return "", fmt.Errorf("activation %s after %s: %w", activationID, p.cfg.MaxWait, ErrOtpDeliveryTimeout)
}

// abort releases the activation after ctx ended the wait.
func (p *Poller) abort(ctx context.Context, activationID string, started time.Time) error {
	p.notify(ctx, activationID, p.provider.MarkCancelled, "cancelled")
	p.record("aborted", started)
	return fmt.Errorf("await activation %s: %w", activationID, context.Cause(ctx))
}

// notify runs a best-effort provider call that outlives cancellation of ctx.
func (p *Poller) notify(ctx context.Context, activationID string, fn func(context.Context, string) error, what string) {
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.NotifyTimeout)
	defer cancel()
	if err := fn(nctx, activationID); err != nil {
		slog.Warn("activation status update failed", "activation_id", activationID, "mark", what, "error", err)
	}
}

func (p *Poller) record(outcome string, started time.Time) {
	if p.observe != nil {
		p.observe(outcome, time.Since(started))
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
