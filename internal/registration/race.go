package registration

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/ashureev/otp-registrar/internal/otp"
)

// AutoOTP reports whether an OTP provider is configured for Race.
func (o *Orchestrator) AutoOTP() bool {
	return o.poller != nil
}

// RegisterAutomatically admits the session and completes it with Race.
func (o *Orchestrator) RegisterAutomatically(ctx context.Context, sessionID, phoneNumber, cc, activationID string) (int, error) {
	if o.poller == nil {
		return 0, ErrNoOTPProvider
	}
	if err := o.Admit(ctx, sessionID, phoneNumber, cc); err != nil {
		return 0, err
	}
	return o.Race(ctx, sessionID, activationID)
}

// Race walks an admitted session and waits for the OTP of activationID side
// by side. The first of them to fail cancels the other; when both succeed the
// code is submitted. It returns the number of extracted messages.
func (o *Orchestrator) Race(ctx context.Context, sessionID, activationID string) (int, error) {
	if o.poller == nil {
		if r := o.lookup(sessionID); r != nil {
			o.fail(r, ErrNoOTPProvider)
		}
		return 0, ErrNoOTPProvider
	}

	r := o.lookup(sessionID)
	if r == nil {
		return 0, o.rejectEnded(ctx, sessionID)
	}

	logger := slog.With("session_id", sessionID, "activation_id", activationID)

	// Cancel ends both sides through stop.
	raceCtx, stop := context.WithCancelCause(ctx)
	defer stop(nil)
	if !r.bindRace(stop) {
		return 0, o.rejectEnded(ctx, sessionID)
	}

	if o.timeouts.Race > 0 {
		var cancel context.CancelFunc
		raceCtx, cancel = context.WithTimeoutCause(raceCtx, o.timeouts.Race,
			fmt.Errorf("registration race exceeded %s: %w", o.timeouts.Race, otp.ErrOtpDeliveryTimeout))
		defer cancel()
	}

	var code string
	g, gctx := errgroup.WithContext(raceCtx)
	g.Go(func() error {
		return o.Walk(gctx, sessionID)
	})
	g.Go(func() error {
		c, err := o.poller.Await(gctx, activationID)
		if err != nil {
			return err
		}
		code = c
		logger.Info("Code arrived", "code", otp.Mask(c))
		return nil
	})

	if err := g.Wait(); err != nil {
		// Walk may have finished before the code wait failed.
		if r := o.lookup(sessionID); r != nil {
			o.fail(r, err)
		}
		logger.Warn("Automatic registration failed", "error", err, "error_kind", Classify(err))
		return 0, err
	}

	return o.SubmitOTP(ctx, sessionID, code)
}
