package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"

	"github.com/ashureev/otp-registrar/internal/device"
	"github.com/ashureev/otp-registrar/internal/domain"
	"github.com/ashureev/otp-registrar/internal/otp"
)

const fallbackProfileName = "User"

// SubmitOTP types code into the waiting session, finishes profile setup and
// harvests the inbox. It returns the number of message lines extracted.
// Precondition failures leave the session untouched.
func (o *Orchestrator) SubmitOTP(ctx context.Context, sessionID, code string) (int, error) {
	r := o.lookup(sessionID)
	if r == nil {
		return 0, o.rejectEnded(ctx, sessionID)
	}

	r.op.Lock()
	defer r.op.Unlock()

	r.mu.Lock()
	if err := r.checkSubmitLocked(); err != nil {
		r.mu.Unlock()
		return 0, err
	}
	sess := r.session
	sess.OTPAttempts++
	attempt := sess.OTPAttempts
	s := r.driver
	subCtx, cancel := context.WithCancelCause(ctx)
	r.cancel = cancel
	r.mu.Unlock()
	defer cancel(nil)

	r.logger.Info("Submitting code", "attempt", attempt, "code", otp.Mask(code))

	n, err := o.complete(subCtx, r, s, code)
	if errors.Is(err, ErrOtpRejected) && subCtx.Err() == nil {
		if attempt >= domain.MaxOTPAttempts {
			err = fmt.Errorf("%w: %w", ErrAttemptsExceeded, err)
			o.fail(r, err)
			return 0, err
		}
		r.logger.Warn("Code rejected by app", "attempt", attempt)
		o.transition(r, domain.StatusAwaitingOTPValue, err)
		return 0, err
	}
	if err != nil {
		err = interrupted(subCtx, err)
		o.fail(r, err)
		return 0, err
	}
	return n, nil
}

// CheckSubmit reports whether SubmitOTP would accept a code for sessionID
// right now, without changing anything.
func (o *Orchestrator) CheckSubmit(ctx context.Context, sessionID string) error {
	r := o.lookup(sessionID)
	if r == nil {
		return o.rejectEnded(ctx, sessionID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checkSubmitLocked()
}

func (r *run) checkSubmitLocked() error {
	sess := r.session
	switch {
	case sess.OTPAttempts >= domain.MaxOTPAttempts:
		return fmt.Errorf("session %s used %d attempts: %w", sess.ID, sess.OTPAttempts, ErrAttemptsExceeded)
	case sess.Status != domain.StatusAwaitingOTPValue:
		return fmt.Errorf("session %s is %s: %w", sess.ID, sess.Status, ErrPreconditionViolation)
	case r.driver == nil:
		return fmt.Errorf("session %s has no live automation session: %w", sess.ID, ErrPreconditionViolation)
	}
	return nil
}

// rejectEnded explains why a session without a live run cannot be driven.
func (o *Orchestrator) rejectEnded(ctx context.Context, sessionID string) error {
	sess, err := o.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	if sess.OTPAttempts >= domain.MaxOTPAttempts {
		return fmt.Errorf("session %s used %d attempts: %w", sessionID, sess.OTPAttempts, ErrAttemptsExceeded)
	}
	return fmt.Errorf("session %s is %s: %w", sessionID, sess.Status, ErrPreconditionViolation)
}

func (o *Orchestrator) complete(ctx context.Context, r *run, s device.Session, code string) (int, error) {
	t := o.timeouts
	logger := r.logger

	o.transition(r, domain.StatusVerifyingOTP, nil)
	field, err := device.WaitFor(ctx, s, otpInput, t.Confirm)
	if err != nil {
		return 0, fmt.Errorf("find otp field: %w", asStepTimeout("enter_otp", err))
	}
	if err := s.SetText(ctx, field, code); err != nil {
		return 0, fmt.Errorf("type otp: %w", err)
	}
	if err := s.Pause(ctx, t.OTPSettle); err != nil {
		return 0, err
	}

	rejected, _, err := device.FindFirstVisible(ctx, s, t.OptionalControl, wrongCode...)
	switch {
	case err == nil && rejected != "":
		if cerr := s.ClearText(ctx, field); cerr != nil {
			logger.Warn("Failed to clear rejected code", "error", cerr)
		}
		return 0, fmt.Errorf("app reported wrong code: %w", ErrOtpRejected)
	case err != nil && !errors.Is(err, device.ErrWaitTimeout):
		return 0, fmt.Errorf("check code accepted: %w", err)
	}

	o.transition(r, domain.StatusSettingUpProfile, nil)
	if err := o.setupProfile(ctx, s, logger); err != nil {
		return 0, err
	}

	o.transition(r, domain.StatusFinishingSetup, nil)
	if _, err := device.TapIfPresent(ctx, s, t.OptionalControl, skipBackup...); err != nil {
		if err := optional(ctx, logger, "skip_backup", err); err != nil {
			return 0, err
		}
	}
	if _, err := device.WaitFor(ctx, s, newChatLandmark, t.Completion); err != nil {
		if err := optional(ctx, logger, "completion_check", err); err != nil {
			return 0, err
		}
	} else {
		logger.Info("Registration completion landmark visible")
	}

	msgs, err := o.extractMessages(ctx, s, logger)
	if err != nil {
		return 0, err
	}
	sess := r.snapshot()
	if _, err := o.phones.StoreMessages(ctx, sess.Phone, msgs); err != nil {
		return 0, fmt.Errorf("store messages: %w", err)
	}
	o.metrics.MessagesExtracted(len(msgs))

	o.teardown(r)
	o.transition(r, domain.StatusRegistered, nil)
	o.remove(sess.ID)
	logger.Info("Registration completed", "messages", len(msgs))
	return len(msgs), nil
}

// setupProfile enters a display name and skips the photo prompt. Every
// control is optional.
func (o *Orchestrator) setupProfile(ctx context.Context, s device.Session, logger *slog.Logger) error {
	t := o.timeouts

	if err := optional(ctx, logger, "profile_name", o.enterName(ctx, s, logger)); err != nil {
		return err
	}

	if _, err := device.TapIfPresent(ctx, s, t.OptionalControl, profileDone...); err != nil {
		if err := optional(ctx, logger, "profile_done", err); err != nil {
			return err
		}
	}
	if err := s.Pause(ctx, t.LongPause); err != nil {
		return err
	}

	if _, err := device.TapIfPresent(ctx, s, t.OptionalControl, skipPicture...); err != nil {
		if err := optional(ctx, logger, "skip_picture", err); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) enterName(ctx context.Context, s device.Session, logger *slog.Logger) error {
	el, err := device.WaitFor(ctx, s, profileName, o.timeouts.OptionalControl)
	if err != nil {
		return err
	}
	if err := s.Click(ctx, el); err != nil {
		return err
	}
	if err := s.ClearText(ctx, el); err != nil {
		return err
	}
	name := o.pickName()
	if err := s.SetText(ctx, el, name); err != nil {
		return err
	}
	logger.Info("Profile name entered", "name", name)
	return nil
}

func (o *Orchestrator) pickName() string {
	if len(o.profileNames) == 0 {
		return fallbackProfileName
	}
	return o.profileNames[rand.IntN(len(o.profileNames))]
}

// extractMessages reads every visible chat-list line. Blank lines are skipped
// and Index keeps the on-screen position.
func (o *Orchestrator) extractMessages(ctx context.Context, s device.Session, logger *slog.Logger) ([]domain.Message, error) {
	if err := s.Pause(ctx, o.timeouts.LongPause); err != nil {
		return nil, err
	}

	els, err := s.ListElements(ctx, chatListLine)
	if errors.Is(err, device.ErrElementNotFound) {
		return []domain.Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	now := o.nowF()
	msgs := make([]domain.Message, 0, len(els))
	for i, el := range els {
		text, err := s.GetText(ctx, el)
		if errors.Is(err, device.ErrElementNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read message %d: %w", i, err)
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		msgs = append(msgs, domain.Message{Index: i, Text: text, Timestamp: now})
	}
	logger.Info("Messages extracted", "count", len(msgs))
	return msgs, nil
}

// optional swallows the failure of a best-effort step unless the run itself
// is over.
func optional(ctx context.Context, logger *slog.Logger, step string, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, device.ErrSessionClosed) {
		return err
	}
	if !errors.Is(err, device.ErrWaitTimeout) {
		logger.Warn("Optional step failed", "step", step, "error", err)
	}
	return nil
}
