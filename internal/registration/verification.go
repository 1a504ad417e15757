package registration

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"time"

	"github.com/ashureev/otp-registrar/internal/device"
)

const smsOptionAttempts = 4

var smsLabel = regexp.MustCompile(`(?i)sms|text|receive`)

// resolveVerificationMethod steers the app toward SMS delivery when it offers
// alternatives. Nothing here is required; only a dead session or cancelled
// context is reported.
func (o *Orchestrator) resolveVerificationMethod(ctx context.Context, s device.Session, logger *slog.Logger) error {
	t := o.timeouts
	if err := s.Pause(ctx, t.ShortPause); err != nil {
		return err
	}

	opened, err := device.TapIfPresent(ctx, s, t.OptionalControl, verifyAnotherWay...)
	if err != nil {
		return optional(ctx, logger, "verify_another_way", err)
	}
	if opened {
		logger.Info("Opened alternate verification options")
		if err := s.Pause(ctx, t.LongPause); err != nil {
			return err
		}
	} else {
		opened, err = o.continueToOptions(ctx, s)
		if err != nil {
			return optional(ctx, logger, "continue_to_options", err)
		}
	}

	attempts := 1
	if opened {
		attempts = smsOptionAttempts
	}

	selected := false
	for attempt := 1; attempt <= attempts && !selected; attempt++ {
		selected, err = o.selectSMSOption(ctx, s, logger)
		if err != nil {
			return optional(ctx, logger, "select_sms", err)
		}
		if !selected && attempt < attempts {
			logger.Info("SMS option not found, retrying", "attempt", attempt, "max_attempts", attempts)
			if err := s.Pause(ctx, time.Duration(attempt)*time.Second); err != nil {
				return err
			}
		}
	}
	if !selected {
		logger.Info("No alternate verification flow shown")
		return nil
	}

	confirmed, err := device.TapIfPresent(ctx, s, t.OptionalControl, finalContinue...)
	if err != nil {
		return optional(ctx, logger, "confirm_sms", err)
	}
	if confirmed {
		return s.Pause(ctx, t.LongPause)
	}
	logger.Info("SMS option chosen without a confirm button")
	return nil
}

// continueToOptions taps a Continue button and reports whether the alternate
// options appeared behind it.
func (o *Orchestrator) continueToOptions(ctx context.Context, s device.Session) (bool, error) {
	t := o.timeouts
	tapped, err := device.TapIfPresent(ctx, s, 0, continueButtons...)
	if err != nil || !tapped {
		return false, err
	}
	if err := s.Pause(ctx, t.LongPause); err != nil {
		return false, err
	}
	_, _, err = device.FindFirstVisible(ctx, s, 0, verifyAnotherWay...)
	if errors.Is(err, device.ErrWaitTimeout) {
		return false, nil
	}
	return err == nil, err
}

// selectSMSOption clicks the first visible option whose label mentions SMS or
// text. Voice and call options are never chosen.
func (o *Orchestrator) selectSMSOption(ctx context.Context, s device.Session, logger *slog.Logger) (bool, error) {
	for _, sel := range smsOptions {
		el, err := s.FindElement(ctx, sel)
		if errors.Is(err, device.ErrElementNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		visible, err := s.WaitUntilVisible(ctx, el, 0)
		if err != nil {
			return false, err
		}
		if !visible {
			continue
		}
		label, err := s.GetText(ctx, el)
		if err != nil || !smsLabel.MatchString(label) {
			continue
		}
		if err := s.Click(ctx, el); err != nil {
			return false, err
		}
		logger.Info("Selected SMS verification", "option", sel.String())
		return true, s.Pause(ctx, o.timeouts.LongPause)
	}
	return false, nil
}
