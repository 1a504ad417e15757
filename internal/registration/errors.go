package registration

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashureev/otp-registrar/internal/device"
	"github.com/ashureev/otp-registrar/internal/otp"
)

var (
	// ErrDeviceUnreachable is returned when the device check fails.
	ErrDeviceUnreachable = device.ErrDeviceUnreachable
	// ErrAutomationStepTimeout matches every StepTimeoutError.
	ErrAutomationStepTimeout = errors.New("automation step timed out")
	// ErrConfirmationControlNotFound is returned when no phone-number confirmation control appears.
	ErrConfirmationControlNotFound = errors.New("confirmation control not found")
	// ErrOtpFieldTimeout is returned when the code entry field never appears.
	ErrOtpFieldTimeout = errors.New("otp field did not appear")
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrAttemptsExceeded is returned once a session has used all code submissions.
	ErrAttemptsExceeded = errors.New("otp attempts exceeded")
	// ErrPreconditionViolation is returned when an operation is not valid in the session's state.
	ErrPreconditionViolation = errors.New("precondition violated")
	// ErrOtpRejected is returned when the app reports the typed code as wrong.
	ErrOtpRejected = errors.New("otp rejected")
	// ErrSessionExists is returned when starting a session id that is already known.
	ErrSessionExists = errors.New("session already exists")
	// ErrBusy is returned when every run slot is taken.
	ErrBusy = errors.New("device busy with another registration")
	// ErrSessionCancelled is the cause recorded for caller cancellation.
	ErrSessionCancelled = errors.New("session cancelled")
	// ErrNoOTPProvider is returned by RegisterAutomatically without a poller.
	ErrNoOTPProvider = errors.New("no otp provider configured")
)

// StepTimeoutError reports a UI step whose element did not show in time.
type StepTimeoutError struct {
	Step string
	Err  error
}

func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("step %s timed out: %v", e.Step, e.Err)
}

func (e *StepTimeoutError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrAutomationStepTimeout) true.
func (e *StepTimeoutError) Is(target error) bool {
	return target == ErrAutomationStepTimeout
}

// asStepTimeout turns element absence into a retryable step timeout.
func asStepTimeout(step string, err error) error {
	if err == nil || errors.Is(err, ErrAutomationStepTimeout) {
		return err
	}
	if errors.Is(err, device.ErrWaitTimeout) || errors.Is(err, device.ErrElementNotFound) {
		return &StepTimeoutError{Step: step, Err: err}
	}
	return err
}

// Error kinds stored on failed sessions.
const (
	KindDeviceUnreachable           = "DeviceUnreachable"
	KindAutomationStepTimeout       = "AutomationStepTimeout"
	KindConfirmationControlNotFound = "ConfirmationControlNotFound"
	KindOtpFieldTimeout             = "OtpFieldTimeout"
	KindOtpDeliveryTimeout          = "OtpDeliveryTimeout"
	KindOtpDeliveryCancelled        = "OtpDeliveryCancelled"
	KindSessionNotFound             = "SessionNotFound"
	KindAttemptsExceeded            = "AttemptsExceeded"
	KindPreconditionViolation       = "PreconditionViolation"
	KindOtpRejected                 = "OtpRejected"
	KindBusy                        = "Busy"
	KindCancelled                   = "Cancelled"
	KindStale                       = "Stale"
	KindInternal                    = "Internal"
)

// Classify maps err onto the error taxonomy. The more specific kinds win over
// the generic step timeout they usually wrap.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSessionNotFound):
		return KindSessionNotFound
	case errors.Is(err, ErrAttemptsExceeded):
		return KindAttemptsExceeded
	case errors.Is(err, ErrPreconditionViolation):
		return KindPreconditionViolation
	case errors.Is(err, ErrBusy):
		return KindBusy
	case errors.Is(err, ErrDeviceUnreachable):
		return KindDeviceUnreachable
	case errors.Is(err, ErrConfirmationControlNotFound):
		return KindConfirmationControlNotFound
	case errors.Is(err, ErrOtpFieldTimeout):
		return KindOtpFieldTimeout
	case errors.Is(err, otp.ErrOtpDeliveryTimeout):
		return KindOtpDeliveryTimeout
	case errors.Is(err, otp.ErrOtpDeliveryCancelled):
		return KindOtpDeliveryCancelled
	case errors.Is(err, ErrOtpRejected):
		return KindOtpRejected
	case errors.Is(err, ErrAutomationStepTimeout):
		return KindAutomationStepTimeout
	case errors.Is(err, ErrSessionCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindInternal
}

// interrupted prefers the cancellation cause of ctx over err when ctx ended
// the operation, so a lost race reports why it was stopped.
func interrupted(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	cause := context.Cause(ctx)
	if cause == nil || cause == ctx.Err() || errors.Is(err, cause) {
		return err
	}
	return fmt.Errorf("%w (interrupted: %v)", cause, err)
}
