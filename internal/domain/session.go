// Package domain holds the registration session and phone account types.
package domain

import (
	"time"
)

// MaxOTPAttempts is the number of code submissions a session accepts.
const MaxOTPAttempts = 3

// Status is a registration session state.
type Status string

// Registration states in happy-path order, followed by the failure terminals.
const (
	StatusPending                     Status = "pending"
	StatusCheckingDevice              Status = "checking_device"
	StatusStartingAutomationSession   Status = "starting_automation_session"
	StatusAgreeingTerms               Status = "agreeing_terms"
	StatusEnteringCountryCode         Status = "entering_country_code"
	StatusEnteringPhoneNumber         Status = "entering_phone_number"
	StatusSubmittingPhone             Status = "submitting_phone"
	StatusConfirmingPhoneNumber       Status = "confirming_phone_number"
	StatusResolvingVerificationMethod Status = "resolving_verification_method"
	StatusAwaitingOTPField            Status = "awaiting_otp_field"
	StatusAwaitingOTPValue            Status = "awaiting_otp_value"
	StatusVerifyingOTP                Status = "verifying_otp"
	StatusSettingUpProfile            Status = "setting_up_profile"
	StatusFinishingSetup              Status = "finishing_setup"
	StatusRegistered                  Status = "registered"
	StatusFailed                      Status = "failed"
	StatusCancelled                   Status = "cancelled"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusRegistered, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCheckingDevice, StatusStartingAutomationSession,
		StatusAgreeingTerms, StatusEnteringCountryCode, StatusEnteringPhoneNumber,
		StatusSubmittingPhone, StatusConfirmingPhoneNumber, StatusResolvingVerificationMethod,
		StatusAwaitingOTPField, StatusAwaitingOTPValue, StatusVerifyingOTP,
		StatusSettingUpProfile, StatusFinishingSetup,
		StatusRegistered, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Session is one run of the registration flow on the device.
type Session struct {
	ID          string     `json:"session_id"`
	Phone       string     `json:"phone_number"`
	CountryCode string     `json:"country_code"`
	Status      Status     `json:"status"`
	OTPAttempts int        `json:"otp_attempts"`
	Error       string     `json:"error,omitempty"`
	ErrorKind   string     `json:"error_kind,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// CanSubmitOTP reports whether another code may be typed for this session.
func (s *Session) CanSubmitOTP() bool {
	return s.Status == StatusAwaitingOTPValue && s.OTPAttempts < MaxOTPAttempts
}

// Clone returns a copy safe to hand out of a lock.
func (s *Session) Clone() *Session {
	c := *s
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// StatusEvent is published on every session state change.
type StatusEvent struct {
	SessionID string    `json:"session_id"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}
