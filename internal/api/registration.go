package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ashureev/otp-registrar/internal/domain"
	"github.com/ashureev/otp-registrar/internal/otp"
	"github.com/ashureev/otp-registrar/internal/phone"
	"github.com/ashureev/otp-registrar/internal/registration"
)

// maxActiveRuns is the capacity gate: the device hosts one registration.
const maxActiveRuns = 1

var otpFormat = regexp.MustCompile(`^\d{4,8}$`)

type registerRequest struct {
	PhoneNumber  string `json:"phone_number"`
	CountryCode  string `json:"country_code"`
	ActivationID string `json:"activation_id"`
}

type verifyRequest struct {
	SessionID string `json:"session_id"`
	OTP       string `json:"otp"`
}

// Register starts a registration in the background and returns its session id.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.PhoneNumber = strings.TrimSpace(req.PhoneNumber)
	if err := phone.Validate(req.PhoneNumber); err != nil {
		Error(w, http.StatusBadRequest, "phone_number must be E.164, e.g. +14155550100")
		return
	}
	cc := strings.TrimPrefix(strings.TrimSpace(req.CountryCode), "+")
	if cc == "" {
		cc = phone.CountryCode(req.PhoneNumber)
	}

	if req.ActivationID != "" && !h.reg.AutoOTP() {
		Error(w, http.StatusBadRequest, "automatic code retrieval is not configured")
		return
	}

	if h.reg.ActiveSessionCount() >= maxActiveRuns {
		Error(w, http.StatusServiceUnavailable, "device busy with another registration")
		return
	}

	sessionID := newSessionID(time.Now())
	if err := h.reg.Admit(r.Context(), sessionID, req.PhoneNumber, cc); err != nil {
		writeRegistrationError(w, err)
		return
	}

	logger := slog.With("session_id", sessionID)
	if req.ActivationID != "" {
		h.background(func(ctx context.Context) {
			if _, err := h.reg.Race(ctx, sessionID, req.ActivationID); err != nil {
				logger.Warn("Background registration ended with error", "error", err)
			}
		})
	} else {
		h.background(func(ctx context.Context) {
			if err := h.reg.Walk(ctx, sessionID); err != nil {
				logger.Warn("Background registration ended with error", "error", err)
			}
		})
	}

	JSON(w, http.StatusAccepted, map[string]any{
		"session_id":   sessionID,
		"phone_number": req.PhoneNumber,
		"country_code": cc,
		"status":       domain.StatusPending,
		"message":      "Registration initiated. The app will be prepared for code entry.",
		"next_step":    "Poll the status endpoint, then submit the code once it arrives",
	})
}

// Verify checks that the session can take a code and types it in the
// background.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" || req.OTP == "" {
		Error(w, http.StatusBadRequest, "session_id and otp are required")
		return
	}
	if !otpFormat.MatchString(req.OTP) {
		Error(w, http.StatusBadRequest, "otp must be 4 to 8 digits")
		return
	}

	if err := h.reg.CheckSubmit(r.Context(), req.SessionID); err != nil {
		writeRegistrationError(w, err)
		return
	}

	sessionID, code := req.SessionID, req.OTP
	h.background(func(ctx context.Context) {
		n, err := h.reg.SubmitOTP(ctx, sessionID, code)
		if err != nil {
			slog.Warn("Code submission ended with error", "session_id", sessionID, "code", otp.Mask(code), "error", err)
			return
		}
		slog.Info("Code submission finished", "session_id", sessionID, "messages", n)
	})

	JSON(w, http.StatusAccepted, map[string]any{
		"session_id": sessionID,
		"status":     domain.StatusVerifyingOTP,
		"message":    "Code submitted. Verification in progress.",
		"next_step":  "Poll the status endpoint until the session is registered",
	})
}

// Status reports a session from the live run. Without one it answers with
// the newer of the durable record and the cache mirror.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	sess := h.reg.Live(sessionID)
	if sess == nil {
		durable, err := h.reg.Session(r.Context(), sessionID)
		if err != nil {
			slog.Error("Failed to load session", "session_id", sessionID, "error", err)
		}
		sess = newer(durable, h.cached(r, sessionID))
		if sess == nil && err != nil {
			Error(w, http.StatusInternalServerError, "failed to load session")
			return
		}
	}
	if sess == nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}

	JSON(w, http.StatusOK, statusView(sess))
}

func (h *Handler) cached(r *http.Request, sessionID string) *domain.Session {
	if h.cache == nil {
		return nil
	}
	sess, ok, err := h.cache.Get(r.Context(), sessionID)
	if err != nil {
		slog.Warn("Session cache read failed", "session_id", sessionID, "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	return sess
}

// newer picks the more recently updated snapshot; durable wins ties.
func newer(durable, cached *domain.Session) *domain.Session {
	if durable == nil {
		return cached
	}
	if cached != nil && cached.UpdatedAt.After(durable.UpdatedAt) {
		return cached
	}
	return durable
}

// Cancel ends a session. Cancelling an ended session succeeds.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.reg.Cancel(r.Context(), sessionID); err != nil {
		writeRegistrationError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"message":    "Registration cancelled",
	})
}

// Sessions lists durable session records with the live run count.
func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.reg.Sessions(r.Context())
	if err != nil {
		slog.Error("Failed to list sessions", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []*domain.Session{}
	}
	JSON(w, http.StatusOK, map[string]any{
		"active":   h.reg.ActiveSessionCount(),
		"total":    len(sessions),
		"sessions": sessions,
	})
}

func statusView(sess *domain.Session) map[string]any {
	view := map[string]any{
		"session_id":   sess.ID,
		"status":       sess.Status,
		"phone_number": sess.Phone,
		"country_code": sess.CountryCode,
		"otp_attempts": sess.OTPAttempts,
		"created_at":   sess.CreatedAt,
		"updated_at":   sess.UpdatedAt,
	}
	if sess.Error != "" {
		view["error"] = sess.Error
		view["error_kind"] = sess.ErrorKind
	}
	if sess.CompletedAt != nil {
		view["completed_at"] = sess.CompletedAt
	}

	switch sess.Status {
	case domain.StatusAwaitingOTPValue:
		view["message"] = "Ready for the code."
		view["next_step"] = "POST /api/whatsapp/verify with the code"
		view["attempts_left"] = domain.MaxOTPAttempts - sess.OTPAttempts
	case domain.StatusRegistered:
		view["message"] = "Account registered."
	case domain.StatusFailed:
		view["hint"] = "Start a new registration"
	case domain.StatusCancelled:
		view["message"] = "Registration cancelled."
	case domain.StatusVerifyingOTP, domain.StatusSettingUpProfile, domain.StatusFinishingSetup:
		view["message"] = "Verifying the code and finishing setup."
	default:
		view["message"] = "Registration in progress."
		view["hint"] = "This typically takes 1-2 minutes"
	}
	return view
}

// writeRegistrationError maps the registration error taxonomy to a status code.
func writeRegistrationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registration.ErrSessionNotFound):
		Error(w, http.StatusNotFound, "session not found")
	case errors.Is(err, registration.ErrAttemptsExceeded):
		Error(w, http.StatusTooManyRequests, "maximum code attempts exceeded")
	case errors.Is(err, registration.ErrPreconditionViolation):
		Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, registration.ErrSessionExists):
		Error(w, http.StatusConflict, "session already exists")
	case errors.Is(err, registration.ErrBusy):
		Error(w, http.StatusServiceUnavailable, "device busy with another registration")
	case errors.Is(err, registration.ErrNoOTPProvider):
		Error(w, http.StatusBadRequest, "automatic code retrieval is not configured")
	default:
		slog.Error("Registration request failed", "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}

func newSessionID(now time.Time) string {
	return fmt.Sprintf("reg_%d_%s", now.Unix(), uuid.NewString()[:8])
}
