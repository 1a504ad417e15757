// Package api provides HTTP handlers for the registrar API.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/otp-registrar/internal/domain"
	"github.com/ashureev/otp-registrar/internal/phonestore"
)

// Registrar is the orchestrator surface the handlers drive.
type Registrar interface {
	ActiveSessionCount() int
	AutoOTP() bool
	Admit(ctx context.Context, sessionID, phoneNumber, cc string) error
	Walk(ctx context.Context, sessionID string) error
	Race(ctx context.Context, sessionID, activationID string) (int, error)
	CheckSubmit(ctx context.Context, sessionID string) error
	SubmitOTP(ctx context.Context, sessionID, code string) (int, error)
	Cancel(ctx context.Context, sessionID string) error
	Live(sessionID string) *domain.Session
	Session(ctx context.Context, sessionID string) (*domain.Session, error)
	Sessions(ctx context.Context) ([]*domain.Session, error)
}

// SessionCache is the short-TTL session snapshot store.
type SessionCache interface {
	Get(ctx context.Context, id string) (*domain.Session, bool, error)
}

// Handler provides common handler utilities.
type Handler struct {
	reg    Registrar
	phones *phonestore.Store
	cache  SessionCache

	// base outlives requests; background runs derive from it.
	base context.Context
	wg   sync.WaitGroup
}

// NewHandler creates a new Handler with common dependencies. base bounds the
// background registration work started by requests; cache may be nil.
func NewHandler(base context.Context, reg Registrar, phones *phonestore.Store, cache SessionCache) *Handler {
	return &Handler{
		reg:    reg,
		phones: phones,
		cache:  cache,
		base:   base,
	}
}

// RegisterRoutes registers registration and phone routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/whatsapp", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/verify", h.Verify)
		r.Get("/status/{sessionID}", h.Status)
		r.Delete("/cancel/{sessionID}", h.Cancel)
		r.Get("/sessions", h.Sessions)
	})
	r.Route("/api/phones", func(r chi.Router) {
		r.Get("/", h.ListPhones)
		r.Get("/{phone}", h.PhoneInfo)
		r.Get("/{phone}/messages", h.PhoneMessages)
		r.Get("/{phone}/codes", h.PhoneCodes)
		r.Get("/{phone}/latest-code", h.LatestCode)
	})
}

// Wait blocks until every background run started by the handler returned.
func (h *Handler) Wait() {
	h.wg.Wait()
}

func (h *Handler) background(fn func(ctx context.Context)) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn(h.base)
	}()
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
