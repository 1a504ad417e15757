//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/otp-registrar/internal/domain"
	"github.com/ashureev/otp-registrar/internal/phonestore"
	"github.com/ashureev/otp-registrar/internal/registration"
	"github.com/ashureev/otp-registrar/internal/store"
)

type fakeRegistrar struct {
	mu sync.Mutex

	active    int
	auto      bool
	admitErr  error
	checkErr  error
	cancelErr error
	live      map[string]*domain.Session
	durable   map[string]*domain.Session

	admitted  []string
	walked    chan string
	raced     chan string
	submitted chan string
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{
		live:      map[string]*domain.Session{},
		durable:   map[string]*domain.Session{},
		walked:    make(chan string, 1),
		raced:     make(chan string, 1),
		submitted: make(chan string, 1),
	}
}

func (f *fakeRegistrar) ActiveSessionCount() int { return f.active }
func (f *fakeRegistrar) AutoOTP() bool           { return f.auto }

func (f *fakeRegistrar) Admit(_ context.Context, id, _, cc string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.admitErr != nil {
		return f.admitErr
	}
	f.admitted = append(f.admitted, id+"|"+cc)
	return nil
}

func (f *fakeRegistrar) Walk(_ context.Context, id string) error {
	f.walked <- id
	return nil
}

func (f *fakeRegistrar) Race(_ context.Context, id, activationID string) (int, error) {
	f.raced <- id + "|" + activationID
	return 0, nil
}

func (f *fakeRegistrar) CheckSubmit(context.Context, string) error { return f.checkErr }

func (f *fakeRegistrar) SubmitOTP(_ context.Context, id, code string) (int, error) {
	f.submitted <- id + "|" + code
	return 1, nil
}

func (f *fakeRegistrar) Cancel(context.Context, string) error { return f.cancelErr }

func (f *fakeRegistrar) Live(id string) *domain.Session { return f.live[id] }

func (f *fakeRegistrar) Session(_ context.Context, id string) (*domain.Session, error) {
	return f.durable[id], nil
}

func (f *fakeRegistrar) Sessions(context.Context) ([]*domain.Session, error) {
	var out []*domain.Session
	for _, s := range f.durable {
		out = append(out, s)
	}
	return out, nil
}

type fakeCache map[string]*domain.Session

func (c fakeCache) Get(_ context.Context, id string) (*domain.Session, bool, error) {
	s, ok := c[id]
	return s, ok, nil
}

func newTestServer(t *testing.T, reg Registrar, phones *phonestore.Store, cache SessionCache) (*Handler, *httptest.Server) {
	t.Helper()
	if phones == nil {
		phones = phonestore.New(store.NewMemory())
	}
	h := NewHandler(context.Background(), reg, phones, cache)
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return h, srv
}

func do(t *testing.T, method, url, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var got map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode %s %s: %v", method, url, err)
	}
	return resp.StatusCode, got
}

func receive(t *testing.T, ch chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("background run was not started")
		return ""
	}
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestRegister(t *testing.T) {
	reg := newFakeRegistrar()
	h, srv := newTestServer(t, reg, nil, nil)

	status, body := do(t, http.MethodPost, srv.URL+"/api/whatsapp/register", `{"phone_number":"+447700900123"}`)
	if status != http.StatusAccepted {
		t.Fatalf("status = %d, body = %v", status, body)
	}
	id, _ := body["session_id"].(string)
	if !strings.HasPrefix(id, "reg_") {
		t.Fatalf("session_id = %q", id)
	}
	if got := receive(t, reg.walked); got != id {
		t.Fatalf("walked %q, want %q", got, id)
	}
	h.Wait()
	if len(reg.admitted) != 1 || reg.admitted[0] != id+"|44" {
		t.Fatalf("admitted = %v", reg.admitted)
	}
}

func TestRegisterWithActivationRaces(t *testing.T) {
	reg := newFakeRegistrar()
	reg.auto = true
	_, srv := newTestServer(t, reg, nil, nil)

	status, body := do(t, http.MethodPost, srv.URL+"/api/whatsapp/register",
		`{"phone_number":"+14155550100","country_code":"+1","activation_id":"act-9"}`)
	if status != http.StatusAccepted {
		t.Fatalf("status = %d, body = %v", status, body)
	}
	if got := receive(t, reg.raced); got != body["session_id"].(string)+"|act-9" {
		t.Fatalf("raced %q", got)
	}
}

func TestRegisterRejections(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		setup  func(*fakeRegistrar)
		status int
	}{
		{"bad json", `{`, nil, http.StatusBadRequest},
		{"bad phone", `{"phone_number":"0123"}`, nil, http.StatusBadRequest},
		{"no provider", `{"phone_number":"+14155550100","activation_id":"a"}`, nil, http.StatusBadRequest},
		{"device busy", `{"phone_number":"+14155550100"}`, func(f *fakeRegistrar) { f.active = 1 }, http.StatusServiceUnavailable},
		{"admit busy", `{"phone_number":"+14155550100"}`, func(f *fakeRegistrar) {
			f.admitErr = fmt.Errorf("admit: %w", registration.ErrBusy)
		}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newFakeRegistrar()
			if tt.setup != nil {
				tt.setup(reg)
			}
			_, srv := newTestServer(t, reg, nil, nil)
			status, body := do(t, http.MethodPost, srv.URL+"/api/whatsapp/register", tt.body)
			if status != tt.status {
				t.Fatalf("status = %d, want %d (%v)", status, tt.status, body)
			}
			if len(reg.admitted) != 0 {
				t.Fatalf("admitted despite rejection: %v", reg.admitted)
			}
		})
	}
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		checkErr error
		status   int
	}{
		{"missing otp", `{"session_id":"s1"}`, nil, http.StatusBadRequest},
		{"letters", `{"session_id":"s1","otp":"12ab56"}`, nil, http.StatusBadRequest},
		{"too short", `{"session_id":"s1","otp":"123"}`, nil, http.StatusBadRequest},
		{"unknown", `{"session_id":"s1","otp":"123456"}`, registration.ErrSessionNotFound, http.StatusNotFound},
		{"exhausted", `{"session_id":"s1","otp":"123456"}`, registration.ErrAttemptsExceeded, http.StatusTooManyRequests},
		{"wrong state", `{"session_id":"s1","otp":"123456"}`, registration.ErrPreconditionViolation, http.StatusConflict},
		{"accepted", `{"session_id":"s1","otp":"1234"}`, nil, http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newFakeRegistrar()
			reg.checkErr = tt.checkErr
			h, srv := newTestServer(t, reg, nil, nil)
			status, body := do(t, http.MethodPost, srv.URL+"/api/whatsapp/verify", tt.body)
			if status != tt.status {
				t.Fatalf("status = %d, want %d (%v)", status, tt.status, body)
			}
			if tt.status == http.StatusAccepted {
				if got := receive(t, reg.submitted); got != "s1|1234" {
					t.Fatalf("submitted %q", got)
				}
			}
			h.Wait()
		})
	}
}

func TestStatusLookupOrder(t *testing.T) {
	reg := newFakeRegistrar()
	reg.live["live"] = &domain.Session{ID: "live", Status: domain.StatusAwaitingOTPValue, OTPAttempts: 1}
	reg.durable["gone"] = &domain.Session{ID: "gone", Status: domain.StatusFailed, Error: "boom", ErrorKind: "Internal"}
	cache := fakeCache{"cached": {ID: "cached", Status: domain.StatusRegistered}}
	_, srv := newTestServer(t, reg, nil, cache)

	status, body := do(t, http.MethodGet, srv.URL+"/api/whatsapp/status/live", "")
	if status != http.StatusOK || body["status"] != string(domain.StatusAwaitingOTPValue) {
		t.Fatalf("live = %d %v", status, body)
	}
	if body["attempts_left"] != float64(2) || body["next_step"] == nil {
		t.Fatalf("live hints = %v", body)
	}

	if _, body := do(t, http.MethodGet, srv.URL+"/api/whatsapp/status/cached", ""); body["status"] != string(domain.StatusRegistered) {
		t.Fatalf("cached = %v", body)
	}

	_, body = do(t, http.MethodGet, srv.URL+"/api/whatsapp/status/gone", "")
	if body["status"] != string(domain.StatusFailed) || body["error_kind"] != "Internal" || body["hint"] == nil {
		t.Fatalf("durable = %v", body)
	}

	if status, _ := do(t, http.MethodGet, srv.URL+"/api/whatsapp/status/nope", ""); status != http.StatusNotFound {
		t.Fatalf("unknown status = %d", status)
	}
}

func TestStatusPrefersNewerSnapshot(t *testing.T) {
	now := time.Now()
	reg := newFakeRegistrar()
	reg.durable["done"] = &domain.Session{ID: "done", Status: domain.StatusRegistered, UpdatedAt: now}
	reg.durable["behind"] = &domain.Session{ID: "behind", Status: domain.StatusVerifyingOTP, UpdatedAt: now.Add(-time.Second)}
	cache := fakeCache{
		"done":   {ID: "done", Status: domain.StatusFinishingSetup, UpdatedAt: now.Add(-time.Second)},
		"behind": {ID: "behind", Status: domain.StatusFinishingSetup, UpdatedAt: now},
	}
	_, srv := newTestServer(t, reg, nil, cache)

	if _, body := do(t, http.MethodGet, srv.URL+"/api/whatsapp/status/done", ""); body["status"] != string(domain.StatusRegistered) {
		t.Fatalf("stale mirror won: %v", body)
	}
	if _, body := do(t, http.MethodGet, srv.URL+"/api/whatsapp/status/behind", ""); body["status"] != string(domain.StatusFinishingSetup) {
		t.Fatalf("newer mirror ignored: %v", body)
	}
}

func TestCancel(t *testing.T) {
	reg := newFakeRegistrar()
	_, srv := newTestServer(t, reg, nil, nil)
	if status, _ := do(t, http.MethodDelete, srv.URL+"/api/whatsapp/cancel/s1", ""); status != http.StatusOK {
		t.Fatalf("cancel = %d", status)
	}

	reg.cancelErr = fmt.Errorf("cancel s2: %w", registration.ErrSessionNotFound)
	if status, _ := do(t, http.MethodDelete, srv.URL+"/api/whatsapp/cancel/s2", ""); status != http.StatusNotFound {
		t.Fatalf("unknown cancel = %d", status)
	}

	reg.cancelErr = errors.New("disk on fire")
	if status, _ := do(t, http.MethodDelete, srv.URL+"/api/whatsapp/cancel/s3", ""); status != http.StatusInternalServerError {
		t.Fatalf("internal cancel = %d", status)
	}
}

func TestSessions(t *testing.T) {
	reg := newFakeRegistrar()
	reg.active = 1
	reg.durable["a"] = &domain.Session{ID: "a", Status: domain.StatusRegistered}
	_, srv := newTestServer(t, reg, nil, nil)

	status, body := do(t, http.MethodGet, srv.URL+"/api/whatsapp/sessions", "")
	if status != http.StatusOK || body["active"] != float64(1) || body["total"] != float64(1) {
		t.Fatalf("sessions = %d %v", status, body)
	}
}
