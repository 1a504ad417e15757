package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	tests := []struct {
		name        string
		allowed     []string
		method      string
		origin      string
		preflight   bool
		status      int
		allowOrigin string
		credentials string
	}{
		{"wildcard echoes origin", []string{"*"}, http.MethodGet, "https://a.example", false, http.StatusTeapot, "https://a.example", ""},
		{"explicit origin gets credentials", []string{"https://a.example"}, http.MethodGet, "https://a.example", false, http.StatusTeapot, "https://a.example", "true"},
		{"unknown origin", []string{"https://a.example"}, http.MethodGet, "https://b.example", false, http.StatusTeapot, "", ""},
		{"no origin", []string{"*"}, http.MethodGet, "", false, http.StatusTeapot, "", ""},
		{"preflight short-circuits", []string{"*"}, http.MethodOptions, "https://a.example", true, http.StatusNoContent, "https://a.example", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/whatsapp/sessions", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodDelete)
			}
			w := httptest.NewRecorder()
			CORS(tt.allowed)(next).ServeHTTP(w, req)

			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.allowOrigin {
				t.Errorf("allow origin = %q, want %q", got, tt.allowOrigin)
			}
			if got := w.Header().Get("Access-Control-Allow-Credentials"); got != tt.credentials {
				t.Errorf("credentials = %q, want %q", got, tt.credentials)
			}
		})
	}
}
