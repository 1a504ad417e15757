package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/otp-registrar/internal/domain"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestMetricsExposition(t *testing.T) {
	m := New()
	m.ObserveEvent(domain.StatusEvent{SessionID: "s1", Status: domain.StatusCheckingDevice})
	m.ObserveEvent(domain.StatusEvent{SessionID: "s1", Status: domain.StatusRegistered})
	m.ObserveOTP("code", 12*time.Second)
	m.StepRetried("country_code")
	m.SetActive(1)
	m.MessagesExtracted(3)

	body := scrape(t, m)
	for _, want := range []string{
		`registrar_status_transitions_total{status="checking_device"} 1`,
		`registrar_registrations_total{outcome="registered"} 1`,
		`registrar_otp_wait_seconds_count{outcome="code"} 1`,
		`registrar_step_retries_total{step="country_code"} 1`,
		`registrar_active_sessions 1`,
		`registrar_messages_extracted_total 3`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
	if strings.Contains(body, `registrations_total{outcome="checking_device"}`) {
		t.Error("non-terminal status counted as an outcome")
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveEvent(domain.StatusEvent{Status: domain.StatusFailed})
	m.ObserveOTP("timeout", time.Second)
	m.StepRetried("x")
	m.SetActive(0)
	m.MessagesExtracted(1)
}
