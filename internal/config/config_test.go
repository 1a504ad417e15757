package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" || cfg.Store.Driver != "sqlite" {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.Cache.SessionTTL != 900*time.Second {
		t.Errorf("session cache ttl = %s", cfg.Cache.SessionTTL)
	}
	if cfg.Retry.StepAttempts != 3 || cfg.Retry.StepDelay != 2*time.Second {
		t.Errorf("retry = %+v", cfg.Retry)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Errorf("cors origins = %v", cfg.CORSOrigins)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("STEP_RETRY_DOUBLING", "yes")
	t.Setenv("OTP_POLL_MAX", "20s")
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("PROFILE_NAMES", "Ana,Bo")
	t.Setenv("STEP_RETRY_ATTEMPTS", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Retry.StepDoubling {
		t.Error("doubling not enabled")
	}
	if cfg.OTP.PollMax != 20*time.Second {
		t.Errorf("poll max = %s", cfg.OTP.PollMax)
	}
	if got := strings.Join(cfg.KafkaBrokerList(), "|"); got != "k1:9092|k2:9092" {
		t.Errorf("brokers = %q", got)
	}
	if got := strings.Join(cfg.ProfileNames, "|"); got != "Ana|Bo" {
		t.Errorf("profile names = %q", got)
	}
	if cfg.Retry.StepAttempts != 3 {
		t.Errorf("malformed int should fall back, got %d", cfg.Retry.StepAttempts)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"postgres without url", map[string]string{"STORE_DRIVER": "postgres"}, "DATABASE_URL"},
		{"unknown driver", map[string]string{"STORE_DRIVER": "mysql"}, "STORE_DRIVER"},
		{"poll bounds", map[string]string{"OTP_POLL_INITIAL": "30s"}, "OTP_POLL_INITIAL"},
		{"zero race", map[string]string{"RACE_TIMEOUT": "0s"}, "RACE_TIMEOUT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %s", err, tt.want)
			}
		})
	}
}
