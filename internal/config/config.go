// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	GRPCAddr    string
	LogLevel    string
	// CORSOrigins are the allowed browser origins; "*" allows any.
	CORSOrigins []string

	Store   StoreConfig
	Cache   CacheConfig
	Device  DeviceConfig
	OTP     OTPConfig
	Timeout TimeoutConfig
	Retry   RetryConfig
	Events  EventsConfig
	Sweeper SweeperConfig

	// ProfileNames are display names picked at random during profile setup.
	ProfileNames []string
}

// StoreConfig selects the durable phone/session backing.
type StoreConfig struct {
	Driver      string // "sqlite" or "postgres"
	DBPath      string
	DatabaseURL string
}

// CacheConfig controls the short-TTL session mirror.
type CacheConfig struct {
	RedisURL   string
	SessionTTL time.Duration
}

// DeviceConfig identifies the device, the automation server and the target app.
type DeviceConfig struct {
	Serial      string // adb serial, e.g. 127.0.0.1:7555
	ADBPath     string
	Container   string // optional docker container hosting the emulator
	AppiumURL   string
	AppPackage  string
	AppActivity string
}

// OTPConfig controls the activation polling loop.
type OTPConfig struct {
	APIKey         string
	BaseURL        string
	PollInitial    time.Duration
	PollStep       time.Duration
	PollMax        time.Duration
	MaxWait        time.Duration
	RequestTimeout time.Duration
	NotifyTimeout  time.Duration
}

// TimeoutConfig holds every bounded UI wait.
type TimeoutConfig struct {
	DeviceCheck      time.Duration
	Terms            time.Duration
	CountryCode      time.Duration
	PhoneNumber      time.Duration
	Confirm          time.Duration
	OTPField         time.Duration
	OTPSettle        time.Duration
	Completion       time.Duration
	OptionalControl  time.Duration
	Race             time.Duration
	ShortPause       time.Duration
	LongPause        time.Duration
	TeardownDeadline time.Duration
}

// RetryConfig is the per-step retry policy.
type RetryConfig struct {
	StepAttempts int
	StepDelay    time.Duration
	StepDoubling bool
}

// EventsConfig controls external status sinks.
type EventsConfig struct {
	KafkaBrokers string
	KafkaTopic   string
}

// SweeperConfig controls the stale-session worker.
type SweeperConfig struct {
	Interval   time.Duration
	SessionTTL time.Duration
	Retention  time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		GRPCAddr:    getEnv("GRPC_ADDR", ":9090"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		CORSOrigins: getEnvList("CORS_ORIGINS", []string{"*"}),
		Store: StoreConfig{
			Driver:      strings.ToLower(getEnv("STORE_DRIVER", "sqlite")),
			DBPath:      getEnv("DB_PATH", "./data/registrar.db"),
			DatabaseURL: getEnv("DATABASE_URL", ""),
		},
		Cache: CacheConfig{
			RedisURL:   getEnv("REDIS_URL", ""),
			SessionTTL: getEnvDuration("SESSION_CACHE_TTL", 900*time.Second),
		},
		Device: DeviceConfig{
			Serial:      strings.TrimSpace(getEnv("DEVICE_SERIAL", "127.0.0.1:7555")),
			ADBPath:     getEnv("ADB_PATH", "adb"),
			Container:   getEnv("DEVICE_CONTAINER", ""),
			AppiumURL:   getEnv("APPIUM_URL", "http://127.0.0.1:4723"),
			AppPackage:  getEnv("APP_PACKAGE", "com.whatsapp"),
			AppActivity: getEnv("APP_ACTIVITY", ".Main"),
		},
		OTP: OTPConfig{
			APIKey:         getEnv("SMS_ACTIVATE_API_KEY", ""),
			BaseURL:        getEnv("SMS_ACTIVATE_BASE_URL", "https://api.sms-activate.ae/stubs/handler_api.php"),
			PollInitial:    getEnvDuration("OTP_POLL_INITIAL", time.Second),
			PollStep:       getEnvDuration("OTP_POLL_STEP", time.Second),
			PollMax:        getEnvDuration("OTP_POLL_MAX", 10*time.Second),
			MaxWait:        getEnvDuration("OTP_MAX_WAIT", 180*time.Second),
			RequestTimeout: getEnvDuration("OTP_REQUEST_TIMEOUT", 15*time.Second),
			NotifyTimeout:  getEnvDuration("OTP_NOTIFY_TIMEOUT", 5*time.Second),
		},
		Timeout: TimeoutConfig{
			DeviceCheck:      getEnvDuration("DEVICE_CHECK_TIMEOUT", 15*time.Second),
			Terms:            getEnvDuration("STEP_TERMS_TIMEOUT", 15*time.Second),
			CountryCode:      getEnvDuration("STEP_COUNTRY_TIMEOUT", 10*time.Second),
			PhoneNumber:      getEnvDuration("STEP_PHONE_TIMEOUT", 5*time.Second),
			Confirm:          getEnvDuration("STEP_CONFIRM_TIMEOUT", 5*time.Second),
			OTPField:         getEnvDuration("OTP_FIELD_TIMEOUT", 60*time.Second),
			OTPSettle:        getEnvDuration("OTP_SETTLE", 5*time.Second),
			Completion:       getEnvDuration("COMPLETION_TIMEOUT", 20*time.Second),
			OptionalControl:  getEnvDuration("OPTIONAL_CONTROL_TIMEOUT", 3*time.Second),
			Race:             getEnvDuration("RACE_TIMEOUT", 5*time.Minute),
			ShortPause:       getEnvDuration("UI_SHORT_PAUSE", 500*time.Millisecond),
			LongPause:        getEnvDuration("UI_LONG_PAUSE", 1500*time.Millisecond),
			TeardownDeadline: getEnvDuration("TEARDOWN_TIMEOUT", 10*time.Second),
		},
		Retry: RetryConfig{
			StepAttempts: getEnvInt("STEP_RETRY_ATTEMPTS", 3),
			StepDelay:    getEnvDuration("STEP_RETRY_DELAY", 2*time.Second),
			StepDoubling: getEnvBool("STEP_RETRY_DOUBLING", false),
		},
		Events: EventsConfig{
			KafkaBrokers: getEnv("KAFKA_BROKERS", ""),
			KafkaTopic:   getEnv("STATUS_KAFKA_TOPIC", "registration-status"),
		},
		Sweeper: SweeperConfig{
			Interval:   getEnvDuration("SWEEPER_INTERVAL", time.Minute),
			SessionTTL: getEnvDuration("SESSION_TTL", 15*time.Minute),
			Retention:  getEnvDuration("SESSION_RETENTION", 7*24*time.Hour),
		},
		ProfileNames: getEnvList("PROFILE_NAMES", []string{"Sofia", "Marco", "Yuki", "Amara", "Chen", "Lara", "Ahmed", "Priya"}),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL must be set when STORE_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be sqlite or postgres, got %q", c.Store.Driver)
	}
	if c.Device.Serial == "" {
		return fmt.Errorf("DEVICE_SERIAL cannot be empty")
	}
	if c.Device.AppiumURL == "" {
		return fmt.Errorf("APPIUM_URL cannot be empty")
	}
	if c.Retry.StepAttempts <= 0 {
		return fmt.Errorf("STEP_RETRY_ATTEMPTS must be > 0")
	}
	if c.OTP.PollInitial <= 0 || c.OTP.PollMax < c.OTP.PollInitial {
		return fmt.Errorf("OTP_POLL_INITIAL must be > 0 and <= OTP_POLL_MAX")
	}
	if c.OTP.MaxWait <= 0 {
		return fmt.Errorf("OTP_MAX_WAIT must be > 0")
	}
	for name, d := range map[string]time.Duration{
		"OTP_FIELD_TIMEOUT":  c.Timeout.OTPField,
		"COMPLETION_TIMEOUT": c.Timeout.Completion,
		"RACE_TIMEOUT":       c.Timeout.Race,
		"SESSION_TTL":        c.Sweeper.SessionTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	if len(c.ProfileNames) == 0 {
		return fmt.Errorf("PROFILE_NAMES cannot be empty")
	}
	return nil
}

// KafkaBrokerList returns broker addresses from the comma-separated setting.
func (c *Config) KafkaBrokerList() []string {
	return splitList(c.Events.KafkaBrokers)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	if out := splitList(value); len(out) > 0 {
		return out
	}
	return fallback
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
