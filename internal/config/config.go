// Package config loads process-wide configuration from environment
// variables, the way the teacher's internal/config package does.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// ServiceURLs is the closed set of downstream service base URLs from
// spec.md §6 ("Service Client... resolve service name to base URL from a
// configured mapping (closed set: scanner, pattern, technical, risk-manager,
// trading, news, reporting)").
type ServiceURLs struct {
	Scanner     string
	Pattern     string
	Technical   string
	RiskManager string
	Trading     string
	News        string
	Reporting   string
}

// Config holds application configuration.
type Config struct {
	DataDir  string
	Port     int
	LogLevel string
	DevMode  bool

	StoreConnString string

	Services ServiceURLs

	BrokerAPIKey    string
	BrokerAPISecret string

	NewsSourceKeys map[string]string

	// AlertSMTP holds the optional SMTP alerting-sink settings. They are
	// loaded from the environment only; no component sends alerts through
	// them.
	AlertSMTP AlertConfig

	// Fan-out bound for concurrent per-symbol calls within a reducer stage.
	StageFanOut int

	// ServiceCallTimeout is the default per-call timeout (spec.md §4.2).
	ServiceCallTimeout time.Duration

	// CircuitBreakerThreshold is N consecutive service-unavailable
	// classifications before a service short-circuits (spec.md §4.2).
	CircuitBreakerThreshold int
	// CircuitBreakerCooldown is how long a tripped breaker stays open.
	CircuitBreakerCooldown time.Duration
}

// AlertConfig configures the optional best-effort alerting sink.
type AlertConfig struct {
	Enabled  bool
	Host     string
	Port     int
	From     string
	To       string
	Username string
	Password string
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// Load reads configuration from environment variables (and .env, if present).
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("CATALYST_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:         absDataDir,
		Port:            getEnvAsInt("CATALYST_PORT", 8090),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		DevMode:         getEnvAsBool("DEV_MODE", false),
		StoreConnString: getEnv("STORE_CONN_STRING", filepath.Join(absDataDir, "catalyst.db")),
		Services: ServiceURLs{
			Scanner:     getEnv("SCANNER_SERVICE_URL", "http://localhost:5001"),
			Pattern:     getEnv("PATTERN_SERVICE_URL", "http://localhost:5002"),
			Technical:   getEnv("TECHNICAL_SERVICE_URL", "http://localhost:5003"),
			RiskManager: getEnv("RISK_MANAGER_SERVICE_URL", "http://localhost:5004"),
			Trading:     getEnv("TRADING_SERVICE_URL", "http://localhost:5005"),
			News:        getEnv("NEWS_SERVICE_URL", "http://localhost:5006"),
			Reporting:   getEnv("REPORTING_SERVICE_URL", "http://localhost:5007"),
		},
		BrokerAPIKey:    getEnv("BROKER_API_KEY", ""),
		BrokerAPISecret: getEnv("BROKER_API_SECRET", ""),
		NewsSourceKeys:  parseNewsSourceKeys(),
		AlertSMTP: AlertConfig{
			Enabled:  getEnvAsBool("ALERT_SMTP_ENABLED", false),
			Host:     getEnv("ALERT_SMTP_HOST", ""),
			Port:     getEnvAsInt("ALERT_SMTP_PORT", 587),
			From:     getEnv("ALERT_SMTP_FROM", ""),
			To:       getEnv("ALERT_SMTP_TO", ""),
			Username: getEnv("ALERT_SMTP_USERNAME", ""),
			Password: getEnv("ALERT_SMTP_PASSWORD", ""),
		},
		StageFanOut:             getEnvAsInt("STAGE_FAN_OUT", 10),
		ServiceCallTimeout:      getEnvAsDuration("SERVICE_CALL_TIMEOUT", 30*time.Second),
		CircuitBreakerThreshold: getEnvAsInt("CIRCUIT_BREAKER_THRESHOLD", 5),
		CircuitBreakerCooldown:  getEnvAsDuration("CIRCUIT_BREAKER_COOLDOWN", 60*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// parseNewsSourceKeys reads NEWS_SOURCE_KEYS as "source1=key1,source2=key2".
func parseNewsSourceKeys() map[string]string {
	raw := getEnv("NEWS_SOURCE_KEYS", "")
	keys := make(map[string]string)
	if raw == "" {
		return keys
	}
	for _, pair := range splitNonEmpty(raw, ',') {
		kv := splitNonEmpty(pair, '=')
		if len(kv) == 2 {
			keys[kv[0]] = kv[1]
		}
	}
	return keys
}

func splitNonEmpty(s string, sep byte) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.StageFanOut <= 0 {
		return fmt.Errorf("stage fan-out must be positive")
	}
	return nil
}
