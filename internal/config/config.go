package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	MQTTBrokerURL       string        `env:"MQTT_BROKER_URL,required"`
	MQTTClientID        string        `env:"MQTT_CLIENT_ID" envDefault:"rack-engine"`
	MQTTUsername        string        `env:"MQTT_USERNAME"`
	MQTTPassword        string        `env:"MQTT_PASSWORD"`
	MQTTTopicV5008      string        `env:"MQTT_TOPIC_V5008" envDefault:"V5008Upload/#"`
	MQTTTopicV6800      string        `env:"MQTT_TOPIC_V6800" envDefault:"V6800Upload/#"`
	MQTTConnectTimeout  time.Duration `env:"MQTT_CONNECT_TIMEOUT" envDefault:"30s"`
	MQTTReconnectPeriod time.Duration `env:"MQTT_RECONNECT_PERIOD" envDefault:"5s"`

	DatabaseURL          string        `env:"DATABASE_URL"`
	StorageEnabled       bool          `env:"STORAGE_ENABLED" envDefault:"true"`
	StorageFlushInterval time.Duration `env:"STORAGE_FLUSH_INTERVAL" envDefault:"1s"`
	StorageBatchSize     int           `env:"STORAGE_BATCH_SIZE" envDefault:"100"`
	RawStore             bool          `env:"RAW_STORE" envDefault:"false"`
	RawRetention         time.Duration `env:"RAW_RETENTION" envDefault:"168h"`

	HeartbeatTimeout time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"120s"`
	WatchdogInterval time.Duration `env:"WATCHDOG_INTERVAL" envDefault:"30s"`
	RepairDebounce   time.Duration `env:"REPAIR_DEBOUNCE" envDefault:"30s"`

	APIEnabled   bool          `env:"API_ENABLED" envDefault:"true"`
	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	WSEnabled bool   `env:"WS_ENABLED" envDefault:"true"`
	WSAddr    string `env:"WS_ADDR" envDefault:":8081"`

	WebhookEnabled bool     `env:"WEBHOOK_ENABLED" envDefault:"false"`
	WebhookURL     string   `env:"WEBHOOK_URL"`
	WebhookFilters []string `env:"WEBHOOK_FILTERS" envSeparator:","`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile       string
	HTTPAddr      string
	WSAddr        string
	LogLevel      string
	DatabaseURL   string
	MQTTBrokerURL string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	// Parse environment variables into config struct
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Apply CLI overrides (non-empty values win)
	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.WSAddr != "" {
		cfg.WSAddr = overrides.WSAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.MQTTBrokerURL != "" {
		cfg.MQTTBrokerURL = overrides.MQTTBrokerURL
	}

	if cfg.StorageEnabled && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORAGE_ENABLED=true")
	}
	if cfg.WebhookEnabled && cfg.WebhookURL == "" {
		return nil, fmt.Errorf("WEBHOOK_URL is required when WEBHOOK_ENABLED=true")
	}
	if cfg.StorageBatchSize < 1 {
		return nil, fmt.Errorf("STORAGE_BATCH_SIZE must be at least 1, got %d", cfg.StorageBatchSize)
	}

	return cfg, nil
}

const redacted = "***REDACTED***"

// Redacted returns the effective configuration with password-like fields
// masked, suitable for the config API endpoint.
func (c *Config) Redacted() map[string]any {
	password := ""
	if c.MQTTPassword != "" {
		password = redacted
	}
	return map[string]any{
		"mqttBrokerUrl":        maskURL(c.MQTTBrokerURL),
		"mqttClientId":         c.MQTTClientID,
		"mqttUsername":         c.MQTTUsername,
		"mqttPassword":         password,
		"mqttTopics":           []string{c.MQTTTopicV5008, c.MQTTTopicV6800},
		"databaseUrl":          maskURL(c.DatabaseURL),
		"storageEnabled":       c.StorageEnabled,
		"storageFlushInterval": c.StorageFlushInterval.String(),
		"storageBatchSize":     c.StorageBatchSize,
		"rawStore":             c.RawStore,
		"rawRetention":         c.RawRetention.String(),
		"heartbeatTimeout":     c.HeartbeatTimeout.String(),
		"watchdogInterval":     c.WatchdogInterval.String(),
		"repairDebounce":       c.RepairDebounce.String(),
		"apiEnabled":           c.APIEnabled,
		"httpAddr":             c.HTTPAddr,
		"wsEnabled":            c.WSEnabled,
		"wsAddr":               c.WSAddr,
		"webhookEnabled":       c.WebhookEnabled,
		"webhookUrl":           c.WebhookURL,
		"webhookFilters":       c.WebhookFilters,
		"logLevel":             c.LogLevel,
	}
}

// maskURL hides the password portion of a URL-shaped value. Values that
// don't parse are masked entirely rather than risk leaking credentials.
func maskURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return redacted
	}
	if u.User != nil {
		if _, has := u.User.Password(); has {
			u.User = url.UserPassword(u.User.Username(), redacted)
		}
	}
	return u.String()
}
