package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server and job configuration.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string
	RedisAddr   string
	CatalogPath string

	WorkerURL    string
	PublicHost   string
	AdminBaseURL string

	SigningSecret  string
	CredentialsKey string

	ActionTTL    time.Duration
	DelayedGrace time.Duration
	DispatchRPS  float64

	PagerURL       string
	PushgatewayURL string
	OTelEndpoint   string
	OTelEnabled    bool

	invalid []string
}

// Load loads configuration from environment variables. When CONFIG_FILE
// names a YAML file its values sit between the defaults and the environment.
func Load() *Config {
	cfg := &Config{
		Port:         "8080",
		LogLevel:     "INFO",
		DatabaseURL:  "sqlite://data/actiond.db",
		PublicHost:   "http://localhost:8080",
		AdminBaseURL: "http://localhost:8080",
		ActionTTL:    time.Hour,
		DelayedGrace: time.Minute,
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			cfg.invalid = append(cfg.invalid, err.Error())
		}
	}

	str(&cfg.Port, "PORT")
	str(&cfg.LogLevel, "LOG_LEVEL")
	str(&cfg.DatabaseURL, "DATABASE_URL")
	str(&cfg.RedisAddr, "REDIS_ADDR")
	str(&cfg.CatalogPath, "CATALOG_PATH")
	str(&cfg.WorkerURL, "WORKER_URL")
	str(&cfg.PublicHost, "PUBLIC_HOST")
	str(&cfg.AdminBaseURL, "ADMIN_BASE_URL")
	str(&cfg.SigningSecret, "SIGNING_SECRET")
	str(&cfg.CredentialsKey, "CREDENTIALS_KEY")
	str(&cfg.PagerURL, "PAGER_URL")
	str(&cfg.PushgatewayURL, "PUSHGATEWAY_URL")
	str(&cfg.OTelEndpoint, "OTEL_ENDPOINT")
	cfg.duration(&cfg.ActionTTL, "ACTION_TTL")
	cfg.duration(&cfg.DelayedGrace, "DELAYED_GRACE")

	if v := os.Getenv("DISPATCH_RPS"); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil || rps < 0 {
			cfg.invalid = append(cfg.invalid, fmt.Sprintf("DISPATCH_RPS=%q", v))
		} else {
			cfg.DispatchRPS = rps
		}
	}
	if v := os.Getenv("OTEL_ENABLED"); v != "" {
		cfg.OTelEnabled = v == "true" || v == "1"
	}

	cfg.PublicHost = strings.TrimRight(cfg.PublicHost, "/")
	cfg.AdminBaseURL = strings.TrimRight(cfg.AdminBaseURL, "/")
	return cfg
}

// Validate reports malformed values and the settings dispatching cannot run without.
func (c *Config) Validate() error {
	var errs []error
	for _, v := range c.invalid {
		errs = append(errs, fmt.Errorf("config: invalid %s", v))
	}
	if c.WorkerURL == "" {
		errs = append(errs, errors.New("config: WORKER_URL is required"))
	}
	if c.SigningSecret == "" {
		errs = append(errs, errors.New("config: SIGNING_SECRET is required"))
	}
	if c.CredentialsKey == "" {
		errs = append(errs, errors.New("config: CREDENTIALS_KEY is required"))
	}
	if c.ActionTTL <= 0 {
		errs = append(errs, errors.New("config: ACTION_TTL must be positive"))
	}
	return errors.Join(errs...)
}

// SQLite reports whether DatabaseURL selects SQLite, and its path.
func (c *Config) SQLite() (string, bool) {
	return strings.CutPrefix(c.DatabaseURL, "sqlite://")
}

func str(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (c *Config) duration(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		c.invalid = append(c.invalid, fmt.Sprintf("%s=%q", key, v))
		return
	}
	*dst = d
}
