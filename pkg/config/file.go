package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the YAML form of a deployment's settings. Secrets are read
// from the environment only.
type File struct {
	Port         string        `yaml:"port"`
	LogLevel     string        `yaml:"log_level"`
	DatabaseURL  string        `yaml:"database_url"`
	RedisAddr    string        `yaml:"redis_addr"`
	CatalogPath  string        `yaml:"catalog_path"`
	WorkerURL    string        `yaml:"worker_url"`
	PublicHost   string        `yaml:"public_host"`
	AdminBaseURL string        `yaml:"admin_base_url"`
	ActionTTL    time.Duration `yaml:"action_ttl"`
	DelayedGrace time.Duration `yaml:"delayed_grace"`
	DispatchRPS  float64       `yaml:"dispatch_rps"`
	PagerURL     string        `yaml:"pager_url"`
	Pushgateway  string        `yaml:"pushgateway_url"`
	OTel         struct {
		Enabled  bool   `yaml:"enabled"`
		Endpoint string `yaml:"endpoint"`
	} `yaml:"otel"`
}

// LoadFile parses a YAML settings file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config file %q: %w", path, err)
	}
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse config file %q: %w", path, err)
	}
	return &f, nil
}

func (c *Config) applyFile(path string) error {
	f, err := LoadFile(path)
	if err != nil {
		return err
	}
	set(&c.Port, f.Port)
	set(&c.LogLevel, f.LogLevel)
	set(&c.DatabaseURL, f.DatabaseURL)
	set(&c.RedisAddr, f.RedisAddr)
	set(&c.CatalogPath, f.CatalogPath)
	set(&c.WorkerURL, f.WorkerURL)
	set(&c.PublicHost, f.PublicHost)
	set(&c.AdminBaseURL, f.AdminBaseURL)
	set(&c.PagerURL, f.PagerURL)
	set(&c.PushgatewayURL, f.Pushgateway)
	set(&c.OTelEndpoint, f.OTel.Endpoint)
	if f.ActionTTL != 0 {
		c.ActionTTL = f.ActionTTL
	}
	if f.DelayedGrace != 0 {
		c.DelayedGrace = f.DelayedGrace
	}
	if f.DispatchRPS != 0 {
		c.DispatchRPS = f.DispatchRPS
	}
	if f.OTel.Enabled {
		c.OTelEnabled = true
	}
	return nil
}

func set(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
