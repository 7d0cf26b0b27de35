// Package config loads the console configuration from a JSON file, checks it
// against an embedded JSON Schema, and applies STOREPORT_* environment
// overrides on top.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

const schema = `{
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"api_url":          {"type": "string", "format": "uri"},
		"dashboard_origin": {"type": "string", "format": "uri"},
		"bind_addr":        {"type": "string"},
		"data_dir":         {"type": "string"},
		"log_level":        {"type": "string", "enum": ["debug", "info", "warn", "error"]},
		"max_retries":      {"type": "integer", "minimum": 0},
		"base_delay_ms":    {"type": "integer", "minimum": 1},
		"backoff_factor":   {"type": "number", "minimum": 1},
		"refresh_interval_ms": {"type": "integer", "minimum": 100},
		"tracing_enabled":  {"type": "boolean"},
		"otlp_endpoint":    {"type": "string"}
	}
}`

// Config is the console configuration.
type Config struct {
	APIURL            string  `json:"api_url"`
	DashboardOrigin   string  `json:"dashboard_origin"`
	BindAddr          string  `json:"bind_addr"`
	DataDir           string  `json:"data_dir"`
	LogLevel          string  `json:"log_level"`
	MaxRetries        int     `json:"max_retries"`
	BaseDelayMS       int     `json:"base_delay_ms"`
	BackoffFactor     float64 `json:"backoff_factor"`
	RefreshIntervalMS int     `json:"refresh_interval_ms"`
	TracingEnabled    bool    `json:"tracing_enabled"`
	OTLPEndpoint      string  `json:"otlp_endpoint"`
}

// Default returns the configuration used when no file or overrides exist.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		APIURL:            "http://localhost:8000",
		DashboardOrigin:   "http://localhost:3000",
		BindAddr:          "127.0.0.1:8090",
		DataDir:           filepath.Join(home, ".storeport"),
		LogLevel:          "info",
		MaxRetries:        5,
		BaseDelayMS:       1000,
		BackoffFactor:     2.0,
		RefreshIntervalMS: 30000,
	}
}

// BaseDelay returns the reconnect base delay as a duration.
func (c Config) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMS) * time.Millisecond
}

// RefreshInterval returns the fallback poll cadence as a duration.
func (c Config) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalMS) * time.Millisecond
}

// SessionPath returns the session file location under the data dir.
func (c Config) SessionPath() string {
	return filepath.Join(c.DataDir, "session.json")
}

// Load reads the config file at path, validates it, and applies environment
// overrides. A missing file is not an error; defaults plus environment apply.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return cfg, fmt.Errorf("read config file: %w", err)
	default:
		if err := validate(data); err != nil {
			return cfg, err
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if cfg.BackoffFactor < 1 {
		return cfg, fmt.Errorf("backoff_factor %v: must be at least 1", cfg.BackoffFactor)
	}
	return cfg, nil
}

func validate(data []byte) error {
	res, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, item := range res.Errors() {
		msgs = append(msgs, fmt.Sprintf("%s: %s", item.Field(), item.Description()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setString("STOREPORT_API_URL", &cfg.APIURL)
	setString("STOREPORT_DASHBOARD_ORIGIN", &cfg.DashboardOrigin)
	setString("STOREPORT_BIND_ADDR", &cfg.BindAddr)
	setString("STOREPORT_DATA_DIR", &cfg.DataDir)
	setString("STOREPORT_LOG_LEVEL", &cfg.LogLevel)
	setString("STOREPORT_OTLP_ENDPOINT", &cfg.OTLPEndpoint)
	if v := os.Getenv("STOREPORT_TRACING"); v != "" {
		cfg.TracingEnabled = v == "1" || strings.EqualFold(v, "true")
	}
}
