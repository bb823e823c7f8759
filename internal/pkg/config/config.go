package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Backend   BackendConfig   `koanf:"backend"`
	Storage   StorageConfig   `koanf:"storage"`
	Auth      AuthConfig      `koanf:"auth"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Audit     AuditConfig     `koanf:"audit"`
	CORS      CORSConfig      `koanf:"cors"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Log       LogConfig       `koanf:"log"`
}

type ServerConfig struct {
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// BackendConfig points at the Ollama inference server.
type BackendConfig struct {
	URL     string        `koanf:"url"`
	Timeout time.Duration `koanf:"timeout"`
}

type StorageConfig struct {
	Type string `koanf:"type"` // sqlite, memory
	Path string `koanf:"path"`
}

// AuthConfig configures token verification. An empty ClientID disables it.
type AuthConfig struct {
	ClientID     string        `koanf:"client_id"`
	TokenInfoURL string        `koanf:"tokeninfo_url"`
	Timeout      time.Duration `koanf:"timeout"`
}

type RateLimitConfig struct {
	Requests int `koanf:"requests"`
	Window   int `koanf:"window"` // seconds
}

// WindowDuration returns Window as a time.Duration.
func (c RateLimitConfig) WindowDuration() time.Duration {
	return time.Duration(c.Window) * time.Second
}

type AuditConfig struct {
	QueueSize int `koanf:"queue_size"`
}

type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

type TelemetryConfig struct {
	Exporter string `koanf:"exporter"` // none, stdout
}

type LogConfig struct {
	Level string `koanf:"level"`
}

// legacyEnv maps the deployment's historical variable names onto config keys.
var legacyEnv = map[string]string{
	"OLLAMA_URL":          "backend.url",
	"DB_PATH":             "storage.path",
	"GOOGLE_CLIENT_ID":    "auth.client_id",
	"RATE_LIMIT_REQUESTS": "rate_limit.requests",
	"RATE_LIMIT_WINDOW":   "rate_limit.window",
	"PORT":                "server.port",
}

var defaults = map[string]any{
	"server.port":             8000,
	"server.shutdown_timeout": "30s",
	"backend.url":             "http://ollama:11434",
	"backend.timeout":         "1h",
	"storage.type":            "sqlite",
	"storage.path":            "/data/db/app.db",
	"auth.client_id":          "",
	"auth.tokeninfo_url":      "https://www.googleapis.com/oauth2/v3/tokeninfo",
	"auth.timeout":            "5s",
	"rate_limit.requests":     100,
	"rate_limit.window":       3600,
	"audit.queue_size":        1024,
	"cors.allowed_origins":    []string{"*"},
	"telemetry.exporter":      "none",
	"log.level":               "info",
}

// Load reads configuration from defaults, an optional YAML file named by
// GATEWAY_CONFIG (config.yaml otherwise), the legacy environment names and
// finally GATEWAY_<SECTION>__<KEY> variables. Later sources win.
func Load() (*Config, error) {
	k := koanf.New(".")

	path := os.Getenv("GATEWAY_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return legacyEnv[s]
	}), nil); err != nil {
		return nil, err
	}

	if err := k.Load(env.Provider("GATEWAY_", ".", func(s string) string {
		if s == "GATEWAY_CONFIG" {
			return ""
		}
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "GATEWAY_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	cfg.CORS.AllowedOrigins = splitList(cfg.CORS.AllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the gateway cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Backend.URL == "" {
		errs = append(errs, errors.New("backend.url is required"))
	}
	switch c.Storage.Type {
	case "sqlite":
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.type must be sqlite or memory, got %q", c.Storage.Type))
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit.window must be positive, got %d", c.RateLimit.Window))
	}
	if c.RateLimit.Requests < 0 {
		errs = append(errs, fmt.Errorf("rate_limit.requests must not be negative, got %d", c.RateLimit.Requests))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	switch c.Telemetry.Exporter {
	case "none", "stdout":
	default:
		errs = append(errs, fmt.Errorf("telemetry.exporter must be none or stdout, got %q", c.Telemetry.Exporter))
	}
	return errors.Join(errs...)
}

// splitList expands comma-separated entries, which is how lists arrive from
// the environment.
func splitList(in []string) []string {
	var out []string
	for _, v := range in {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
