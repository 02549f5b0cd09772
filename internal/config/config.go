// Package config loads llmd settings from YAML, JSON or TOML files and the
// environment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are replaced by ApplyDefaults.
type Config struct {
	Addr          string `json:"addr" yaml:"addr" toml:"addr"`
	LogLevel      string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat     string `json:"log_format" yaml:"log_format" toml:"log_format"`
	LogFile       string `json:"log_file" yaml:"log_file" toml:"log_file"`
	LogMaxSizeMB  int    `json:"log_max_size_mb" yaml:"log_max_size_mb" toml:"log_max_size_mb"`
	LogMaxBackups int    `json:"log_max_backups" yaml:"log_max_backups" toml:"log_max_backups"`
	LogMaxAgeDays int    `json:"log_max_age_days" yaml:"log_max_age_days" toml:"log_max_age_days"`
	MaxBodyBytes  int64  `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`

	CORS   CORSConfig   `json:"cors" yaml:"cors" toml:"cors"`
	Ollama OllamaConfig `json:"ollama" yaml:"ollama" toml:"ollama"`
}

// CORSConfig enables CORS on the HTTP API when Enabled is set.
type CORSConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Origins []string `json:"origins" yaml:"origins" toml:"origins"`
	Methods []string `json:"methods" yaml:"methods" toml:"methods"`
	Headers []string `json:"headers" yaml:"headers" toml:"headers"`
}

// OllamaConfig configures the Ollama backend.
type OllamaConfig struct {
	// Enabled defaults to true when unset.
	Enabled        *bool  `json:"enabled" yaml:"enabled" toml:"enabled"`
	Name           string `json:"name" yaml:"name" toml:"name"`
	URL            string `json:"url" yaml:"url" toml:"url"`
	ModelsPath     string `json:"models_path" yaml:"models_path" toml:"models_path"`
	Binary         string `json:"binary" yaml:"binary" toml:"binary"`
	BootAttempts   int    `json:"boot_attempts" yaml:"boot_attempts" toml:"boot_attempts"`
	BootDelayMS    int    `json:"boot_delay_ms" yaml:"boot_delay_ms" toml:"boot_delay_ms"`
	ProbeTimeoutMS int    `json:"probe_timeout_ms" yaml:"probe_timeout_ms" toml:"probe_timeout_ms"`
	StopGraceMS    int    `json:"stop_grace_ms" yaml:"stop_grace_ms" toml:"stop_grace_ms"`
	KeepAlive      string `json:"keep_alive" yaml:"keep_alive" toml:"keep_alive"`
	HTTPRetries    int    `json:"http_retries" yaml:"http_retries" toml:"http_retries"`
}

// IsEnabled reports whether the backend should be registered.
func (o OllamaConfig) IsEnabled() bool { return o.Enabled == nil || *o.Enabled }

func (o OllamaConfig) BootDelay() time.Duration    { return ms(o.BootDelayMS) }
func (o OllamaConfig) ProbeTimeout() time.Duration { return ms(o.ProbeTimeoutMS) }
func (o OllamaConfig) StopGrace() time.Duration    { return ms(o.StopGraceMS) }

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// Defaults.
const (
	DefaultAddr         = ":8080"
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "console"
	DefaultMaxBodyBytes = 1 << 20
	DefaultOllamaName   = "ollama"
	DefaultOllamaURL    = "http://localhost:11434/api/"
	DefaultOllamaBinary = "ollama"
	DefaultBootAttempts = 3
	DefaultBootDelayMS  = 2000
	DefaultProbeMS      = 2000
	DefaultStopGraceMS  = 2000
	DefaultKeepAlive    = "10m"
	DefaultHTTPRetries  = 2
)

// Default returns a Config with every default applied.
func Default() Config {
	var c Config
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills unspecified fields.
func (c *Config) ApplyDefaults() {
	setStr(&c.Addr, DefaultAddr)
	setStr(&c.LogLevel, DefaultLogLevel)
	setStr(&c.LogFormat, DefaultLogFormat)
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	o := &c.Ollama
	setStr(&o.Name, DefaultOllamaName)
	setStr(&o.URL, DefaultOllamaURL)
	setStr(&o.Binary, DefaultOllamaBinary)
	setStr(&o.KeepAlive, DefaultKeepAlive)
	setInt(&o.BootAttempts, DefaultBootAttempts)
	setInt(&o.BootDelayMS, DefaultBootDelayMS)
	setInt(&o.ProbeTimeoutMS, DefaultProbeMS)
	setInt(&o.StopGraceMS, DefaultStopGraceMS)
	if o.HTTPRetries == 0 {
		o.HTTPRetries = DefaultHTTPRetries
	} else if o.HTTPRetries < 0 {
		o.HTTPRetries = 0
	}
}

func setStr(p *string, def string) {
	if strings.TrimSpace(*p) == "" {
		*p = def
	}
}

func setInt(p *int, def int) {
	if *p <= 0 {
		*p = def
	}
}

// Environment overrides, applied after the file.
const (
	EnvAddr         = "LLMD_ADDR"
	EnvLogLevel     = "LLMD_LOG_LEVEL"
	EnvOllamaURL    = "LLMD_OLLAMA_URL"
	EnvOllamaModels = "LLMD_OLLAMA_MODELS"
)

// ApplyEnv overrides fields from the environment through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv(EnvAddr); v != "" {
		c.Addr = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := getenv(EnvOllamaURL); v != "" {
		c.Ollama.URL = v
	}
	if v := getenv(EnvOllamaModels); v != "" {
		c.Ollama.ModelsPath = v
	}
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// Resolve loads path (when set), applies environment overrides and defaults.
func Resolve(path string) (Config, error) {
	var cfg Config
	if path != "" {
		var err error
		if cfg, err = Load(path); err != nil {
			return cfg, err
		}
	}
	cfg.ApplyEnv(os.Getenv)
	cfg.ApplyDefaults()
	return cfg, nil
}
