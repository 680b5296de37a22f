package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

type Config struct {
	DataDir  string `json:"data_dir" yaml:"data_dir"`
	LogLevel string `json:"log_level" yaml:"log_level"`
	TenantID string `json:"tenant_id" yaml:"tenant_id"`
	Listen   string `json:"listen" yaml:"listen"`
	Storage  struct {
		Backend string `json:"backend" yaml:"backend"`
		Driver  string `json:"driver" yaml:"driver"`
		Path    string `json:"path" yaml:"path"`
	} `json:"storage" yaml:"storage"`
	Remote struct {
		BaseURL        string `json:"base_url" yaml:"base_url"`
		Token          string `json:"token" yaml:"token"`
		EnqueueTimeout int    `json:"enqueue_timeout_seconds" yaml:"enqueue_timeout_seconds"`
		SuggestTimeout int    `json:"suggest_timeout_seconds" yaml:"suggest_timeout_seconds"`
		StatusTimeout  int    `json:"status_timeout_seconds" yaml:"status_timeout_seconds"`
	} `json:"remote" yaml:"remote"`
	Queue struct {
		FlushInterval   int    `json:"flush_interval_seconds" yaml:"flush_interval_seconds"`
		MaxAttempts     int    `json:"max_attempts" yaml:"max_attempts"`
		InitialDelayMs  int    `json:"initial_delay_ms" yaml:"initial_delay_ms"`
		MaxDelaySeconds int    `json:"max_delay_seconds" yaml:"max_delay_seconds"`
		MaxJitterMs     int    `json:"max_jitter_ms" yaml:"max_jitter_ms"`
		StaleMinutes    int    `json:"stale_after_minutes" yaml:"stale_after_minutes"`
		RecoverSchedule string `json:"recover_schedule" yaml:"recover_schedule"`
	} `json:"queue" yaml:"queue"`
	Capture struct {
		RetentionDays int    `json:"retention_days" yaml:"retention_days"`
		PruneSchedule string `json:"prune_schedule" yaml:"prune_schedule"`
		SeenCapacity  int    `json:"seen_capacity" yaml:"seen_capacity"`
		Timezone      string `json:"timezone" yaml:"timezone"`
	} `json:"capture" yaml:"capture"`
	Suggest struct {
		Locale        string `json:"locale" yaml:"locale"`
		Tone          string `json:"tone" yaml:"tone"`
		ContextWindow int    `json:"context_window" yaml:"context_window"`
		TokenBudget   int    `json:"token_budget" yaml:"token_budget"`
		Model         string `json:"model" yaml:"model"`
	} `json:"suggest" yaml:"suggest"`
	Page struct {
		URL       string `json:"url" yaml:"url"`
		WatchFile string `json:"watch_file" yaml:"watch_file"`
	} `json:"page" yaml:"page"`
	Notify struct {
		Desktop bool `json:"desktop" yaml:"desktop"`
	} `json:"notify" yaml:"notify"`
	Telegram struct {
		Token  string `json:"token" yaml:"token"`
		ChatID int64  `json:"chat_id" yaml:"chat_id"`
	} `json:"telegram" yaml:"telegram"`
	NATS struct {
		URL     string `json:"url" yaml:"url"`
		Subject string `json:"subject" yaml:"subject"`
	} `json:"nats" yaml:"nats"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{
		DataDir:  filepath.Join(os.Getenv("HOME"), ".wacopilot"),
		LogLevel: "info",
		TenantID: "default",
		Listen:   "127.0.0.1:7531",
	}
	cfg.Storage.Backend = BackendFile
	cfg.Storage.Driver = "sqlite"
	cfg.Remote.BaseURL = "http://127.0.0.1:8080"
	cfg.Remote.EnqueueTimeout = 10
	cfg.Remote.SuggestTimeout = 30
	cfg.Remote.StatusTimeout = 10
	cfg.Queue.FlushInterval = 5
	cfg.Queue.MaxAttempts = 5
	cfg.Queue.InitialDelayMs = 1000
	cfg.Queue.MaxDelaySeconds = 300
	cfg.Queue.MaxJitterMs = 500
	cfg.Queue.StaleMinutes = 10
	cfg.Queue.RecoverSchedule = "@every 5m"
	cfg.Capture.RetentionDays = 30
	cfg.Capture.PruneSchedule = "@every 1h"
	cfg.Capture.SeenCapacity = 6000
	cfg.Suggest.Locale = "pt-BR"
	cfg.Suggest.ContextWindow = 20
	cfg.Suggest.TokenBudget = 2000
	cfg.Suggest.Model = "gpt-4"
	cfg.Page.URL = "https://web.whatsapp.com/"
	cfg.NATS.Subject = "wacopilot.jobs"
	return cfg
}

// Load reads the config at path over the defaults, writing the defaults
// there on first run. Variables from a .env file next to the config, then
// from the process environment, override file values.
func Load(path string) (*Config, error) {
	cfg := Default()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	dotenv, err := readDotenv(filepath.Join(filepath.Dir(path), ".env"))
	if err != nil {
		return nil, err
	}
	lookup := func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return dotenv[key]
	}

	// Override from env (highest precedence)
	if v := lookup("WACOPILOT_API_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := lookup("WACOPILOT_API_TOKEN"); v != "" {
		cfg.Remote.Token = v
	}
	if v := lookup("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := lookup("NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}

	return cfg, nil
}

func readDotenv(path string) (map[string]string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	env, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return env, nil
}

// Validate checks values that cannot be corrected at runtime.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendFile, BackendSQLite:
	default:
		return fmt.Errorf("storage.backend must be %q or %q, got %q", BackendFile, BackendSQLite, c.Storage.Backend)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error, got %q", c.LogLevel)
	}
	if c.Capture.RetentionDays < 0 {
		return fmt.Errorf("capture.retention_days must not be negative")
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1")
	}
	return nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func decode(path string, data []byte, v any) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

func encode(path string, v any) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(v)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Save writes cfg to path atomically, as YAML when the path ends in .yaml
// or .yml and JSON otherwise.
func Save(path string, cfg *Config) error {
	data, err := encode(path, cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, data)
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to a nested map using its JSON field names. Numbers
// become float64.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}

// ListValues returns every config value under its dot-separated key,
// optionally with secrets masked.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

func readMap(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := decode(path, data, &m); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if m == nil {
		m = make(map[string]any)
	}
	return m, nil
}

// GetValue reads a single dot-separated key from the file at path.
func GetValue(path, key string) (any, error) {
	m, err := readMap(path)
	if err != nil {
		return nil, err
	}
	v, ok := Flatten(m)[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue stores value under a dot-separated key in the file at path. The
// value is parsed as JSON when possible (numbers, booleans) and kept as a
// string otherwise. Keys not known to Config are allowed.
func SetValue(path, key, value string) error {
	m, err := readMap(path)
	if err != nil {
		return err
	}
	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err != nil {
		parsed = value
	}
	flat := Flatten(m)
	flat[key] = parsed

	data, err := encode(path, Unflatten(flat))
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, data)
}
