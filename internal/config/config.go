package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig     `json:"server"`
	Providers []ProviderConfig `json:"providers"`
	Database  DatabaseConfig   `json:"database"`
	Engine    EngineConfig     `json:"engine"`
	Scheduler SchedulerConfig  `json:"scheduler"`
	Dispatch  DispatchConfig   `json:"dispatch"`
	RateLimit RateLimitConfig  `json:"rate_limit"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type ProviderConfig struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Name     string   `json:"name"`
	Endpoint string   `json:"endpoint"`
	APIKey   string   `json:"api_key"`
	Models   []string `json:"models,omitempty"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN           string `json:"dsn"`
	MigrationsDir string `json:"migrations_dir"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

// EngineConfig tunes step execution and retry behavior.
type EngineConfig struct {
	StepTimeoutSec int `json:"step_timeout_sec"`
	MaxAttempts    int `json:"max_attempts"`
	BackoffMs      int `json:"backoff_ms"`
	MaxParallel    int `json:"max_parallel"`
}

func (e EngineConfig) StepTimeout() time.Duration {
	return time.Duration(e.StepTimeoutSec) * time.Second
}

func (e EngineConfig) Backoff() time.Duration {
	return time.Duration(e.BackoffMs) * time.Millisecond
}

type SchedulerConfig struct {
	Enabled       bool `json:"enabled"`
	IntervalSec   int  `json:"interval_sec"`
	BatchSize     int  `json:"batch_size"`
	MaxConcurrent int  `json:"max_concurrent"`
}

func (s SchedulerConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSec) * time.Second
}

type DispatchConfig struct {
	SMTP SMTPConfig `json:"smtp"`
}

type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	From     string `json:"from"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type RateLimitConfig struct {
	Enabled   bool `json:"enabled"`
	Limit     int  `json:"limit"`
	WindowSec int  `json:"window_sec"`
}

func (r RateLimitConfig) Window() time.Duration {
	return time.Duration(r.WindowSec) * time.Second
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}
