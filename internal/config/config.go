// Package config loads kpiledger configuration from an optional YAML file
// and environment variables. Precedence: defaults, then file, then env.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration values.
type Config struct {
	// SurrealDB connection
	SurrealDBURL       string
	SurrealDBNamespace string
	SurrealDBDatabase  string
	SurrealDBUser      string
	SurrealDBPass      string

	// Store selects the backend: "surreal" or "memory".
	Store string

	// HTTP server
	ListenAddr string

	// Engine tuning
	LeaseTTL     time.Duration
	EvalTimeout  time.Duration
	PollInterval time.Duration

	// ReviewThreshold is the accuracy score below which agent runs are
	// flagged for human review.
	ReviewThreshold float64

	// Logging
	LogFile      string
	LogLevel     slog.Level
	LogLevelName string
}

// fileConfig is the YAML shape. Durations are strings in Go duration
// syntax ("45s", "2m").
type fileConfig struct {
	SurrealDBURL       string   `yaml:"surrealdb_url"`
	SurrealDBNamespace string   `yaml:"surrealdb_namespace"`
	SurrealDBDatabase  string   `yaml:"surrealdb_database"`
	SurrealDBUser      string   `yaml:"surrealdb_user"`
	SurrealDBPass      string   `yaml:"surrealdb_pass"`
	Store              string   `yaml:"store"`
	ListenAddr         string   `yaml:"listen_addr"`
	LeaseTTL           string   `yaml:"lease_ttl"`
	EvalTimeout        string   `yaml:"eval_timeout"`
	PollInterval       string   `yaml:"poll_interval"`
	ReviewThreshold    *float64 `yaml:"review_threshold"`
	LogFile            string   `yaml:"log_file"`
	LogLevel           string   `yaml:"log_level"`
}

func defaults() Config {
	return Config{
		SurrealDBURL:       "ws://localhost:8000/rpc",
		SurrealDBNamespace: "kpiledger",
		SurrealDBDatabase:  "audit",
		SurrealDBUser:      "root",
		SurrealDBPass:      "root",
		Store:              "surreal",
		ListenAddr:         ":8080",
		LeaseTTL:           2 * time.Minute,
		EvalTimeout:        30 * time.Second,
		PollInterval:       100 * time.Millisecond,
		ReviewThreshold:    0.8,
		LogFile:            "/tmp/kpiledger.log",
		LogLevelName:       "INFO",
	}
}

// Load reads configuration. A YAML file named by KPILEDGER_CONFIG is layered
// over the defaults, then KPILEDGER_* environment variables over that.
func Load() (Config, error) {
	cfg := defaults()

	if path := os.Getenv("KPILEDGER_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
		if err := applyFile(&cfg, fc); err != nil {
			return cfg, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	cfg.LogLevel = parseLogLevel(cfg.LogLevelName)

	switch cfg.Store {
	case "surreal", "memory":
	default:
		return cfg, fmt.Errorf("unknown store %q (want surreal or memory)", cfg.Store)
	}
	return cfg, nil
}

func applyFile(cfg *Config, fc fileConfig) error {
	setStr := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setDur := func(dst *time.Duration, v, key string) error {
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	setStr(&cfg.SurrealDBURL, fc.SurrealDBURL)
	setStr(&cfg.SurrealDBNamespace, fc.SurrealDBNamespace)
	setStr(&cfg.SurrealDBDatabase, fc.SurrealDBDatabase)
	setStr(&cfg.SurrealDBUser, fc.SurrealDBUser)
	setStr(&cfg.SurrealDBPass, fc.SurrealDBPass)
	setStr(&cfg.Store, fc.Store)
	setStr(&cfg.ListenAddr, fc.ListenAddr)
	setStr(&cfg.LogFile, fc.LogFile)
	setStr(&cfg.LogLevelName, fc.LogLevel)
	if fc.ReviewThreshold != nil {
		cfg.ReviewThreshold = *fc.ReviewThreshold
	}

	if err := setDur(&cfg.LeaseTTL, fc.LeaseTTL, "lease_ttl"); err != nil {
		return err
	}
	if err := setDur(&cfg.EvalTimeout, fc.EvalTimeout, "eval_timeout"); err != nil {
		return err
	}
	return setDur(&cfg.PollInterval, fc.PollInterval, "poll_interval")
}

func applyEnv(cfg *Config) {
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setDur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	setStr("KPILEDGER_SURREALDB_URL", &cfg.SurrealDBURL)
	setStr("KPILEDGER_SURREALDB_NAMESPACE", &cfg.SurrealDBNamespace)
	setStr("KPILEDGER_SURREALDB_DATABASE", &cfg.SurrealDBDatabase)
	setStr("KPILEDGER_SURREALDB_USER", &cfg.SurrealDBUser)
	setStr("KPILEDGER_SURREALDB_PASS", &cfg.SurrealDBPass)
	setStr("KPILEDGER_STORE", &cfg.Store)
	setStr("KPILEDGER_LISTEN_ADDR", &cfg.ListenAddr)
	setDur("KPILEDGER_LEASE_TTL", &cfg.LeaseTTL)
	setDur("KPILEDGER_EVAL_TIMEOUT", &cfg.EvalTimeout)
	setDur("KPILEDGER_POLL_INTERVAL", &cfg.PollInterval)
	setStr("KPILEDGER_LOG_FILE", &cfg.LogFile)
	setStr("KPILEDGER_LOG_LEVEL", &cfg.LogLevelName)

	if v := os.Getenv("KPILEDGER_REVIEW_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.ReviewThreshold = f
		}
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
