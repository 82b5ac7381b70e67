package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type Config struct {
	Env           string
	ListenAddr    string // TCP line transport
	HTTPAddr      string // websocket, health, metrics
	ControlSocket string

	Store       string // memory, sqlite, redis, postgres
	DBPath      string
	RedisURL    string
	DatabaseURL string

	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	SessionTimeout time.Duration
	ReapInterval   time.Duration

	LogLevel string
}

// fileConfig mirrors Config for TOML files. Durations are strings such as
// "30s" or bare seconds.
type fileConfig struct {
	Env            string `toml:"env"`
	ListenAddr     string `toml:"listen_addr"`
	HTTPAddr       string `toml:"http_addr"`
	ControlSocket  string `toml:"control_socket"`
	Store          string `toml:"store"`
	DBPath         string `toml:"db_path"`
	RedisURL       string `toml:"redis_url"`
	DatabaseURL    string `toml:"database_url"`
	ReadTimeout    string `toml:"read_timeout"`
	WriteTimeout   string `toml:"write_timeout"`
	SessionTimeout string `toml:"session_timeout"`
	ReapInterval   string `toml:"reap_interval"`
	LogLevel       string `toml:"log_level"`
}

func Default() *Config {
	return &Config{
		Env:            "development",
		ListenAddr:     ":3215",
		HTTPAddr:       ":8080",
		ControlSocket:  "/tmp/msgrelay.sock",
		Store:          "sqlite",
		DBPath:         "msgrelay.db",
		ReadTimeout:    120 * time.Second,
		WriteTimeout:   10 * time.Second,
		SessionTimeout: 5 * time.Minute,
		ReapInterval:   30 * time.Second,
		LogLevel:       "info",
	}
}

// Load builds the configuration from defaults, then the TOML file at path
// (skipped when path is empty), then a .env file if present, then the
// process environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("MSGRELAY_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}

	strs := map[string]struct {
		dst *string
		val string
	}{
		"env":            {&c.Env, raw.Env},
		"listen_addr":    {&c.ListenAddr, raw.ListenAddr},
		"http_addr":      {&c.HTTPAddr, raw.HTTPAddr},
		"control_socket": {&c.ControlSocket, raw.ControlSocket},
		"store":          {&c.Store, raw.Store},
		"db_path":        {&c.DBPath, raw.DBPath},
		"redis_url":      {&c.RedisURL, raw.RedisURL},
		"database_url":   {&c.DatabaseURL, raw.DatabaseURL},
		"log_level":      {&c.LogLevel, raw.LogLevel},
	}
	for key, f := range strs {
		if meta.IsDefined(key) {
			*f.dst = strings.TrimSpace(f.val)
		}
	}

	durs := map[string]struct {
		dst *time.Duration
		val string
	}{
		"read_timeout":    {&c.ReadTimeout, raw.ReadTimeout},
		"write_timeout":   {&c.WriteTimeout, raw.WriteTimeout},
		"session_timeout": {&c.SessionTimeout, raw.SessionTimeout},
		"reap_interval":   {&c.ReapInterval, raw.ReapInterval},
	}
	for key, f := range durs {
		if !meta.IsDefined(key) {
			continue
		}
		d, err := parseDuration(f.val)
		if err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
		*f.dst = d
	}

	return nil
}

func (c *Config) loadEnv() error {
	setString(&c.Env, "MSGRELAY_ENV")
	setString(&c.ListenAddr, "MSGRELAY_LISTEN_ADDR")
	setString(&c.HTTPAddr, "MSGRELAY_HTTP_ADDR")
	setString(&c.ControlSocket, "MSGRELAY_CONTROL_SOCKET")
	setString(&c.Store, "MSGRELAY_STORE")
	setString(&c.DBPath, "MSGRELAY_DB_PATH")
	setString(&c.RedisURL, "MSGRELAY_REDIS_URL")
	setString(&c.DatabaseURL, "MSGRELAY_DATABASE_URL")
	setString(&c.LogLevel, "MSGRELAY_LOG_LEVEL")

	for env, dst := range map[string]*time.Duration{
		"MSGRELAY_READ_TIMEOUT":    &c.ReadTimeout,
		"MSGRELAY_WRITE_TIMEOUT":   &c.WriteTimeout,
		"MSGRELAY_SESSION_TIMEOUT": &c.SessionTimeout,
		"MSGRELAY_REAP_INTERVAL":   &c.ReapInterval,
	} {
		v := os.Getenv(env)
		if v == "" {
			continue
		}
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", env, err)
		}
		*dst = d
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Store {
	case "memory":
	case "sqlite":
		if c.DBPath == "" {
			return errors.New("sqlite store requires a db path")
		}
	case "redis":
		if c.RedisURL == "" {
			return errors.New("redis store requires MSGRELAY_REDIS_URL")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("postgres store requires MSGRELAY_DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}

	for name, d := range map[string]time.Duration{
		"read timeout":    c.ReadTimeout,
		"write timeout":   c.WriteTimeout,
		"session timeout": c.SessionTimeout,
		"reap interval":   c.ReapInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, d)
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// DSN returns the connection string for the configured store.
func (c *Config) DSN() string {
	switch c.Store {
	case "sqlite":
		return c.DBPath
	case "redis":
		return c.RedisURL
	case "postgres":
		return c.DatabaseURL
	}
	return ""
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = strings.TrimSpace(v)
	}
}

// parseDuration accepts Go duration syntax or a bare number of seconds.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(s)
}
