package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "msgrelay.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir()) // no stray .env
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store != "sqlite" || cfg.DBPath != "msgrelay.db" {
		t.Fatalf("unexpected store: %q %q", cfg.Store, cfg.DBPath)
	}
	if cfg.SessionTimeout != 5*time.Minute {
		t.Fatalf("unexpected session timeout: %v", cfg.SessionTimeout)
	}
	if !cfg.IsDevelopment() {
		t.Fatalf("expected development env")
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	chdir(t, t.TempDir())
	path := writeConfig(t, `
store = "memory"
listen_addr = "127.0.0.1:4000"
session_timeout = "90s"
reap_interval = "15"
write_timeout = "2s"
`)
	t.Setenv("MSGRELAY_REAP_INTERVAL", "5s")
	t.Setenv("MSGRELAY_ENV", "production")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store != "memory" {
		t.Fatalf("unexpected store: %q", cfg.Store)
	}
	if cfg.ListenAddr != "127.0.0.1:4000" {
		t.Fatalf("unexpected listen addr: %q", cfg.ListenAddr)
	}
	if cfg.SessionTimeout != 90*time.Second {
		t.Fatalf("unexpected session timeout: %v", cfg.SessionTimeout)
	}
	if cfg.WriteTimeout != 2*time.Second {
		t.Fatalf("unexpected write timeout: %v", cfg.WriteTimeout)
	}
	if cfg.ReapInterval != 5*time.Second {
		t.Fatalf("env should override file, got %v", cfg.ReapInterval)
	}
	if cfg.IsDevelopment() {
		t.Fatalf("expected production env")
	}
	// untouched keys keep defaults
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("unexpected http addr: %q", cfg.HTTPAddr)
	}
}

func TestLoadConfigPathFromEnv(t *testing.T) {
	chdir(t, t.TempDir())
	path := writeConfig(t, `store = "memory"`)
	t.Setenv("MSGRELAY_CONFIG", path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store != "memory" {
		t.Fatalf("unexpected store: %q", cfg.Store)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("MSGRELAY_STORE=memory\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	// godotenv sets the variable in-process; restore it afterwards.
	t.Setenv("MSGRELAY_STORE", "")
	os.Unsetenv("MSGRELAY_STORE")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store != "memory" {
		t.Fatalf("unexpected store: %q", cfg.Store)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	chdir(t, t.TempDir())
	path := writeConfig(t, `session_timeout = "soon"`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"memory", func(c *Config) { c.Store = "memory" }, true},
		{"unknown store", func(c *Config) { c.Store = "etcd" }, false},
		{"redis without url", func(c *Config) { c.Store = "redis" }, false},
		{"redis with url", func(c *Config) { c.Store = "redis"; c.RedisURL = "redis://localhost:6379" }, true},
		{"postgres without url", func(c *Config) { c.Store = "postgres" }, false},
		{"zero timeout", func(c *Config) { c.SessionTimeout = 0 }, false},
		{"negative interval", func(c *Config) { c.ReapInterval = -time.Second }, false},
	}

	for _, tt := range tests {
		cfg := Default()
		tt.mutate(cfg)
		err := cfg.Validate()
		if tt.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tt.name, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestDSN(t *testing.T) {
	cfg := Default()
	if cfg.DSN() != "msgrelay.db" {
		t.Fatalf("unexpected dsn %q", cfg.DSN())
	}
	cfg.Store = "redis"
	cfg.RedisURL = "redis://r:6379/0"
	if cfg.DSN() != "redis://r:6379/0" {
		t.Fatalf("unexpected dsn %q", cfg.DSN())
	}
	cfg.Store = "memory"
	if cfg.DSN() != "" {
		t.Fatalf("unexpected dsn %q", cfg.DSN())
	}
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(old) })
}
