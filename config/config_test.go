package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func secretFile(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "agent-secret")
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"LISTEN_ADDR", "REDIS_ADDR", "REDIS_KEY_PREFIX", "BRIDGE_DEFAULT_TIMEOUT",
		"BRIDGE_MAX_TIMEOUT", "BRIDGE_STDIO", "LOG_LEVEL", "LOG_FORMAT",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("AGENT_URL", "http://agent:8000")
	t.Setenv("AGENT_SECRET_FILE", secretFile(t, "k\n"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.RedisAddr != "" || cfg.RedisKeyPrefix != "capbridge:" {
		t.Errorf("redis settings = %q %q", cfg.RedisAddr, cfg.RedisKeyPrefix)
	}
	if cfg.DefaultTimeout != 15*time.Second || cfg.MaxTimeout != 2*time.Minute {
		t.Errorf("timeouts = %s %s", cfg.DefaultTimeout, cfg.MaxTimeout)
	}
	if cfg.Stdio {
		t.Errorf("Stdio should default to false")
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "json" {
		t.Errorf("log settings = %q %q", cfg.LogLevel, cfg.LogFormat)
	}
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("AGENT_URL", "https://agent.internal")
	t.Setenv("AGENT_SECRET_FILE", secretFile(t, "k"))
	t.Setenv("LISTEN_ADDR", "127.0.0.1:9000")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("BRIDGE_DEFAULT_TIMEOUT", "3s")
	t.Setenv("BRIDGE_MAX_TIMEOUT", "10s")
	t.Setenv("LOG_FORMAT", "text")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9000" || cfg.RedisAddr != "redis:6379" {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.DefaultTimeout != 3*time.Second || cfg.MaxTimeout != 10*time.Second {
		t.Errorf("timeouts = %s %s", cfg.DefaultTimeout, cfg.MaxTimeout)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("AGENT_URL", "")
	t.Setenv("AGENT_SECRET_FILE", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected an error for missing required settings")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	good := Config{
		AgentURL:        "http://agent:8000",
		AgentSecretFile: secretFile(t, "k"),
		DefaultTimeout:  time.Second,
		MaxTimeout:      time.Minute,
		LogLevel:        "debug",
		LogFormat:       "text",
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"relative url", func(c *Config) { c.AgentURL = "/agent" }, "AGENT_URL"},
		{"non-http url", func(c *Config) { c.AgentURL = "ftp://agent" }, "AGENT_URL"},
		{"missing secret", func(c *Config) { c.AgentSecretFile = filepath.Join(t.TempDir(), "nope") }, "AGENT_SECRET_FILE"},
		{"empty secret", func(c *Config) { c.AgentSecretFile = secretFile(t, "  \n") }, "AGENT_SECRET_FILE"},
		{"zero default", func(c *Config) { c.DefaultTimeout = 0 }, "BRIDGE_DEFAULT_TIMEOUT"},
		{"max below default", func(c *Config) { c.MaxTimeout = time.Millisecond }, "BRIDGE_MAX_TIMEOUT"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "LOG_LEVEL"},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
	}
	for _, tt := range tests {
		c := good
		tt.mutate(&c)
		err := c.Validate()
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: expected error mentioning %s, got %v", tt.name, tt.want, err)
		}
	}
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := Config{LogLevel: "warn", LogFormat: "json"}.NewLogger(&buf)
	log.Info("hidden")
	log.Warn("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"msg":"shown"`) {
		t.Fatalf("unexpected log output %q", out)
	}
}
