// Package config loads the bridge server's settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/ggoodman/capbridge-go/secret"
	"github.com/joeshaw/envdecode"
)

// Config for the bridge server. Defaults are applied through envdecode tags.
type Config struct {
	// AgentURL is the base URL of the agent runtime. ENV: AGENT_URL
	AgentURL string `env:"AGENT_URL,required"`
	// AgentSecretFile holds the secret shared with the agent. ENV: AGENT_SECRET_FILE
	AgentSecretFile string `env:"AGENT_SECRET_FILE,required"`

	ListenAddr string `env:"LISTEN_ADDR,default=:8080"`

	// RedisAddr selects the Redis broker when set; otherwise session queues
	// live in process memory. ENV: REDIS_ADDR
	RedisAddr      string `env:"REDIS_ADDR"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX,default=capbridge:"`

	DefaultTimeout time.Duration `env:"BRIDGE_DEFAULT_TIMEOUT,default=15s"`
	MaxTimeout     time.Duration `env:"BRIDGE_MAX_TIMEOUT,default=2m"`

	// Stdio additionally serves one client session over stdin/stdout,
	// attached under the current OS user. ENV: BRIDGE_STDIO
	Stdio bool `env:"BRIDGE_STDIO,default=false"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`
}

// Load decodes the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every problem with cfg at once.
func (c Config) Validate() error {
	var errs []error

	if u, err := url.Parse(c.AgentURL); err != nil {
		errs = append(errs, fmt.Errorf("AGENT_URL: %w", err))
	} else if !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("AGENT_URL: %q is not an absolute http(s) URL", c.AgentURL))
	}

	if _, err := secret.Load(c.AgentSecretFile); err != nil {
		errs = append(errs, fmt.Errorf("AGENT_SECRET_FILE: %w", err))
	}

	if c.DefaultTimeout <= 0 {
		errs = append(errs, fmt.Errorf("BRIDGE_DEFAULT_TIMEOUT: must be positive, got %s", c.DefaultTimeout))
	}
	if c.MaxTimeout < c.DefaultTimeout {
		errs = append(errs, fmt.Errorf("BRIDGE_MAX_TIMEOUT: %s is below the default timeout %s", c.MaxTimeout, c.DefaultTimeout))
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT: unknown format %q (valid: json, text)", c.LogFormat))
	}

	return errors.Join(errs...)
}

// ParseLogLevel converts a case-insensitive level name to an slog.Level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: debug, info, warn, error)", s)
}

// NewLogger builds the process logger writing to w.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := ParseLogLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if c.LogFormat == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h)
}
