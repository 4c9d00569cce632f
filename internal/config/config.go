// Package config loads eventmanager settings from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap/zapcore"
)

// Prefix is prepended to every environment variable name.
const Prefix = "EVENTMANAGER_"

// Log formats.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds all environment-driven settings.
type Config struct {
	// ServiceName names the process in telemetry resources.
	ServiceName string `env:"SERVICE_NAME" envDefault:"eventmanager"`

	// LogLevel is a zap level name: debug, info, warn or error.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// LogFormat is json or console.
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`

	// TraceEnabled enables span export to OTelEndpoint.
	TraceEnabled bool `env:"TRACE_ENABLED" envDefault:"true"`

	// OTelEndpoint is the OTLP/HTTP collector URL. Empty disables export.
	OTelEndpoint string `env:"OTEL_ENDPOINT"`

	// ScriptDir holds Lua listener modules loaded at startup.
	ScriptDir string `env:"SCRIPT_DIR"`

	// ScriptTimeout bounds each call into a Lua module. Zero disables it.
	ScriptTimeout time.Duration `env:"SCRIPT_TIMEOUT" envDefault:"5s"`

	// ScriptCallStackSize is the Lua call stack size per module.
	ScriptCallStackSize int `env:"SCRIPT_CALL_STACK_SIZE" envDefault:"256"`
}

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: Prefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field values that the environment parser cannot.
func (c Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log level %q", ErrInvalidConfig, c.LogLevel)
	}
	switch c.LogFormat {
	case FormatJSON, FormatConsole:
	default:
		return fmt.Errorf("%w: log format %q", ErrInvalidConfig, c.LogFormat)
	}
	if c.ScriptTimeout < 0 {
		return fmt.Errorf("%w: negative script timeout %s", ErrInvalidConfig, c.ScriptTimeout)
	}
	if c.ScriptCallStackSize <= 0 {
		return fmt.Errorf("%w: script call stack size %d", ErrInvalidConfig, c.ScriptCallStackSize)
	}
	return nil
}
