// Package config manages sessiond daemon configuration using koanf/v2.
//
// Supports YAML files and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/overlaymesh/sessiond/internal/session"
)

// Config holds the complete sessiond configuration.
type Config struct {
	Switch  SwitchConfig  `koanf:"switch"`
	Inside  InsideConfig  `koanf:"inside"`
	Admin   AdminConfig   `koanf:"admin"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
	Session SessionConfig `koanf:"session"`
}

// SwitchConfig holds the switch-facing UDP listener configuration.
type SwitchConfig struct {
	// Addr is the UDP listen address for switch-facing datagrams.
	Addr string `koanf:"addr"`
}

// InsideConfig holds the inside-facing UDP listener configuration.
type InsideConfig struct {
	// Addr is the UDP listen address for inside-facing datagrams.
	Addr string `koanf:"addr"`
}

// AdminConfig holds the read-only admin HTTP surface configuration.
type AdminConfig struct {
	// Addr is the HTTP listen address for the admin surface (e.g. ":8090").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint.
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint.
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// SessionConfig mirrors session.Config with koanf tags and string-form
// durations, unmarshaled then converted via AsSessionConfig.
type SessionConfig struct {
	// SessionTimeout is how long a session may go without an authenticated
	// inbound frame before the housekeeper tears it down (e.g. "2m").
	SessionTimeout time.Duration `koanf:"timeout"`

	// SearchAfter is how long a maintained session may go without a search
	// re-trigger before another Core_SEARCH_REQ is emitted.
	SearchAfter time.Duration `koanf:"search_after"`

	// MaxBufferedMessages bounds outbound messages held pending route
	// discovery.
	MaxBufferedMessages int `koanf:"max_buffered_messages"`

	// BufferLifetime is how long a buffered message may sit before
	// expiring.
	BufferLifetime time.Duration `koanf:"buffer_lifetime"`

	// HousekeeperInterval is the period of the housekeeper timer loop.
	HousekeeperInterval time.Duration `koanf:"housekeeper_interval"`
}

// AsSessionConfig converts the koanf-tagged SessionConfig into the plain
// session.Config the manager expects.
func (sc SessionConfig) AsSessionConfig() session.Config {
	return session.Config{
		SessionTimeout:      sc.SessionTimeout,
		SessionSearchAfter:  sc.SearchAfter,
		MaxBufferedMessages: sc.MaxBufferedMessages,
		BufferLifetime:      sc.BufferLifetime,
		HousekeeperInterval: sc.HousekeeperInterval,
	}
}

// DefaultConfig returns a Config populated with sensible defaults, using
// session.DefaultConfig for the session tunables.
func DefaultConfig() *Config {
	sessDefaults := session.DefaultConfig()
	return &Config{
		Switch:  SwitchConfig{Addr: ":31313"},
		Inside:  InsideConfig{Addr: ":31314"},
		Admin:   AdminConfig{Addr: ":8090"},
		Metrics: MetricsConfig{Addr: ":9100", Path: "/metrics"},
		Log:     LogConfig{Level: "info", Format: "json"},
		Session: SessionConfig{
			SessionTimeout:      sessDefaults.SessionTimeout,
			SearchAfter:         sessDefaults.SessionSearchAfter,
			MaxBufferedMessages: sessDefaults.MaxBufferedMessages,
			BufferLifetime:      sessDefaults.BufferLifetime,
			HousekeeperInterval: sessDefaults.HousekeeperInterval,
		},
	}
}

// envPrefix is the environment variable prefix for sessiond configuration.
// Variables are named SESSIOND_<section>_<key>, e.g. SESSIOND_SWITCH_ADDR.
const envPrefix = "SESSIOND_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (SESSIOND_ prefix), and merges on top of
// DefaultConfig. Missing fields inherit defaults. An empty path skips the
// file layer and loads defaults plus environment overrides only.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}
	return cfg, nil
}

// envKeyMapper transforms SESSIOND_SWITCH_ADDR -> switch.addr.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

func loadDefaults(k *koanf.Koanf, d *Config) error {
	defaultMap := map[string]any{
		"switch.addr":                   d.Switch.Addr,
		"inside.addr":                   d.Inside.Addr,
		"admin.addr":                    d.Admin.Addr,
		"metrics.addr":                  d.Metrics.Addr,
		"metrics.path":                  d.Metrics.Path,
		"log.level":                     d.Log.Level,
		"log.format":                    d.Log.Format,
		"session.timeout":               d.Session.SessionTimeout.String(),
		"session.search_after":          d.Session.SearchAfter.String(),
		"session.max_buffered_messages": d.Session.MaxBufferedMessages,
		"session.buffer_lifetime":       d.Session.BufferLifetime.String(),
		"session.housekeeper_interval":  d.Session.HousekeeperInterval.String(),
	}
	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}
	return nil
}

// Validation errors.
var (
	// ErrEmptySwitchAddr indicates the switch listen address is empty.
	ErrEmptySwitchAddr = errors.New("switch.addr must not be empty")
	// ErrEmptyInsideAddr indicates the inside listen address is empty.
	ErrEmptyInsideAddr = errors.New("inside.addr must not be empty")
	// ErrInvalidMaxBuffered indicates max_buffered_messages is non-positive.
	ErrInvalidMaxBuffered = errors.New("session.max_buffered_messages must be > 0")
	// ErrInvalidSessionTimeout indicates session.timeout is non-positive.
	ErrInvalidSessionTimeout = errors.New("session.timeout must be > 0")
)

// Validate checks a loaded Config for internal consistency.
func Validate(cfg *Config) error {
	if cfg.Switch.Addr == "" {
		return ErrEmptySwitchAddr
	}
	if cfg.Inside.Addr == "" {
		return ErrEmptyInsideAddr
	}
	if cfg.Session.MaxBufferedMessages <= 0 {
		return ErrInvalidMaxBuffered
	}
	if cfg.Session.SessionTimeout <= 0 {
		return ErrInvalidSessionTimeout
	}
	return nil
}
