// Package config loads the tunnel's config.yaml via Viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Mode is the tunnel's operating mode.
type Mode string

const (
	ModeClient Mode = "client"
	ModeServer Mode = "server"
)

// STUNConfig configures the NAT probe and the endpoint's keepalive target.
type STUNConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	SecondaryHost string `mapstructure:"secondary_host"`
}

// SignalingConfig configures the Signaling Port implementation.
type SignalingConfig struct {
	Kind       string `mapstructure:"kind"` // "memory" | "http"
	Addr       string `mapstructure:"addr"`
	HMACSecret string `mapstructure:"hmac_secret"`
}

// JournalConfig configures the optional SQLite flow event journal.
type JournalConfig struct {
	Path string `mapstructure:"path"`
}

// DiagnosticsConfig configures the optional status/WebSocket server.
type DiagnosticsConfig struct {
	Addr         string `mapstructure:"addr"`
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
}

// LogConfig configures the logrus logger shared by every component.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Config is the parsed contents of config.yaml (spec.md §6).
type Config struct {
	Mode Mode   `mapstructure:"mode"`
	ID   string `mapstructure:"id"`
	Peer string `mapstructure:"peer"`
	Port int    `mapstructure:"port"`

	STUN        STUNConfig        `mapstructure:"stun"`
	Signaling   SignalingConfig   `mapstructure:"signaling"`
	Journal     JournalConfig     `mapstructure:"journal"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics"`
	Log         LogConfig         `mapstructure:"log"`
}

// Load reads config.yaml from path and applies defaults for anything the
// operator left unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("stun.host", "stun.ringostat.com")
	v.SetDefault("stun.port", 3478)
	v.SetDefault("signaling.kind", "memory")
	v.SetDefault("log.level", "info")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the fields the supervisor cannot proceed without.
func (c *Config) Validate() error {
	switch strings.ToLower(string(c.Mode)) {
	case string(ModeClient), string(ModeServer):
		c.Mode = Mode(strings.ToLower(string(c.Mode)))
	default:
		return fmt.Errorf("config: mode must be %q or %q, got %q", ModeClient, ModeServer, c.Mode)
	}

	if c.ID == "" {
		return fmt.Errorf("config: id is required")
	}
	if c.Peer == "" {
		return fmt.Errorf("config: peer is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port must be in 1..65535, got %d", c.Port)
	}

	switch c.Signaling.Kind {
	case "", "memory":
	case "http":
		if c.Signaling.Addr == "" {
			return fmt.Errorf("config: signaling.addr is required for signaling.kind=http")
		}
	default:
		return fmt.Errorf("config: unknown signaling.kind %q", c.Signaling.Kind)
	}

	return nil
}

// Addr returns the "host:port" form used to dial the primary STUN server.
func (s STUNConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
