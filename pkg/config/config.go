// Package config provides YAML-based configuration loading for framewire.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// AppName optional logical name of the process
	AppName string `mapstructure:"app_name"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`

	// Transport holds endpoint and framing settings
	Transport TransportConfig `mapstructure:"transport"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// TransportConfig selects the transport kind and tunes the endpoints.
type TransportConfig struct {
	// Kind: tcp, udp, or quic
	Kind string `mapstructure:"kind"`
	// Listen is the server bind address (host:port)
	Listen string `mapstructure:"listen"`
	// Remote is the peer address a client connects to
	Remote string `mapstructure:"remote"`
	// Capacity caps concurrent server peers
	Capacity int `mapstructure:"capacity"`

	// ReadBufferSize caps inbound frames; SendBufferSize caps outbound payloads
	ReadBufferSize int `mapstructure:"read_buffer_size"`
	SendBufferSize int `mapstructure:"send_buffer_size"`

	// HandshakeTimeout bounds the client's wait for the server greeting
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	// PeerIdleTTL evicts silent datagram peers when set; zero disables eviction
	PeerIdleTTL time.Duration `mapstructure:"peer_idle_ttl"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName: "framewire",
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/framewire.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Transport: TransportConfig{
			Kind:             "tcp",
			Listen:           ":7420",
			Remote:           "127.0.0.1:7420",
			Capacity:         16,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix FRAMEWIRE and `.`/`-` are replaced
// with `_`. Example: FRAMEWIRE_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("FRAMEWIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("transport.kind", cfg.Transport.Kind)
	v.SetDefault("transport.listen", cfg.Transport.Listen)
	v.SetDefault("transport.remote", cfg.Transport.Remote)
	v.SetDefault("transport.capacity", cfg.Transport.Capacity)
	v.SetDefault("transport.read_buffer_size", cfg.Transport.ReadBufferSize)
	v.SetDefault("transport.send_buffer_size", cfg.Transport.SendBufferSize)
	v.SetDefault("transport.handshake_timeout", cfg.Transport.HandshakeTimeout)
	v.SetDefault("transport.peer_idle_ttl", cfg.Transport.PeerIdleTTL)

	// Choose config file
	if path == "" {
		if envPath := os.Getenv("FRAMEWIRE_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		// Search common locations with base name `framewire`
		v.SetConfigName("framewire")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".framewire"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var viperConfigFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &viperConfigFileNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}

	c.Transport.Kind = strings.ToLower(strings.TrimSpace(c.Transport.Kind))
	switch c.Transport.Kind {
	case "tcp", "udp", "quic":
		// ok
	default:
		return fmt.Errorf("invalid transport.kind: %q", c.Transport.Kind)
	}
	if c.Transport.Capacity < 0 {
		return fmt.Errorf("invalid transport.capacity: %d", c.Transport.Capacity)
	}
	if c.Transport.Capacity == 0 {
		c.Transport.Capacity = 16
	}
	return nil
}
