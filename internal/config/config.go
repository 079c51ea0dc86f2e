// Package config provides YAML-based configuration loading for meshsock.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	meshsocket "github.com/Zereker/meshsocket"
)

// Config is the root application configuration.
type Config struct {
	// NodeID is this node's mesh address
	NodeID string `mapstructure:"node_id"`

	// Listen is the local UDP address standing in for the radio
	Listen string `mapstructure:"listen"`

	// Peers maps mesh addresses to UDP addresses. Keys are lowercased by
	// the loader, matching the lowercase hex form of mesh addresses.
	Peers map[string]string `mapstructure:"peers"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`

	// Socket holds protocol parameters
	Socket SocketConfig `mapstructure:"socket"`

	// Metrics controls the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics"`
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

// SocketConfig mirrors the dispatcher options.
type SocketConfig struct {
	Codec             string        `mapstructure:"codec"`
	Port              uint32        `mapstructure:"port"`
	MaxPacketSize     int           `mapstructure:"max_packet_size"`
	MaxChunks         int           `mapstructure:"max_chunks"`
	MaxRetries        int           `mapstructure:"max_retries"`
	AckTimeout        time.Duration `mapstructure:"ack_timeout"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	ReassemblyTimeout time.Duration `mapstructure:"reassembly_timeout"`
	MaxConnections    int           `mapstructure:"max_connections"`
	LinkAck           bool          `mapstructure:"link_ack"`
}

// MetricsConfig controls the Prometheus endpoint. An empty Listen disables it.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		NodeID: "!00000001",
		Listen: "127.0.0.1:4403",
		Peers:  map[string]string{},
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stderr"},
			Development: false,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/meshsock.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Socket: SocketConfig{
			Codec:          "json",
			Port:           meshsocket.Port,
			MaxPacketSize:  meshsocket.MaxBytes,
			MaxChunks:      meshsocket.MaxChunks,
			MaxRetries:     meshsocket.MaxRetries,
			AckTimeout:     meshsocket.DefaultTimeout,
			ConnectTimeout: meshsocket.DefaultConnectTimeout,
			ReadTimeout:    meshsocket.DefaultTimeout,
			LinkAck:        true,
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix MESHSOCK and `.`/`-` are replaced with `_`.
// Example: MESHSOCK_SOCKET_ACK_TIMEOUT=30s
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MESHSOCK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("node_id", cfg.NodeID)
	v.SetDefault("listen", cfg.Listen)
	v.SetDefault("peers", cfg.Peers)
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
	v.SetDefault("socket.codec", cfg.Socket.Codec)
	v.SetDefault("socket.port", cfg.Socket.Port)
	v.SetDefault("socket.max_packet_size", cfg.Socket.MaxPacketSize)
	v.SetDefault("socket.max_chunks", cfg.Socket.MaxChunks)
	v.SetDefault("socket.max_retries", cfg.Socket.MaxRetries)
	v.SetDefault("socket.ack_timeout", cfg.Socket.AckTimeout)
	v.SetDefault("socket.connect_timeout", cfg.Socket.ConnectTimeout)
	v.SetDefault("socket.read_timeout", cfg.Socket.ReadTimeout)
	v.SetDefault("socket.reassembly_timeout", cfg.Socket.ReassemblyTimeout)
	v.SetDefault("socket.max_connections", cfg.Socket.MaxConnections)
	v.SetDefault("socket.link_ack", cfg.Socket.LinkAck)
	v.SetDefault("metrics.listen", cfg.Metrics.Listen)

	// Choose config file
	if path == "" {
		// Allow override via env var
		if envPath := os.Getenv("MESHSOCK_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		// Search common locations with base name `meshsock`
		v.SetConfigName("meshsock")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".meshsock"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
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
		return errors.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}
	if strings.TrimSpace(c.NodeID) == "" {
		return errors.New("node_id is required")
	}
	if _, err := meshsocket.CodecByName(c.Socket.Codec); err != nil {
		return errors.Wrap(err, "socket.codec")
	}
	if c.Socket.MaxRetries < 0 {
		return errors.Errorf("invalid socket.max_retries: %d", c.Socket.MaxRetries)
	}
	for id, addr := range c.Peers {
		if strings.TrimSpace(addr) == "" {
			return errors.Errorf("peer %s has no address", id)
		}
	}
	return nil
}

// SocketOptions converts the socket section into dispatcher options.
func (c *Config) SocketOptions() ([]meshsocket.Option, error) {
	codec, err := meshsocket.CodecByName(c.Socket.Codec)
	if err != nil {
		return nil, err
	}

	s := c.Socket
	return []meshsocket.Option{
		meshsocket.CodecOption(codec),
		meshsocket.PortOption(s.Port),
		meshsocket.MaxPacketSizeOption(s.MaxPacketSize),
		meshsocket.MaxChunksOption(s.MaxChunks),
		meshsocket.MaxRetriesOption(s.MaxRetries),
		meshsocket.AckTimeoutOption(s.AckTimeout),
		meshsocket.ConnectTimeoutOption(s.ConnectTimeout),
		meshsocket.ReadTimeoutOption(s.ReadTimeout),
		meshsocket.ReassemblyTimeoutOption(s.ReassemblyTimeout),
		meshsocket.MaxConnectionsOption(s.MaxConnections),
		meshsocket.LinkAckOption(s.LinkAck),
	}, nil
}
