package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the runtime server configuration.
//
// Port semantics: 0 binds an ephemeral port, a negative port disables
// that listener.
type Config struct {
	ServerName        string
	BindAddress       string
	TCPPort           int
	HTTPPort          int // WebSocket endpoint /ws
	MetricsPort       int // /metrics and /health, internal only
	SSHPort           int
	SSHHostKeyPath    string
	AdminPasswordHash string // bcrypt; empty disables the admin role
	LogLevel          string
	DataDir           string

	MaxFrameBytes        uint32
	OutboundQueue        int
	DispatchQueue        int
	IdleTimeout          time.Duration
	HandshakeTimeout     time.Duration
	ReapInterval         time.Duration
	WriteTimeout         time.Duration
	FlushTimeout         time.Duration
	MaxConnections       int // 0 = unlimited
	MaxDisplayNameLength int
	MaxChatLength        int
	MaxAcceptFailures    int
	MaxRooms             int // 0 = unlimited
	MaxRoomCapacity      int
}

// DefaultConfig returns default server configuration
func DefaultConfig() Config {
	return Config{
		ServerName:     "tricklobby",
		TCPPort:        7420,
		HTTPPort:       7421,
		MetricsPort:    9090,
		SSHPort:        7422,
		SSHHostKeyPath: "~/.tricklobby/ssh_host_key",
		LogLevel:       "info",

		MaxFrameBytes:        64 * 1024,
		OutboundQueue:        64,
		DispatchQueue:        1024,
		IdleTimeout:          120 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		ReapInterval:         5 * time.Second,
		WriteTimeout:         10 * time.Second,
		FlushTimeout:         2 * time.Second,
		MaxConnections:       0,
		MaxDisplayNameLength: 20,
		MaxChatLength:        1024,
		MaxAcceptFailures:    50,
		MaxRooms:             256,
		MaxRoomCapacity:      8,
	}
}

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Limits LimitsSection `toml:"limits"`
	SSH    SSHSection    `toml:"ssh"`
}

// Ports are pointers so an explicit 0 (pick any free port) can be told
// apart from a missing key (use the default).
type ServerSection struct {
	Name              string `toml:"name"`
	BindAddress       string `toml:"bind_address"`
	TCPPort           *int   `toml:"tcp_port"`
	HTTPPort          *int   `toml:"http_port"`
	MetricsPort       *int   `toml:"metrics_port"`
	LogLevel          string `toml:"log_level"`
	DataDir           string `toml:"data_dir"`
	AdminPasswordHash string `toml:"admin_password_hash"`
}

type LimitsSection struct {
	MaxFrameBytes           int `toml:"max_frame_bytes"`
	OutboundQueue           int `toml:"outbound_queue"`
	DispatchQueue           int `toml:"dispatch_queue"`
	IdleTimeoutSeconds      int `toml:"idle_timeout_seconds"`
	HandshakeTimeoutSeconds int `toml:"handshake_timeout_seconds"`
	ReapIntervalSeconds     int `toml:"reap_interval_seconds"`
	WriteTimeoutSeconds     int `toml:"write_timeout_seconds"`
	FlushTimeoutSeconds     int `toml:"flush_timeout_seconds"`
	MaxConnections          int `toml:"max_connections"`
	MaxDisplayNameLength    int `toml:"max_display_name_length"`
	MaxChatLength           int `toml:"max_chat_length"`
	MaxAcceptFailures       int `toml:"max_accept_failures"`
	MaxRooms                int `toml:"max_rooms"`
	MaxRoomCapacity         int `toml:"max_room_capacity"`
}

type SSHSection struct {
	Port        *int   `toml:"port"`
	HostKeyPath string `toml:"host_key_path"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	d := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			Name:        d.ServerName,
			TCPPort:     &d.TCPPort,
			HTTPPort:    &d.HTTPPort,
			MetricsPort: &d.MetricsPort,
			LogLevel:    d.LogLevel,
		},
		Limits: LimitsSection{
			MaxFrameBytes:           int(d.MaxFrameBytes),
			OutboundQueue:           d.OutboundQueue,
			DispatchQueue:           d.DispatchQueue,
			IdleTimeoutSeconds:      int(d.IdleTimeout / time.Second),
			HandshakeTimeoutSeconds: int(d.HandshakeTimeout / time.Second),
			ReapIntervalSeconds:     int(d.ReapInterval / time.Second),
			WriteTimeoutSeconds:     int(d.WriteTimeout / time.Second),
			FlushTimeoutSeconds:     int(d.FlushTimeout / time.Second),
			MaxConnections:          d.MaxConnections,
			MaxDisplayNameLength:    d.MaxDisplayNameLength,
			MaxChatLength:           d.MaxChatLength,
			MaxAcceptFailures:       d.MaxAcceptFailures,
			MaxRooms:                d.MaxRooms,
			MaxRoomCapacity:         d.MaxRoomCapacity,
		},
		SSH: SSHSection{
			Port:        &d.SSHPort,
			HostKeyPath: d.SSHHostKeyPath,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path); err != nil {
			// Can't write (permissions?), still run on defaults
			logger.WithError(err).Warn("could not write default config")
		}
		return applyEnvOverrides(config), nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

func envInt(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func envPort(key string, dst **int) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = &n
		}
	}
}

func envString(key string, dst *string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: TRICKLOBBY_SECTION_KEY
// Example: TRICKLOBBY_SERVER_TCP_PORT=8080
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	// Server section
	envString("TRICKLOBBY_SERVER_NAME", &config.Server.Name)
	envString("TRICKLOBBY_SERVER_BIND_ADDRESS", &config.Server.BindAddress)
	envPort("TRICKLOBBY_SERVER_TCP_PORT", &config.Server.TCPPort)
	envPort("TRICKLOBBY_SERVER_HTTP_PORT", &config.Server.HTTPPort)
	envPort("TRICKLOBBY_SERVER_METRICS_PORT", &config.Server.MetricsPort)
	envString("TRICKLOBBY_SERVER_LOG_LEVEL", &config.Server.LogLevel)
	envString("TRICKLOBBY_SERVER_DATA_DIR", &config.Server.DataDir)
	envString("TRICKLOBBY_SERVER_ADMIN_PASSWORD_HASH", &config.Server.AdminPasswordHash)

	// Limits section
	envInt("TRICKLOBBY_LIMITS_MAX_FRAME_BYTES", &config.Limits.MaxFrameBytes)
	envInt("TRICKLOBBY_LIMITS_OUTBOUND_QUEUE", &config.Limits.OutboundQueue)
	envInt("TRICKLOBBY_LIMITS_DISPATCH_QUEUE", &config.Limits.DispatchQueue)
	envInt("TRICKLOBBY_LIMITS_IDLE_TIMEOUT_SECONDS", &config.Limits.IdleTimeoutSeconds)
	envInt("TRICKLOBBY_LIMITS_HANDSHAKE_TIMEOUT_SECONDS", &config.Limits.HandshakeTimeoutSeconds)
	envInt("TRICKLOBBY_LIMITS_REAP_INTERVAL_SECONDS", &config.Limits.ReapIntervalSeconds)
	envInt("TRICKLOBBY_LIMITS_WRITE_TIMEOUT_SECONDS", &config.Limits.WriteTimeoutSeconds)
	envInt("TRICKLOBBY_LIMITS_FLUSH_TIMEOUT_SECONDS", &config.Limits.FlushTimeoutSeconds)
	envInt("TRICKLOBBY_LIMITS_MAX_CONNECTIONS", &config.Limits.MaxConnections)
	envInt("TRICKLOBBY_LIMITS_MAX_DISPLAY_NAME_LENGTH", &config.Limits.MaxDisplayNameLength)
	envInt("TRICKLOBBY_LIMITS_MAX_CHAT_LENGTH", &config.Limits.MaxChatLength)
	envInt("TRICKLOBBY_LIMITS_MAX_ACCEPT_FAILURES", &config.Limits.MaxAcceptFailures)
	envInt("TRICKLOBBY_LIMITS_MAX_ROOMS", &config.Limits.MaxRooms)
	envInt("TRICKLOBBY_LIMITS_MAX_ROOM_CAPACITY", &config.Limits.MaxRoomCapacity)

	// SSH section
	envPort("TRICKLOBBY_SSH_PORT", &config.SSH.Port)
	envString("TRICKLOBBY_SSH_HOST_KEY_PATH", &config.SSH.HostKeyPath)

	return config
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# tricklobby server configuration
# This file was auto-generated with default values
# Commented settings show available options with their defaults
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# TRICKLOBBY_SECTION_KEY (e.g., TRICKLOBBY_SERVER_TCP_PORT=8080)
#
# Ports: a negative value disables the listener, 0 picks any free port

[server]
# Name announced to clients in the welcome message
name = "tricklobby"

# Address to bind all listeners to (empty = all interfaces)
# bind_address = "127.0.0.1"

# Port for raw TCP connections
tcp_port = 7420

# Port for the WebSocket endpoint (/ws)
http_port = 7421

# Port for /metrics and /health (internal only, never expose publicly)
metrics_port = 9090

# One of: debug, info, warn, error
log_level = "info"

# Directory for server.log (default: $XDG_DATA_HOME/tricklobby)
# data_dir = "/var/lib/tricklobby"

# bcrypt hash required to join with the admin role
# Generate one with: tricklobby-server -hash-password
# admin_password_hash = ""

[limits]
# Maximum payload size of a single frame in bytes
max_frame_bytes = 65536

# Outbound messages buffered per connection before senders block
outbound_queue = 64

# Inbound events buffered for the dispatcher
dispatch_queue = 1024

# Sessions without inbound traffic for this long are disconnected
idle_timeout_seconds = 120

# Connections that have not joined within this time are closed
handshake_timeout_seconds = 10

# How often the idle reaper runs
reap_interval_seconds = 5

# Per-frame write deadline
write_timeout_seconds = 10

# Time allowed to flush queued frames when a connection closes
flush_timeout_seconds = 2

# Maximum concurrent connections (0 = unlimited)
max_connections = 0

max_display_name_length = 20
max_chat_length = 1024

# Consecutive accept failures before the server gives up
max_accept_failures = 50

# Game rooms open at once (0 = unlimited)
max_rooms = 256

# Largest capacity a room may be created with (rooms default to 3 seats)
max_room_capacity = 8

[ssh]
# Port for SSH connections
port = 7422

# Path to SSH host key file (generated on first start)
host_key_path = "~/.tricklobby/ssh_host_key"
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// ToConfig converts TOMLConfig to Config. Zero values keep the defaults,
// except for ports, where only a missing key does.
func (c *TOMLConfig) ToConfig() Config {
	cfg := DefaultConfig()

	if strings.TrimSpace(c.Server.Name) != "" {
		cfg.ServerName = c.Server.Name
	}
	cfg.BindAddress = c.Server.BindAddress
	if c.Server.TCPPort != nil {
		cfg.TCPPort = *c.Server.TCPPort
	}
	if c.Server.HTTPPort != nil {
		cfg.HTTPPort = *c.Server.HTTPPort
	}
	if c.Server.MetricsPort != nil {
		cfg.MetricsPort = *c.Server.MetricsPort
	}
	if c.Server.LogLevel != "" {
		cfg.LogLevel = c.Server.LogLevel
	}
	cfg.DataDir = c.Server.DataDir
	cfg.AdminPasswordHash = strings.TrimSpace(c.Server.AdminPasswordHash)

	if c.Limits.MaxFrameBytes > 0 {
		cfg.MaxFrameBytes = uint32(c.Limits.MaxFrameBytes)
	}
	if c.Limits.OutboundQueue > 0 {
		cfg.OutboundQueue = c.Limits.OutboundQueue
	}
	if c.Limits.DispatchQueue > 0 {
		cfg.DispatchQueue = c.Limits.DispatchQueue
	}
	if c.Limits.IdleTimeoutSeconds > 0 {
		cfg.IdleTimeout = seconds(c.Limits.IdleTimeoutSeconds)
	}
	if c.Limits.HandshakeTimeoutSeconds > 0 {
		cfg.HandshakeTimeout = seconds(c.Limits.HandshakeTimeoutSeconds)
	}
	if c.Limits.ReapIntervalSeconds > 0 {
		cfg.ReapInterval = seconds(c.Limits.ReapIntervalSeconds)
	}
	if c.Limits.WriteTimeoutSeconds > 0 {
		cfg.WriteTimeout = seconds(c.Limits.WriteTimeoutSeconds)
	}
	if c.Limits.FlushTimeoutSeconds > 0 {
		cfg.FlushTimeout = seconds(c.Limits.FlushTimeoutSeconds)
	}
	if c.Limits.MaxConnections > 0 {
		cfg.MaxConnections = c.Limits.MaxConnections
	}
	if c.Limits.MaxDisplayNameLength > 0 {
		cfg.MaxDisplayNameLength = c.Limits.MaxDisplayNameLength
	}
	if c.Limits.MaxChatLength > 0 {
		cfg.MaxChatLength = c.Limits.MaxChatLength
	}
	if c.Limits.MaxAcceptFailures > 0 {
		cfg.MaxAcceptFailures = c.Limits.MaxAcceptFailures
	}
	if c.Limits.MaxRooms > 0 {
		cfg.MaxRooms = c.Limits.MaxRooms
	}
	if c.Limits.MaxRoomCapacity > 0 {
		cfg.MaxRoomCapacity = c.Limits.MaxRoomCapacity
	}

	if c.SSH.Port != nil {
		cfg.SSHPort = *c.SSH.Port
	}
	if strings.TrimSpace(c.SSH.HostKeyPath) != "" {
		cfg.SSHHostKeyPath = c.SSH.HostKeyPath
	}

	return cfg
}

func (c Config) validate() error {
	switch {
	case c.MaxFrameBytes == 0:
		return errors.New("max_frame_bytes must be positive")
	case c.IdleTimeout <= 0:
		return errors.New("idle timeout must be positive")
	case c.HandshakeTimeout <= 0:
		return errors.New("handshake timeout must be positive")
	case c.ReapInterval <= 0:
		return errors.New("reap interval must be positive")
	case c.FlushTimeout <= 0:
		return errors.New("flush timeout must be positive")
	case c.MaxConnections < 0:
		return fmt.Errorf("max_connections must not be negative, got %d", c.MaxConnections)
	case c.MaxRooms < 0:
		return fmt.Errorf("max_rooms must not be negative, got %d", c.MaxRooms)
	case c.MaxRoomCapacity < minRoomCapacity:
		return fmt.Errorf("max_room_capacity must be at least %d, got %d", minRoomCapacity, c.MaxRoomCapacity)
	}
	return nil
}
