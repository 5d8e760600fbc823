package config

import (
	"time"

	"github.com/rickgao/chatlink/internal/connection"
)

// ClientConfig is the root configuration for a chat client.
type ClientConfig struct {
	API        APIConfig        `yaml:"api"`
	Auth       AuthConfig       `yaml:"auth"`
	Reconnect  ReconnectConfig  `yaml:"reconnect"`
	Connection ConnectionConfig `yaml:"connection"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Log        LogConfig        `yaml:"log"`
}

// APIConfig holds chat server addresses.
type APIConfig struct {
	RestURL    string        `yaml:"rest_url"` // Base of the token endpoints
	WSURL      string        `yaml:"ws_url"`   // Base of the room endpoints
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// AuthConfig holds login credentials.
type AuthConfig struct {
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	PasswordFile string `yaml:"password_file"` // Takes precedence over password
	HeaderToken  bool   `yaml:"header_token"`  // Also send the token as a Bearer header on the handshake
}

// ReconnectConfig holds the reconnect policy.
type ReconnectConfig struct {
	AutoReconnect  bool          `yaml:"auto_reconnect"`
	MaxAttempts    int           `yaml:"max_attempts"` // 0 = unbounded
	InitialDelay   time.Duration `yaml:"initial_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	BackoffFactor  float64       `yaml:"backoff_factor"`
	JitterFraction *float64      `yaml:"jitter_fraction"` // Unset = default, 0 = no jitter
}

// ConnectionConfig holds WebSocket transport settings.
type ConnectionConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PingTimeout      time.Duration `yaml:"ping_timeout"`
	ReadLimit        int64         `yaml:"read_limit"`
}

// ArchiveConfig holds the message archive settings.
type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
	Database      DBConfig      `yaml:"database"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LogConfig holds logger settings. CLI flags override both fields.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Policy converts the reconnect section into a connection policy.
func (r ReconnectConfig) Policy() connection.Policy {
	p := connection.Policy{
		AutoReconnect:  r.AutoReconnect,
		MaxAttempts:    r.MaxAttempts,
		InitialDelay:   r.InitialDelay,
		MaxDelay:       r.MaxDelay,
		BackoffFactor:  r.BackoffFactor,
		JitterFraction: connection.DefaultJitterFraction,
	}
	if r.JitterFraction != nil {
		p.JitterFraction = *r.JitterFraction
	}
	return p
}

// Transport converts the connection section into a transport config.
func (c ConnectionConfig) Transport() connection.TransportConfig {
	return connection.TransportConfig{
		HandshakeTimeout: c.HandshakeTimeout,
		WriteTimeout:     c.WriteTimeout,
		PingInterval:     c.PingInterval,
		PingTimeout:      c.PingTimeout,
		ReadLimit:        c.ReadLimit,
	}
}
