package redis

import (
	"fmt"
	"net/url"
	"time"
)

// maxStatementTruncateLen caps the db.statement span attribute.
const maxStatementTruncateLen = 100

// Default configuration values.
const (
	DefaultHost          = "localhost"
	DefaultPort          = 6379
	DefaultPoolSize      = 25
	DefaultMinIdleConns  = 5
	DefaultMaxRetries    = 3
	DefaultDialTimeout   = 5 * time.Second
	DefaultReadTimeout   = 2 * time.Second
	DefaultWriteTimeout  = 2 * time.Second
	DefaultHealthTimeout = 5 * time.Second
)

// Secret is a string that never appears in logs or serialized output.
type Secret string

const redacted = "[REDACTED]"

func (s Secret) String() string               { return redacted }
func (s Secret) GoString() string             { return redacted }
func (s Secret) Value() string                { return string(s) }
func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// Config configures a Redis connection. Either URI or Host/Port is used;
// URI wins when both are set.
type Config struct {
	URI          string        `json:"uri,omitempty" yaml:"uri" env:"URI"`
	Host         string        `json:"host,omitempty" yaml:"host" env:"HOST" envDefault:"localhost"`
	Port         int           `json:"port,omitempty" yaml:"port" env:"PORT" envDefault:"6379"`
	DB           int           `json:"db" yaml:"db" env:"DB"`
	Password     Secret        `json:"-" yaml:"password" env:"PASSWORD"`
	PoolSize     int           `json:"pool_size,omitempty" yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int           `json:"min_idle_conns,omitempty" yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	MaxRetries   int           `json:"max_retries,omitempty" yaml:"max_retries" env:"MAX_RETRIES"`
	DialTimeout  time.Duration `json:"dial_timeout,omitempty" yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
	ReadTimeout  time.Duration `json:"read_timeout,omitempty" yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `json:"write_timeout,omitempty" yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	TLSEnabled   bool          `json:"tls_enabled,omitempty" yaml:"tls_enabled" env:"TLS_ENABLED"`
}

// DefaultConfig returns a configuration for a local Redis.
func DefaultConfig() *Config {
	c := &Config{Host: DefaultHost, Port: DefaultPort}
	c.applyDefaults()
	return c
}

// Validate fills zero values with defaults and checks the result.
func (c *Config) Validate() error {
	c.applyDefaults()

	if c.URI != "" {
		u, err := url.Parse(c.URI)
		if err != nil {
			return fmt.Errorf("redis: config URI is invalid: %w", err)
		}
		if u.Scheme != "redis" && u.Scheme != "rediss" {
			return fmt.Errorf("redis: config URI scheme must be redis:// or rediss://, got %q", u.Scheme)
		}
		return nil
	}

	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("redis: config port must be between 1 and 65535, got %d", c.Port)
	}
	if c.MinIdleConns < 0 || c.PoolSize < c.MinIdleConns {
		return fmt.Errorf("redis: config pool_size (%d) must be >= min_idle_conns (%d) >= 0", c.PoolSize, c.MinIdleConns)
	}
	if c.DialTimeout < 0 || c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		return fmt.Errorf("redis: config timeouts must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.PoolSize == 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.MinIdleConns == 0 {
		c.MinIdleConns = DefaultMinIdleConns
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
}

func truncateStatement(s string) string {
	runes := []rune(s)
	if len(runes) <= maxStatementTruncateLen {
		return s
	}
	return string(runes[:maxStatementTruncateLen]) + "..."
}
