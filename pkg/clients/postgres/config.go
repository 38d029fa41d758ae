package postgres

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"
)

// maxSQLTruncateLen caps the db.statement span attribute so that literal
// values do not leak into telemetry.
const maxSQLTruncateLen = 100

// Default pool and timeout settings.
const (
	DefaultHost              = "localhost"
	DefaultPort              = 5432
	DefaultDatabase          = "identity"
	DefaultUser              = "identity"
	DefaultMaxConnLifetime   = time.Hour
	DefaultMaxConnIdleTime   = 30 * time.Minute
	DefaultHealthCheckPeriod = time.Minute
	DefaultConnectTimeout    = 10 * time.Second
	DefaultHealthTimeout     = 5 * time.Second
)

const (
	DefaultMaxConns int32 = 25
	DefaultMinConns int32 = 2
)

// SSLMode maps to the PostgreSQL sslmode connection parameter.
type SSLMode string

const (
	SSLModeDisable    SSLMode = "disable"
	SSLModeAllow      SSLMode = "allow"
	SSLModePrefer     SSLMode = "prefer"
	SSLModeRequire    SSLMode = "require"
	SSLModeVerifyCA   SSLMode = "verify-ca"
	SSLModeVerifyFull SSLMode = "verify-full"
)

func (m SSLMode) String() string { return string(m) }

// Valid reports whether m is a recognized sslmode.
func (m SSLMode) Valid() bool {
	switch m {
	case SSLModeDisable, SSLModeAllow, SSLModePrefer, SSLModeRequire, SSLModeVerifyCA, SSLModeVerifyFull:
		return true
	}
	return false
}

// Secret is a string that never appears in logs or serialized output.
type Secret string

const redacted = "[REDACTED]"

func (s Secret) String() string               { return redacted }
func (s Secret) GoString() string             { return redacted }
func (s Secret) Value() string                { return string(s) }
func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// Config holds the PostgreSQL connection configuration. When URI is set it
// takes precedence over Host, Port, Database, User and Password.
type Config struct {
	URI               string        `json:"uri,omitempty" yaml:"uri" env:"URI"`
	Host              string        `json:"host,omitempty" yaml:"host" env:"HOST" envDefault:"localhost"`
	Port              int           `json:"port,omitempty" yaml:"port" env:"PORT" envDefault:"5432"`
	Database          string        `json:"database" yaml:"database" env:"DATABASE" envDefault:"identity"`
	User              string        `json:"user" yaml:"user" env:"USER" envDefault:"identity"`
	Password          Secret        `json:"-" yaml:"password" env:"PASSWORD"`
	SSLMode           SSLMode       `json:"ssl_mode,omitempty" yaml:"ssl_mode" env:"SSLMODE"`
	SSLRootCert       string        `json:"ssl_root_cert,omitempty" yaml:"ssl_root_cert" env:"SSL_ROOT_CERT"`
	MaxConns          int32         `json:"max_conns,omitempty" yaml:"max_conns" env:"MAX_CONNS"`
	MinConns          int32         `json:"min_conns,omitempty" yaml:"min_conns" env:"MIN_CONNS"`
	MaxConnLifetime   time.Duration `json:"max_conn_lifetime,omitempty" yaml:"max_conn_lifetime" env:"MAX_CONN_LIFETIME"`
	MaxConnIdleTime   time.Duration `json:"max_conn_idle_time,omitempty" yaml:"max_conn_idle_time" env:"MAX_CONN_IDLE_TIME"`
	HealthCheckPeriod time.Duration `json:"health_check_period,omitempty" yaml:"health_check_period" env:"HEALTH_CHECK_PERIOD"`
	ConnectTimeout    time.Duration `json:"connect_timeout,omitempty" yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
}

// DefaultConfig returns a Config for a local database.
func DefaultConfig() *Config {
	c := &Config{
		Host:     DefaultHost,
		Port:     DefaultPort,
		Database: DefaultDatabase,
		User:     DefaultUser,
		SSLMode:  SSLModePrefer,
	}
	c.applyPoolDefaults()
	return c
}

// Validate applies defaults to zero-valued pool settings and checks the
// configuration. Structured fields are not checked when URI is set.
func (c *Config) Validate() error {
	c.applyPoolDefaults()
	if c.MaxConns < c.MinConns {
		return fmt.Errorf("postgres: config max_conns (%d) must be >= min_conns (%d)", c.MaxConns, c.MinConns)
	}

	if c.URI != "" {
		u, err := url.Parse(c.URI)
		if err != nil {
			return fmt.Errorf("postgres: config URI is invalid: %w", err)
		}
		if u.Scheme != "postgres" && u.Scheme != "postgresql" {
			return fmt.Errorf("postgres: config URI scheme must be postgres:// or postgresql://, got %q", u.Scheme)
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
		return fmt.Errorf("postgres: config port must be between 1 and 65535, got %d", c.Port)
	}
	if c.Database == "" {
		return errors.New("postgres: config database must not be empty")
	}
	if c.User == "" {
		return errors.New("postgres: config user must not be empty")
	}
	if c.SSLMode == "" {
		c.SSLMode = SSLModePrefer
	}
	if !c.SSLMode.Valid() {
		return fmt.Errorf("postgres: config ssl_mode %q is not valid", c.SSLMode)
	}
	if c.SSLRootCert != "" {
		if _, err := os.Stat(c.SSLRootCert); err != nil {
			return fmt.Errorf("postgres: config ssl_root_cert %q is not accessible: %w", c.SSLRootCert, err)
		}
	}
	return nil
}

func (c *Config) applyPoolDefaults() {
	if c.MaxConns == 0 {
		c.MaxConns = DefaultMaxConns
	}
	if c.MinConns == 0 {
		c.MinConns = DefaultMinConns
	}
	if c.MaxConnLifetime == 0 {
		c.MaxConnLifetime = DefaultMaxConnLifetime
	}
	if c.MaxConnIdleTime == 0 {
		c.MaxConnIdleTime = DefaultMaxConnIdleTime
	}
	if c.HealthCheckPeriod == 0 {
		c.HealthCheckPeriod = DefaultHealthCheckPeriod
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
}

// ConnectionString returns URI when set, otherwise a postgres:// URL built
// from the structured fields. The result contains the password in
// cleartext.
func (c *Config) ConnectionString() string {
	if c.URI != "" {
		return c.URI
	}

	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password.Value()),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   c.Database,
	}
	q := u.Query()
	if c.SSLMode != "" {
		q.Set("sslmode", string(c.SSLMode))
	}
	if c.ConnectTimeout > 0 {
		q.Set("connect_timeout", fmt.Sprintf("%d", int(c.ConnectTimeout.Seconds())))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// databaseName is the db.name span attribute.
func (c *Config) databaseName() string {
	if c.URI != "" {
		if u, err := url.Parse(c.URI); err == nil && len(u.Path) > 1 {
			return u.Path[1:]
		}
	}
	return c.Database
}

// tlsConfig returns nil unless a custom CA certificate is configured.
func (c *Config) tlsConfig() (*tls.Config, error) {
	if c.SSLRootCert == "" || c.SSLMode == SSLModeDisable {
		return nil, nil
	}

	pem, err := os.ReadFile(c.SSLRootCert)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to read CA certificate %q: %w", c.SSLRootCert, err)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("postgres: failed to parse CA certificate from %q", c.SSLRootCert)
	}

	cfg := &tls.Config{RootCAs: roots, MinVersion: tls.VersionTLS12}
	switch c.SSLMode {
	case SSLModeVerifyFull:
		cfg.ServerName = c.Host
	case SSLModeVerifyCA:
		// Chain verification without the hostname check.
		cfg.InsecureSkipVerify = true
		cfg.VerifyConnection = func(cs tls.ConnectionState) error {
			if len(cs.PeerCertificates) == 0 {
				return errors.New("postgres: server did not present a certificate")
			}
			opts := x509.VerifyOptions{Roots: roots, Intermediates: x509.NewCertPool()}
			for _, cert := range cs.PeerCertificates[1:] {
				opts.Intermediates.AddCert(cert)
			}
			_, err := cs.PeerCertificates[0].Verify(opts)
			return err
		}
	default:
		cfg.InsecureSkipVerify = true
	}
	return cfg, nil
}

func truncateSQL(sql string) string {
	runes := []rune(sql)
	if len(runes) <= maxSQLTruncateLen {
		return sql
	}
	return string(runes[:maxSQLTruncateLen]) + "..."
}
