package redis

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecret_Redacted(t *testing.T) {
	t.Parallel()
	s := Secret("hunter2")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%#v", s))
	assert.Equal(t, "hunter2", s.Value())

	b, err := json.Marshal(map[string]Secret{"p": s})
	require.NoError(t, err)
	assert.NotContains(t, string(b), "hunter2")
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	assert.Equal(t, DefaultHost, cfg.Host)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultPoolSize, cfg.PoolSize)
	assert.Equal(t, DefaultReadTimeout, cfg.ReadTimeout)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"zero value gets defaults", Config{}, ""},
		{"port too high", Config{Port: 70000}, "port"},
		{"negative port", Config{Port: -1}, "port"},
		{"idle above pool", Config{PoolSize: 2, MinIdleConns: 5}, "pool_size"},
		{"negative timeout", Config{DialTimeout: -time.Second}, "timeouts"},
		{"valid uri", Config{URI: "redis://localhost:6379/1"}, ""},
		{"tls uri", Config{URI: "rediss://cache.internal:6380/0"}, ""},
		{"bad scheme", Config{URI: "http://localhost:6379"}, "scheme"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := tt.cfg
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_Options(t *testing.T) {
	t.Parallel()
	cfg := Config{URI: "redis://:pw@localhost:6379/3"}
	require.NoError(t, cfg.Validate())
	opts, err := cfg.options()
	require.NoError(t, err)
	assert.Equal(t, 3, opts.DB)
	assert.Equal(t, DefaultPoolSize, opts.PoolSize)

	cfg = Config{Host: "cache", Port: 6380, TLSEnabled: true, Password: "pw"}
	require.NoError(t, cfg.Validate())
	opts, err = cfg.options()
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, "pw", opts.Password)
	require.NotNil(t, opts.TLSConfig)
}

func TestTruncateStatement(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "GET k", truncateStatement("GET k"))
	long := strings.Repeat("x", maxStatementTruncateLen+10)
	assert.Len(t, []rune(truncateStatement(long)), maxStatementTruncateLen+3)
}
