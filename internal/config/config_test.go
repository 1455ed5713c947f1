package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadDefaults(t *testing.T) {
	p := writeYAML(t, "jwt:\n  issuer: https://id.example.com\n")

	c, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, ":8080", c.Server.Addr)
	assert.Equal(t, 15*time.Minute, c.AccessTTL())
	assert.Equal(t, time.Duration(0), c.Leeway())
	assert.Equal(t, 2048, c.JWT.KeyBits)
	assert.Equal(t, 7*24*time.Hour, c.RotationInterval())
	assert.Equal(t, 10*time.Minute, c.SweepInterval())
	assert.Equal(t, 30*24*time.Hour, c.RefreshTTL())
	assert.Equal(t, "memory", c.Refresh.Driver)
	assert.Equal(t, "ak_", c.APIKey.Prefix)
	assert.Equal(t, 5*time.Minute, c.RemoteJWKSTTL())
	assert.True(t, c.MetricsEnabled())
	assert.False(t, c.IsProd())
	assert.False(t, c.Rate.Enabled)
	assert.Equal(t, 60, c.Rate.Max)
	assert.Equal(t, time.Minute, c.RateWindow())
}

func TestLoadWithoutFileUsesEnv(t *testing.T) {
	t.Setenv("JWT_ISSUER", "https://env.example.com")
	t.Setenv("KEY_ROTATION_INTERVAL_DAYS", "30")
	t.Setenv("REFRESH_SWEEP_INTERVAL_MINUTES", "1")
	t.Setenv("APP_ENV", "PROD")
	t.Setenv("METRICS_ENABLED", "false")

	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "https://env.example.com", c.JWT.Issuer)
	assert.Equal(t, 30*24*time.Hour, c.RotationInterval())
	assert.Equal(t, time.Minute, c.SweepInterval())
	assert.True(t, c.IsProd())
	assert.False(t, c.MetricsEnabled())
}

func TestEnvOverridesFile(t *testing.T) {
	p := writeYAML(t, `
jwt:
  issuer: https://file.example.com
  access_ttl: 5m
refresh:
  driver: memory
`)
	t.Setenv("JWT_ACCESS_TTL", "2m")

	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "https://file.example.com", c.JWT.Issuer)
	assert.Equal(t, 2*time.Minute, c.AccessTTL())
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"missing issuer":   "server:\n  addr: :9000\n",
		"bad duration":     "jwt:\n  issuer: x\n  access_ttl: soon\n",
		"small key":        "jwt:\n  issuer: x\n  key_bits: 1024\n",
		"unknown driver":   "jwt:\n  issuer: x\nrefresh:\n  driver: mongo\n",
		"redis no addr":    "jwt:\n  issuer: x\nrefresh:\n  driver: redis\n",
		"postgres no dsn":  "jwt:\n  issuer: x\nrefresh:\n  driver: postgres\n",
		"keys without key": "jwt:\n  issuer: x\nkeys:\n  dir: /tmp/keys\n",
		"rate zero window": "jwt:\n  issuer: x\nrate:\n  enabled: true\n  window: 0s\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeYAML(t, body))
			assert.Error(t, err)
		})
	}
}
