package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CALLPULSE_SECURITY_LICENSE_SECRET", "test-secret")
	t.Setenv("CALLPULSE_SECURITY_ADMIN_KEY", "test-admin")
	// Point at a config file that does not exist so ambient config.yaml
	// cannot leak into tests.
	t.Setenv("CALLPULSE_CONFIG", filepath.Join(t.TempDir(), "no-such.yaml"))
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3002, cfg.Server.Port)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Client.PositiveCacheTTL)
	assert.Equal(t, time.Minute, cfg.Client.NegativeCacheTTL)
	assert.Equal(t, 15*time.Minute, cfg.Security.RateLimit.ActivationWindow)
	assert.Equal(t, 10, cfg.Security.RateLimit.ActivationMax)
	assert.True(t, cfg.Security.RateLimit.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadEnvOverride(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CALLPULSE_SERVER_PORT", "4100")
	t.Setenv("CALLPULSE_DATABASE_DRIVER", "postgres")
	t.Setenv("CALLPULSE_DATABASE_DSN", "host=db user=cp dbname=licenses")
	t.Setenv("CALLPULSE_CLIENT_HEARTBEAT_INTERVAL", "90s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 4100, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 90*time.Second, cfg.Client.HeartbeatInterval)
}

func TestLoadFromFile(t *testing.T) {
	setRequiredEnv(t)

	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 5005
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(file, []byte(content), 0o644))
	t.Setenv("CALLPULSE_CONFIG", file)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5005, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// File values must not blank out env-supplied secrets.
	assert.Equal(t, "test-secret", cfg.Security.LicenseSecret)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing license secret", map[string]string{"CALLPULSE_SECURITY_LICENSE_SECRET": ""}},
		{"missing admin key", map[string]string{"CALLPULSE_SECURITY_ADMIN_KEY": ""}},
		{"bad driver", map[string]string{"CALLPULSE_DATABASE_DRIVER": "oracle"}},
		{"bad log level", map[string]string{"CALLPULSE_LOGGING_LEVEL": "verbose"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			assert.Error(t, err)
		})
	}
}
