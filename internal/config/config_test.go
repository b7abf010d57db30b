package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Iminance/realityflow-2/internal/domain/reconcile"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("REALITYFLOW_CONFIG_PATH", "")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	require.Equal(t, 30*time.Second, cfg.Checkout.LeaseDuration)
	require.Equal(t, int64(reconcile.DefaultMaxDeltaGap), cfg.Sync.MaxDeltaGap)
	require.Equal(t, int64(512), cfg.Sync.MaxDeltaGap)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
db:
  driver: postgres
  dsn: postgres://localhost/realityflow
log:
  format: json
checkout:
  lease_duration: 45s
sync:
  log_retention: 64
admin:
  mode: off
`), 0o600))

	t.Setenv("REALITYFLOW_CONFIG_PATH", path)
	t.Setenv("REALITYFLOW_SERVER_PORT", "9100")
	t.Setenv("REALITYFLOW_AUTH_ENABLED", "true")
	t.Setenv("REALITYFLOW_SESSION_GRACE", "5m")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 9100, cfg.Server.Port)
	require.Equal(t, "postgres", cfg.DB.Driver)
	require.Equal(t, "postgres://localhost/realityflow", cfg.DB.DSN)
	require.Equal(t, "json", cfg.Log.Format)
	require.Equal(t, 45*time.Second, cfg.Checkout.LeaseDuration)
	require.Equal(t, 64, cfg.Sync.LogRetention)
	require.Equal(t, "off", cfg.Admin.Mode)
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, 5*time.Minute, cfg.Session.GracePeriod)
	require.Equal(t, 256, cfg.Session.SendBuffer)
}

func TestLoad_ExplicitPathWins(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, "env.yaml")
	flagPath := filepath.Join(dir, "flag.yaml")
	require.NoError(t, os.WriteFile(envPath, []byte("server:\n  port: 1111\n"), 0o600))
	require.NoError(t, os.WriteFile(flagPath, []byte("server:\n  port: 2222\n"), 0o600))
	t.Setenv("REALITYFLOW_CONFIG_PATH", envPath)

	cfg, err := Load(flagPath)
	require.NoError(t, err)
	require.Equal(t, 2222, cfg.Server.Port)
}

func TestLoad_Errors(t *testing.T) {
	t.Setenv("REALITYFLOW_CONFIG_PATH", "")

	t.Run("bad port", func(t *testing.T) {
		t.Setenv("REALITYFLOW_SERVER_PORT", "eighty")
		_, err := Load("")
		require.ErrorContains(t, err, "REALITYFLOW_SERVER_PORT")
	})

	t.Run("bad duration", func(t *testing.T) {
		t.Setenv("REALITYFLOW_CHECKOUT_LEASE", "soon")
		_, err := Load("")
		require.ErrorContains(t, err, "REALITYFLOW_CHECKOUT_LEASE")
	})

	t.Run("unknown driver", func(t *testing.T) {
		t.Setenv("REALITYFLOW_DB_DRIVER", "mysql")
		_, err := Load("")
		require.ErrorContains(t, err, "db.driver")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.ErrorContains(t, err, "read config file")
	})

	t.Run("malformed file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server: [1, 2"), 0o600))
		_, err := Load(path)
		require.ErrorContains(t, err, "parse config file")
	})
}
