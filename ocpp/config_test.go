package ocppserver

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balu-dk/ocpp-csms-engine/internal/logstore"
	"github.com/balu-dk/ocpp-csms-engine/server/database"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "localhost:9000", cfg.WebSocketAddr())
	assert.Equal(t, "localhost:9001", cfg.APIAddr())
	assert.Equal(t, 60*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 30*time.Minute, cfg.PendingTTL)
	assert.Equal(t, 2, cfg.IPLimit)
	assert.Equal(t, logstore.DefaultSessionFlushLimit, cfg.SessionFlushLimit)
	assert.Equal(t, 16, cfg.SessionFlushLimit)
	assert.Equal(t, database.SQLite, cfg.Database.Type)
	assert.Empty(t, cfg.Redis.Address)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ocpp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
websocket_port: 9100
system_name: depot
redis:
  address: redis:6379
`), 0o644))

	t.Setenv("OCPP_WEBSOCKET_PORT", "9200")
	t.Setenv("OCPP_REDIS_PASSWORD", "secret")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.WebSocketPort)
	assert.Equal(t, "depot", cfg.SystemName)
	assert.Equal(t, "redis:6379", cfg.Redis.Address)
	assert.Equal(t, "secret", cfg.Redis.Password)
	assert.Equal(t, "depot", cfg.Telemetry.ServiceName)
}

func TestLoadConfigDatabaseFromEnv(t *testing.T) {
	t.Setenv("OCPP_DB_TYPE", "postgres")
	t.Setenv("OCPP_DB_PORT", "6543")
	t.Setenv("OCPP_DB_NAME", "journal")
	t.Setenv("OCPP_DB_PASSWORD", "secret")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, database.PostgreSQL, cfg.Database.Type)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, "journal", cfg.Database.DatabaseName)
	assert.Equal(t, "secret", cfg.Database.Password)
	assert.Equal(t, "disable", cfg.Database.SSLMode)
}

func TestLoadConfigRejectsPasswordInFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ocpp.yaml")
	require.NoError(t, os.WriteFile(path, []byte("db:\n  password: hunter2\n"), 0o644))

	_, err := LoadConfig(path)
	assert.ErrorContains(t, err, "passwords are not allowed")
}

func TestLoadConfigValidation(t *testing.T) {
	t.Setenv("OCPP_WEBSOCKET_PORT", "70000")
	_, err := LoadConfig("")
	assert.ErrorContains(t, err, "websocket_port")
}

func TestConfigBuilders(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	cfg.WithHost("0.0.0.0").WithWebSocketPort(8887).WithAPIPort(8888).
		WithSystemName("test").WithLogDir("").WithRedisAddress("127.0.0.1:6379")

	assert.Equal(t, "0.0.0.0:8887", cfg.WebSocketAddr())
	assert.Equal(t, "0.0.0.0:8888", cfg.APIAddr())
	assert.Equal(t, "test", cfg.SystemName)
	assert.Empty(t, cfg.LogDir)
	assert.Equal(t, "127.0.0.1:6379", cfg.Redis.Address)
}
