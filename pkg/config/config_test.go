package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	assert.Equal(t, ":8080", v.GetString("server.listen_address"))
	assert.Equal(t, 30*time.Second, v.GetDuration("collaboration.heartbeat_interval"))
	assert.Equal(t, 3, v.GetInt("collaboration.missed_heartbeats"))
	assert.Equal(t, time.Hour, v.GetDuration("collaboration.inactivity_timeout"))
	assert.Equal(t, 500*time.Millisecond, v.GetDuration("collaboration.debounce_window"))
	assert.Equal(t, " | ", v.GetString("collaboration.merge_separator"))
	assert.Equal(t, 100, v.GetInt("collaboration.change_history_limit"))
	assert.Equal(t, 50, v.GetInt("collaboration.chat_history_limit"))
	assert.Equal(t, float64(20), v.GetFloat64("collaboration.cursor_rate.per_second"))
	assert.Equal(t, time.Hour, v.GetDuration("redis.snapshot_ttl"))
	assert.Equal(t, "postgres", v.GetString("database.driver"))
}

func TestLoadFile_Defaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.ListenAddress)
	assert.Equal(t, 30*time.Second, cfg.Collaboration.HeartbeatInterval)
	assert.Equal(t, 90*time.Second, cfg.Collaboration.HeartbeatTTL())
	assert.Equal(t, 5, cfg.Collaboration.Cursor.Burst)
	assert.Equal(t, time.Minute, cfg.Collaboration.CleanupInterval)
	assert.Equal(t, "collabd", cfg.Auth.Issuer)
	assert.True(t, cfg.Metrics.Enabled)

	client := cfg.Collaboration.ClientConfig()
	assert.Equal(t, 500*time.Millisecond, client.DebounceWindow)
	assert.Equal(t, 10000, client.Adapter.DedupWindow)
}

func TestLoadFile_FileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collabd.yaml")
	content := `
server:
  listen_address: ":9090"
collaboration:
  heartbeat_interval: 10s
  merge_separator: " / "
  cursor_rate:
    per_second: 5
database:
  driver: sqlite3
  dsn: "${COLLAB_TEST_DB_PATH:-/tmp/collab.db}"
auth:
  jwt_secret: "${COLLAB_TEST_SECRET}"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	t.Setenv("COLLAB_TEST_SECRET", "s3cret")
	t.Setenv("COLLAB_COLLABORATION_MISSED_HEARTBEATS", "5")
	t.Setenv("REDIS_ADDR", "redis:6379")

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.ListenAddress)
	assert.Equal(t, 10*time.Second, cfg.Collaboration.HeartbeatInterval)
	assert.Equal(t, 5, cfg.Collaboration.MissedHeartbeats, "environment overrides defaults")
	assert.Equal(t, " / ", cfg.Collaboration.MergeSeparator)
	assert.Equal(t, float64(5), cfg.Collaboration.Cursor.PerSecond)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, "/tmp/collab.db", cfg.Database.DSN, "default used when the variable is unset")
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, "redis:6379", cfg.Redis.Address)
}

func TestLoadFile_Validation(t *testing.T) {
	t.Setenv("COLLAB_DATABASE_DRIVER", "mysql")
	_, err := LoadFile("")
	assert.ErrorContains(t, err, "unsupported database driver")
}

func TestLoadFile_ProductionNeedsSecret(t *testing.T) {
	t.Setenv("COLLAB_ENVIRONMENT", "production")
	_, err := LoadFile("")
	assert.ErrorContains(t, err, "jwt_secret")

	t.Setenv("COLLAB_AUTH_JWT_SECRET", "s3cret")
	cfg, err := LoadFile("")
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("COLLAB_TEST_HOST", "db.internal")

	tests := []struct {
		in   string
		want string
	}{
		{"${COLLAB_TEST_HOST}", "db.internal"},
		{"postgres://${COLLAB_TEST_HOST}:5432", "postgres://db.internal:5432"},
		{"${COLLAB_TEST_UNSET:-fallback}", "fallback"},
		{"${COLLAB_TEST_HOST:-fallback}", "db.internal"},
		{"${COLLAB_TEST_UNSET}", ""},
		{"${unterminated", "${unterminated"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, expandEnvVars(tt.in))
		})
	}
}

func TestCleanupSpec(t *testing.T) {
	c := CollaborationConfig{CleanupInterval: 90 * time.Second}
	assert.Equal(t, "@every 1m30s", c.CleanupSpec())

	c.CleanupSchedule = "*/5 * * * *"
	assert.Equal(t, "*/5 * * * *", c.CleanupSpec())
}

func TestLoadFile_RejectsBadCleanupSchedule(t *testing.T) {
	t.Setenv("COLLAB_COLLABORATION_CLEANUP_SCHEDULE", "every now and then")
	_, err := LoadFile("")
	assert.ErrorContains(t, err, "cleanup_schedule")

	t.Setenv("COLLAB_COLLABORATION_CLEANUP_SCHEDULE", "@hourly")
	cfg, err := LoadFile("")
	require.NoError(t, err)
	assert.Equal(t, "@hourly", cfg.Collaboration.CleanupSpec())
}
