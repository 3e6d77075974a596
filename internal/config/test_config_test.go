package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"ORDSYNC_ENV", "ORDSYNC_ADDR", "PORT", "ORDSYNC_STATION_URL", "ORDSYNC_TRANSPORT",
		"ORDSYNC_CLIENT_NAME", "ORDSYNC_POLL_INTERVAL", "ORDSYNC_RECONNECT_EVERY", "ORDSYNC_CACHE_SIZE",
		"ORDSYNC_SNAPSHOT_BACKEND", "ORDSYNC_SNAPSHOT_DIR", "ORDSYNC_DATABASE_URL", "DATABASE_URL",
		"ORDSYNC_S3_ENDPOINT", "ORDSYNC_S3_REGION", "ORDSYNC_S3_ACCESS_KEY", "ORDSYNC_S3_SECRET_KEY",
		"MINIO_ROOT_USER", "MINIO_ROOT_PASSWORD", "ORDSYNC_S3_BUCKET", "ORDSYNC_S3_USE_SSL",
		"ORDSYNC_SNAPSHOT_CACHE_TTL",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8090", cfg.Addr)
	assert.Equal(t, "local", cfg.Env)
	assert.Equal(t, "http://localhost:8090", cfg.StationURL)
	assert.Equal(t, "http", cfg.Transport)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 1024, cfg.CacheSize)
	assert.Equal(t, "file", cfg.Snapshot.Backend)
	assert.False(t, cfg.Snapshot.S3.UseSSL)
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9100")
	t.Setenv("ORDSYNC_TRANSPORT", "WS")
	t.Setenv("ORDSYNC_POLL_INTERVAL", "250ms")
	t.Setenv("ORDSYNC_CACHE_SIZE", "not a number")
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/ord")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Addr)
	assert.Equal(t, "http://localhost:9100", cfg.StationURL)
	assert.Equal(t, "ws", cfg.Transport)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 1024, cfg.CacheSize)
	assert.Equal(t, "postgres", cfg.Snapshot.Backend)
}

func TestS3WinsWhenComplete(t *testing.T) {
	clearEnv(t)
	t.Setenv("ORDSYNC_ENV", "prod")
	t.Setenv("ORDSYNC_S3_ENDPOINT", "minio:9000")
	t.Setenv("MINIO_ROOT_USER", "ord")
	t.Setenv("MINIO_ROOT_PASSWORD", "secret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "s3", cfg.Snapshot.Backend)
	assert.True(t, cfg.Snapshot.S3.CanUseS3())
	assert.True(t, cfg.Snapshot.S3.UseSSL)
	assert.Equal(t, "ordsync-snapshots", cfg.Snapshot.S3.Bucket)
}

func TestValidateRejects(t *testing.T) {
	clearEnv(t)

	cfg := fromEnv()
	cfg.Transport = "smoke"
	assert.ErrorContains(t, cfg.Validate(), "Transport")

	cfg = fromEnv()
	cfg.Snapshot.Backend = "postgres"
	cfg.Snapshot.DatabaseURL = ""
	assert.ErrorContains(t, cfg.Validate(), "DatabaseURL")

	cfg = fromEnv()
	cfg.ReconnectEvery = 0
	assert.Error(t, cfg.Validate())

	clearEnv(t)
	t.Setenv("ORDSYNC_STATION_URL", "not a url")
	_, err := Load()
	assert.ErrorContains(t, err, "StationURL")
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", firstNonEmpty("", "  ", "b", "c"))
	assert.Equal(t, "", firstNonEmpty())
}
