package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withArgs(t *testing.T, args ...string) {
	t.Helper()
	old := os.Args
	os.Args = append([]string{"whisperline"}, args...)
	t.Cleanup(func() { os.Args = old })
}

func TestLoadDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.LoadDefaults()

	assert.Equal(t, "127.0.0.1:6379", cfg.RedisAddr)
	assert.Equal(t, 24*time.Hour, cfg.SessionValidity)
	assert.Equal(t, "attachments", cfg.S3Bucket)
	assert.NotEmpty(t, cfg.DatabaseDSN)
	assert.NotEmpty(t, cfg.KeysDir)
}

func TestParseJson_OverlaysPresentFieldsOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"database_dsn": "postgres://json/db",
		"redis_db": 3,
		"session_validity": "90m"
	}`), 0o600))
	withArgs(t, "-c", path)

	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)

	assert.Equal(t, "postgres://json/db", cfg.DatabaseDSN)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.Equal(t, 90*time.Minute, cfg.SessionValidity)
	// Fields absent from the file keep their defaults.
	assert.Equal(t, "127.0.0.1:6379", cfg.RedisAddr)
	assert.Equal(t, "secretKey", cfg.SecretKey)
}

func TestParseJson_NoFlagLoadsNothing(t *testing.T) {
	withArgs(t)

	cfg := &Config{}
	cfg.LoadDefaults()
	before := *cfg
	parseJson(cfg)
	assert.Equal(t, before, *cfg)
}

func TestParseEnv(t *testing.T) {
	t.Setenv("WL_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("WL_REDIS_DB", "5")
	t.Setenv("WL_SESSION_VALIDITY", "2h")
	t.Setenv("WL_S3_BUCKET", "files")

	cfg := &Config{}
	cfg.LoadDefaults()
	parseEnv(cfg)

	assert.Equal(t, "redis.internal:6380", cfg.RedisAddr)
	assert.Equal(t, 5, cfg.RedisDB)
	assert.Equal(t, 2*time.Hour, cfg.SessionValidity)
	assert.Equal(t, "files", cfg.S3Bucket)
}

func TestParseFlags(t *testing.T) {
	withArgs(t, "-d", "postgres://flag/db", "-r", "redis.flag:6379", "-t", "48", "-b", "flagbucket")

	cfg := &Config{}
	cfg.LoadDefaults()
	parseFlags(cfg)

	assert.Equal(t, "postgres://flag/db", cfg.DatabaseDSN)
	assert.Equal(t, "redis.flag:6379", cfg.RedisAddr)
	assert.Equal(t, 48*time.Hour, cfg.SessionValidity)
	assert.Equal(t, "flagbucket", cfg.S3Bucket)
}

func TestLoadConfig_FlagsWin(t *testing.T) {
	t.Setenv("WL_REDIS_ADDR", "redis.env:6379")
	withArgs(t, "-r", "redis.flag:6379")

	cfg := LoadConfig()
	assert.Equal(t, "redis.flag:6379", cfg.RedisAddr)
}
