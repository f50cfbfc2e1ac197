package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsAndEnv(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("PREVENTX_SECURITY_JWT_SECRET", "s3cret")
	t.Setenv("PREVENTX_KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load("", dataDir)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, filepath.Join(dataDir, "preventx.db"), cfg.Storage.SQLitePath)
	assert.Equal(t, filepath.Join(dataDir, "badger"), cfg.Storage.BadgerPath)
	assert.Equal(t, time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, 7, cfg.Scheduler.MissedLookbackDays)
	assert.Equal(t, "s3cret", cfg.Security.JWTSecret)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
}

func TestLoad_JWTSecretAlias(t *testing.T) {
	t.Setenv("JWT_SECRET", "legacy")

	cfg, err := Load("", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "legacy", cfg.Security.JWTSecret)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dataDir := t.TempDir()
	path := filepath.Join(dataDir, "custom.yaml")
	content := `
server:
  port: 9090
security:
  jwt_secret: from-file
scheduler:
  interval: 5m
  max_concurrent: 2
ruleset:
  path: /etc/preventx/ruleset.yaml
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path, dataDir)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "from-file", cfg.Security.JWTSecret)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, 2, cfg.Scheduler.MaxConcurrent)
	assert.Equal(t, "/etc/preventx/ruleset.yaml", cfg.Ruleset.Path)
}

func TestLoad_Validation(t *testing.T) {
	t.Run("jwt secret required", func(t *testing.T) {
		t.Setenv("PREVENTX_JWT_SECRET", "")
		t.Setenv("JWT_SECRET", "")
		_, err := Load("", t.TempDir())
		assert.ErrorContains(t, err, "jwt_secret")
	})

	t.Run("postgres needs dsn", func(t *testing.T) {
		t.Setenv("PREVENTX_SECURITY_JWT_SECRET", "x")
		t.Setenv("PREVENTX_STORAGE_DRIVER", "postgres")
		_, err := Load("", t.TempDir())
		assert.ErrorContains(t, err, "postgres_dsn")
	})

	t.Run("unknown driver", func(t *testing.T) {
		t.Setenv("PREVENTX_SECURITY_JWT_SECRET", "x")
		t.Setenv("PREVENTX_STORAGE_DRIVER", "mongo")
		_, err := Load("", t.TempDir())
		assert.ErrorContains(t, err, "unsupported")
	})
}
