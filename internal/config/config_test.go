package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"APPEALS_CONFIG_PATH", "APPEALS_ADDR", "APPEALS_DB_DRIVER", "APPEALS_DATABASE_URL", "DATABASE_URL",
		"APPEALS_TEST_DATABASE_URL", "APPEALS_USE_TEST_DB", "APPEALS_AUTO_MIGRATE", "APPEALS_JWT_SECRET",
		"APPEALS_WRITE_SCOPE", "APPEALS_KAFKA_BROKERS", "APPEALS_KAFKA_TOPIC", "APPEALS_S3_BUCKET",
		"APPEALS_S3_PREFIX", "APPEALS_STREAM_BATCH", "APPEALS_STREAM_POLL", "APPEALS_STREAM_CONCURRENCY", "APPEALS_STREAM_LEASE",
		"APPEALS_TRACE_STDOUT",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, defaultAddr, cfg.Addr)
	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Empty(t, cfg.Database.URL)
	assert.Equal(t, defaultWriteScope, cfg.Auth.WriteScope)
	assert.Equal(t, defaultTopic, cfg.Kafka.Topic)
	assert.False(t, cfg.StreamingEnabled())
	assert.Equal(t, 3*time.Second, cfg.Streamer.PollInterval)
	assert.Equal(t, 5*time.Minute, cfg.Streamer.ClaimLease)
}

func TestLoadInfersPostgresFromURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://appeals@localhost/appeals?sslmode=disable")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
}

func TestLoadPostgresRequiresURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("APPEALS_DB_DRIVER", "postgres")
	_, err := Load()
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	clearEnv(t)
	t.Setenv("APPEALS_DB_DRIVER", "oracle")
	_, err := Load()
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestTestDatabaseMustBeSpecified(t *testing.T) {
	clearEnv(t)
	t.Setenv("APPEALS_USE_TEST_DB", "true")
	_, err := Load()
	require.ErrorIs(t, err, ErrInvalidConfiguration)
	assert.Contains(t, err.Error(), "test database not specified")

	useTest := true
	_, err = DatabaseConfig{URL: "data/appeals.db"}.Target(&useTest)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	target, err := DatabaseConfig{URL: "data/appeals.db", TestURL: ":memory:"}.Target(&useTest)
	require.NoError(t, err)
	assert.Equal(t, ":memory:", target)
}

func TestYAMLFileWithEnvOverride(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "appeals.yaml")
	content := `
addr: ":9000"
database:
  driver: sqlite
  url: /var/lib/appeals/appeals.db
kafka:
  brokers: ["kafka-1:9092", "kafka-2:9092"]
  topic: routed-appeals
s3:
  bucket: appeal-archive
streamer:
  batch_size: 25
  poll_interval: 500ms
  claim_lease: 2m
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("APPEALS_CONFIG_PATH", path)
	t.Setenv("APPEALS_ADDR", ":9100")
	t.Setenv("APPEALS_STREAM_CONCURRENCY", "8")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Addr)
	assert.Equal(t, "/var/lib/appeals/appeals.db", cfg.Database.URL)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "routed-appeals", cfg.Kafka.Topic)
	assert.Equal(t, "appeal-archive", cfg.S3.Bucket)
	assert.Equal(t, 25, cfg.Streamer.BatchSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Streamer.PollInterval)
	assert.Equal(t, 8, cfg.Streamer.MaxConcurrency)
	assert.Equal(t, 2*time.Minute, cfg.Streamer.ClaimLease)
	assert.True(t, cfg.StreamingEnabled())
}

func TestMissingConfigFileIsInvalid(t *testing.T) {
	clearEnv(t)
	t.Setenv("APPEALS_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestEnvBrokersOverrideFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("APPEALS_KAFKA_BROKERS", " a:9092, ,b:9092 ")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
}
