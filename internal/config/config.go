package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrInvalidConfiguration = errors.New("invalid configuration")

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

type Config struct {
	Addr        string         `yaml:"addr"`
	Database    DatabaseConfig `yaml:"database"`
	Auth        AuthConfig     `yaml:"auth"`
	Kafka       KafkaConfig    `yaml:"kafka"`
	S3          S3Config       `yaml:"s3"`
	Streamer    StreamerConfig `yaml:"streamer"`
	TraceStdout bool           `yaml:"trace_stdout"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	// URL is a Postgres DSN or a SQLite file path.
	URL              string `yaml:"url"`
	TestURL          string `yaml:"test_url"`
	UseTestByDefault bool   `yaml:"use_test_by_default"`
	AutoMigrate      bool   `yaml:"auto_migrate"`
}

type AuthConfig struct {
	JWTSecret  string `yaml:"jwt_secret"`
	WriteScope string `yaml:"write_scope"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type S3Config struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

type StreamerConfig struct {
	BatchSize      int           `yaml:"batch_size"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	MaxConcurrency int           `yaml:"max_concurrency"`
	ClaimLease     time.Duration `yaml:"claim_lease"`
}

const (
	defaultAddr       = ":8060"
	defaultWriteScope = "appeals:write"
	defaultTopic      = "appeal-events"
)

// Load reads the optional YAML file named by APPEALS_CONFIG_PATH, then lets
// environment variables override it.
func Load() (Config, error) {
	cfg := Config{
		Addr:     defaultAddr,
		Auth:     AuthConfig{WriteScope: defaultWriteScope},
		Kafka:    KafkaConfig{Topic: defaultTopic},
		Streamer: StreamerConfig{BatchSize: 10, PollInterval: 3 * time.Second, MaxConcurrency: 5, ClaimLease: 5 * time.Minute},
	}
	if path := os.Getenv("APPEALS_CONFIG_PATH"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("%w: read %s: %v", ErrInvalidConfiguration, path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfiguration, path, err)
		}
	}

	cfg.Addr = getEnv("APPEALS_ADDR", cfg.Addr)
	cfg.Database.Driver = getEnv("APPEALS_DB_DRIVER", cfg.Database.Driver)
	cfg.Database.URL = firstNonEmpty(os.Getenv("APPEALS_DATABASE_URL"), os.Getenv("DATABASE_URL"), cfg.Database.URL)
	cfg.Database.TestURL = getEnv("APPEALS_TEST_DATABASE_URL", cfg.Database.TestURL)
	cfg.Database.UseTestByDefault = getBool("APPEALS_USE_TEST_DB", cfg.Database.UseTestByDefault)
	cfg.Database.AutoMigrate = getBool("APPEALS_AUTO_MIGRATE", cfg.Database.AutoMigrate)
	cfg.Auth.JWTSecret = getEnv("APPEALS_JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.WriteScope = getEnv("APPEALS_WRITE_SCOPE", cfg.Auth.WriteScope)
	if brokers := parseCSV(os.Getenv("APPEALS_KAFKA_BROKERS")); len(brokers) > 0 {
		cfg.Kafka.Brokers = brokers
	}
	cfg.Kafka.Topic = getEnv("APPEALS_KAFKA_TOPIC", cfg.Kafka.Topic)
	cfg.S3.Bucket = getEnv("APPEALS_S3_BUCKET", cfg.S3.Bucket)
	cfg.S3.Prefix = getEnv("APPEALS_S3_PREFIX", cfg.S3.Prefix)
	cfg.Streamer.BatchSize = getInt("APPEALS_STREAM_BATCH", cfg.Streamer.BatchSize)
	cfg.Streamer.PollInterval = getDuration("APPEALS_STREAM_POLL", cfg.Streamer.PollInterval)
	cfg.Streamer.MaxConcurrency = getInt("APPEALS_STREAM_CONCURRENCY", cfg.Streamer.MaxConcurrency)
	cfg.Streamer.ClaimLease = getDuration("APPEALS_STREAM_LEASE", cfg.Streamer.ClaimLease)
	cfg.TraceStdout = getBool("APPEALS_TRACE_STDOUT", cfg.TraceStdout)

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = inferDriver(cfg.Database.URL)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite, DriverMemory:
	default:
		return fmt.Errorf("%w: unknown database driver %q", ErrInvalidConfiguration, c.Database.Driver)
	}
	target, err := c.Database.Target(nil)
	if err != nil {
		return err
	}
	if c.Database.Driver == DriverPostgres && target == "" {
		return fmt.Errorf("%w: DATABASE_URL or APPEALS_DATABASE_URL required for postgres", ErrInvalidConfiguration)
	}
	return nil
}

// Target resolves which database to open. test nil means UseTestByDefault
// decides. Asking for the test database without one configured is an error.
func (d DatabaseConfig) Target(test *bool) (string, error) {
	useTest := d.UseTestByDefault
	if test != nil {
		useTest = *test
	}
	if !useTest {
		return d.URL, nil
	}
	if d.TestURL == "" {
		return "", fmt.Errorf("%w: test database not specified", ErrInvalidConfiguration)
	}
	return d.TestURL, nil
}

// StreamingEnabled reports whether outbox events should be shipped anywhere.
func (c Config) StreamingEnabled() bool {
	return len(c.Kafka.Brokers) > 0
}

func inferDriver(url string) string {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		return DriverPostgres
	}
	return DriverSQLite
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}

func parseCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
