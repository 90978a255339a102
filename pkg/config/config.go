// Package config loads learning-contracts configuration from a YAML file and
// LC_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the full configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Override  OverrideConfig  `mapstructure:"override"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json or text
}

// StorageConfig selects the contract repository backend.
type StorageConfig struct {
	Backend    string      `mapstructure:"backend"` // memory, file, sqlite, postgres, redis
	Path       string      `mapstructure:"path"`    // file document or sqlite database
	DSN        string      `mapstructure:"dsn"`     // postgres connection string
	SealSecret string      `mapstructure:"seal_secret"`
	Redis      RedisConfig `mapstructure:"redis"`
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// OverrideConfig controls the emergency override.
type OverrideConfig struct {
	// Engaged triggers the override at startup with Reason.
	Engaged             bool          `mapstructure:"engaged"`
	Reason              string        `mapstructure:"reason"`
	RequireConfirmation bool          `mapstructure:"require_confirmation"`
	AutoDisableAfter    time.Duration `mapstructure:"auto_disable_after"`
	BlockedLogRate      float64       `mapstructure:"blocked_log_rate"`
	JWTSecret           string        `mapstructure:"jwt_secret"`
	JWTIssuer           string        `mapstructure:"jwt_issuer"`
}

// AuditConfig controls where audit events go besides the in-memory log.
type AuditConfig struct {
	Sink       string        `mapstructure:"sink"` // none, sqlite, postgres
	Path       string        `mapstructure:"path"`
	DSN        string        `mapstructure:"dsn"`
	BufferSize int           `mapstructure:"buffer_size"`
	MirrorLog  bool          `mapstructure:"mirror_log"` // copy events to the structured log
	Archive    ArchiveConfig `mapstructure:"archive"`
}

// ArchiveConfig selects the evidence pack store.
type ArchiveConfig struct {
	Type       string `mapstructure:"type"` // "", fs, s3, gcs
	Dir        string `mapstructure:"dir"`
	S3Bucket   string `mapstructure:"s3_bucket"`
	S3Region   string `mapstructure:"s3_region"`
	S3Prefix   string `mapstructure:"s3_prefix"`
	S3Endpoint string `mapstructure:"s3_endpoint"`
	GCSBucket  string `mapstructure:"gcs_bucket"`
	GCSPrefix  string `mapstructure:"gcs_prefix"`
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	ServiceName string  `mapstructure:"service_name"`
	Environment string  `mapstructure:"environment"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("storage.backend", "file")
	v.SetDefault("storage.path", "data/contracts.json")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.seal_secret", "")
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.prefix", "lc")

	v.SetDefault("override.engaged", false)
	v.SetDefault("override.reason", "")
	v.SetDefault("override.require_confirmation", false)
	v.SetDefault("override.auto_disable_after", "0s")
	v.SetDefault("override.blocked_log_rate", 1.0)
	v.SetDefault("override.jwt_secret", "")
	v.SetDefault("override.jwt_issuer", "learning-contracts")

	v.SetDefault("audit.sink", "none")
	v.SetDefault("audit.path", "data/audit.db")
	v.SetDefault("audit.dsn", "")
	v.SetDefault("audit.buffer_size", 1024)
	v.SetDefault("audit.mirror_log", false)
	v.SetDefault("audit.archive.type", "")
	v.SetDefault("audit.archive.dir", "data/evidence")
	v.SetDefault("audit.archive.s3_bucket", "")
	v.SetDefault("audit.archive.s3_region", "")
	v.SetDefault("audit.archive.s3_prefix", "")
	v.SetDefault("audit.archive.s3_endpoint", "")
	v.SetDefault("audit.archive.gcs_bucket", "")
	v.SetDefault("audit.archive.gcs_prefix", "")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "localhost:4317")
	v.SetDefault("telemetry.insecure", false)
	v.SetDefault("telemetry.sample_rate", 1.0)
	v.SetDefault("telemetry.service_name", "learning-contracts")
	v.SetDefault("telemetry.environment", "development")
}

// Load reads configuration from path (optional) and the environment.
// Environment variables use the LC_ prefix with "_" for nesting, for
// example LC_STORAGE_BACKEND or LC_AUDIT_ARCHIVE_S3_BUCKET.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Log.Format)
	}

	switch c.Storage.Backend {
	case "memory":
	case "file", "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage path is required for %s backend", c.Storage.Backend)
		}
	case "postgres":
		if c.Storage.DSN == "" {
			return errors.New("storage dsn is required for postgres backend")
		}
	case "redis":
		if c.Storage.Redis.Addr == "" {
			return errors.New("storage redis addr is required for redis backend")
		}
	default:
		return fmt.Errorf("invalid storage backend: %s (must be memory, file, sqlite, postgres, or redis)", c.Storage.Backend)
	}

	if c.Override.Engaged && strings.TrimSpace(c.Override.Reason) == "" {
		return errors.New("override reason is required when override is engaged")
	}
	if c.Override.AutoDisableAfter < 0 {
		return fmt.Errorf("invalid override auto_disable_after: %s", c.Override.AutoDisableAfter)
	}
	if c.Override.BlockedLogRate < 0 {
		return fmt.Errorf("invalid override blocked_log_rate: %v", c.Override.BlockedLogRate)
	}

	switch c.Audit.Sink {
	case "none":
	case "sqlite":
		if c.Audit.Path == "" {
			return errors.New("audit path is required for sqlite sink")
		}
	case "postgres":
		if c.Audit.DSN == "" {
			return errors.New("audit dsn is required for postgres sink")
		}
	default:
		return fmt.Errorf("invalid audit sink: %s (must be none, sqlite, or postgres)", c.Audit.Sink)
	}
	if c.Audit.BufferSize <= 0 {
		return fmt.Errorf("invalid audit buffer_size: %d", c.Audit.BufferSize)
	}

	switch c.Audit.Archive.Type {
	case "", "fs":
	case "s3":
		if c.Audit.Archive.S3Bucket == "" {
			return errors.New("audit archive s3_bucket is required for s3 archive")
		}
	case "gcs":
		if c.Audit.Archive.GCSBucket == "" {
			return errors.New("audit archive gcs_bucket is required for gcs archive")
		}
	default:
		return fmt.Errorf("invalid audit archive type: %s (must be fs, s3, or gcs)", c.Audit.Archive.Type)
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("invalid telemetry sample_rate: %v (must be between 0 and 1)", c.Telemetry.SampleRate)
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level: %s", s)
	}
	return level, nil
}

// NewLogger builds the process logger described by c.
func NewLogger(c LogConfig, w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
