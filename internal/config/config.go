// Package config resolves the runtime configuration of the market engine.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Image backends.
const (
	ImageBackendDisk = "disk"
	ImageBackendGCS  = "gcs"
)

// Config is the resolved runtime configuration.
type Config struct {
	Port     string
	LogLevel slog.Level

	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration

	JWTSecret string
	JWTIssuer string

	KafkaBrokers     []string
	KafkaTopicPrefix string

	ImageBackend       string
	ImageDir           string
	GCSBucket          string
	GCSCredentialsFile string
	MaxImageBytes      int64
	MaxImages          int

	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// configFile mirrors the YAML schema.
type configFile struct {
	Server struct {
		Port            string `yaml:"port"`
		LogLevel        string `yaml:"log_level"`
		RequestTimeout  string `yaml:"request_timeout"`
		ShutdownTimeout string `yaml:"shutdown_timeout"`
	} `yaml:"server"`
	Dependencies struct {
		PostgresURL string   `yaml:"postgres_url"`
		RedisURL    string   `yaml:"redis_url"`
		CacheTTL    string   `yaml:"cache_ttl"`
		Kafka       []string `yaml:"kafka_brokers"`
		TopicPrefix string   `yaml:"kafka_topic_prefix"`
	} `yaml:"dependencies"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		JWTIssuer string `yaml:"jwt_issuer"`
	} `yaml:"auth"`
	Images struct {
		Backend         string `yaml:"backend"`
		Dir             string `yaml:"dir"`
		GCSBucket       string `yaml:"gcs_bucket"`
		CredentialsFile string `yaml:"gcs_credentials_file"`
		MaxBytes        int64  `yaml:"max_bytes"`
		MaxCount        int    `yaml:"max_count"`
	} `yaml:"images"`
}

// Load resolves configuration in priority order: defaults -> file -> env.
// A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Config{
		Port:             "8080",
		LogLevel:         slog.LevelInfo,
		CacheTTL:         30 * time.Second,
		KafkaTopicPrefix: "agrolink.",
		ImageBackend:     ImageBackendDisk,
		ImageDir:         "uploads",
		MaxImageBytes:    5 << 20,
		MaxImages:        10,
		RequestTimeout:   30 * time.Second,
		ShutdownTimeout:  5 * time.Second,
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := applyFile(&cfg, raw); err != nil {
				return Config{}, err
			}
		case !errors.Is(err, fs.ErrNotExist):
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg.Port = envOrDefault("PORT", cfg.Port)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.CacheTTL = envDuration("CACHE_TTL", cfg.CacheTTL)
	cfg.JWTSecret = envOrDefault("JWT_SECRET", cfg.JWTSecret)
	cfg.JWTIssuer = envOrDefault("JWT_ISSUER", cfg.JWTIssuer)
	cfg.KafkaBrokers = envCSV("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.KafkaTopicPrefix = envOrDefault("KAFKA_TOPIC_PREFIX", cfg.KafkaTopicPrefix)
	cfg.ImageBackend = strings.ToLower(envOrDefault("IMAGE_BACKEND", cfg.ImageBackend))
	cfg.ImageDir = envOrDefault("IMAGE_DIR", cfg.ImageDir)
	cfg.GCSBucket = envOrDefault("GCS_BUCKET", cfg.GCSBucket)
	cfg.GCSCredentialsFile = envOrDefault("GOOGLE_APPLICATION_CREDENTIALS", cfg.GCSCredentialsFile)
	cfg.MaxImageBytes = int64(envInt("MAX_IMAGE_BYTES", int(cfg.MaxImageBytes)))
	cfg.MaxImages = envInt("MAX_IMAGES", cfg.MaxImages)
	cfg.RequestTimeout = envDuration("REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.ShutdownTimeout = envDuration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(raw)); err != nil {
			return Config{}, fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("missing JWT_SECRET")
	}
	switch cfg.ImageBackend {
	case ImageBackendDisk:
	case ImageBackendGCS:
		if cfg.GCSBucket == "" {
			return Config{}, fmt.Errorf("IMAGE_BACKEND=gcs requires GCS_BUCKET")
		}
	default:
		return Config{}, fmt.Errorf("unknown IMAGE_BACKEND %q", cfg.ImageBackend)
	}
	return cfg, nil
}

func applyFile(cfg *Config, raw []byte) error {
	var f configFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	if f.Server.Port != "" {
		cfg.Port = f.Server.Port
	}
	if f.Server.LogLevel != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(f.Server.LogLevel)); err != nil {
			return fmt.Errorf("parse config file: log_level: %w", err)
		}
	}
	for _, d := range []struct {
		raw string
		dst *time.Duration
	}{
		{f.Server.RequestTimeout, &cfg.RequestTimeout},
		{f.Server.ShutdownTimeout, &cfg.ShutdownTimeout},
		{f.Dependencies.CacheTTL, &cfg.CacheTTL},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parse config file: %w", err)
		}
		*d.dst = v
	}
	if f.Dependencies.PostgresURL != "" {
		cfg.DatabaseURL = f.Dependencies.PostgresURL
	}
	if f.Dependencies.RedisURL != "" {
		cfg.RedisURL = f.Dependencies.RedisURL
	}
	if len(f.Dependencies.Kafka) > 0 {
		cfg.KafkaBrokers = f.Dependencies.Kafka
	}
	if f.Dependencies.TopicPrefix != "" {
		cfg.KafkaTopicPrefix = f.Dependencies.TopicPrefix
	}
	if f.Auth.JWTSecret != "" {
		cfg.JWTSecret = f.Auth.JWTSecret
	}
	if f.Auth.JWTIssuer != "" {
		cfg.JWTIssuer = f.Auth.JWTIssuer
	}
	if f.Images.Backend != "" {
		cfg.ImageBackend = strings.ToLower(f.Images.Backend)
	}
	if f.Images.Dir != "" {
		cfg.ImageDir = f.Images.Dir
	}
	if f.Images.GCSBucket != "" {
		cfg.GCSBucket = f.Images.GCSBucket
	}
	if f.Images.CredentialsFile != "" {
		cfg.GCSCredentialsFile = f.Images.CredentialsFile
	}
	if f.Images.MaxBytes > 0 {
		cfg.MaxImageBytes = f.Images.MaxBytes
	}
	if f.Images.MaxCount > 0 {
		cfg.MaxImages = f.Images.MaxCount
	}
	return nil
}

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

// envInt falls back on empty or invalid values.
func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envDuration(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envCSV(name string, fallback []string) []string {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	parts := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
