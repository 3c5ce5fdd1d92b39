package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/agrolink/market-engine/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" || cfg.ImageBackend != config.ImageBackendDisk || cfg.MaxImages != 10 {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.CacheTTL != 30*time.Second || cfg.LogLevel != slog.LevelInfo {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
server:
  port: "9090"
  log_level: debug
  request_timeout: 10s
dependencies:
  postgres_url: postgres://file
  kafka_brokers: [k1:9092, k2:9092]
auth:
  jwt_secret: from-file
images:
  backend: GCS
  gcs_bucket: agrolink-images
  max_count: 4
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DATABASE_URL", "postgres://env")
	t.Setenv("MAX_IMAGES", "6")
	t.Setenv("KAFKA_BROKERS", "a:1, b:2,")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "9090" || cfg.LogLevel != slog.LevelDebug || cfg.RequestTimeout != 10*time.Second {
		t.Errorf("server section = %+v", cfg)
	}
	if cfg.DatabaseURL != "postgres://env" {
		t.Errorf("DATABASE_URL = %q, env must win over file", cfg.DatabaseURL)
	}
	if cfg.JWTSecret != "from-file" || cfg.ImageBackend != config.ImageBackendGCS || cfg.GCSBucket != "agrolink-images" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.MaxImages != 6 {
		t.Errorf("MaxImages = %d, want 6", cfg.MaxImages)
	}
	if !slices.Equal(cfg.KafkaBrokers, []string{"a:1", "b:2"}) {
		t.Errorf("KafkaBrokers = %v", cfg.KafkaBrokers)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing secret", nil},
		{"gcs without bucket", map[string]string{"JWT_SECRET": "s", "IMAGE_BACKEND": "gcs"}},
		{"unknown backend", map[string]string{"JWT_SECRET": "s", "IMAGE_BACKEND": "ftp"}},
		{"bad log level", map[string]string{"JWT_SECRET": "s", "LOG_LEVEL": "loud"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("JWT_SECRET", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := config.Load(""); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestLoad_BadFile(t *testing.T) {
	t.Setenv("JWT_SECRET", "s")
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  request_timeout: soon\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected an error for an unparseable duration")
	}
}
