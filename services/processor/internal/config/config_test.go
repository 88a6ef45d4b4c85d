package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
port: "8090"
storageDir: "/var/lib/docflow"
`))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.RecordBackend != "memory" || cfg.Dispatch != "local" {
		t.Fatalf("backend/dispatch = %q/%q, want memory/local", cfg.RecordBackend, cfg.Dispatch)
	}
	if cfg.OutputDir != "/var/lib/docflow/outputs" {
		t.Fatalf("outputDir = %q", cfg.OutputDir)
	}
	if cfg.JobRetentionHours != 24 {
		t.Fatalf("jobRetentionHours = %d, want 24", cfg.JobRetentionHours)
	}
	if len(cfg.AllowedExtensions) == 0 {
		t.Fatalf("expected default allowed extensions")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DOCFLOW_RECORD_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("DOCFLOW_DISPATCH", "redis")
	t.Setenv("DOCFLOW_QUEUE_CONCURRENCY", "6")
	t.Setenv("MINIO_ENDPOINT", "localhost:9000")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("DOCFLOW_ACCESS_TOKEN_ISSUERS", "admin, ops ,")

	cfg, err := Load(writeConfig(t, `
port: "8090"
storageDir: "/data"
minioAccessKey: "minio"
minioSecretKey: "minio123"
minioBucket: "docflow"
accessTokenPublicKeyPath: "secrets/access/public.pem"
`))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.RecordBackend != "redis" || cfg.Dispatch != "redis" {
		t.Fatalf("backend/dispatch = %q/%q", cfg.RecordBackend, cfg.Dispatch)
	}
	if cfg.QueueConcurrency != 6 {
		t.Fatalf("queueConcurrency = %d, want 6", cfg.QueueConcurrency)
	}
	if cfg.MinioEndpoint != "localhost:9000" || !cfg.MinioUseSSL {
		t.Fatalf("minio = %q ssl=%v", cfg.MinioEndpoint, cfg.MinioUseSSL)
	}
	if len(cfg.AccessTokenIssuers) != 2 || cfg.AccessTokenIssuers[1] != "ops" {
		t.Fatalf("issuers = %v", cfg.AccessTokenIssuers)
	}
}

func TestValidateConfig(t *testing.T) {
	base := FileConfig{Port: "8090", StorageDir: "/data", RecordBackend: "memory", Dispatch: "local"}
	cases := []struct {
		name   string
		mutate func(*FileConfig)
	}{
		{"missing port", func(c *FileConfig) { c.Port = "" }},
		{"missing storage", func(c *FileConfig) { c.StorageDir = " " }},
		{"unknown backend", func(c *FileConfig) { c.RecordBackend = "mongo" }},
		{"postgres without url", func(c *FileConfig) { c.RecordBackend = "postgres" }},
		{"redis dispatch without addr", func(c *FileConfig) { c.Dispatch = "redis" }},
		{"redis dispatch with memory records", func(c *FileConfig) { c.Dispatch = "redis"; c.RedisAddr = "localhost:6379" }},
		{"partial minio", func(c *FileConfig) { c.MinioEndpoint = "localhost:9000" }},
		{"token without issuers", func(c *FileConfig) { c.AccessTokenPublicKeyPath = "k.pem" }},
		{"rate limit without redis", func(c *FileConfig) { c.UploadRateLimitPerMinute = 10 }},
		{"thumbnail dpi", func(c *FileConfig) { c.ThumbnailDPI = 1200 }},
	}
	if err := validateConfig(base); err != nil {
		t.Fatalf("base config rejected: %v", err)
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			if err := validateConfig(cfg); err == nil {
				t.Fatalf("validateConfig() expected error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected read error")
	}
}
