package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location, overridable by DOCFLOW_CONFIG.
var ConfigPath = envOr("DOCFLOW_CONFIG", "config.yaml")

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                     string   `yaml:"port"`
	LogLevel                 string   `yaml:"logLevel"`
	StorageDir               string   `yaml:"storageDir"`
	OutputDir                string   `yaml:"outputDir"`
	MaxUploadBytes           int64    `yaml:"maxUploadBytes"`
	AllowedExtensions        []string `yaml:"allowedExtensions"`
	RecordBackend            string   `yaml:"recordBackend"`
	RecordDir                string   `yaml:"recordDir"`
	DatabaseURL              string   `yaml:"databaseURL"`
	RedisAddr                string   `yaml:"redisAddr"`
	RedisPassword            string   `yaml:"redisPassword"`
	Dispatch                 string   `yaml:"dispatch"`
	QueueName                string   `yaml:"queueName"`
	QueueGroup               string   `yaml:"queueGroup"`
	QueueConcurrency         int      `yaml:"queueConcurrency"`
	QueueMaxRetries          int      `yaml:"queueMaxRetries"`
	JobRetentionHours        int      `yaml:"jobRetentionHours"`
	SweepIntervalMinutes     int      `yaml:"sweepIntervalMinutes"`
	MinioEndpoint            string   `yaml:"minioEndpoint"`
	MinioAccessKey           string   `yaml:"minioAccessKey"`
	MinioSecretKey           string   `yaml:"minioSecretKey"`
	MinioBucket              string   `yaml:"minioBucket"`
	MinioUseSSL              bool     `yaml:"minioUseSSL"`
	PresignExpiryMinutes     int      `yaml:"presignExpiryMinutes"`
	OfficeCommand            string   `yaml:"officeCommand"`
	AccessTokenPublicKeyPath string   `yaml:"accessTokenPublicKeyPath"`
	AccessTokenKeyID         string   `yaml:"accessTokenKeyId"`
	AccessTokenAudience      string   `yaml:"accessTokenAudience"`
	AccessTokenIssuers       []string `yaml:"accessTokenIssuers"`
	UploadRateLimitPerMinute int      `yaml:"uploadRateLimitPerMinute"`
	TrustedProxies           []string `yaml:"trustedProxies"`
	ThumbnailDPI             int      `yaml:"thumbnailDPI"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("DOCFLOW_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("DOCFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DOCFLOW_STORAGE_DIR"); v != "" {
		cfg.StorageDir = v
	}
	if v := os.Getenv("DOCFLOW_OUTPUT_DIR"); v != "" {
		cfg.OutputDir = v
	}
	if v := os.Getenv("DOCFLOW_RECORD_BACKEND"); v != "" {
		cfg.RecordBackend = v
	}
	if v := os.Getenv("DOCFLOW_RECORD_DIR"); v != "" {
		cfg.RecordDir = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("DOCFLOW_DISPATCH"); v != "" {
		cfg.Dispatch = v
	}
	if v := os.Getenv("DOCFLOW_QUEUE_NAME"); v != "" {
		cfg.QueueName = v
	}
	if v := os.Getenv("DOCFLOW_QUEUE_GROUP"); v != "" {
		cfg.QueueGroup = v
	}
	if v := os.Getenv("DOCFLOW_QUEUE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueConcurrency = n
		}
	}
	if v := os.Getenv("DOCFLOW_JOB_RETENTION_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.JobRetentionHours = n
		}
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.MinioUseSSL = enabled
		}
	}
	if v := os.Getenv("DOCFLOW_OFFICE_COMMAND"); v != "" {
		cfg.OfficeCommand = v
	}
	if v := os.Getenv("DOCFLOW_ACCESS_TOKEN_PUBLIC_KEY_PATH"); v != "" {
		cfg.AccessTokenPublicKeyPath = v
	}
	if v := os.Getenv("DOCFLOW_ACCESS_TOKEN_ISSUERS"); v != "" {
		cfg.AccessTokenIssuers = splitList(v)
	}
	if v := os.Getenv("DOCFLOW_UPLOAD_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.UploadRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("DOCFLOW_TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = splitList(v)
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.RecordBackend == "" {
		cfg.RecordBackend = "memory"
	}
	if cfg.Dispatch == "" {
		cfg.Dispatch = "local"
	}
	if cfg.OutputDir == "" && cfg.StorageDir != "" {
		cfg.OutputDir = strings.TrimRight(cfg.StorageDir, "/") + "/outputs"
	}
	if cfg.RecordDir == "" && cfg.StorageDir != "" {
		cfg.RecordDir = strings.TrimRight(cfg.StorageDir, "/") + "/records"
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = 100 * 1024 * 1024
	}
	if len(cfg.AllowedExtensions) == 0 {
		cfg.AllowedExtensions = []string{".pdf", ".png", ".jpg", ".jpeg", ".tif", ".tiff", ".webp",
			".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx", ".odt", ".epub", ".html", ".htm"}
	}
	if cfg.QueueName == "" {
		cfg.QueueName = "docflow:batch"
	}
	if cfg.QueueConcurrency == 0 {
		cfg.QueueConcurrency = 2
	}
	if cfg.JobRetentionHours == 0 {
		cfg.JobRetentionHours = 24
	}
	if cfg.SweepIntervalMinutes == 0 {
		cfg.SweepIntervalMinutes = 30
	}
	if cfg.PresignExpiryMinutes == 0 {
		cfg.PresignExpiryMinutes = 15
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.StorageDir) == "" {
		return errors.New("config: storageDir is required (set in config.yaml or DOCFLOW_STORAGE_DIR)")
	}
	if cfg.MaxUploadBytes < 0 {
		return errors.New("config: maxUploadBytes must be >= 0")
	}
	switch cfg.RecordBackend {
	case "memory", "file":
	case "postgres":
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required when recordBackend=postgres")
		}
	case "redis":
		if cfg.RedisAddr == "" {
			return errors.New("config: redisAddr is required when recordBackend=redis")
		}
	default:
		return fmt.Errorf("config: unknown recordBackend %q (memory|file|postgres|redis)", cfg.RecordBackend)
	}
	switch cfg.Dispatch {
	case "local":
	case "redis":
		if cfg.RedisAddr == "" {
			return errors.New("config: redisAddr is required when dispatch=redis")
		}
		if cfg.RecordBackend == "memory" {
			return errors.New("config: dispatch=redis needs a shared recordBackend (file|postgres|redis)")
		}
	default:
		return fmt.Errorf("config: unknown dispatch %q (local|redis)", cfg.Dispatch)
	}
	if cfg.QueueConcurrency < 0 {
		return errors.New("config: queueConcurrency must be >= 0")
	}
	if cfg.QueueMaxRetries < 0 {
		return errors.New("config: queueMaxRetries must be >= 0")
	}
	if cfg.JobRetentionHours < 0 {
		return errors.New("config: jobRetentionHours must be >= 0")
	}
	if cfg.SweepIntervalMinutes < 0 {
		return errors.New("config: sweepIntervalMinutes must be >= 0")
	}
	if cfg.MinioEndpoint != "" && (cfg.MinioBucket == "" || cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "") {
		return errors.New("config: minioEndpoint requires minioBucket, minioAccessKey and minioSecretKey")
	}
	if cfg.PresignExpiryMinutes < 0 {
		return errors.New("config: presignExpiryMinutes must be >= 0")
	}
	if strings.TrimSpace(cfg.AccessTokenPublicKeyPath) != "" && len(cfg.AccessTokenIssuers) == 0 {
		return errors.New("config: accessTokenIssuers is required when accessTokenPublicKeyPath is set")
	}
	if cfg.UploadRateLimitPerMinute < 0 {
		return errors.New("config: uploadRateLimitPerMinute must be >= 0")
	}
	if cfg.UploadRateLimitPerMinute > 0 && cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required when uploadRateLimitPerMinute > 0")
	}
	if cfg.ThumbnailDPI < 0 || cfg.ThumbnailDPI > 600 {
		return errors.New("config: thumbnailDPI must be between 0 and 600")
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
