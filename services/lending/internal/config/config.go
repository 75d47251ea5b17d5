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

// ConfigPath is the default config file; LENDING_CONFIG overrides it.
var ConfigPath = "config.yaml"

func init() {
	if v := strings.TrimSpace(os.Getenv("LENDING_CONFIG")); v != "" {
		ConfigPath = v
	}
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port           string `yaml:"port"`
	DatabaseURL    string `yaml:"databaseURL"`
	LogLevel       string `yaml:"logLevel"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
	// PublicImageBaseURL replaces the MinIO endpoint in image URLs.
	PublicImageBaseURL string `yaml:"publicImageBaseURL"`
	UploadDir          string `yaml:"uploadDir"`
	MaxUploadBytes     int64  `yaml:"maxUploadBytes"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	// RequestRateLimit caps book requests per user per RequestRateWindow; 0 disables.
	RequestRateLimit  int    `yaml:"requestRateLimit"`
	RequestRateWindow string `yaml:"requestRateWindow"`
	SMSEnabled        bool   `yaml:"smsEnabled"`
	SMSStream         string `yaml:"smsStream"`
	AMQPURL           string `yaml:"amqpURL"`
	AMQPExchange      string `yaml:"amqpExchange"`

	IdentityHeader    string   `yaml:"identityHeader"`
	WebhookSecret     string   `yaml:"webhookSecret"`
	JWKSURL           string   `yaml:"jwksURL"`
	JWTIssuer         string   `yaml:"jwtIssuer"`
	AuthorizedParties []string `yaml:"authorizedParties"`
	JWTLeeway         string   `yaml:"jwtLeeway"`
	CORSOrigins       []string `yaml:"corsOrigins"`
	TrustedProxies    []string `yaml:"trustedProxies"`
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
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
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
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.MinioUseSSL = true
	}
	if v := os.Getenv("PUBLIC_IMAGE_BASE_URL"); v != "" {
		cfg.PublicImageBaseURL = v
	}
	if v := os.Getenv("LENDING_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("LENDING_REQUEST_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RequestRateLimit = n
		}
	}
	if v := os.Getenv("SMS_ENABLED"); v != "" {
		cfg.SMSEnabled = v == "true"
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		cfg.WebhookSecret = v
	}
	if v := os.Getenv("IDENTITY_JWKS_URL"); v != "" {
		cfg.JWKSURL = v
	}
	if v := os.Getenv("IDENTITY_ISSUER"); v != "" {
		cfg.JWTIssuer = v
	}
	if v := os.Getenv("IDENTITY_AUTHORIZED_PARTIES"); v != "" {
		cfg.AuthorizedParties = splitCSV(v)
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitCSV(v)
	}
	if v := os.Getenv("TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = splitCSV(v)
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.UploadDir == "" {
		cfg.UploadDir = "uploads"
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 5 * 1024 * 1024
	}
	if cfg.IdentityHeader == "" {
		cfg.IdentityHeader = "X-Clerk-User-Id"
	}
	if cfg.SMSStream == "" {
		cfg.SMSStream = "bookshare:sms"
	}
	if cfg.RequestRateWindow == "" {
		cfg.RequestRateWindow = "1h"
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.MinioEndpoint == "" {
		return errors.New("config: minioEndpoint is required (set in config.yaml)")
	}
	if cfg.MinioAccessKey == "" {
		return errors.New("config: minioAccessKey is required (set in config.yaml)")
	}
	if cfg.MinioSecretKey == "" {
		return errors.New("config: minioSecretKey is required (set in config.yaml)")
	}
	if cfg.MinioBucket == "" {
		return errors.New("config: minioBucket is required (set in config.yaml)")
	}
	if cfg.SMSEnabled && cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required when smsEnabled is set")
	}
	if cfg.RequestRateLimit > 0 && cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required when requestRateLimit is set")
	}
	if _, err := ParseDuration(cfg.RequestRateWindow); err != nil {
		return fmt.Errorf("config: requestRateWindow: %w", err)
	}
	if _, err := ParseDuration(cfg.JWTLeeway); err != nil {
		return fmt.Errorf("config: jwtLeeway: %w", err)
	}
	return nil
}

// ParseDuration parses a Go duration; empty means zero.
func ParseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", value)
	}
	return d, nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
