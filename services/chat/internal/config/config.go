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

// ConfigPath is the default config file; CHAT_CONFIG overrides it.
var ConfigPath = "config.yaml"

func init() {
	if v := strings.TrimSpace(os.Getenv("CHAT_CONFIG")); v != "" {
		ConfigPath = v
	}
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port         string `yaml:"port"`
	DatabaseURL  string `yaml:"databaseURL"`
	LogLevel     string `yaml:"logLevel"`
	HistoryLimit int    `yaml:"historyLimit"`
	// ClientBuffer is the per-connection frame queue; full queues drop frames.
	ClientBuffer int `yaml:"clientBuffer"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	// MessageRateLimit caps messages per user per MessageRateWindow; 0 disables.
	MessageRateLimit  int    `yaml:"messageRateLimit"`
	MessageRateWindow string `yaml:"messageRateWindow"`

	IdentityHeader    string   `yaml:"identityHeader"`
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
	// Override with environment variables
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("CHAT_MESSAGE_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MessageRateLimit = n
		}
	}
	if v := os.Getenv("IDENTITY_JWKS_URL"); v != "" {
		cfg.JWKSURL = v
	}
	if v := os.Getenv("IDENTITY_ISSUER"); v != "" {
		cfg.JWTIssuer = v
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitCSV(v)
	}
	if cfg.IdentityHeader == "" {
		cfg.IdentityHeader = "X-Clerk-User-Id"
	}
	if cfg.MessageRateWindow == "" {
		cfg.MessageRateWindow = "1m"
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.HistoryLimit < 0 {
		return errors.New("config: historyLimit must not be negative")
	}
	if cfg.MessageRateLimit > 0 && cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required when messageRateLimit is set")
	}
	if _, err := ParseDuration(cfg.MessageRateWindow); err != nil {
		return fmt.Errorf("config: messageRateWindow: %w", err)
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
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
