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

// ConfigPath is the default config file; NOTIFIER_CONFIG overrides it.
var ConfigPath = "config.yaml"

func init() {
	if v := strings.TrimSpace(os.Getenv("NOTIFIER_CONFIG")); v != "" {
		ConfigPath = v
	}
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port          string `yaml:"port"`
	LogLevel      string `yaml:"logLevel"`
	InternalToken string `yaml:"internalToken"`

	RedisAddr        string `yaml:"redisAddr"`
	RedisPassword    string `yaml:"redisPassword"`
	SMSStream        string `yaml:"smsStream"`
	QueueGroup       string `yaml:"queueGroup"`
	QueueConcurrency int    `yaml:"queueConcurrency"`
	QueueMaxRetries  int    `yaml:"queueMaxRetries"`
	QueueRetryDelay  string `yaml:"queueRetryDelay"`

	TwilioAccountSID string `yaml:"twilioAccountSID"`
	TwilioAuthToken  string `yaml:"twilioAuthToken"`
	TwilioFromNumber string `yaml:"twilioFromNumber"`
	// DryRun logs messages instead of sending them.
	DryRun bool `yaml:"dryRun"`
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
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if cfg.InternalToken == "" {
		cfg.InternalToken = os.Getenv("BOOKSHARE_INTERNAL_TOKEN")
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("NOTIFIER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueConcurrency = n
		}
	}
	if cfg.TwilioAccountSID == "" {
		cfg.TwilioAccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.TwilioAuthToken == "" {
		cfg.TwilioAuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.TwilioFromNumber == "" {
		cfg.TwilioFromNumber = os.Getenv("TWILIO_PHONE_NUMBER")
	}
	if v := os.Getenv("SMS_DRY_RUN"); v != "" {
		cfg.DryRun = v == "true"
	}
	if cfg.SMSStream == "" {
		cfg.SMSStream = "bookshare:sms"
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = "notifier"
	}
	if cfg.QueueConcurrency <= 0 {
		cfg.QueueConcurrency = 2
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
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if !cfg.DryRun {
		if cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "" {
			return errors.New("config: twilioAccountSID and twilioAuthToken are required unless dryRun is set (or TWILIO_ACCOUNT_SID/TWILIO_AUTH_TOKEN)")
		}
		if cfg.TwilioFromNumber == "" {
			return errors.New("config: twilioFromNumber is required unless dryRun is set (or TWILIO_PHONE_NUMBER)")
		}
	}
	if _, err := RetryDelay(cfg.QueueRetryDelay); err != nil {
		return fmt.Errorf("config: queueRetryDelay: %w", err)
	}
	return nil
}

// RetryDelay parses queueRetryDelay; empty selects the queue default.
func RetryDelay(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %q", value)
	}
	return d, nil
}
