package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const baseYAML = `port: "8081"
databaseURL: postgres://localhost/bookshare
minioEndpoint: localhost:9000
minioAccessKey: minio
minioSecretKey: minio123
minioBucket: books
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.IdentityHeader != "X-Clerk-User-Id" {
		t.Fatalf("identity header = %q", cfg.IdentityHeader)
	}
	if cfg.UploadDir != "uploads" || cfg.MaxUploadBytes != 5*1024*1024 {
		t.Fatalf("upload defaults = %q %d", cfg.UploadDir, cfg.MaxUploadBytes)
	}
	if cfg.SMSStream != "bookshare:sms" {
		t.Fatalf("sms stream = %q", cfg.SMSStream)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://override/db")
	t.Setenv("CORS_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("LENDING_REQUEST_RATE_LIMIT", "7")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	cfg, err := Load(writeConfig(t, baseYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabaseURL != "postgres://override/db" {
		t.Fatalf("database url = %q", cfg.DatabaseURL)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Fatalf("cors origins = %#v", cfg.CORSOrigins)
	}
	if cfg.RequestRateLimit != 7 {
		t.Fatalf("rate limit = %d", cfg.RequestRateLimit)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"missing port", strings.Replace(baseYAML, `port: "8081"`, "", 1), "port is required"},
		{"missing bucket", strings.Replace(baseYAML, "minioBucket: books", "", 1), "minioBucket is required"},
		{"sms without redis", baseYAML + "smsEnabled: true\n", "redisAddr is required"},
		{"bad leeway", baseYAML + "jwtLeeway: soon\n", "jwtLeeway"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want containing %q", err, tc.want)
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	if d, err := ParseDuration(""); err != nil || d != 0 {
		t.Fatalf("empty = %v, %v", d, err)
	}
	if d, err := ParseDuration("90s"); err != nil || d != 90*time.Second {
		t.Fatalf("90s = %v, %v", d, err)
	}
	if _, err := ParseDuration("-1s"); err == nil {
		t.Fatal("expected error for negative duration")
	}
}
