package config

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"
)

// clearEnv はテストに影響する環境変数を空にする。
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "DATABASE_DRIVER", "DATABASE_URL", "KMS_KEY_NAME", "LOCAL_MASTER_KEY",
		"LOG_LEVEL", "OTEL_ENABLED", "OTEL_SAMPLING_RATE", "DEFAULT_KEY_BITS", "MAX_KEY_BITS",
		"DEFAULT_KEY_LIFETIME", "DEFAULT_KEY_USAGE", "LIST_LIMIT_DEFAULT", "LIST_LIMIT_MAX",
		"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "EXPIRY_SWEEP_CRON", "ENVELOPE_ALGORITHM", "AUTO_MIGRATE",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Port)
	}
	if cfg.DatabaseDriver != "mysql" {
		t.Errorf("expected driver mysql, got %s", cfg.DatabaseDriver)
	}
	if cfg.DefaultKeyBits != 256 || cfg.MaxKeyBits != 65536 {
		t.Errorf("unexpected key bits: %d/%d", cfg.DefaultKeyBits, cfg.MaxKeyBits)
	}
	if cfg.DefaultKeyLifetime != time.Hour {
		t.Errorf("expected lifetime 1h, got %s", cfg.DefaultKeyLifetime)
	}
	if cfg.DefaultKeyUsage != "message_aes" {
		t.Errorf("expected usage message_aes, got %s", cfg.DefaultKeyUsage)
	}
	if cfg.ListLimitDefault != 50 || cfg.ListLimitMax != 500 {
		t.Errorf("unexpected list limits: %d/%d", cfg.ListLimitDefault, cfg.ListLimitMax)
	}
	if cfg.EnvelopeAlgorithm != "AES-256-GCM" {
		t.Errorf("expected AES-256-GCM, got %s", cfg.EnvelopeAlgorithm)
	}
	if cfg.AutoMigrate || cfg.OtelEnabled {
		t.Error("expected AutoMigrate and OtelEnabled to default to false")
	}
	if cfg.LocalMasterKey != nil {
		t.Error("expected no local master key")
	}
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	master := make([]byte, 32)
	for i := range master {
		master[i] = byte(i)
	}
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_URL", ":memory:")
	t.Setenv("DEFAULT_KEY_BITS", "512")
	t.Setenv("DEFAULT_KEY_LIFETIME", "15m")
	t.Setenv("ENVELOPE_ALGORITHM", "ChaCha20-Poly1305")
	t.Setenv("AUTO_MIGRATE", "true")
	t.Setenv("LOCAL_MASTER_KEY", base64.StdEncoding.EncodeToString(master))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DatabaseDriver != "sqlite" || cfg.DatabaseURL != ":memory:" {
		t.Errorf("unexpected database config: %s %s", cfg.DatabaseDriver, cfg.DatabaseURL)
	}
	if cfg.DefaultKeyBits != 512 {
		t.Errorf("expected 512 bits, got %d", cfg.DefaultKeyBits)
	}
	if cfg.DefaultKeyLifetime != 15*time.Minute {
		t.Errorf("expected 15m, got %s", cfg.DefaultKeyLifetime)
	}
	if cfg.EnvelopeAlgorithm != "ChaCha20-Poly1305" {
		t.Errorf("unexpected algorithm %s", cfg.EnvelopeAlgorithm)
	}
	if !cfg.AutoMigrate {
		t.Error("expected AutoMigrate")
	}
	if len(cfg.LocalMasterKey) != 32 || cfg.LocalMasterKey[31] != 31 {
		t.Errorf("unexpected master key %x", cfg.LocalMasterKey)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr string
	}{
		{"unknown driver", "DATABASE_DRIVER", "postgres", "DATABASE_DRIVER"},
		{"non-numeric bits", "DEFAULT_KEY_BITS", "many", "DEFAULT_KEY_BITS"},
		{"bits above max", "DEFAULT_KEY_BITS", "70000", "DEFAULT_KEY_BITS"},
		{"zero bits", "DEFAULT_KEY_BITS", "0", "DEFAULT_KEY_BITS"},
		{"bad lifetime", "DEFAULT_KEY_LIFETIME", "soon", "DEFAULT_KEY_LIFETIME"},
		{"negative lifetime", "DEFAULT_KEY_LIFETIME", "-1m", "DEFAULT_KEY_LIFETIME"},
		{"list default above max", "LIST_LIMIT_DEFAULT", "501", "LIST_LIMIT_DEFAULT"},
		{"unknown algorithm", "ENVELOPE_ALGORITHM", "DES", "ENVELOPE_ALGORITHM"},
		{"sampling rate", "OTEL_SAMPLING_RATE", "1.5", "OTEL_SAMPLING_RATE"},
		{"bad bool", "AUTO_MIGRATE", "maybe", "AUTO_MIGRATE"},
		{"master key not base64", "LOCAL_MASTER_KEY", "***", "LOCAL_MASTER_KEY"},
		{"short master key", "LOCAL_MASTER_KEY", base64.StdEncoding.EncodeToString(make([]byte, 16)), "32 bytes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error to mention %q, got %v", tt.wantErr, err)
			}
		})
	}
}
