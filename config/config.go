// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション設定を表す。
type Config struct {
	Port               string
	DatabaseDriver     string
	DatabaseURL        string
	KMSKeyName         string
	LocalMasterKey     []byte
	GoogleCloudProject string
	LogLevel           string

	OtelEnabled      bool
	OtelEndpoint     string
	OtelServiceName  string
	OtelSamplingRate float64

	// 鍵発行のデフォルト値
	DefaultKeyBits     int
	MaxKeyBits         int
	DefaultKeyLifetime time.Duration
	DefaultKeyUsage    string

	ListLimitDefault int
	ListLimitMax     int

	RateLimitRPS   float64
	RateLimitBurst int

	ExpirySweepCron   string
	EnvelopeAlgorithm string

	// 起動時に埋め込みマイグレーションを適用する
	AutoMigrate bool
}

// Load は環境変数から設定を読み込む。
func Load() (*Config, error) {
	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		DatabaseDriver:     getEnv("DATABASE_DRIVER", "mysql"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		KMSKeyName:         os.Getenv("KMS_KEY_NAME"),
		GoogleCloudProject: os.Getenv("GOOGLE_CLOUD_PROJECT"),
		LogLevel:           getEnv("LOG_LEVEL", "INFO"),
		OtelEndpoint:       getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OtelServiceName:    getEnv("OTEL_SERVICE_NAME", "qkd-key-manager"),
		DefaultKeyUsage:    getEnv("DEFAULT_KEY_USAGE", "message_aes"),
		ExpirySweepCron:    os.Getenv("EXPIRY_SWEEP_CRON"),
		EnvelopeAlgorithm:  getEnv("ENVELOPE_ALGORITHM", "AES-256-GCM"),
	}

	var err error
	if cfg.OtelEnabled, err = getBool("OTEL_ENABLED", false); err != nil {
		return nil, err
	}
	if cfg.AutoMigrate, err = getBool("AUTO_MIGRATE", false); err != nil {
		return nil, err
	}
	if cfg.OtelSamplingRate, err = getFloat("OTEL_SAMPLING_RATE", 1.0); err != nil {
		return nil, err
	}
	if cfg.DefaultKeyBits, err = getInt("DEFAULT_KEY_BITS", 256); err != nil {
		return nil, err
	}
	if cfg.MaxKeyBits, err = getInt("MAX_KEY_BITS", 65536); err != nil {
		return nil, err
	}
	if cfg.DefaultKeyLifetime, err = getDuration("DEFAULT_KEY_LIFETIME", time.Hour); err != nil {
		return nil, err
	}
	if cfg.ListLimitDefault, err = getInt("LIST_LIMIT_DEFAULT", 50); err != nil {
		return nil, err
	}
	if cfg.ListLimitMax, err = getInt("LIST_LIMIT_MAX", 500); err != nil {
		return nil, err
	}
	if cfg.RateLimitRPS, err = getFloat("RATE_LIMIT_RPS", 20); err != nil {
		return nil, err
	}
	if cfg.RateLimitBurst, err = getInt("RATE_LIMIT_BURST", 40); err != nil {
		return nil, err
	}

	if v := os.Getenv("LOCAL_MASTER_KEY"); v != "" {
		key, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("LOCAL_MASTER_KEY: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("LOCAL_MASTER_KEY must be 32 bytes, got %d", len(key))
		}
		cfg.LocalMasterKey = key
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.DatabaseDriver {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be mysql or sqlite, got %q", c.DatabaseDriver)
	}
	if c.DefaultKeyBits <= 0 || c.DefaultKeyBits > c.MaxKeyBits {
		return fmt.Errorf("DEFAULT_KEY_BITS must be in (0, %d], got %d", c.MaxKeyBits, c.DefaultKeyBits)
	}
	if c.DefaultKeyLifetime <= 0 {
		return fmt.Errorf("DEFAULT_KEY_LIFETIME must be positive, got %s", c.DefaultKeyLifetime)
	}
	if c.ListLimitDefault <= 0 || c.ListLimitDefault > c.ListLimitMax {
		return fmt.Errorf("LIST_LIMIT_DEFAULT must be in (0, %d], got %d", c.ListLimitMax, c.ListLimitDefault)
	}
	switch c.EnvelopeAlgorithm {
	case "AES-256-GCM", "ChaCha20-Poly1305":
	default:
		return fmt.Errorf("ENVELOPE_ALGORITHM must be AES-256-GCM or ChaCha20-Poly1305, got %q", c.EnvelopeAlgorithm)
	}
	if c.OtelSamplingRate < 0 || c.OtelSamplingRate > 1 {
		return fmt.Errorf("OTEL_SAMPLING_RATE must be in [0, 1], got %v", c.OtelSamplingRate)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getFloat(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func getBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
