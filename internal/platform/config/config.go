// Package config builds runtime configuration from the environment so main
// stays lean. A local .env file is honored when present.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	platformstrings "optin/pkg/platform/strings"
)

// Config captures everything the process needs from its environment. The
// expiry window and scrub cadence are logically independent knobs even though
// the default deployment aligns both at seven days.
type Config struct {
	Addr     string
	LogLevel string

	// StoreBackend selects the record store: memory, postgres or redis.
	StoreBackend string
	DatabaseURL  string
	RedisURL     string

	// TokenSecret keys the HMAC commitments; required.
	TokenSecret string

	// Sites is the registered site allow-list; empty accepts any site.
	Sites []string

	ExpiryWindow  time.Duration
	ScrubInterval time.Duration
	ScrubPageSize int

	// SMTP relay for the confirmation dispatcher; when Addr is empty the
	// log notifier is used instead.
	SMTPAddr       string
	SMTPHost       string
	SMTPUsername   string
	SMTPPassword   string
	SMTPFrom       string
	ConfirmBaseURL string
}

// FromEnv loads configuration, reading .env first when it exists.
func FromEnv() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Addr:           envOrDefault("ADDR", ":8080"),
		LogLevel:       envOrDefault("LOG_LEVEL", "info"),
		StoreBackend:   envOrDefault("STORE_BACKEND", "memory"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       os.Getenv("REDIS_URL"),
		TokenSecret:    os.Getenv("TOKEN_SECRET"),
		SMTPAddr:       os.Getenv("SMTP_ADDR"),
		SMTPHost:       os.Getenv("SMTP_HOST"),
		SMTPUsername:   os.Getenv("SMTP_USERNAME"),
		SMTPPassword:   os.Getenv("SMTP_PASSWORD"),
		SMTPFrom:       os.Getenv("SMTP_FROM"),
		ConfirmBaseURL: envOrDefault("CONFIRM_BASE_URL", "http://localhost:8080/confirm"),
		ScrubPageSize:  100,
	}

	// Site IDs are hostnames; compare case-insensitively.
	if raw := os.Getenv("SITES"); raw != "" {
		cfg.Sites = platformstrings.DedupeAndTrimLower(strings.Split(raw, ","))
	}

	var err error
	if cfg.ExpiryWindow, err = durationOrDefault("EXPIRY_WINDOW", 7*24*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.ScrubInterval, err = durationOrDefault("SCRUB_INTERVAL", 7*24*time.Hour); err != nil {
		return Config{}, err
	}

	if cfg.TokenSecret == "" {
		return Config{}, fmt.Errorf("TOKEN_SECRET must be set")
	}
	switch cfg.StoreBackend {
	case "memory":
	case "postgres":
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL must be set for the postgres backend")
		}
	case "redis":
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("REDIS_URL must be set for the redis backend")
		}
	default:
		return Config{}, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}
	return cfg, nil
}

func envOrDefault(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func durationOrDefault(name string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return d, nil
}
