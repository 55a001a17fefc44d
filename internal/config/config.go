// Package config provides configuration loading and management for the
// service virtualization daemon. It handles environment variable parsing and
// provides default values for all settings. Database and S3 credentials are
// only ever sourced from the environment, never from literals.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// In development, it loads .env and .env.local files if they exist.
// In production, it relies solely on system environment variables.
// godotenv.Load() does not override already-set variables, preserving
// OS env > .env precedence.
func init() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// .env.local holds local overrides and is gitignored
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the virtualization service.
type Config struct {
	Env         string // Deployment environment (dev, staging, prod)
	Port        string // Admin HTTP server port
	DatabaseDSN string // PostgreSQL connection string; empty selects the in-memory store
	NATSURL     string // NATS server URL for lifecycle events (optional)

	// Refresh engine settings
	RefreshInterval    time.Duration // Cadence of the scheduled refresh cycle
	CaptureTimeout     time.Duration // Per-record bound on outbound captures in the refresh path
	RefreshConcurrency int           // Max in-flight captures per cycle (1 = sequential)

	// Optional S3-compatible snapshot archive for refreshed responses
	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
}

// Default configuration values used when environment variables are not set
const (
	defaultPort            = "8080"
	defaultEnv             = "dev"
	defaultS3Region        = "us-east-1"
	defaultRefreshInterval = 2 * time.Minute // Short cadence, matching the reference behavior
	defaultCaptureTimeout  = 30 * time.Second
)

// Load reads environment variables and produces a Config suitable for wiring
// the service. It provides defaults where appropriate and returns an error
// when a set variable cannot be parsed.
func Load() (Config, error) {
	cfg := Config{}

	if env, exists := os.LookupEnv("SV_ENV"); exists {
		cfg.Env = env
	} else {
		cfg.Env = defaultEnv
	}

	if port, exists := os.LookupEnv("SV_PORT"); exists {
		cfg.Port = port
	} else {
		cfg.Port = defaultPort
	}

	if dsn, exists := os.LookupEnv("SV_DB_DSN"); exists {
		cfg.DatabaseDSN = dsn
	}

	if natsURL, exists := os.LookupEnv("SV_NATS_URL"); exists {
		cfg.NATSURL = natsURL
	}

	// Refresh cadence: a Go duration string such as "2m" or "1h"
	if interval, exists := os.LookupEnv("SV_REFRESH_INTERVAL"); exists {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return cfg, fmt.Errorf("invalid SV_REFRESH_INTERVAL %q: %w", interval, err)
		}
		if d <= 0 {
			return cfg, fmt.Errorf("SV_REFRESH_INTERVAL must be positive, got %q", interval)
		}
		cfg.RefreshInterval = d
	} else {
		cfg.RefreshInterval = defaultRefreshInterval
	}

	if timeout, exists := os.LookupEnv("SV_CAPTURE_TIMEOUT"); exists {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return cfg, fmt.Errorf("invalid SV_CAPTURE_TIMEOUT %q: %w", timeout, err)
		}
		if d <= 0 {
			return cfg, fmt.Errorf("SV_CAPTURE_TIMEOUT must be positive, got %q", timeout)
		}
		cfg.CaptureTimeout = d
	} else {
		cfg.CaptureTimeout = defaultCaptureTimeout
	}

	// Concurrency of 1 preserves the reference's strictly sequential cycle
	if conc, exists := os.LookupEnv("SV_REFRESH_CONCURRENCY"); exists {
		n, err := strconv.Atoi(strings.TrimSpace(conc))
		if err != nil || n < 1 {
			return cfg, fmt.Errorf("invalid SV_REFRESH_CONCURRENCY %q", conc)
		}
		cfg.RefreshConcurrency = n
	} else {
		cfg.RefreshConcurrency = 1
	}

	if s3Endpoint, exists := os.LookupEnv("SV_S3_ENDPOINT"); exists {
		cfg.S3Endpoint = s3Endpoint
	}

	if s3Region, exists := os.LookupEnv("SV_S3_REGION"); exists {
		cfg.S3Region = s3Region
	} else {
		cfg.S3Region = defaultS3Region
	}

	if s3Bucket, exists := os.LookupEnv("SV_S3_BUCKET"); exists {
		cfg.S3Bucket = s3Bucket
	}

	if s3AccessKey, exists := os.LookupEnv("SV_S3_ACCESS_KEY"); exists {
		cfg.S3AccessKey = s3AccessKey
	}

	if s3SecretKey, exists := os.LookupEnv("SV_S3_SECRET_KEY"); exists {
		cfg.S3SecretKey = s3SecretKey
	}

	return cfg, nil
}
