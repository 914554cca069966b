package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr string
	BaseURL    string

	DB struct {
		DSN string
	}

	Redis struct {
		Addr     string
		Password string
		DB       int
	}

	// Timezone is the application timezone all event times are normalized
	// to, and the anchor for all-day event boundaries.
	Timezone *time.Location

	Graph struct {
		TenantID     string
		ClientID     string
		ClientSecret string
	}

	Google struct {
		ClientID     string
		ClientSecret string
		RedirectURL  string
		SuccessURL   string
		ErrorURL     string
	}

	// EncryptionKey protects provider refresh tokens at rest.
	EncryptionKey string

	Cache struct {
		StalenessWindow time.Duration
		LockTTL         time.Duration
		AggregateTTL    time.Duration
		UserTTL         time.Duration
		GoogleEventsTTL time.Duration
	}

	Upstream struct {
		Timeout   time.Duration
		ChunkSize int
	}

	Scheduler struct {
		Enabled    bool
		Interval   time.Duration
		WindowDays int
	}

	PrometheusEnabled bool
}

func Load() (*Config, error) {
	cfg := &Config{}

	cfg.ListenAddr = getenvDefault("APP_LISTEN_ADDR", ":8080")
	cfg.BaseURL = getenvDefault("APP_BASE_URL", "http://localhost:8080")
	cfg.DB.DSN = os.Getenv("APP_DB_DSN")

	if cfg.DB.DSN == "" {
		host := os.Getenv("APP_DB_HOST")
		name := os.Getenv("APP_DB_NAME")
		user := os.Getenv("APP_DB_USER")
		password := os.Getenv("APP_DB_PASSWORD")
		port := getenvDefault("APP_DB_PORT", "5432")
		sslmode := getenvDefault("APP_DB_SSLMODE", "disable")

		if host != "" && name != "" && user != "" && password != "" {
			cfg.DB.DSN = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, name, sslmode)
		}
	}

	cfg.Redis.Addr = getenvDefault("APP_REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = os.Getenv("APP_REDIS_PASSWORD")
	cfg.Redis.DB = getenvInt("APP_REDIS_DB", 0)

	tzName := getenvDefault("APP_TIMEZONE", "UTC")
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, fmt.Errorf("APP_TIMEZONE %q is not a valid IANA timezone: %w", tzName, err)
	}
	cfg.Timezone = loc

	cfg.Graph.TenantID = os.Getenv("APP_GRAPH_TENANT_ID")
	cfg.Graph.ClientID = os.Getenv("APP_GRAPH_CLIENT_ID")
	cfg.Graph.ClientSecret = os.Getenv("APP_GRAPH_CLIENT_SECRET")

	cfg.Google.ClientID = os.Getenv("APP_GOOGLE_CLIENT_ID")
	cfg.Google.ClientSecret = os.Getenv("APP_GOOGLE_CLIENT_SECRET")
	cfg.Google.RedirectURL = getenvDefault("APP_GOOGLE_REDIRECT_URL",
		strings.TrimRight(cfg.BaseURL, "/")+"/integrations/google/callback")
	cfg.Google.SuccessURL = getenvDefault("APP_GOOGLE_SUCCESS_URL", "/settings/integrations?google=connected")
	cfg.Google.ErrorURL = getenvDefault("APP_GOOGLE_ERROR_URL", "/settings/integrations?google=error")

	cfg.EncryptionKey = os.Getenv("APP_ENCRYPTION_KEY")

	cfg.Cache.StalenessWindow = getenvDuration("APP_CACHE_STALENESS_WINDOW", 5*time.Minute)
	cfg.Cache.LockTTL = getenvDuration("APP_CACHE_LOCK_TTL", 5*time.Minute)
	cfg.Cache.AggregateTTL = getenvDuration("APP_CACHE_AGGREGATE_TTL", time.Hour)
	cfg.Cache.UserTTL = getenvDuration("APP_CACHE_USER_TTL", 10*time.Minute)
	cfg.Cache.GoogleEventsTTL = getenvDuration("APP_CACHE_GOOGLE_EVENTS_TTL", 5*time.Minute)

	cfg.Upstream.Timeout = getenvDuration("APP_UPSTREAM_TIMEOUT", 15*time.Second)
	cfg.Upstream.ChunkSize = getenvInt("APP_UPSTREAM_CHUNK_SIZE", 8)

	cfg.Scheduler.Enabled = getenvBool("APP_SCHEDULER_ENABLED", true)
	cfg.Scheduler.Interval = getenvDuration("APP_SCHEDULER_INTERVAL", 5*time.Minute)
	cfg.Scheduler.WindowDays = getenvInt("APP_SCHEDULER_WINDOW_DAYS", 7)

	cfg.PrometheusEnabled = getenvBool("APP_PROMETHEUS_ENDPOINT_ENABLED", false)

	if cfg.DB.DSN == "" {
		return nil, errors.New("APP_DB_DSN is required (or set APP_DB_HOST, APP_DB_NAME, APP_DB_USER, and APP_DB_PASSWORD)")
	}
	if cfg.Graph.TenantID == "" || cfg.Graph.ClientID == "" || cfg.Graph.ClientSecret == "" {
		return nil, errors.New("graph configuration is required: APP_GRAPH_TENANT_ID, APP_GRAPH_CLIENT_ID, and APP_GRAPH_CLIENT_SECRET")
	}
	if cfg.Google.ClientID == "" || cfg.Google.ClientSecret == "" {
		return nil, errors.New("google configuration is required: APP_GOOGLE_CLIENT_ID and APP_GOOGLE_CLIENT_SECRET")
	}
	if cfg.EncryptionKey == "" {
		return nil, errors.New("APP_ENCRYPTION_KEY is required")
	}
	if len(cfg.EncryptionKey) < 32 {
		return nil, fmt.Errorf("APP_ENCRYPTION_KEY must be at least 32 characters long (got %d)", len(cfg.EncryptionKey))
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil && parsed > 0 {
			return parsed
		}
	}
	return def
}
