package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the vidfetch server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Queue    QueueConfig
	Media    MediaConfig
}

type ServerConfig struct {
	Port               int
	Env                string
	LogLevel           string
	RateLimitPerMinute int
	// AdminKey, when set, is installed as an admin-scoped API key at startup.
	AdminKey string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// QueueConfig controls admission, concurrency, retry and retention.
type QueueConfig struct {
	MaxConcurrent      int
	MaxRetries         int
	MaxBatch           int
	JobTimeout         time.Duration
	CallTimeout        time.Duration
	Retention          time.Duration
	SweepInterval      time.Duration
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	// ProgressBuffer is the number of events retained per job. A subscriber
	// further behind than this skips to the oldest retained event.
	ProgressBuffer     int
	SupportedPlatforms []string
}

type MediaConfig struct {
	Extractor         string
	WorkDir           string
	CookiesDir        string
	FFmpegPath        string
	MaxDuration       time.Duration
	InfoCacheTTL      time.Duration
	RequestsPerSecond float64
}

const (
	minConcurrent  = 1
	maxConcurrent  = 10
	minAdminKeyLen = 16
)

var validExtractors = map[string]bool{
	"ytdlp": true,
	"mock":  true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:               envInt("VIDFETCH_PORT", 8080),
			Env:                envString("VIDFETCH_ENV", "development"),
			LogLevel:           strings.ToLower(envString("LOG_LEVEL", "info")),
			RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
			AdminKey:           os.Getenv("VIDFETCH_ADMIN_KEY"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Queue: QueueConfig{
			MaxConcurrent:      clamp(envInt("QUEUE_MAX_CONCURRENT", 3), minConcurrent, maxConcurrent),
			MaxRetries:         envInt("QUEUE_MAX_RETRIES", 3),
			MaxBatch:           envInt("QUEUE_MAX_BATCH", 10),
			JobTimeout:         envDuration("QUEUE_JOB_TIMEOUT", 30*time.Minute),
			CallTimeout:        envDuration("QUEUE_CALL_TIMEOUT", 10*time.Minute),
			Retention:          envDuration("QUEUE_RETENTION", time.Hour),
			SweepInterval:      envDuration("QUEUE_SWEEP_INTERVAL", time.Minute),
			BackoffInitial:     envDuration("QUEUE_BACKOFF_INITIAL", 5*time.Second),
			BackoffMax:         envDuration("QUEUE_BACKOFF_MAX", 2*time.Minute),
			ProgressBuffer:     envInt("QUEUE_PROGRESS_BUFFER", 64),
			SupportedPlatforms: envList("SUPPORTED_PLATFORMS", []string{"youtube", "tiktok", "facebook", "twitter"}),
		},
		Media: MediaConfig{
			Extractor:         envString("MEDIA_EXTRACTOR", "ytdlp"),
			WorkDir:           envString("MEDIA_WORK_DIR", filepath.Join(os.TempDir(), "vidfetch")),
			CookiesDir:        os.Getenv("MEDIA_COOKIES_DIR"),
			FFmpegPath:        envString("MEDIA_FFMPEG_PATH", "ffmpeg"),
			MaxDuration:       envDuration("MEDIA_MAX_DURATION", time.Hour),
			InfoCacheTTL:      envDuration("MEDIA_INFO_CACHE_TTL", 15*time.Minute),
			RequestsPerSecond: envFloat("MEDIA_REQUESTS_PER_SECOND", 2),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if !validLogLevels[c.Server.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error; got %q", c.Server.LogLevel)
	}

	if c.Server.AdminKey != "" && len(c.Server.AdminKey) < minAdminKeyLen {
		return fmt.Errorf("VIDFETCH_ADMIN_KEY must be at least %d characters", minAdminKeyLen)
	}

	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("QUEUE_MAX_RETRIES must not be negative, got %d", c.Queue.MaxRetries)
	}
	if c.Queue.MaxBatch < 1 {
		return fmt.Errorf("QUEUE_MAX_BATCH must be at least 1, got %d", c.Queue.MaxBatch)
	}
	if c.Queue.JobTimeout <= 0 || c.Queue.CallTimeout <= 0 {
		return fmt.Errorf("QUEUE_JOB_TIMEOUT and QUEUE_CALL_TIMEOUT must be positive")
	}
	if c.Queue.Retention <= 0 || c.Queue.SweepInterval <= 0 {
		return fmt.Errorf("QUEUE_RETENTION and QUEUE_SWEEP_INTERVAL must be positive")
	}
	if len(c.Queue.SupportedPlatforms) == 0 {
		return fmt.Errorf("SUPPORTED_PLATFORMS must list at least one platform")
	}

	if !validExtractors[c.Media.Extractor] {
		return fmt.Errorf("MEDIA_EXTRACTOR must be one of ytdlp, mock; got %q", c.Media.Extractor)
	}
	if c.Media.RequestsPerSecond <= 0 {
		return fmt.Errorf("MEDIA_REQUESTS_PER_SECOND must be positive")
	}

	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// envList parses a comma-separated list, lowercasing and dropping empty items.
func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		item = strings.ToLower(strings.TrimSpace(item))
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
