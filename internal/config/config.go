// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port         string
	GRPCAddr     string // empty disables the gRPC health server
	FrontendURL  string
	DBPath       string
	StorePath    string // whatsmeow device store
	CatalogPath  string // empty uses the embedded catalog
	WarningDelay time.Duration
	ResetDelay   time.Duration
	AutoStart    bool
	LogoutOnStop bool
	// EventRetention is how long lifecycle events and handoffs are kept.
	EventRetention time.Duration
	DedupeTTL      time.Duration
	LogLevel       string
	Transcript     TranscriptConfig
}

// TranscriptConfig controls NDJSON conversation transcripts.
type TranscriptConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("TRANSCRIPT_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:           getEnv("PORT", "3000"),
		GRPCAddr:       getEnv("GRPC_ADDR", ""),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		DBPath:         getEnv("DB_PATH", "./data/anmbot.db"),
		StorePath:      getEnv("WA_STORE_PATH", "./data/whatsapp.db"),
		CatalogPath:    getEnv("CATALOG_PATH", ""),
		WarningDelay:   getEnvDuration("WARNING_DELAY", 2*time.Minute),
		ResetDelay:     getEnvDuration("RESET_DELAY", 2*time.Minute),
		AutoStart:      getEnvBool("AUTO_START", true),
		LogoutOnStop:   getEnvBool("LOGOUT_ON_STOP", false),
		EventRetention: getEnvDuration("EVENT_RETENTION", 30*24*time.Hour),
		DedupeTTL:      getEnvDuration("DEDUPE_TTL", 10*time.Minute),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		Transcript: TranscriptConfig{
			Enabled:   getEnvBool("TRANSCRIPT_ENABLED", false),
			Dir:       getEnv("TRANSCRIPT_DIR", "./data/transcripts"),
			QueueSize: queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.StorePath == "" {
		return fmt.Errorf("WA_STORE_PATH cannot be empty")
	}
	if c.WarningDelay <= 0 {
		return fmt.Errorf("WARNING_DELAY must be > 0")
	}
	if c.ResetDelay <= 0 {
		return fmt.Errorf("RESET_DELAY must be > 0")
	}
	if c.EventRetention <= 0 {
		return fmt.Errorf("EVENT_RETENTION must be > 0")
	}
	if c.DedupeTTL <= 0 {
		return fmt.Errorf("DEDUPE_TTL must be > 0")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Transcript.Enabled && c.Transcript.Dir == "" {
		return fmt.Errorf("TRANSCRIPT_DIR cannot be empty when transcripts are enabled")
	}
	if c.Transcript.QueueSize <= 0 {
		return fmt.Errorf("TRANSCRIPT_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the origins accepted by CORS and the WebSocket
// origin check.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}

// ParseLevel maps LOG_LEVEL to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL %q is not a valid level", s)
	}
	return level, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("90s", "2m") or a bare number of
// seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
