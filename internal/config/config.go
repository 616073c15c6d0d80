package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/STRATINT/eventdesk/internal/cloudsql"
)

// Config represents runtime configuration derived from environment variables.
type Config struct {
	Server    ServerConfig
	Logging   LoggingConfig
	Database  DatabaseConfig
	AI        AIConfig
	Pipeline  PipelineConfig
	Scheduler SchedulerConfig
	Auth      AuthConfig
}

// ServerConfig holds HTTP server runtime parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// LoggingConfig represents structured logging configuration.
type LoggingConfig struct {
	Level  slog.Level
	Format string
}

// DatabaseConfig selects the store. URL comes from DATABASE_URL or the Cloud
// SQL variables; an empty URL means the in-memory store.
type DatabaseConfig struct {
	URL            string
	MaxConnections int
}

// AIConfig configures the text generator and its key pool.
type AIConfig struct {
	Provider    string
	Model       string
	Temperature float32
	MaxTokens   int
	APIKeys     []string
	LimitsFile  string
}

// PipelineConfig tunes the pipeline stages.
type PipelineConfig struct {
	AggregationDelay time.Duration
	MergeWindowHours int
}

// SchedulerConfig controls the periodic pipeline passes.
type SchedulerConfig struct {
	Enabled       bool
	FullInterval  time.Duration
	LightInterval time.Duration
}

// AuthConfig holds admin credentials. Admin routes are disabled when either
// value is empty.
type AuthConfig struct {
	JWTSecret     string
	AdminPassword string
}

// AI providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderMock      = "mock"
)

const (
	defaultPort            = "8080"
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultShutdownTimeout = 5 * time.Second

	defaultLogFormat = "json"

	defaultMaxConnections = 25

	defaultProvider    = ProviderMock
	defaultTemperature = 0.3
	defaultMaxTokens   = 2000

	defaultAggregationDelay = 2 * time.Second
	defaultMergeWindowHours = 48

	defaultFullInterval  = 180 * time.Minute
	defaultLightInterval = 60 * time.Minute
)

// Load reads configuration from environment variables, applying defaults when
// values are not provided or invalid.
func Load() (Config, error) {
	// Cloud Run sets PORT, but allow SERVER_PORT override for local dev
	port := getEnv("PORT", "")
	if port == "" {
		port = getEnv("SERVER_PORT", defaultPort)
	}

	cfg := Config{
		Server: ServerConfig{
			Port:            port,
			ReadTimeout:     defaultReadTimeout,
			WriteTimeout:    defaultWriteTimeout,
			ShutdownTimeout: defaultShutdownTimeout,
		},
		Logging: LoggingConfig{
			Level:  slog.LevelInfo,
			Format: defaultLogFormat,
		},
		Database: DatabaseConfig{
			MaxConnections: defaultMaxConnections,
		},
		AI: AIConfig{
			Provider:    defaultProvider,
			Model:       os.Getenv("AI_MODEL"),
			Temperature: defaultTemperature,
			MaxTokens:   defaultMaxTokens,
			APIKeys:     splitList(os.Getenv("AI_API_KEYS")),
			LimitsFile:  os.Getenv("KEY_POOL_LIMITS_FILE"),
		},
		Pipeline: PipelineConfig{
			AggregationDelay: defaultAggregationDelay,
			MergeWindowHours: defaultMergeWindowHours,
		},
		Scheduler: SchedulerConfig{
			Enabled:       true,
			FullInterval:  defaultFullInterval,
			LightInterval: defaultLightInterval,
		},
		Auth: AuthConfig{
			JWTSecret:     os.Getenv("ADMIN_JWT_SECRET"),
			AdminPassword: os.Getenv("ADMIN_PASSWORD"),
		},
	}

	if v := os.Getenv("SERVER_READ_TIMEOUT_SECONDS"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SERVER_READ_TIMEOUT_SECONDS: %w", err)
		}
		cfg.Server.ReadTimeout = d
	}

	if v := os.Getenv("SERVER_WRITE_TIMEOUT_SECONDS"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SERVER_WRITE_TIMEOUT_SECONDS: %w", err)
		}
		cfg.Server.WriteTimeout = d
	}

	if v := os.Getenv("SERVER_SHUTDOWN_TIMEOUT_SECONDS"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SERVER_SHUTDOWN_TIMEOUT_SECONDS: %w", err)
		}
		cfg.Server.ShutdownTimeout = d
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level, err := parseLogLevel(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
		cfg.Logging.Level = level
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		switch v {
		case "json", "text":
			cfg.Logging.Format = v
		default:
			return Config{}, fmt.Errorf("invalid LOG_FORMAT: must be 'json' or 'text'")
		}
	}

	dbURL, err := cloudsql.BuildDatabaseURL(os.Getenv)
	if err != nil {
		return Config{}, fmt.Errorf("invalid database configuration: %w", err)
	}
	cfg.Database.URL = dbURL

	if v := os.Getenv("DATABASE_MAX_CONNECTIONS"); v != "" {
		n, err := parsePositive(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid DATABASE_MAX_CONNECTIONS: %w", err)
		}
		cfg.Database.MaxConnections = n
	}

	if v := os.Getenv("AI_PROVIDER"); v != "" {
		switch v {
		case ProviderOpenAI, ProviderAnthropic, ProviderMock:
			cfg.AI.Provider = v
		default:
			return Config{}, fmt.Errorf("invalid AI_PROVIDER: must be one of openai, anthropic, mock")
		}
	}

	if v := os.Getenv("AI_TEMPERATURE"); v != "" {
		t, err := strconv.ParseFloat(v, 32)
		if err != nil || t < 0 || t > 2 {
			return Config{}, fmt.Errorf("invalid AI_TEMPERATURE: must be a number between 0 and 2")
		}
		cfg.AI.Temperature = float32(t)
	}

	if v := os.Getenv("AI_MAX_TOKENS"); v != "" {
		n, err := parsePositive(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid AI_MAX_TOKENS: %w", err)
		}
		cfg.AI.MaxTokens = n
	}

	if cfg.AI.Provider != ProviderMock && len(cfg.AI.APIKeys) == 0 {
		return Config{}, fmt.Errorf("AI_API_KEYS is required when AI_PROVIDER=%s", cfg.AI.Provider)
	}

	if v := os.Getenv("AGGREGATION_DELAY_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			return Config{}, fmt.Errorf("invalid AGGREGATION_DELAY_MS: must be a non-negative integer")
		}
		cfg.Pipeline.AggregationDelay = time.Duration(ms) * time.Millisecond
	}

	if v := os.Getenv("MERGE_WINDOW_HOURS"); v != "" {
		n, err := parsePositive(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid MERGE_WINDOW_HOURS: %w", err)
		}
		cfg.Pipeline.MergeWindowHours = n
	}

	if v := os.Getenv("PIPELINE_FULL_INTERVAL_MINUTES"); v != "" {
		n, err := parsePositive(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PIPELINE_FULL_INTERVAL_MINUTES: %w", err)
		}
		cfg.Scheduler.FullInterval = time.Duration(n) * time.Minute
	}

	if v := os.Getenv("PIPELINE_LIGHT_INTERVAL_MINUTES"); v != "" {
		n, err := parsePositive(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PIPELINE_LIGHT_INTERVAL_MINUTES: %w", err)
		}
		cfg.Scheduler.LightInterval = time.Duration(n) * time.Minute
	}

	if v := os.Getenv("PIPELINE_SCHEDULER_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PIPELINE_SCHEDULER_ENABLED: must be true or false")
		}
		cfg.Scheduler.Enabled = enabled
	}

	return cfg, nil
}

// AdminEnabled reports whether admin credentials are configured.
func (c AuthConfig) AdminEnabled() bool {
	return c.JWTSecret != "" && c.AdminPassword != ""
}

func parseSeconds(raw string) (time.Duration, error) {
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds < 0 {
		return 0, fmt.Errorf("must be a non-negative integer")
	}
	return time.Duration(seconds) * time.Second, nil
}

func parsePositive(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("must be a positive integer")
	}
	return n, nil
}

// splitList splits a comma-separated list, dropping blanks and keeping order.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch raw {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("must be one of debug, info, warn, error")
	}
}
