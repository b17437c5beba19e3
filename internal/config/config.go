package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Host string
	Port int

	// Database configuration
	DatabasePath string

	// Provider API and OAuth configuration
	ProviderBaseURL      string
	ProviderAuthURL      string
	ProviderTokenURL     string
	ProviderClientID     string
	ProviderClientSecret string
	ProviderRedirectURL  string
	ProviderScopes       []string
	ProviderGlobalRPS    float64
	ProviderUserRPS      float64

	// Credential vault keys as "id:base64key" pairs, and the id that seals
	// new sessions (optional with a single key)
	VaultKeys      string
	VaultActiveKey string

	// Internal API configuration
	InternalAPIKey string

	// Sync scheduling
	SyncInterval              time.Duration
	SyncFreshness             time.Duration
	LeaseTTL                  time.Duration
	SweepInterval             time.Duration
	LifetimeReconcileInterval time.Duration

	// Backfill
	BackfillHistoryDays   int
	BackfillChunkDays     int
	BackfillPageSize      int
	BackfillCompleteRatio float64

	// Chunk workers
	WorkerCount       int
	DispatchSpacing   time.Duration
	ThrottleThreshold float64
	RecoveryCount     int

	// Recommendation service
	RecommendationURL    string
	RecommendationAPIKey string

	// Error reporting
	SentryDSN         string
	SentryEnvironment string

	// Logging configuration
	LogLevel string

	// Metrics configuration
	MetricsEnabled bool
	MetricsHost    string
	MetricsPort    int
}

// Load reads configuration from environment variables, after loading a .env
// file from the working directory if one exists. Variables already set in
// the environment win over the file.
// It fails fast if required variables are missing
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{
		// Optional values with defaults
		Host:                      getEnv("HOST", "localhost"),
		Port:                      getEnvInt("PORT", 4101),
		DatabasePath:              getEnv("DATABASE_PATH", "./data.db"),
		ProviderRedirectURL:       getEnv("PROVIDER_REDIRECT_URL", ""),
		ProviderScopes:            splitList(getEnv("PROVIDER_SCOPES", "")),
		ProviderGlobalRPS:         getEnvFloat("PROVIDER_GLOBAL_RPS", 2),
		ProviderUserRPS:           getEnvFloat("PROVIDER_USER_RPS", 0.5),
		VaultActiveKey:            getEnv("VAULT_ACTIVE_KEY", ""),
		SyncInterval:              getEnvDuration("SYNC_INTERVAL", 15*time.Minute),
		SyncFreshness:             getEnvDuration("SYNC_FRESHNESS", 5*time.Minute),
		LeaseTTL:                  getEnvDuration("LEASE_TTL", 10*time.Minute),
		SweepInterval:             getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),
		LifetimeReconcileInterval: getEnvDuration("LIFETIME_RECONCILE_INTERVAL", 24*time.Hour),
		BackfillHistoryDays:       getEnvInt("BACKFILL_HISTORY_DAYS", 365),
		BackfillChunkDays:         getEnvInt("BACKFILL_CHUNK_DAYS", 30),
		BackfillPageSize:          getEnvInt("BACKFILL_PAGE_SIZE", 100),
		BackfillCompleteRatio:     getEnvFloat("BACKFILL_COMPLETE_RATIO", 0.95),
		WorkerCount:               getEnvInt("WORKER_COUNT", 4),
		DispatchSpacing:           getEnvDuration("DISPATCH_SPACING", 2*time.Second),
		ThrottleThreshold:         getEnvFloat("THROTTLE_THRESHOLD", 90),
		RecoveryCount:             getEnvInt("CIRCUIT_RECOVERY_COUNT", 5),
		RecommendationURL:         getEnv("RECOMMENDATION_URL", ""),
		RecommendationAPIKey:      getEnv("RECOMMENDATION_API_KEY", ""),
		SentryDSN:                 getEnv("SENTRY_DSN", ""),
		SentryEnvironment:         getEnv("SENTRY_ENVIRONMENT", "development"),
		LogLevel:                  getEnv("LOG_LEVEL", "info"),
		MetricsEnabled:            getEnv("METRICS_ENABLED", "true") == "true",
		MetricsHost:               getEnv("METRICS_HOST", "localhost"),
		MetricsPort:               getEnvInt("METRICS_PORT", 9090),
	}

	// Required values
	var missingVars []string
	required := func(key string) string {
		value := os.Getenv(key)
		if value == "" {
			missingVars = append(missingVars, key)
		}
		return value
	}

	cfg.ProviderClientID = required("PROVIDER_CLIENT_ID")
	cfg.ProviderClientSecret = required("PROVIDER_CLIENT_SECRET")
	cfg.ProviderBaseURL = strings.TrimRight(required("PROVIDER_BASE_URL"), "/")
	cfg.ProviderAuthURL = required("PROVIDER_AUTH_URL")
	cfg.ProviderTokenURL = required("PROVIDER_TOKEN_URL")
	cfg.InternalAPIKey = required("INTERNAL_API_KEY")
	cfg.VaultKeys = required("VAULT_KEYS")

	if len(missingVars) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %v", missingVars)
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("PORT must be between 1 and 65535, got %d", cfg.Port)
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, errors.New("LOG_LEVEL must be one of: debug, info, warn, error")
	}
	if cfg.BackfillCompleteRatio <= 0 || cfg.BackfillCompleteRatio > 1 {
		return nil, fmt.Errorf("BACKFILL_COMPLETE_RATIO must be in (0, 1], got %v", cfg.BackfillCompleteRatio)
	}
	if cfg.BackfillChunkDays < 1 || cfg.BackfillChunkDays > 30 {
		return nil, fmt.Errorf("BACKFILL_CHUNK_DAYS must be between 1 and 30, got %d", cfg.BackfillChunkDays)
	}

	return cfg, nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt gets an integer environment variable or returns a default value
func getEnvInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvFloat gets a float environment variable or returns a default value
func getEnvFloat(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvDuration gets a duration environment variable ("15m", "2s") or
// returns a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(os.Getenv(key))
	if err != nil || value <= 0 {
		return defaultValue
	}
	return value
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
