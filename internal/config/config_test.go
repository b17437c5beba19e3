package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var allKeys = []string{
	"HOST", "PORT", "DATABASE_PATH", "LOG_LEVEL",
	"PROVIDER_CLIENT_ID", "PROVIDER_CLIENT_SECRET", "PROVIDER_BASE_URL",
	"PROVIDER_AUTH_URL", "PROVIDER_TOKEN_URL", "PROVIDER_SCOPES", "PROVIDER_USER_RPS",
	"INTERNAL_API_KEY", "VAULT_KEYS", "VAULT_ACTIVE_KEY",
	"SYNC_INTERVAL", "BACKFILL_COMPLETE_RATIO", "BACKFILL_CHUNK_DAYS", "WORKER_COUNT",
	"METRICS_ENABLED",
}

func requiredEnv() map[string]string {
	return map[string]string{
		"PROVIDER_CLIENT_ID":     "test_client_id",
		"PROVIDER_CLIENT_SECRET": "test_client_secret",
		"PROVIDER_BASE_URL":      "https://api.provider.example/",
		"PROVIDER_AUTH_URL":      "https://provider.example/oauth/authorize",
		"PROVIDER_TOKEN_URL":     "https://provider.example/oauth/token",
		"INTERNAL_API_KEY":       "test_api_key",
		"VAULT_KEYS":             "k1:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=",
	}
}

// clearTestEnv unsets every variable Load reads; godotenv skips keys that
// are present even when empty. t.Setenv restores them after the test.
func clearTestEnv(t *testing.T) {
	for _, key := range allKeys {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func setTestEnv(t *testing.T, vars map[string]string) {
	clearTestEnv(t)
	for k, v := range vars {
		t.Setenv(k, v)
	}
}

func withRequired(extra map[string]string) map[string]string {
	env := requiredEnv()
	for k, v := range extra {
		env[k] = v
	}
	return env
}

func chdir(t *testing.T, dir string) {
	oldDir, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Failed to chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(oldDir) })
}

func TestLoadConfigWithDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	setTestEnv(t, requiredEnv())

	config, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if config.Host != "localhost" {
		t.Errorf("Expected default host 'localhost', got %s", config.Host)
	}
	if config.Port != 4101 {
		t.Errorf("Expected default port 4101, got %d", config.Port)
	}
	if config.DatabasePath != "./data.db" {
		t.Errorf("Expected default database path './data.db', got %s", config.DatabasePath)
	}
	if config.LogLevel != "info" {
		t.Errorf("Expected default log level 'info', got %s", config.LogLevel)
	}
	if config.SyncInterval != 15*time.Minute {
		t.Errorf("Expected default sync interval 15m, got %v", config.SyncInterval)
	}
	if config.SyncFreshness != 5*time.Minute {
		t.Errorf("Expected default freshness 5m, got %v", config.SyncFreshness)
	}
	if config.DispatchSpacing != 2*time.Second {
		t.Errorf("Expected default dispatch spacing 2s, got %v", config.DispatchSpacing)
	}
	if config.WorkerCount != 4 {
		t.Errorf("Expected 4 workers, got %d", config.WorkerCount)
	}
	if config.ProviderGlobalRPS != 2 || config.ProviderUserRPS != 0.5 {
		t.Errorf("Unexpected rate defaults %v/%v", config.ProviderGlobalRPS, config.ProviderUserRPS)
	}
	if config.BackfillChunkDays != 30 || config.BackfillPageSize != 100 || config.BackfillCompleteRatio != 0.95 {
		t.Errorf("Unexpected backfill defaults %d/%d/%v", config.BackfillChunkDays, config.BackfillPageSize, config.BackfillCompleteRatio)
	}
	if config.BackfillHistoryDays != 365 {
		t.Errorf("Expected 365 history days, got %d", config.BackfillHistoryDays)
	}
	if !config.MetricsEnabled {
		t.Error("Expected metrics enabled by default")
	}

	if config.ProviderClientID != "test_client_id" {
		t.Errorf("Expected PROVIDER_CLIENT_ID 'test_client_id', got %s", config.ProviderClientID)
	}
	if config.ProviderBaseURL != "https://api.provider.example" {
		t.Errorf("Expected trailing slash trimmed from base URL, got %s", config.ProviderBaseURL)
	}
	if config.InternalAPIKey != "test_api_key" {
		t.Errorf("Expected INTERNAL_API_KEY 'test_api_key', got %s", config.InternalAPIKey)
	}
}

func TestLoadConfigFromEnvVars(t *testing.T) {
	chdir(t, t.TempDir())
	setTestEnv(t, withRequired(map[string]string{
		"HOST":              "0.0.0.0",
		"PORT":              "8080",
		"DATABASE_PATH":     "/tmp/test.db",
		"LOG_LEVEL":         "debug",
		"SYNC_INTERVAL":     "1h",
		"PROVIDER_SCOPES":   "activity, health ,",
		"PROVIDER_USER_RPS": "0.25",
		"WORKER_COUNT":      "not-a-number",
		"METRICS_ENABLED":   "false",
	}))

	config, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if config.Host != "0.0.0.0" || config.Port != 8080 {
		t.Errorf("Unexpected address %s:%d", config.Host, config.Port)
	}
	if config.DatabasePath != "/tmp/test.db" {
		t.Errorf("Expected database path '/tmp/test.db', got %s", config.DatabasePath)
	}
	if config.SyncInterval != time.Hour {
		t.Errorf("Expected sync interval 1h, got %v", config.SyncInterval)
	}
	if strings.Join(config.ProviderScopes, "|") != "activity|health" {
		t.Errorf("Unexpected scopes %v", config.ProviderScopes)
	}
	if config.ProviderUserRPS != 0.25 {
		t.Errorf("Expected user rps 0.25, got %v", config.ProviderUserRPS)
	}
	if config.WorkerCount != 4 {
		t.Errorf("Expected invalid WORKER_COUNT to fall back to 4, got %d", config.WorkerCount)
	}
	if config.MetricsEnabled {
		t.Error("Expected metrics disabled")
	}
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	tmpDir := t.TempDir()
	envContent := `# Test .env file
HOST=192.168.1.1
PORT=9000
PROVIDER_CLIENT_ID=env_file_client_id
PROVIDER_CLIENT_SECRET=env_file_client_secret
PROVIDER_BASE_URL=https://api.provider.example
PROVIDER_AUTH_URL=https://provider.example/oauth/authorize
PROVIDER_TOKEN_URL=https://provider.example/oauth/token
INTERNAL_API_KEY=env_file_api_key
VAULT_KEYS=k1:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=
LOG_LEVEL=warn
`
	if err := os.WriteFile(filepath.Join(tmpDir, ".env"), []byte(envContent), 0644); err != nil {
		t.Fatalf("Failed to create .env file: %v", err)
	}
	chdir(t, tmpDir)
	clearTestEnv(t)

	config, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if config.Host != "192.168.1.1" {
		t.Errorf("Expected host '192.168.1.1' from .env, got %s", config.Host)
	}
	if config.Port != 9000 {
		t.Errorf("Expected port 9000 from .env, got %d", config.Port)
	}
	if config.LogLevel != "warn" {
		t.Errorf("Expected log level 'warn' from .env, got %s", config.LogLevel)
	}
	if config.ProviderClientID != "env_file_client_id" {
		t.Errorf("Expected client id from .env, got %s", config.ProviderClientID)
	}
}

func TestEnvVarsPrecedenceOverEnvFile(t *testing.T) {
	tmpDir := t.TempDir()
	envContent := `HOST=from_file
PORT=9000
PROVIDER_CLIENT_ID=file_client_id
`
	if err := os.WriteFile(filepath.Join(tmpDir, ".env"), []byte(envContent), 0644); err != nil {
		t.Fatalf("Failed to create .env file: %v", err)
	}
	chdir(t, tmpDir)

	env := withRequired(map[string]string{"HOST": "from_env_var"})
	delete(env, "PROVIDER_CLIENT_ID")
	setTestEnv(t, env)

	config, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if config.Host != "from_env_var" {
		t.Errorf("Expected host 'from_env_var' from env var, got %s", config.Host)
	}
	if config.Port != 9000 {
		t.Errorf("Expected port 9000 from .env file, got %d", config.Port)
	}
	if config.ProviderClientID != "file_client_id" {
		t.Errorf("Expected client id 'file_client_id' from .env, got %s", config.ProviderClientID)
	}
}

func TestValidationMissingRequired(t *testing.T) {
	chdir(t, t.TempDir())

	for key := range requiredEnv() {
		t.Run(key, func(t *testing.T) {
			env := requiredEnv()
			delete(env, key)
			setTestEnv(t, env)

			_, err := Load()
			if err == nil {
				t.Fatalf("Expected validation error for missing %s", key)
			}
			if !strings.Contains(err.Error(), key) {
				t.Errorf("Expected error to name %s, got: %v", key, err)
			}
		})
	}
}

func TestValidationInvalidPort(t *testing.T) {
	chdir(t, t.TempDir())

	tests := []struct {
		port    string
		wantErr bool
	}{
		{"0", true},
		{"1", false},
		{"4101", false},
		{"65535", false},
		{"65536", true},
	}

	for _, tt := range tests {
		t.Run("port_"+tt.port, func(t *testing.T) {
			setTestEnv(t, withRequired(map[string]string{"PORT": tt.port}))

			_, err := Load()
			if tt.wantErr && err == nil {
				t.Errorf("Expected error for port %s, but got none", tt.port)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Expected no error for port %s, but got: %v", tt.port, err)
			}
		})
	}
}

func TestValidationLogLevel(t *testing.T) {
	chdir(t, t.TempDir())

	for _, level := range []string{"debug", "info", "warn", "error"} {
		t.Run("log_level_"+level, func(t *testing.T) {
			setTestEnv(t, withRequired(map[string]string{"LOG_LEVEL": level}))

			config, err := Load()
			if err != nil {
				t.Fatalf("Expected no error for log level %s, but got: %v", level, err)
			}
			if config.LogLevel != level {
				t.Errorf("Expected log level %s, got %s", level, config.LogLevel)
			}
		})
	}

	setTestEnv(t, withRequired(map[string]string{"LOG_LEVEL": "invalid"}))
	_, err := Load()
	if err == nil || err.Error() != "LOG_LEVEL must be one of: debug, info, warn, error" {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestValidationBackfillSettings(t *testing.T) {
	chdir(t, t.TempDir())

	for _, extra := range []map[string]string{
		{"BACKFILL_COMPLETE_RATIO": "1.5"},
		{"BACKFILL_COMPLETE_RATIO": "-1"},
		{"BACKFILL_CHUNK_DAYS": "31"},
	} {
		setTestEnv(t, withRequired(extra))
		if _, err := Load(); err == nil {
			t.Errorf("Expected error for %v", extra)
		}
	}
}
