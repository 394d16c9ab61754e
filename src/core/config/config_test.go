package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mcp-mesh/src/core/database"
)

func TestLoadFromEnvDefaults(t *testing.T) {
	t.Setenv("HOST", "")
	t.Setenv("PORT", "")
	t.Setenv("MCP_MESH_LOG_LEVEL", "")
	t.Setenv("DATABASE_URL", "")

	cfg := LoadFromEnv()
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8000, cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	require.NotNil(t, cfg.Database)
	assert.Equal(t, "mcp_mesh_registry.db", cfg.Database.DatabaseURL)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
}

func TestLoadFromEnvHonorsOverrides(t *testing.T) {
	t.Setenv("HOST", "127.0.0.1")
	t.Setenv("PORT", "9090")
	t.Setenv("MCP_MESH_LOG_LEVEL", "debug")
	t.Setenv("ALLOWED_ORIGINS", "a.example.com,b.example.com")
	t.Setenv("DEFAULT_TIMEOUT_THRESHOLD", "15")

	cfg := LoadFromEnv()
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, 15, cfg.DefaultTimeoutThreshold)
}

func TestValidateRejectsOutOfRangePort(t *testing.T) {
	cfg := &Config{Port: 70000, HealthCheckInterval: 1, LogLevel: "INFO"}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveHealthCheckInterval(t *testing.T) {
	cfg := &Config{Port: 8000, HealthCheckInterval: 0, LogLevel: "INFO"}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNegativeCacheTTL(t *testing.T) {
	cfg := &Config{Port: 8000, HealthCheckInterval: 1, CacheTTL: -1, LogLevel: "INFO"}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := &Config{Port: 8000, HealthCheckInterval: 1, LogLevel: "VERBOSE"}
	assert.Error(t, cfg.Validate())
}

func TestValidateAcceptsCaseInsensitiveLogLevel(t *testing.T) {
	cfg := &Config{Port: 8000, HealthCheckInterval: 1, LogLevel: "warning"}
	assert.NoError(t, cfg.Validate())
}

func TestValidateForcesDebugLogLevelWhenDebugModeSet(t *testing.T) {
	cfg := &Config{Port: 8000, HealthCheckInterval: 1, LogLevel: "INFO", DebugMode: true}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "DEBUG", cfg.LogLevel)
}

func TestShouldLogAtLevel(t *testing.T) {
	cfg := &Config{LogLevel: "WARNING"}
	assert.False(t, cfg.ShouldLogAtLevel("DEBUG"))
	assert.False(t, cfg.ShouldLogAtLevel("INFO"))
	assert.True(t, cfg.ShouldLogAtLevel("WARNING"))
	assert.True(t, cfg.ShouldLogAtLevel("ERROR"))
	assert.False(t, cfg.ShouldLogAtLevel("BOGUS"))
}

func TestShouldLogAtLevelDefaultsCurrentLevelToInfo(t *testing.T) {
	cfg := &Config{LogLevel: "NOT-A-LEVEL"}
	assert.False(t, cfg.ShouldLogAtLevel("DEBUG"))
	assert.True(t, cfg.ShouldLogAtLevel("INFO"))
}

func TestGetDatabaseURL(t *testing.T) {
	cfg := &Config{Database: &database.Config{DatabaseURL: "custom.db"}}
	assert.Equal(t, "custom.db", cfg.GetDatabaseURL())
}

func TestIsDebugMode(t *testing.T) {
	assert.True(t, (&Config{DebugMode: true}).IsDebugMode())
	assert.True(t, (&Config{LogLevel: "DEBUG"}).IsDebugMode())
	assert.False(t, (&Config{LogLevel: "INFO"}).IsDebugMode())
}

func TestIsProductionIsDevelopment(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	cfg := &Config{}
	assert.True(t, cfg.IsProduction())
	assert.False(t, cfg.IsDevelopment())

	t.Setenv("ENVIRONMENT", "")
	assert.False(t, cfg.IsProduction())
	assert.True(t, cfg.IsDevelopment())
}

func TestGetHealthConfigurationIncludesAgentTypeOverrides(t *testing.T) {
	cfg := &Config{DefaultTimeoutThreshold: 20, DefaultEvictionThreshold: 60, HealthCheckInterval: 10}
	health := cfg.GetHealthConfiguration()

	assert.Equal(t, 20, health["default_timeout_threshold"])
	agentTypes, ok := health["agent_type_configs"].(map[string]map[string]int)
	require.True(t, ok)
	assert.Equal(t, 90, agentTypes["file-agent"]["timeout_threshold"])
	assert.Equal(t, 180, agentTypes["file-agent"]["eviction_threshold"])
	assert.Equal(t, 45, agentTypes["worker"]["timeout_threshold"])
	assert.Equal(t, 30, agentTypes["critical"]["timeout_threshold"])
}
