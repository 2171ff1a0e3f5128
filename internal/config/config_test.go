package config

import (
	"os"
	"testing"

	"github.com/calyx-ai/switchboard/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {

	os.Clearenv()
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("SERVER_ENV", "test")
	t.Setenv("REDIS_ENABLED", "true")

	cfg, err := LoadConfig()
	assert.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "test", cfg.Server.Env)
	assert.True(t, cfg.Redis.Enabled)

	// Pool defaults carry through untouched
	assert.Equal(t, 0.8, cfg.Pool.ScaleUpThreshold)
	assert.Equal(t, 0.3, cfg.Pool.ScaleDownThreshold)
	assert.Equal(t, domain.AdmissionFailFast, cfg.Pool.Admission)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, "@every 30s", cfg.Health.ProbeSchedule)
	assert.True(t, cfg.Routing.FallbackEnabled)
}

func TestLoadConfig_APIKeyResolution(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-test-12345")

	dir := t.TempDir()
	configContent := `
schema_version: "1.0.0"
providers:
  - name: "test-provider"
    kind: "api_based"
    driver: "openai_compat"
    api_key: "ENV:TEST_API_KEY"
    enabled: true
`
	require.NoError(t, os.WriteFile(dir+"/config.yaml", []byte(configContent), 0o600))

	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(cwd) })

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, "sk-test-12345", cfg.Providers[0].APIKey)
	assert.Equal(t, domain.KindAPIBased, cfg.Providers[0].Kind)
}

func TestCheckSchemaVersion(t *testing.T) {
	assert.NoError(t, checkSchemaVersion("1.0.0"))
	assert.NoError(t, checkSchemaVersion("2.3.1"))
	assert.Error(t, checkSchemaVersion("0.9.0"))
	assert.Error(t, checkSchemaVersion("not-a-version"))
}
