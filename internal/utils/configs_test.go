package utils

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadConfigs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "configs")
	content := "# comment\napi_port = 9000\nreward_rate_window=30s\nempty =\n  # indented comment\nlast = value"
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	configs, err := readConfigs(path)
	require.NoError(t, err)

	assert.Equal(t, "9000", configs["api_port"])
	assert.Equal(t, "30s", configs["reward_rate_window"])
	assert.Equal(t, "", configs["empty"])
	assert.Equal(t, "value", configs["last"])
	assert.Equal(t, path, configs["file"])
	assert.NotContains(t, configs, "# comment")
}

func TestApplyEnvironment(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("REDIS_URL=redis://from-file:6379/1\n"), 0600))

	t.Setenv("TRON_API_KEY", "from-process")
	t.Cleanup(func() { os.Unsetenv("REDIS_URL") })

	cm := NewConfigManagerFromMap(Config{"tron_api_key": "from-config"})
	cm.applyEnvironment(envFile)

	assert.Equal(t, "from-process", cm.GetConfigWithDefault("tron_api_key", ""))
	assert.Equal(t, "redis://from-file:6379/1", cm.GetConfigWithDefault("redis_url", ""))
}

func TestTypedGetters(t *testing.T) {
	cm := NewConfigManagerFromMap(Config{
		"ttl":      "45m",
		"bad_ttl":  "soon",
		"workers":  "8",
		"too_many": "500",
		"cap":      "1000000000",
		"origins":  "https://a.example, https://b.example,",
		"enabled":  "yes",
		"disabled": "off",
	})

	assert.Equal(t, 45*time.Minute, cm.GetConfigDuration("ttl", time.Minute))
	assert.Equal(t, time.Minute, cm.GetConfigDuration("bad_ttl", time.Minute))
	assert.Equal(t, 8, cm.GetConfigInt("workers", 4, 1, 64))
	assert.Equal(t, 4, cm.GetConfigInt("too_many", 4, 1, 64))
	assert.Equal(t, int64(1_000_000_000), cm.GetConfigInt64("cap", 0, 0, 1<<62))
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cm.GetConfigSlice("origins", nil))
	assert.Equal(t, []string{"*"}, cm.GetConfigSlice("missing", []string{"*"}))
	assert.True(t, cm.GetConfigBool("enabled", false))
	assert.False(t, cm.GetConfigBool("disabled", true))

	cm.SetConfig("workers", 16)
	assert.Equal(t, 16, cm.GetConfigInt("workers", 4, 1, 64))
}
