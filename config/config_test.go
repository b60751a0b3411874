package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("AFL_FUZZ_PATH", "")
	t.Setenv("GRACE_PERIOD", "")

	cfg := LoadConfig()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "aflwatch", cfg.ServiceName)
	assert.Equal(t, "afl-fuzz", cfg.AFLFuzzPath)
	assert.Equal(t, 10*time.Second, cfg.SupervisorConfig.GracePeriod)
	assert.Equal(t, 5*time.Second, cfg.SupervisorConfig.StatsInterval)
	assert.Equal(t, 1000, cfg.SupervisorConfig.ExecTimeoutMs)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("GRACE_PERIOD", "3s")
	t.Setenv("EXEC_TIMEOUT_MS", "250")

	cfg := LoadConfig()

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 3*time.Second, cfg.SupervisorConfig.GracePeriod)
	assert.Equal(t, 250, cfg.SupervisorConfig.ExecTimeoutMs)
}

func TestParseHelpersRejectGarbage(t *testing.T) {
	assert.Equal(t, 7*time.Second, parseDuration("soon", 7*time.Second))
	assert.Equal(t, 42, parseInt("many", 42))
}
