package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RequiresManagementToken(t *testing.T) {
	t.Setenv("MANAGEMENT_TOKEN", "")
	_, err := New()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MANAGEMENT_TOKEN")
}

func TestNew_Defaults(t *testing.T) {
	t.Setenv("MANAGEMENT_TOKEN", "mgmt-token")

	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "https://labs.google/fx/api", cfg.LabsBaseURL)
	assert.Equal(t, 3, cfg.PerCredentialConcurrency)
	assert.Equal(t, 5, cfg.FailureBanThreshold)
	assert.Equal(t, time.Hour, cfg.UnbanSweepInterval)
	assert.Equal(t, 60*time.Second, cfg.ProofTokenWait)
	assert.Equal(t, "local", cfg.AdmissionBackend)
	assert.False(t, cfg.DebugWire)
	assert.Empty(t, cfg.EgressProxies)
}

func TestNew_EnvOverrides(t *testing.T) {
	t.Setenv("MANAGEMENT_TOKEN", "mgmt-token")
	t.Setenv("PER_CREDENTIAL_CONCURRENCY", "8")
	t.Setenv("RATE_LIMIT_BAN_DURATION", "30m")
	t.Setenv("EGRESS_PROXIES", "http://p1:8080, http://p2:8080")
	t.Setenv("VIDEO_POLL_ATTEMPTS", "42")
	t.Setenv("DEBUG_WIRE", "true")

	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.PerCredentialConcurrency)
	assert.Equal(t, 30*time.Minute, cfg.RateLimitBanDuration)
	assert.Equal(t, []string{"http://p1:8080", "http://p2:8080"}, cfg.EgressProxies)
	assert.Equal(t, 42, cfg.VideoPollAttempts)
	assert.True(t, cfg.DebugWire)
}

func TestNew_RejectsZeroConcurrency(t *testing.T) {
	t.Setenv("MANAGEMENT_TOKEN", "mgmt-token")
	t.Setenv("PER_CREDENTIAL_CONCURRENCY", "0")

	_, err := New()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PER_CREDENTIAL_CONCURRENCY")
}

func TestNew_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("MANAGEMENT_TOKEN", "mgmt-token")
	t.Setenv("FAILURE_BAN_THRESHOLD", "not-a-number")
	t.Setenv("UNBAN_SWEEP_INTERVAL", "soon")

	cfg, err := New()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.FailureBanThreshold)
	assert.Equal(t, time.Hour, cfg.UnbanSweepInterval)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 3, cfg.PerCredentialConcurrency)
	assert.Equal(t, 300, cfg.VideoPollAttempts)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestEnvOrDefaultHelpers(t *testing.T) {
	t.Setenv("SOME_STR", "x")
	t.Setenv("SOME_INT", "7")
	t.Setenv("SOME_BOOL", "true")

	assert.Equal(t, "x", EnvOrDefault("SOME_STR", "y"))
	assert.Equal(t, "y", EnvOrDefault("SOME_STR_MISSING", "y"))
	assert.Equal(t, 7, EnvIntOrDefault("SOME_INT", 1))
	assert.True(t, EnvBoolOrDefault("SOME_BOOL", false))
}
