package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CLAUDE_OAUTH_CLIENT_ID", "")
	t.Setenv("CLAUDE_OAUTH_SCOPES", "")
	t.Setenv("CLAUDE_REFRESH_SWEEP_INTERVAL", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("AUTH_MODE", "")

	cfg := Load()

	assert.Equal(t, DefaultClientID, cfg.Claude.ClientID)
	assert.Equal(t, DefaultTokenURL, cfg.Claude.TokenURL)
	assert.Equal(t, []string{"org:create_api_key", "user:profile", "user:inference"}, cfg.Claude.Scopes)
	assert.Equal(t, time.Minute, cfg.Sweep.Interval)
	assert.Equal(t, 10*time.Minute, cfg.Sweep.Window)
	assert.False(t, cfg.Redis.Enabled())
	assert.Equal(t, AuthModeAPIKey, cfg.Auth.Mode)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CLAUDE_OAUTH_SCOPES", "user:inference, user:profile,user:inference")
	t.Setenv("CLAUDE_REFRESH_SWEEP_INTERVAL", "90")
	t.Setenv("CLAUDE_AUTO_REFRESH", "off")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("ENVIRONMENT", "Production")
	t.Setenv("AUTH_MODE", " Trusted_Header ")

	cfg := Load()

	assert.Equal(t, []string{"user:inference", "user:profile"}, cfg.Claude.Scopes)
	assert.Equal(t, 90*time.Second, cfg.Sweep.Interval)
	assert.False(t, cfg.Claude.AutoRefresh)
	assert.True(t, cfg.Redis.Enabled())
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, AuthModeTrustedHeader, cfg.Auth.Mode)

	t.Setenv("AUTH_MODE", "anyone")
	assert.Equal(t, AuthModeAPIKey, Load().Auth.Mode)
}

func TestLoadObservability(t *testing.T) {
	t.Setenv("LOG_LEVEL", " DEBUG ")
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", "http/protobuf")
	t.Setenv("OTEL_SAMPLING_RATIO", "4")

	obs := Load().Observability
	assert.Equal(t, "debug", obs.LogLevel)
	assert.True(t, obs.OtelEnabled)
	assert.Equal(t, "collector:4317", obs.OtelEndpoint)
	assert.Equal(t, "http", obs.OtelProtocol)
	assert.Equal(t, 1.0, obs.SamplingRatio)
}

func TestRefreshPolicyDefaultsWithoutFile(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	holder, err := NewRefreshPolicyHolder(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultRefreshPolicy(), holder.Get())
}

func TestRefreshPolicyFromFile(t *testing.T) {
	dir := t.TempDir()
	body := "refresh:\n  threshold: 2m\n  maxRetries: 5\n  attemptTimeout: 10s\n  initialBackoff: 500ms\n  maxBackoff: 4s\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "claude.yaml"), []byte(body), 0o600))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	holder, err := NewRefreshPolicyHolder(nil)
	require.NoError(t, err)

	got := holder.Get()
	assert.Equal(t, 2*time.Minute, got.Threshold)
	assert.Equal(t, 5, got.MaxRetries)
	assert.Equal(t, 10*time.Second, got.AttemptTimeout)
	assert.Equal(t, 500*time.Millisecond, got.InitialBackoff)
}

func TestValidateRefreshPolicy(t *testing.T) {
	p := DefaultRefreshPolicy()
	p.MaxRetries = 0
	if err := validateRefreshPolicy(p); err == nil {
		t.Fatalf("expected error for zero retries")
	}

	p = DefaultRefreshPolicy()
	p.MaxBackoff = p.InitialBackoff / 2
	if err := validateRefreshPolicy(p); err == nil {
		t.Fatalf("expected error for max backoff below initial")
	}
}
