package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("AUTH_PROVIDER", "")
	t.Setenv("APP_ENV", "")
	t.Setenv("REDIS_ADDR", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ProviderLocal, cfg.Auth.Provider)
	assert.True(t, cfg.Auth.AutoApprove)
	assert.Equal(t, 24*time.Hour, cfg.Store.TTL)
	assert.Equal(t, 30*time.Minute, cfg.Store.StaleAfter)
	assert.Equal(t, RateLimitPolicy{MaxRequests: 5, Window: time.Minute}, cfg.RateLimit.Login)
	assert.Equal(t, RateLimitPolicy{MaxRequests: 100, Window: time.Minute}, cfg.RateLimit.API)
	assert.Equal(t, RateLimitPolicy{MaxRequests: 10, Window: 5 * time.Minute}, cfg.RateLimit.Upload)
	assert.Equal(t, 5*time.Minute, cfg.RateLimit.SweepInterval)
	assert.Equal(t, 100, cfg.Diagnostics.Capacity)
	assert.Empty(t, cfg.Redis.Addr)
	assert.False(t, cfg.App.IsProduction())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("RATE_LIMIT_LOGIN_MAX", "3")
	t.Setenv("RATE_LIMIT_LOGIN_WINDOW", "10s")
	t.Setenv("STORE_TTL", "1h")
	t.Setenv("STORE_HOOK_FOCUS", "false")
	t.Setenv("STORE_DEBOUNCE", "not-a-duration")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, RateLimitPolicy{MaxRequests: 3, Window: 10 * time.Second}, cfg.RateLimit.Login)
	assert.Equal(t, time.Hour, cfg.Store.TTL)
	assert.False(t, cfg.Store.HookFocus)
	assert.Equal(t, 300*time.Millisecond, cfg.Store.DebounceWindow)
}

func TestLoad_RejectsBadProvider(t *testing.T) {
	t.Setenv("AUTH_PROVIDER", "carrier-pigeon")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("AUTH_PROVIDER", "remote")
	t.Setenv("AUTH_PROVIDER_URL", "")
	_, err = Load()
	assert.Error(t, err)
}

func TestLoad_ProductionRequiresSecret(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("AUTH_PROVIDER", "local")
	t.Setenv("AUTH_JWT_SECRET", "")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("AUTH_JWT_SECRET", "a-real-secret")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.App.IsProduction())
}

func TestLoad_SessionKeyOutsideStateNamespace(t *testing.T) {
	t.Setenv("AUTH_PROVIDER", "")
	t.Setenv("APP_ENV", "")
	t.Setenv("STORE_NAMESPACE", "")
	t.Setenv("AUTH_SESSION_KEY", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "auth:provider_session", cfg.Auth.SessionKey)

	t.Setenv("AUTH_SESSION_KEY", "app:provider_session")
	_, err = Load()
	assert.Error(t, err)
}
