package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(overrides map[string]string) func(string) string {
	base := map[string]string{
		"DATABASE_URL":    "postgres://localhost/paygate",
		"ENCRYPTION_KEY":  "0123456789abcdef0123456789abcdef",
		"JWT_SECRET":      "jwt",
		"FACILITATOR_URL": "https://x402.polygon.technology",
	}
	for k, v := range overrides {
		base[k] = v
	}
	return func(key string) string { return base[key] }
}

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv(env(nil))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, ":8080", cfg.Addr())
	assert.Equal(t, "http://localhost:8080", cfg.AppURL)
	assert.Equal(t, "polygon-amoy", cfg.Network)
	assert.Equal(t, "https://rpc-amoy.polygon.technology", cfg.RPCURL)
	assert.Equal(t, 7*24*time.Hour, cfg.SessionTTL)
	assert.Equal(t, 300, cfg.ChallengeTimeoutSeconds)
	assert.Equal(t, 30*time.Second, cfg.FacilitatorTimeout)
	assert.Equal(t, 10*time.Minute, cfg.SettlementCacheTTL)
	assert.Equal(t, 10.0, cfg.RateLimitRPS)
	assert.Equal(t, 20, cfg.RateLimitBurst)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestFromEnvOverrides(t *testing.T) {
	cfg, err := FromEnv(env(map[string]string{
		"PORT":        "9000",
		"APP_URL":     "https://paygate.example",
		"NETWORK":     "base-sepolia",
		"SESSION_TTL": "1h",
		"LOG_LEVEL":   "debug",
	}))
	require.NoError(t, err)

	assert.Equal(t, "https://paygate.example", cfg.AppURL)
	assert.Equal(t, "base-sepolia", cfg.Network)
	assert.Equal(t, "https://sepolia.base.org", cfg.RPCURL)
	assert.Equal(t, time.Hour, cfg.SessionTTL)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestFromEnvReportsAllMissing(t *testing.T) {
	_, err := FromEnv(func(string) string { return "" })
	require.Error(t, err)
	for _, key := range []string{"DATABASE_URL", "ENCRYPTION_KEY", "JWT_SECRET", "FACILITATOR_URL"} {
		assert.Contains(t, err.Error(), key)
	}
}

func TestFromEnvRejectsBadValues(t *testing.T) {
	tests := map[string]map[string]string{
		"short key":       {"ENCRYPTION_KEY": "short"},
		"unknown network": {"NETWORK": "solana"},
		"bad duration":    {"SESSION_TTL": "a week"},
		"bad int":         {"RATE_LIMIT_BURST": "many"},
		"relative url":    {"FACILITATOR_URL": "x402.polygon.technology"},
		"zero timeout":    {"CHALLENGE_TIMEOUT_SECONDS": "0"},
		"bad level":       {"LOG_LEVEL": "loud"},
	}

	for name, overrides := range tests {
		_, err := FromEnv(env(overrides))
		assert.Error(t, err, name)
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(
		"DATABASE_URL=postgres://db/paygate\n"+
			"ENCRYPTION_KEY=0123456789abcdef0123456789abcdef\n"+
			"JWT_SECRET=jwt\n"+
			"FACILITATOR_URL=https://facilitator.example\n"+
			"PORT=7000\n"), 0o600))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	for _, key := range []string{"DATABASE_URL", "ENCRYPTION_KEY", "JWT_SECRET", "FACILITATOR_URL", "PORT"} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://db/paygate", cfg.DatabaseURL)
	assert.Equal(t, "7000", cfg.Port)
}
