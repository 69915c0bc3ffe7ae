package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"MCPBOX_ENCRYPTION_MASTER_KEY", "MCPBOX_SERVICE_TOKEN", "MCPBOX_JWT_SIGNING_KEY",
		"MCPBOX_DB_URL", "MCPBOX_DB_MAX_CONNS", "MCPBOX_RATE_LIMIT_RPM",
		"MCPBOX_REMOTE_ACCESS_MODE", "MCPBOX_JWT_ACCESS_EXPIRY",
	}
	for _, k := range keys {
		os.Unsetenv(k)
	}
}

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("MCPBOX_ENCRYPTION_MASTER_KEY", "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff")
	t.Setenv("MCPBOX_SERVICE_TOKEN", "s3cr3t")
	t.Setenv("MCPBOX_JWT_SIGNING_KEY", "jwt-signing-key")
}

func TestLoad_MissingMasterKey_Errors(t *testing.T) {
	clearEnv(t)
	_, err := Load()
	require.Error(t, err)
}

func TestLoad_MasterKeyMustBeHex32Bytes(t *testing.T) {
	clearEnv(t)
	t.Setenv("MCPBOX_SERVICE_TOKEN", "s3cr3t")
	t.Setenv("MCPBOX_JWT_SIGNING_KEY", "key")
	t.Setenv("MCPBOX_ENCRYPTION_MASTER_KEY", "not-hex")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("MCPBOX_ENCRYPTION_MASTER_KEY", "aabb")
	_, err = Load()
	require.Error(t, err)
}

func TestLoad_MissingServiceToken_Errors(t *testing.T) {
	clearEnv(t)
	t.Setenv("MCPBOX_ENCRYPTION_MASTER_KEY", "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff")
	t.Setenv("MCPBOX_JWT_SIGNING_KEY", "key")
	_, err := Load()
	require.Error(t, err)
}

func TestLoad_AppliesDefaults(t *testing.T) {
	clearEnv(t)
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Len(t, cfg.EncryptionMasterKey, 32)
	assert.Equal(t, "s3cr3t", cfg.ServiceToken)
	assert.Equal(t, 100, cfg.RateLimitRPM)
	assert.Equal(t, 15*time.Minute, cfg.JWTAccessExpiry)
	assert.Equal(t, ":8080", cfg.GatewayAddr)
	assert.False(t, cfg.RemoteAccessMode)
	assert.Equal(t, 1, cfg.McpExternalPoolSize)
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	clearEnv(t)
	setRequiredEnv(t)
	t.Setenv("MCPBOX_RATE_LIMIT_RPM", "500")
	t.Setenv("MCPBOX_REMOTE_ACCESS_MODE", "true")
	t.Setenv("MCPBOX_JWT_ACCESS_EXPIRY", "1h")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.RateLimitRPM)
	assert.True(t, cfg.RemoteAccessMode)
	assert.Equal(t, time.Hour, cfg.JWTAccessExpiry)
}

func TestLoad_InvalidIntFallsBackToDefault(t *testing.T) {
	clearEnv(t)
	setRequiredEnv(t)
	t.Setenv("MCPBOX_RATE_LIMIT_RPM", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.RateLimitRPM)
}
