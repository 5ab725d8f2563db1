package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"LOG_LEVEL", "VAULT_ADDR", "VAULT_NAMESPACE", "VAULT_CLIENT_TIMEOUT", "OIDC_LOGIN_CLUSTER_ID",
	"OIDC_LOGIN_METHOD", "OIDC_LOGIN_MOUNT", "OIDC_LOGIN_ROLE", "OIDC_LOGIN_REDIRECT_URI",
	"OIDC_LOGIN_EXPECTED_ORIGIN", "OIDC_LOGIN_POLL_INTERVAL", "OIDC_LOGIN_TIMEOUT", "OIDC_LOGIN_WINDOW_TTL",
	"RELAY_ADDR", "RELAY_PUBLIC_ORIGIN", "RELAY_RATE_LIMIT", "RELAY_TRUSTED_PROXIES", "REDIS_URL", "OIDC_LOGIN_CHANNEL",
	"REDIS_ENCRYPTION_KEY", "OIDC_LOGIN_CONFIG",
}

// clearEnv blanks every variable Load reads for the duration of the test
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
	}
}

func writeProfile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("default values", func(t *testing.T) {
		clearEnv(t)

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "info", cfg.LogLevel)
		assert.Equal(t, "http://127.0.0.1:8200", cfg.VaultAddr)
		assert.Equal(t, "oidc", cfg.Method)
		assert.Empty(t, cfg.MountPath)
		assert.Equal(t, "http://localhost:8250/oidc/callback", cfg.RedirectURI)
		assert.Equal(t, "http://localhost:8250", cfg.ExpectedOrigin)
		assert.Equal(t, "http://localhost:8250", cfg.RelayOrigin)
		assert.Equal(t, 500*time.Millisecond, cfg.PollInterval)
		assert.Equal(t, 5*time.Minute, cfg.LoginTimeout)
		assert.Less(t, cfg.WindowTTL, cfg.LoginTimeout)
		assert.Empty(t, cfg.Warnings())
		assert.True(t, cfg.EnableRateLimit)
		assert.Empty(t, cfg.TrustedProxies)
		assert.Equal(t, "oidc:messages", cfg.ChannelName)
	})

	t.Run("custom values", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("LOG_LEVEL", "debug")
		t.Setenv("VAULT_ADDR", "https://vault.example.com")
		t.Setenv("VAULT_NAMESPACE", "admin")
		t.Setenv("OIDC_LOGIN_METHOD", "jwt")
		t.Setenv("OIDC_LOGIN_MOUNT", "corp-jwt")
		t.Setenv("OIDC_LOGIN_POLL_INTERVAL", "250ms")
		t.Setenv("OIDC_LOGIN_EXPECTED_ORIGIN", "https://login.example.com")
		t.Setenv("RELAY_RATE_LIMIT", "false")
		t.Setenv("RELAY_TRUSTED_PROXIES", "10.0.0.0/8, 192.0.2.1, ::ffff:198.51.100.4")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, "https://vault.example.com", cfg.VaultAddr)
		assert.Equal(t, "admin", cfg.VaultNamespace)
		assert.Equal(t, "jwt", cfg.Method)
		assert.Equal(t, "corp-jwt", cfg.MountPath)
		assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
		assert.Equal(t, "https://login.example.com", cfg.ExpectedOrigin)
		assert.Equal(t, "https://login.example.com", cfg.RelayOrigin)
		assert.False(t, cfg.EnableRateLimit)
		assert.Equal(t, []netip.Prefix{
			netip.MustParsePrefix("10.0.0.0/8"),
			netip.MustParsePrefix("192.0.2.1/32"),
			netip.MustParsePrefix("198.51.100.4/32"),
		}, cfg.TrustedProxies)
	})

	t.Run("window outliving the login is reported", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("OIDC_LOGIN_TIMEOUT", "2m")
		t.Setenv("OIDC_LOGIN_WINDOW_TTL", "10m")

		cfg, err := Load()
		require.NoError(t, err)

		warnings := cfg.Warnings()
		require.Len(t, warnings, 1)
		assert.Contains(t, warnings[0], "OIDC_LOGIN_WINDOW_TTL")
	})

	t.Run("invalid duration falls back to default", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("OIDC_LOGIN_TIMEOUT", "soon")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 5*time.Minute, cfg.LoginTimeout)
	})

	t.Run("invalid values are rejected", func(t *testing.T) {
		testCases := map[string]string{
			"LOG_LEVEL":                "verbose",
			"VAULT_ADDR":               "vault.example.com",
			"OIDC_LOGIN_REDIRECT_URI":  "/oidc/callback",
			"OIDC_LOGIN_POLL_INTERVAL": "-1s",
			"REDIS_URL":                "localhost:6379",
			"RELAY_TRUSTED_PROXIES":    "10.0.0.0/8, proxy.internal",
		}
		for key, value := range testCases {
			t.Run(key, func(t *testing.T) {
				clearEnv(t)
				t.Setenv(key, value)

				_, err := Load()
				assert.Error(t, err)
			})
		}
	})
}

func TestLoad_Profile(t *testing.T) {
	t.Run("profile supplies defaults", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("OIDC_LOGIN_CONFIG", writeProfile(t, `
vault_addr: https://vault.corp.example
namespace: eng
method: oidc
mount_path: okta
role: developer
`))

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "https://vault.corp.example", cfg.VaultAddr)
		assert.Equal(t, "eng", cfg.VaultNamespace)
		assert.Equal(t, "okta", cfg.MountPath)
		assert.Equal(t, "developer", cfg.Role)
		assert.NotEmpty(t, cfg.ProfileFile)
	})

	t.Run("environment wins over profile", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("OIDC_LOGIN_CONFIG", writeProfile(t, "role: developer\n"))
		t.Setenv("OIDC_LOGIN_ROLE", "admin")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "admin", cfg.Role)
	})

	t.Run("missing file", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("OIDC_LOGIN_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("malformed file", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("OIDC_LOGIN_CONFIG", writeProfile(t, "role: [unterminated\n"))

		_, err := Load()
		assert.Error(t, err)
	})
}

func TestOriginOf(t *testing.T) {
	assert.Equal(t, "https://a.example:8443", originOf("https://a.example:8443/cb?x=1"))
	assert.Empty(t, originOf("/relative"))
}
