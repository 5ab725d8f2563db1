package config

import (
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for oidc-login
type Config struct {
	LogLevel string // "debug", "info", "warn", "error"

	// Server connection
	VaultAddr      string
	VaultNamespace string
	VaultTimeout   time.Duration
	ClusterID      string // Looked up from sys/health when empty

	// Login form defaults
	Method    string
	MountPath string
	Role      string

	// Handshake
	RedirectURI    string
	ExpectedOrigin string // Origin messages must carry; derived from RedirectURI when empty
	PollInterval   time.Duration
	LoginTimeout   time.Duration
	WindowTTL      time.Duration

	// Relay
	RelayAddr       string
	RelayOrigin     string // Origin stamped on relayed messages
	EnableRateLimit bool
	TrustedProxies  []netip.Prefix // Peers whose X-Forwarded-For is believed

	// Redis
	RedisURL      string
	ChannelName   string
	EncryptionKey string // Base64-encoded 32-byte key for session encryption (AES-256)

	// ProfileFile is the YAML file defaults were read from, if any
	ProfileFile string
}

// Profile is the optional YAML file of per-user defaults
type Profile struct {
	VaultAddr   string `yaml:"vault_addr"`
	Namespace   string `yaml:"namespace"`
	Method      string `yaml:"method"`
	MountPath   string `yaml:"mount_path"`
	Role        string `yaml:"role"`
	RedirectURI string `yaml:"redirect_uri"`
	RedisURL    string `yaml:"redis_url"`
}

// LoadProfile reads a YAML profile file
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse profile %s: %w", path, err)
	}

	return &p, nil
}

// Load loads configuration.
// Priority: environment variables > profile file > defaults
func Load() (*Config, error) {
	profile := &Profile{}
	profileFile := os.Getenv("OIDC_LOGIN_CONFIG")
	if profileFile != "" {
		p, err := LoadProfile(profileFile)
		if err != nil {
			return nil, err
		}
		profile = p
	}

	cfg := &Config{
		LogLevel: getEnv("LOG_LEVEL", "info"),

		VaultAddr:      getEnv("VAULT_ADDR", or(profile.VaultAddr, "http://127.0.0.1:8200")),
		VaultNamespace: getEnv("VAULT_NAMESPACE", profile.Namespace),
		VaultTimeout:   getDurationEnv("VAULT_CLIENT_TIMEOUT", 10*time.Second),
		ClusterID:      getEnv("OIDC_LOGIN_CLUSTER_ID", ""),

		Method:    getEnv("OIDC_LOGIN_METHOD", or(profile.Method, "oidc")),
		MountPath: getEnv("OIDC_LOGIN_MOUNT", profile.MountPath),
		Role:      getEnv("OIDC_LOGIN_ROLE", profile.Role),

		RedirectURI:    getEnv("OIDC_LOGIN_REDIRECT_URI", or(profile.RedirectURI, "http://localhost:8250/oidc/callback")),
		ExpectedOrigin: getEnv("OIDC_LOGIN_EXPECTED_ORIGIN", ""),
		PollInterval:   getDurationEnv("OIDC_LOGIN_POLL_INTERVAL", 500*time.Millisecond),
		LoginTimeout:   getDurationEnv("OIDC_LOGIN_TIMEOUT", 5*time.Minute),
		WindowTTL:      getDurationEnv("OIDC_LOGIN_WINDOW_TTL", 4*time.Minute),

		RelayAddr:       getEnv("RELAY_ADDR", ":8250"),
		RelayOrigin:     getEnv("RELAY_PUBLIC_ORIGIN", ""),
		EnableRateLimit: getBoolEnv("RELAY_RATE_LIMIT", true),

		RedisURL:      getEnv("REDIS_URL", or(profile.RedisURL, "redis://localhost:6379/0")),
		ChannelName:   getEnv("OIDC_LOGIN_CHANNEL", "oidc:messages"),
		EncryptionKey: getEnv("REDIS_ENCRYPTION_KEY", ""),

		ProfileFile: profileFile,
	}

	if cfg.ExpectedOrigin == "" {
		cfg.ExpectedOrigin = originOf(cfg.RedirectURI)
	}
	if cfg.RelayOrigin == "" {
		cfg.RelayOrigin = cfg.ExpectedOrigin
	}

	proxies, err := parseTrustedProxies(getSliceEnv("RELAY_TRUSTED_PROXIES", nil))
	if err != nil {
		return nil, err
	}
	cfg.TrustedProxies = proxies

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}

	if err := validateHTTPURL("VAULT_ADDR", c.VaultAddr); err != nil {
		return err
	}
	if err := validateHTTPURL("OIDC_LOGIN_REDIRECT_URI", c.RedirectURI); err != nil {
		return err
	}

	if c.Method == "" {
		return fmt.Errorf("OIDC_LOGIN_METHOD must not be empty")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("OIDC_LOGIN_POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	if c.LoginTimeout <= 0 {
		return fmt.Errorf("OIDC_LOGIN_TIMEOUT must be positive, got %s", c.LoginTimeout)
	}
	if c.WindowTTL < time.Second {
		return fmt.Errorf("OIDC_LOGIN_WINDOW_TTL must be at least 1s, got %s", c.WindowTTL)
	}
	if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
		return fmt.Errorf("invalid REDIS_URL: must use redis:// or rediss://")
	}

	return nil
}

// Warnings lists settings that are valid but work against each other
func (c *Config) Warnings() []string {
	var warnings []string
	if c.WindowTTL >= c.LoginTimeout {
		warnings = append(warnings, fmt.Sprintf(
			"OIDC_LOGIN_WINDOW_TTL (%s) is not shorter than OIDC_LOGIN_TIMEOUT (%s): a window abandoned at the provider will be reported as a timeout",
			c.WindowTTL, c.LoginTimeout))
	}
	return warnings
}

// parseTrustedProxies accepts CIDR prefixes and bare addresses
func parseTrustedProxies(values []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		if p, err := netip.ParsePrefix(v); err == nil {
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, fmt.Errorf("invalid RELAY_TRUSTED_PROXIES entry %q", v)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

func validateHTTPURL(name, value string) error {
	u, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid %s: %q must be an absolute http(s) URL", name, value)
	}
	return nil
}

// originOf returns scheme://host of rawURL, or "" if it has none
func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func or(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getBoolEnv gets a boolean environment variable
func getBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	value = strings.ToLower(value)
	return value == "true" || value == "1" || value == "yes"
}

// getDurationEnv gets a duration environment variable
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return duration
}

// getSliceEnv gets a comma-separated list environment variable
func getSliceEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
