// ABOUTME: Configuration loading and parsing for tunnelward
// ABOUTME: Supports YAML or TOML files with environment variable expansion, duration parsing and defaults

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// MinSecretLength is the minimum length of auth.jwt_secret.
const MinSecretLength = 32

// Config represents the complete tunnelward configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale" toml:"tailscale"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	Identity    IdentityConfig    `yaml:"identity" toml:"identity"`
	VPN         VPNConfig         `yaml:"vpn" toml:"vpn"`
	CA          CAConfig          `yaml:"ca" toml:"ca"`
	Heartbeat   HeartbeatConfig   `yaml:"heartbeat" toml:"heartbeat"`
	Revocation  RevocationConfig  `yaml:"revocation" toml:"revocation"`
	Propagation PropagationConfig `yaml:"propagation" toml:"propagation"`
	Retention   RetentionConfig   `yaml:"retention" toml:"retention"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds listener addresses
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // health service; empty disables

	ShutdownTimeout    time.Duration `yaml:"-" toml:"-"`
	ShutdownTimeoutRaw string        `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	// HTTPS serves the API on :443 with certificates issued by Tailscale.
	HTTPS bool `yaml:"https" toml:"https"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds admin API authentication settings
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
	// SSOSecret authenticates the identity adapter on /auth/sso. Empty
	// disables SSO login.
	SSOSecret string `yaml:"sso_secret" toml:"sso_secret"`

	SessionTTL    time.Duration `yaml:"-" toml:"-"`
	SessionTTLRaw string        `yaml:"session_ttl" toml:"session_ttl"`
}

// IdentityConfig decides who is an admin at login
type IdentityConfig struct {
	AdminEmails []string `yaml:"admin_emails" toml:"admin_emails"`
	AdminGroups []string `yaml:"admin_groups" toml:"admin_groups"`
}

// VPNConfig holds credential issuance settings
type VPNConfig struct {
	AllowedCryptoProfiles []string `yaml:"allowed_crypto_profiles" toml:"allowed_crypto_profiles"`

	CertValidity    time.Duration `yaml:"-" toml:"-"`
	CertValidityRaw string        `yaml:"cert_validity" toml:"cert_validity"`
	DownloadTTL     time.Duration `yaml:"-" toml:"-"`
	DownloadTTLRaw  string        `yaml:"download_ttl" toml:"download_ttl"`
}

// CAConfig holds signing CA settings
type CAConfig struct {
	CommonName   string `yaml:"common_name" toml:"common_name"`
	Organization string `yaml:"organization" toml:"organization"`
	// Passphrase seals CA private keys at rest. Empty stores them unsealed.
	Passphrase string `yaml:"passphrase" toml:"passphrase"`

	Validity    time.Duration `yaml:"-" toml:"-"`
	ValidityRaw string        `yaml:"validity" toml:"validity"`
}

// HeartbeatConfig holds agent liveness settings
type HeartbeatConfig struct {
	QueueSize int `yaml:"queue_size" toml:"queue_size"`

	OfflineAfter    time.Duration `yaml:"-" toml:"-"`
	OfflineAfterRaw string        `yaml:"offline_after" toml:"offline_after"`
}

// RedisConfig points at a shared Redis. Empty Addr disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
	Prefix   string `yaml:"prefix" toml:"prefix"`
}

// RevocationConfig holds deny-list and bulk revocation settings
type RevocationConfig struct {
	Redis       RedisConfig `yaml:"redis" toml:"redis"`
	MaxAttempts int         `yaml:"max_attempts" toml:"max_attempts"`
	Concurrency int         `yaml:"concurrency" toml:"concurrency"`

	RetryInitial    time.Duration `yaml:"-" toml:"-"`
	RetryInitialRaw string        `yaml:"retry_initial" toml:"retry_initial"`
	RetryMax        time.Duration `yaml:"-" toml:"-"`
	RetryMaxRaw     string        `yaml:"retry_max" toml:"retry_max"`
	WarmWindow      time.Duration `yaml:"-" toml:"-"`
	WarmWindowRaw   string        `yaml:"warm_window" toml:"warm_window"`
}

// PropagationConfig holds revocation push settings
type PropagationConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Token     string `yaml:"token" toml:"token"`
	QueueSize int    `yaml:"queue_size" toml:"queue_size"`

	Timeout         time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw      string        `yaml:"timeout" toml:"timeout"`
	RetryInitial    time.Duration `yaml:"-" toml:"-"`
	RetryInitialRaw string        `yaml:"retry_initial" toml:"retry_initial"`
	RetryMax        time.Duration `yaml:"-" toml:"-"`
	RetryMaxRaw     string        `yaml:"retry_max" toml:"retry_max"`
}

// RetentionConfig controls purging of old VPN config history. A zero
// PurgeAfter disables the purge.
type RetentionConfig struct {
	PurgeAfter    time.Duration `yaml:"-" toml:"-"`
	PurgeAfterRaw string        `yaml:"purge_after" toml:"purge_after"`
	Interval      time.Duration `yaml:"-" toml:"-"`
	IntervalRaw   string        `yaml:"interval" toml:"interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// DefaultPath returns the config file path.
// Priority: TUNNELWARD_CONFIG env var > XDG_CONFIG_HOME/tunnelward/config.yaml > ~/.config/tunnelward/config.yaml
func DefaultPath() string {
	if envPath := os.Getenv("TUNNELWARD_CONFIG"); envPath != "" {
		return envPath
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "tunnelward", "config.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes configuration bytes, applies defaults and validates.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Auth.SessionTTL == 0 {
		c.Auth.SessionTTL = 12 * time.Hour
	}
	if len(c.VPN.AllowedCryptoProfiles) == 0 {
		c.VPN.AllowedCryptoProfiles = []string{"modern", "fips", "compatible"}
	}
	if c.VPN.CertValidity == 0 {
		c.VPN.CertValidity = 24 * time.Hour
	}
	if c.VPN.DownloadTTL == 0 {
		c.VPN.DownloadTTL = time.Hour
	}
	if c.CA.CommonName == "" {
		c.CA.CommonName = "tunnelward CA"
	}
	if c.CA.Validity == 0 {
		c.CA.Validity = 5 * 365 * 24 * time.Hour
	}
	if c.Heartbeat.OfflineAfter == 0 {
		c.Heartbeat.OfflineAfter = 2 * time.Minute
	}
	if c.Retention.PurgeAfter > 0 && c.Retention.Interval == 0 {
		c.Retention.Interval = time.Hour
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Tailscale.Enabled && c.Tailscale.StateDir == "" && c.Database.Path != "" {
		c.Tailscale.StateDir = filepath.Join(filepath.Dir(c.Database.Path), "tsnet")
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if len(c.Auth.JWTSecret) < MinSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d characters", MinSecretLength)
	}
	for _, p := range c.VPN.AllowedCryptoProfiles {
		if !slices.Contains([]string{"modern", "fips", "compatible"}, p) {
			return fmt.Errorf("vpn.allowed_crypto_profiles: unknown profile %q", p)
		}
	}
	if c.Heartbeat.OfflineAfter < 0 {
		return fmt.Errorf("heartbeat.offline_after must be positive")
	}
	if c.Retention.PurgeAfter < 0 {
		return fmt.Errorf("retention.purge_after must not be negative")
	}
	if c.Propagation.Enabled && c.Propagation.Token == "" {
		return fmt.Errorf("propagation.token is required when propagation is enabled")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"auth.session_ttl", cfg.Auth.SessionTTLRaw, &cfg.Auth.SessionTTL},
		{"vpn.cert_validity", cfg.VPN.CertValidityRaw, &cfg.VPN.CertValidity},
		{"vpn.download_ttl", cfg.VPN.DownloadTTLRaw, &cfg.VPN.DownloadTTL},
		{"ca.validity", cfg.CA.ValidityRaw, &cfg.CA.Validity},
		{"heartbeat.offline_after", cfg.Heartbeat.OfflineAfterRaw, &cfg.Heartbeat.OfflineAfter},
		{"revocation.retry_initial", cfg.Revocation.RetryInitialRaw, &cfg.Revocation.RetryInitial},
		{"revocation.retry_max", cfg.Revocation.RetryMaxRaw, &cfg.Revocation.RetryMax},
		{"revocation.warm_window", cfg.Revocation.WarmWindowRaw, &cfg.Revocation.WarmWindow},
		{"propagation.timeout", cfg.Propagation.TimeoutRaw, &cfg.Propagation.Timeout},
		{"propagation.retry_initial", cfg.Propagation.RetryInitialRaw, &cfg.Propagation.RetryInitial},
		{"propagation.retry_max", cfg.Propagation.RetryMaxRaw, &cfg.Propagation.RetryMax},
		{"retention.purge_after", cfg.Retention.PurgeAfterRaw, &cfg.Retention.PurgeAfter},
		{"retention.interval", cfg.Retention.IntervalRaw, &cfg.Retention.Interval},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
