// ABOUTME: Configuration loading and parsing for warden
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete warden configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Xray      XrayConfig      `yaml:"xray"`
	VPN       VPNConfig       `yaml:"vpn"`
	Reality   RealityConfig   `yaml:"reality"`
	Auth      AuthConfig      `yaml:"auth"`
	Sweep     SweepConfig     `yaml:"sweep"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Redis     RedisConfig     `yaml:"redis"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	CertFile  string `yaml:"cert_file"` // TLS cert file (generate via: tailscale cert <hostname>)
	KeyFile   string `yaml:"key_file"`  // TLS key file
	Funnel    bool   `yaml:"funnel"`    // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig holds the subscription database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// XrayConfig holds the proxy process configuration
type XrayConfig struct {
	ConfigPath string `yaml:"config_path"`
	Unit       string `yaml:"unit"`
	Binary     string `yaml:"binary"`

	// ValidateBeforeRestart gates restarts on a passing config check.
	// Off by default: validation is reported either way, but a broken
	// check binary must not block access changes.
	ValidateBeforeRestart bool `yaml:"validate_before_restart"`
}

// VPNConfig holds the public-facing connection parameters embedded in links
type VPNConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Name        string `yaml:"name"`         // display name shown in client apps
	EmailDomain string `yaml:"email_domain"` // domain for client-entry email tags
}

// RealityConfig holds the Reality transport parameters.
// The private key seeds the server document; the rest is embedded in links.
type RealityConfig struct {
	PublicKey   string `yaml:"public_key"`
	PrivateKey  string `yaml:"private_key"`
	ServerName  string `yaml:"server_name"`
	ShortID     string `yaml:"short_id"`
	Fingerprint string `yaml:"fingerprint"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret     string `yaml:"jwt_secret"`
	AdminUsername string `yaml:"admin_username"`
	// AdminPassword is compared verbatim, or as a bcrypt digest when the
	// value starts with a bcrypt prefix ($2a$, $2b$, $2y$).
	AdminPassword string `yaml:"admin_password"`

	TokenTTL    time.Duration `yaml:"-"`
	TokenTTLRaw string        `yaml:"token_ttl"`
}

// SweepConfig holds the reconciliation schedule
type SweepConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"` // cron expression, standard five fields
}

// RateLimitConfig bounds login and link-issuance attempts per client IP
type RateLimitConfig struct {
	Enabled  bool `yaml:"enabled"`
	Requests int  `yaml:"requests"`

	Window    time.Duration `yaml:"-"`
	WindowRaw string        `yaml:"window"`
}

// RedisConfig holds the optional Redis backend for rate limiting, shared
// across instances when the API runs behind more than one process
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills unset optional fields with production defaults.
func (c *Config) applyDefaults() {
	if c.Xray.ConfigPath == "" {
		c.Xray.ConfigPath = "/usr/local/etc/xray/config.json"
	}
	if c.Xray.Unit == "" {
		c.Xray.Unit = "xray"
	}
	if c.Xray.Binary == "" {
		c.Xray.Binary = "/usr/local/bin/xray"
	}
	if c.VPN.Port == 0 {
		c.VPN.Port = 443
	}
	if c.VPN.EmailDomain == "" {
		c.VPN.EmailDomain = "sunstrikevpn.local"
	}
	if c.Reality.Fingerprint == "" {
		c.Reality.Fingerprint = "chrome"
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 30 * time.Minute
	}
	if c.Sweep.Schedule == "" {
		c.Sweep.Schedule = "* * * * *"
	}
	if c.RateLimit.Requests == 0 {
		c.RateLimit.Requests = 5
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = time.Minute
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// A listen address is required unless Tailscale serves instead
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.VPN.Host == "" {
		return fmt.Errorf("vpn.host is required")
	}

	if c.Reality.PublicKey == "" {
		return fmt.Errorf("reality.public_key is required")
	}
	if c.Reality.PrivateKey == "" {
		return fmt.Errorf("reality.private_key is required")
	}
	if c.Reality.ServerName == "" {
		return fmt.Errorf("reality.server_name is required")
	}
	if c.Reality.ShortID == "" {
		return fmt.Errorf("reality.short_id is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}
	if c.Auth.AdminUsername == "" {
		return fmt.Errorf("auth.admin_username is required")
	}
	if c.Auth.AdminPassword == "" {
		return fmt.Errorf("auth.admin_password is required")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Auth.TokenTTLRaw != "" {
		cfg.Auth.TokenTTL, err = time.ParseDuration(cfg.Auth.TokenTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing token_ttl %q: %w", cfg.Auth.TokenTTLRaw, err)
		}
	}

	if cfg.RateLimit.WindowRaw != "" {
		cfg.RateLimit.Window, err = time.ParseDuration(cfg.RateLimit.WindowRaw)
		if err != nil {
			return fmt.Errorf("parsing ratelimit window %q: %w", cfg.RateLimit.WindowRaw, err)
		}
	}

	return nil
}
