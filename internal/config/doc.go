// Package config handles configuration loading for warden.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from WARDEN_CONFIG environment variable
//  2. ./warden.yaml (current directory)
//  3. /etc/warden/warden.yaml
//  4. ~/.config/warden/warden.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${WARDEN_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	auth:
//	  token_ttl: "30m"
//	ratelimit:
//	  window: "1m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # API listener
//
// Database:
//
//	database:
//	  path: "/var/lib/warden/warden.db"
//
// Proxy process:
//
//	xray:
//	  config_path: "/usr/local/etc/xray/config.json"
//	  unit: "xray"                       # systemd unit name
//	  binary: "/usr/local/bin/xray"      # used for config validation
//	  validate_before_restart: false     # gate restarts on passing validation
//
// Connection parameters (embedded in subscriber links):
//
//	vpn:
//	  host: "vpn.example.com"
//	  port: 443
//	  name: "Halcyon VPN"                # remark shown in client apps
//	  email_domain: "sunstrikevpn.local"
//
// Reality transport:
//
//	reality:
//	  public_key: "${REALITY_PUBLIC_KEY}"
//	  private_key: "${REALITY_PRIVATE_KEY}"
//	  server_name: "www.microsoft.com"
//	  short_id: "6ba85179e30d4fc2"
//	  fingerprint: "chrome"
//
// Authentication:
//
//	auth:
//	  jwt_secret: "${WARDEN_JWT_SECRET}"   # Required, min 32 bytes
//	  admin_username: "admin"
//	  admin_password: "${WARDEN_ADMIN_PASSWORD}"  # plaintext or bcrypt digest
//	  token_ttl: "30m"
//
// Reconciliation sweep:
//
//	sweep:
//	  enabled: true
//	  schedule: "* * * * *"   # standard five-field cron expression
//
// Rate limiting:
//
//	ratelimit:
//	  enabled: true
//	  requests: 5
//	  window: "1m"
//
//	redis:
//	  enabled: false          # in-memory limiter when disabled
//	  addr: "localhost:6379"
//	  password: ""
//	  db: 0
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "warden"
//	  auth_key: "${TS_AUTHKEY}"
//	  funnel: false
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() validates:
//
//   - Listen address presence (unless Tailscale serves instead)
//   - Database path presence
//   - Reality key material presence
//   - JWT secret minimum length (32 bytes)
//   - Admin credential presence
//   - Duration format validity
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load("/etc/warden/warden.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
