// ABOUTME: Configuration and token storage for the warden-admin CLI
// ABOUTME: Loads TOML config from the XDG path with env var overrides

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server ServerConfig `toml:"server"`
}

type ServerConfig struct {
	URL string `toml:"url"`
}

// configPath returns the admin CLI config location.
// Priority: WARDEN_ADMIN_CONFIG env var > XDG_CONFIG_HOME/warden/admin.toml > ~/.config/warden/admin.toml
func configPath() string {
	if envPath := os.Getenv("WARDEN_ADMIN_CONFIG"); envPath != "" {
		return envPath
	}
	return filepath.Join(configDir(), "warden", "admin.toml")
}

func configDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return dir
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(homeDir, ".config")
}

// loadConfig reads the admin config. A missing file is not an error; the
// WARDEN_URL env var and the default URL cover the zero-config case.
func loadConfig() (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(configPath())
	if err == nil {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if envURL := os.Getenv("WARDEN_URL"); envURL != "" {
		cfg.Server.URL = envURL
	}
	if cfg.Server.URL == "" {
		cfg.Server.URL = "http://localhost:8080"
	}
	cfg.Server.URL = strings.TrimSuffix(cfg.Server.URL, "/")

	return cfg, nil
}

// getToken returns the JWT token from the WARDEN_TOKEN env var or the token
// file written by `warden-admin login`.
func getToken() string {
	if token := os.Getenv("WARDEN_TOKEN"); token != "" {
		return token
	}

	data, err := os.ReadFile(tokenPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func tokenPath() string {
	return filepath.Join(configDir(), "warden", "token")
}

// saveToken writes the token file for later invocations and returns its path.
func saveToken(token string) (string, error) {
	path := tokenPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(token), 0600); err != nil {
		return "", fmt.Errorf("writing token file: %w", err)
	}
	return path, nil
}
