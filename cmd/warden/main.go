// ABOUTME: Entry point for the warden access-control daemon
// ABOUTME: Serves the subscriber API and reconciles Xray against the database

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/halcyon-vpn/warden/internal/config"
	"github.com/halcyon-vpn/warden/internal/proxyctl"
	"github.com/halcyon-vpn/warden/internal/reconcile"
	"github.com/halcyon-vpn/warden/internal/server"
	"github.com/halcyon-vpn/warden/internal/store"
	"github.com/halcyon-vpn/warden/internal/xray"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                        _
__      ____ _ _ __ __| | ___ _ __
\ \ /\ / / _' | '__/ _' |/ _ \ '_ \
 \ V  V / (_| | | | (_| |  __/ | | |
  \_/\_/ \__,_|_|  \__,_|\___|_| |_|
`

// getConfigPath returns the path to the warden config file.
// Priority: WARDEN_CONFIG env var > ./warden.yaml > /etc/warden/warden.yaml > ~/.config/warden/warden.yaml
func getConfigPath() string {
	if envPath := os.Getenv("WARDEN_CONFIG"); envPath != "" {
		return envPath
	}

	if _, err := os.Stat("warden.yaml"); err == nil {
		return "warden.yaml"
	}

	if _, err := os.Stat("/etc/warden/warden.yaml"); err == nil {
		return "/etc/warden/warden.yaml"
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "warden.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "warden", "warden.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: warden <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the API server and scheduled sweeps")
		fmt.Println("  sweep    Run a single reconciliation sweep and exit")
		fmt.Println("  status   Show subscription counts and proxy state")
		fmt.Println("  health   Check server health")
		fmt.Println("  init     Create a new config file interactively")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "sweep":
		err = runSweep(ctx)
	case "status":
		err = runStatus(ctx)
	case "health":
		err = runHealth(ctx)
	case "init":
		err = runInit()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	// Startup info
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:    %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Proxy:   %s (%s)\n", cfg.Xray.Unit, cfg.Xray.ConfigPath)

	if cfg.Sweep.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Sweep:   %s\n", cfg.Sweep.Schedule)
	}

	// Tailscale status
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting warden",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"proxy_unit", cfg.Xray.Unit,
	)

	// Create and run server
	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	return srv.Run(ctx)
}

// runSweep performs one reconciliation pass against the live stores and
// prints the report. Useful from cron jobs or when diagnosing drift by hand.
func runSweep(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	dbPath := cfg.Database.Path
	if envPath := os.Getenv("WARDEN_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	subs, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer subs.Close()

	access, err := xray.NewStore(cfg.Xray.ConfigPath, xray.Seed{
		Port:       cfg.VPN.Port,
		ServerName: cfg.Reality.ServerName,
		PrivateKey: cfg.Reality.PrivateKey,
		ShortID:    cfg.Reality.ShortID,
	})
	if err != nil {
		return fmt.Errorf("opening access store: %w", err)
	}

	proxy := proxyctl.New(proxyctl.Config{
		Unit:   cfg.Xray.Unit,
		Binary: cfg.Xray.Binary,
	})

	report, err := reconcile.New(cfg, subs, access, proxy).Run(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	fmt.Println()
	cyan.Println("  Sweep Report")
	cyan.Println("  ------------")
	fmt.Printf("  Subscriptions:    %d\n", report.Total)
	fmt.Printf("  Links written:    %d\n", report.NewLinks)
	fmt.Printf("  Activated:        %d\n", report.Activated)
	fmt.Printf("  Deactivated:      %d\n", report.Deactivated)
	fmt.Printf("  Unchanged:        %d\n", report.Unchanged)
	fmt.Printf("  Duplicates fixed: %d\n", report.DuplicatesFixed)
	if report.RestartIssued {
		green.Println("  Restart:          issued")
	} else {
		fmt.Println("  Restart:          not needed")
	}

	if len(report.Issues) > 0 {
		fmt.Println()
		yellow.Printf("  Issues (%d):\n", len(report.Issues))
		for _, issue := range report.Issues {
			fmt.Printf("    - %s\n", issue)
		}
	}
	fmt.Println()

	return nil
}

// runStatus reads subscription counts and proxy state from the local stores,
// without going through the API.
func runStatus(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	dbPath := cfg.Database.Path
	if envPath := os.Getenv("WARDEN_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	subs, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer subs.Close()

	stats, err := subs.Stats(ctx)
	if err != nil {
		return fmt.Errorf("reading stats: %w", err)
	}

	access, err := xray.NewStore(cfg.Xray.ConfigPath, xray.Seed{
		Port:       cfg.VPN.Port,
		ServerName: cfg.Reality.ServerName,
		PrivateKey: cfg.Reality.PrivateKey,
		ShortID:    cfg.Reality.ShortID,
	})
	if err != nil {
		return fmt.Errorf("opening access store: %w", err)
	}

	doc, err := access.Load(ctx)
	if err != nil {
		return fmt.Errorf("reading access document: %w", err)
	}

	proxy := proxyctl.New(proxyctl.Config{
		Unit:   cfg.Xray.Unit,
		Binary: cfg.Xray.Binary,
	})
	state, detail := proxy.Status(ctx)
	validation := proxy.Validate(ctx, cfg.Xray.ConfigPath)

	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	fmt.Println()
	cyan.Println("  Subscriptions")
	cyan.Println("  -------------")
	fmt.Printf("  Total:      %d\n", stats.Total)
	fmt.Printf("  Active:     %d\n", stats.Active)
	fmt.Printf("  With link:  %d\n", stats.WithLink)
	fmt.Println()
	cyan.Println("  Proxy")
	cyan.Println("  -----")
	fmt.Printf("  Unit:       %s\n", cfg.Xray.Unit)
	if state == "active" {
		green.Printf("  State:      %s\n", state)
	} else {
		red.Printf("  State:      %s\n", state)
		if detail != "" {
			fmt.Printf("  Detail:     %s\n", detail)
		}
	}
	fmt.Printf("  Entries:    %d\n", len(doc.Clients()))
	if validation.OK() {
		green.Println("  Config:     valid")
	} else {
		red.Printf("  Config:     %s\n", validation.Outcome)
		if validation.Detail != "" {
			fmt.Printf("  Detail:     %s\n", validation.Detail)
		}
	}
	fmt.Println()

	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Make HTTP request to health endpoint with context
	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("warden configuration setup")
	fmt.Println("==========================")
	fmt.Println()

	defaultConfigPath := getConfigPath()

	// Output filename
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	// Server configuration
	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "0.0.0.0:8080")

	// Database
	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", "/var/lib/warden/warden.db")

	// Xray
	fmt.Println("\n--- Xray Configuration ---")
	xrayConfigPath := prompt(reader, "Xray config path", "/usr/local/etc/xray/config.json")
	xrayUnit := prompt(reader, "Systemd unit", "xray")
	xrayBinary := prompt(reader, "Xray binary", "/usr/local/bin/xray")
	validateStr := prompt(reader, "Validate config before restarts?", "no")
	validateBeforeRestart := strings.ToLower(validateStr) == "yes" || strings.ToLower(validateStr) == "y"

	// Connection parameters
	fmt.Println("\n--- Connection Parameters ---")
	vpnHost := prompt(reader, "Public hostname or IP (embedded in links)", "")
	vpnPort := prompt(reader, "Port", "443")
	vpnName := prompt(reader, "Display name (shown in client apps)", "Halcyon VPN")
	emailDomain := prompt(reader, "Email domain for client entries", "sunstrikevpn.local")

	// Reality transport
	fmt.Println("\n--- Reality Transport ---")
	fmt.Println("(generate a key pair with: xray x25519)")
	publicKey := prompt(reader, "Public key", "")
	privateKey := prompt(reader, "Private key", "")
	serverName := prompt(reader, "Masquerade server name", "www.microsoft.com")
	shortID := prompt(reader, "Short ID", "6ba85179e30d4fc2")
	fingerprint := prompt(reader, "TLS fingerprint", "chrome")

	// Auth
	fmt.Println("\n--- Authentication ---")
	adminUsername := prompt(reader, "Admin username", "admin")
	adminPassword := prompt(reader, "Admin password (plaintext or bcrypt digest)", "")
	tokenTTL := prompt(reader, "Token TTL", "30m")

	// Generate random JWT secret
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)

	// Sweep
	fmt.Println("\n--- Reconciliation Sweep ---")
	sweepStr := prompt(reader, "Enable scheduled sweeps?", "yes")
	sweepEnabled := strings.ToLower(sweepStr) == "yes" || strings.ToLower(sweepStr) == "y"
	sweepSchedule := "* * * * *"
	if sweepEnabled {
		sweepSchedule = prompt(reader, "Schedule (cron expression)", "* * * * *")
	}

	// Tailscale
	fmt.Println("\n--- Tailscale Configuration ---")
	enableTailscale := prompt(reader, "Enable Tailscale?", "no")
	tailscaleEnabled := strings.ToLower(enableTailscale) == "yes" || strings.ToLower(enableTailscale) == "y"

	var tsHostname, tsAuthKey string
	var tsEphemeral, tsFunnel bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "warden")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty for interactive)", "")
		ephemeralStr := prompt(reader, "Ephemeral node?", "no")
		tsEphemeral = strings.ToLower(ephemeralStr) == "yes" || strings.ToLower(ephemeralStr) == "y"
		funnelStr := prompt(reader, "Enable Funnel (public HTTPS)?", "no")
		tsFunnel = strings.ToLower(funnelStr) == "yes" || strings.ToLower(funnelStr) == "y"
	}

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# warden configuration\n")
	cfg.WriteString("# Generated by warden init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("xray:\n")
	cfg.WriteString(fmt.Sprintf("  config_path: \"%s\"\n", xrayConfigPath))
	cfg.WriteString(fmt.Sprintf("  unit: \"%s\"\n", xrayUnit))
	cfg.WriteString(fmt.Sprintf("  binary: \"%s\"\n", xrayBinary))
	cfg.WriteString(fmt.Sprintf("  validate_before_restart: %t\n", validateBeforeRestart))
	cfg.WriteString("\n")

	cfg.WriteString("vpn:\n")
	cfg.WriteString(fmt.Sprintf("  host: \"%s\"\n", vpnHost))
	cfg.WriteString(fmt.Sprintf("  port: %s\n", vpnPort))
	cfg.WriteString(fmt.Sprintf("  name: \"%s\"\n", vpnName))
	cfg.WriteString(fmt.Sprintf("  email_domain: \"%s\"\n", emailDomain))
	cfg.WriteString("\n")

	cfg.WriteString("reality:\n")
	cfg.WriteString(fmt.Sprintf("  public_key: \"%s\"\n", publicKey))
	cfg.WriteString(fmt.Sprintf("  private_key: \"%s\"\n", privateKey))
	cfg.WriteString(fmt.Sprintf("  server_name: \"%s\"\n", serverName))
	cfg.WriteString(fmt.Sprintf("  short_id: \"%s\"\n", shortID))
	cfg.WriteString(fmt.Sprintf("  fingerprint: \"%s\"\n", fingerprint))
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  jwt_secret: \"%s\"\n", jwtSecret))
	cfg.WriteString(fmt.Sprintf("  admin_username: \"%s\"\n", adminUsername))
	cfg.WriteString(fmt.Sprintf("  admin_password: \"%s\"\n", adminPassword))
	cfg.WriteString(fmt.Sprintf("  token_ttl: \"%s\"\n", tokenTTL))
	cfg.WriteString("\n")

	cfg.WriteString("sweep:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", sweepEnabled))
	cfg.WriteString(fmt.Sprintf("  schedule: \"%s\"\n", sweepSchedule))
	cfg.WriteString("\n")

	cfg.WriteString("ratelimit:\n")
	cfg.WriteString("  enabled: true\n")
	cfg.WriteString("  requests: 5\n")
	cfg.WriteString("  window: \"1m\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("redis:\n")
	cfg.WriteString("  enabled: false\n")
	cfg.WriteString("  addr: \"localhost:6379\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", tailscaleEnabled))
	if tailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: \"%s\"\n", tsHostname))
		if tsAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: \"%s\"\n", tsAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", tsEphemeral))
		cfg.WriteString(fmt.Sprintf("  funnel: %t\n", tsFunnel))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Config holds key material; keep it owner-only
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Ensure data directory exists
	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  warden serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
