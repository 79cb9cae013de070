// ABOUTME: Daemon orchestrator wiring stores, proxy controller, reconciler,
// ABOUTME: sweep scheduler, and HTTP listeners into one lifecycle.

package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"tailscale.com/tsnet"

	"github.com/halcyon-vpn/warden/internal/api"
	"github.com/halcyon-vpn/warden/internal/config"
	"github.com/halcyon-vpn/warden/internal/proxyctl"
	"github.com/halcyon-vpn/warden/internal/ratelimit"
	"github.com/halcyon-vpn/warden/internal/reconcile"
	"github.com/halcyon-vpn/warden/internal/store"
	"github.com/halcyon-vpn/warden/internal/xray"
)

// Server wires the warden components together and runs the daemon
// lifecycle: HTTP API, sweep scheduler, graceful shutdown.
type Server struct {
	cfg         *config.Config
	subs        store.Store
	access      *xray.Store
	proxy       *proxyctl.Controller
	reconciler  *reconcile.Reconciler
	limiter     ratelimit.Limiter
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	scheduler   *cron.Cron
	logger      *slog.Logger
}

// initStore opens the subscription database, honoring the WARDEN_DB_PATH
// override used by containerized deployments.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("WARDEN_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	return store.NewSQLiteStore(dbPath)
}

// initLimiter picks the rate-limiter backend. A broken Redis falls back to
// the in-memory limiter instead of blocking startup.
func initLimiter(cfg *config.Config, logger *slog.Logger) ratelimit.Limiter {
	if !cfg.RateLimit.Enabled {
		return nil
	}
	if cfg.Redis.Enabled {
		limiter, err := ratelimit.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err == nil {
			return limiter
		}
		logger.Warn("redis rate limiter unavailable, using in-memory limiter", "error", err)
	}
	return ratelimit.NewMemory()
}

// New builds a fully wired server from configuration. The access document
// is materialized immediately so an unwritable path fails startup instead
// of the first sweep.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	subs, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	access, err := xray.NewStore(cfg.Xray.ConfigPath, xray.Seed{
		Port:       cfg.VPN.Port,
		ServerName: cfg.Reality.ServerName,
		PrivateKey: cfg.Reality.PrivateKey,
		ShortID:    cfg.Reality.ShortID,
	})
	if err != nil {
		_ = subs.Close()
		return nil, fmt.Errorf("opening access store: %w", err)
	}
	if _, err := access.GetOrCreate(context.Background()); err != nil {
		_ = subs.Close()
		return nil, fmt.Errorf("materializing access document: %w", err)
	}

	proxy := proxyctl.New(proxyctl.Config{
		Unit:   cfg.Xray.Unit,
		Binary: cfg.Xray.Binary,
	})

	srv := &Server{
		cfg:        cfg,
		subs:       subs,
		access:     access,
		proxy:      proxy,
		reconciler: reconcile.New(cfg, subs, access, proxy),
		limiter:    initLimiter(cfg, logger),
		logger:     logger.With("component", "server"),
	}

	mux := http.NewServeMux()
	api.New(cfg, subs, access, proxy, srv.limiter).RegisterRoutes(mux)
	srv.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Sweep.Enabled {
		srv.scheduler = cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cronLogger{logger: srv.logger}),
		))
		if _, err := srv.scheduler.AddFunc(cfg.Sweep.Schedule, srv.runSweep); err != nil {
			_ = subs.Close()
			return nil, fmt.Errorf("parsing sweep schedule %q: %w", cfg.Sweep.Schedule, err)
		}
	}

	return srv, nil
}

// cronLogger adapts slog to the scheduler's logging interface. Routine
// scheduler chatter (including skipped overlapping runs) goes to debug.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
}

// runSweep executes one scheduled sweep. The sweep itself carries no
// overall deadline; every external call inside it is individually bounded.
func (s *Server) runSweep() {
	if _, err := s.reconciler.Run(context.Background()); err != nil {
		s.logger.Error("sweep failed", "error", err)
	}
}

// Run starts the listener and scheduler and blocks until the context is
// canceled or the HTTP server fails. Returns nil on graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.setupListener(ctx)
	if err != nil {
		return err
	}

	if s.scheduler != nil {
		s.scheduler.Start()
		s.logger.Info("sweep scheduler started", "schedule", s.cfg.Sweep.Schedule)
	}

	errCh := s.startHTTP(ln)
	serverErr := s.waitForShutdownSignal(ctx, errCh)

	shutdownErr := s.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// setupListener creates the HTTP listener based on configuration
// (Tailscale or plain TCP).
func (s *Server) setupListener(ctx context.Context) (net.Listener, error) {
	if s.cfg.Tailscale.Enabled {
		if s.cfg.Server.HTTPAddr != "" {
			s.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", s.cfg.Server.HTTPAddr)
		}
		return s.setupTailscaleListener(ctx)
	}

	s.logger.Info("starting server", "http_addr", s.cfg.Server.HTTPAddr)
	ln, err := net.Listen("tcp", s.cfg.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// resolveTailscaleStateDir returns the state directory, using the default
// under the user's home if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "warden", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// setupTailscaleListener brings up a tsnet node and returns the HTTP
// listener for it.
func (s *Server) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := s.cfg.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	s.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node",
		"hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := s.tsnetServer.Up(ctx)
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		s.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	s.logger.Info("tailscale node ready",
		"hostname", tsCfg.Hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)

	return s.createTailscaleHTTPListener(tsCfg)
}

// createTailscaleHTTPListener picks funnel, TLS, or plain HTTP per config.
func (s *Server) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		s.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := s.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = s.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil

	case tsCfg.CertFile != "" && tsCfg.KeyFile != "":
		s.logger.Info("enabling HTTPS with configured certificates on :443")
		cert, err := tls.LoadX509KeyPair(tsCfg.CertFile, tsCfg.KeyFile)
		if err != nil {
			_ = s.tsnetServer.Close()
			return nil, fmt.Errorf("loading TLS certificates: %w", err)
		}
		ln, err := s.tsnetServer.Listen("tcp", ":443")
		if err != nil {
			_ = s.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
		}
		return tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}), nil

	default:
		ln, err := s.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = s.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// startHTTP serves on the listener in a goroutine, reporting failure on
// the returned channel.
func (s *Server) startHTTP(ln net.Listener) chan error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	return errCh
}

// waitForShutdownSignal waits for context cancellation or a server error.
func (s *Server) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		s.logger.Error("server error", "error", err)
		return err
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the run context is already
// canceled.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the scheduler, the HTTP server, and releases resources.
// A sweep already in flight is allowed to finish within the context's
// deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")

	if s.scheduler != nil {
		stopped := s.scheduler.Stop()
		select {
		case <-stopped.Done():
		case <-ctx.Done():
			s.logger.Warn("shutdown deadline hit while a sweep was still running")
		}
	}

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))

	if s.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", s.tsnetServer.Close())
	}
	if s.limiter != nil {
		s.limiter.Close()
	}
	errs = appendCloseError(errs, "store close", s.subs.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
