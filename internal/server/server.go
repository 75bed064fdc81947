// ABOUTME: Server orchestrator that wires the store, engine and HTTP API together
// ABOUTME: Manages listeners (TCP or Tailscale), graceful shutdown and component lifecycle

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

	"golang.org/x/sync/errgroup"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/leadrouter/internal/api"
	"github.com/2389/leadrouter/internal/auth"
	"github.com/2389/leadrouter/internal/cluster"
	"github.com/2389/leadrouter/internal/config"
	"github.com/2389/leadrouter/internal/dedupe"
	"github.com/2389/leadrouter/internal/directory"
	"github.com/2389/leadrouter/internal/distribution"
	"github.com/2389/leadrouter/internal/leads"
	"github.com/2389/leadrouter/internal/store"
	"github.com/2389/leadrouter/internal/tracing"
)

// Server runs the lead distribution service.
type Server struct {
	config      *config.Config
	store       *store.SQLiteStore
	directory   *directory.Directory
	engine      *distribution.Engine
	keys        *dedupe.Cache
	redisCursor *cluster.RedisCursor
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// stopAPI ends the API's background work (rate limiter sweeps)
	stopAPI context.CancelFunc

	traceShutdown func(context.Context) error
}

// initStore opens the SQLite store, honoring LEADROUTER_DB_PATH.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("LEADROUTER_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// newVerifier returns nil when no jwt_secret is configured, which disables API auth.
func newVerifier(cfg *config.Config, logger *slog.Logger) (auth.TokenVerifier, error) {
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("auth disabled - no jwt_secret configured")
		return nil, nil
	}
	v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}
	logger.Info("API auth enabled (JWT)")
	return v, nil
}

// newSharedCursor builds the cursor backend named by distribution.cursor_backend.
// A nil cursor keeps the rotation in process memory.
func (s *Server) newSharedCursor() (distribution.SharedCursor, error) {
	dist := s.config.Distribution
	switch dist.CursorBackend {
	case config.CursorBackendMemory, "":
		return nil, nil
	case config.CursorBackendSQLite:
		s.logger.Info("using shared cursor", "backend", "sqlite", "name", dist.CursorName)
		return distribution.NewStoreCursor(s.store, dist.CursorName), nil
	case config.CursorBackendRedis:
		rc := s.config.Redis
		s.logger.Info("using shared cursor", "backend", "redis", "addr", rc.Addr, "key", rc.Key)
		s.redisCursor = cluster.NewRedisCursor(
			cluster.NewGoRedisClient(rc.Addr, rc.Password, rc.DB),
			rc.Key,
			s.logger.With("component", "redis-cursor"),
		)
		return s.redisCursor, nil
	default:
		return nil, fmt.Errorf("unknown cursor backend %q", dist.CursorBackend)
	}
}

func directoryConfig(cfg config.DistributionConfig) directory.Config {
	return directory.Config{
		Timeout: cfg.RefreshTimeout,
		Breaker: directory.BreakerConfig{
			MaxFailures: cfg.Breaker.MaxFailures,
			OpenTimeout: cfg.Breaker.OpenTimeout,
			Interval:    cfg.Breaker.Interval,
		},
	}
}

func bookkeeperConfig(cfg config.BookkeepingConfig) distribution.BookkeeperConfig {
	return distribution.BookkeeperConfig{
		Async:        cfg.Async,
		QueueSize:    cfg.QueueSize,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
	}
}

// New creates a Server from configuration. It opens the store and builds every
// component but does not listen until Run is called.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	traceShutdown, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("setting up tracing: %w", err)
	}

	st, err := initStore(cfg)
	if err != nil {
		_ = traceShutdown(ctx)
		return nil, err
	}

	s := &Server{
		config:        cfg,
		store:         st,
		logger:        logger,
		traceShutdown: traceShutdown,
	}

	shared, err := s.newSharedCursor()
	if err != nil {
		_ = st.Close()
		_ = traceShutdown(ctx)
		return nil, err
	}

	verifier, err := newVerifier(cfg, logger)
	if err != nil {
		s.closeComponents()
		return nil, err
	}

	s.directory = directory.New(st, directoryConfig(cfg.Distribution), logger.With("component", "directory"))
	books := distribution.NewBookkeeper(st, bookkeeperConfig(cfg.Distribution.Bookkeeping), logger.With("component", "bookkeeper"))
	s.engine = distribution.NewEngine(s.directory, books, distribution.Config{
		Shared:      shared,
		CASAttempts: cfg.Distribution.CASAttempts,
	}, logger.With("component", "distribution"))

	s.keys = dedupe.New(cfg.Leads.DedupeTTL, cfg.Leads.DedupeMax)
	leadSvc := leads.NewService(st, s.engine, s.keys, logger.With("component", "leads"))

	apiCtx, stopAPI := context.WithCancel(context.Background())
	s.stopAPI = stopAPI
	a := api.New(apiCtx, api.Deps{
		Engine:   s.engine,
		Leads:    leadSvc,
		Roster:   st,
		Verifier: verifier,
		Ready:    s.ready,
		RateLimit: api.RateLimitConfig{
			RequestsPerMin: cfg.Leads.RatePerMinute,
			Burst:          cfg.Leads.Burst,
		},
		Logger: logger,
	})

	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// Handler returns the HTTP handler served by Run.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ready reports whether leads can be assigned: the store answers, the directory
// refreshes and, when configured, Redis is reachable.
func (s *Server) ready(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("pinging store: %w", err)
	}
	if _, err := s.directory.Refresh(ctx); err != nil {
		return err
	}
	if s.redisCursor != nil {
		if err := s.redisCursor.Ping(ctx); err != nil {
			return fmt.Errorf("pinging redis: %w", err)
		}
	}
	return nil
}

// setupListener creates the HTTP listener (Tailscale or TCP).
func (s *Server) setupListener(ctx context.Context) (net.Listener, error) {
	if s.config.Tailscale.Enabled {
		if s.config.Server.HTTPAddr != "" {
			s.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", s.config.Server.HTTPAddr)
		}
		return s.setupTailscaleListener(ctx)
	}

	s.logger.Info("starting leadrouter", "http_addr", s.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// Run listens and serves until ctx is canceled, then shuts down gracefully.
// Returns nil on graceful shutdown, or the first server error.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.setupListener(ctx)
	if err != nil {
		s.closeComponents()
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves HTTP on ln until ctx is canceled or the server fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("context canceled, initiating shutdown")
		return s.gracefulShutdown()
	})

	return g.Wait()
}

// gracefulShutdown runs Shutdown on a fresh context since the serving context is already done.
func (s *Server) gracefulShutdown() error {
	timeout := s.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "leadrouter", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and listens on :80, or :443 with HTTPS.
func (s *Server) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := s.config.Tailscale

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

	s.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := s.tsnetServer.Up(ctx)
	if err != nil {
		_ = s.tsnetServer.Close()
		s.tsnetServer = nil
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	s.logTailscaleStatus(tsCfg.Hostname, status)

	if tsCfg.HTTPS {
		return s.createTailscaleTLSListener()
	}
	ln, err := s.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

func (s *Server) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		s.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	s.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (s *Server) createTailscaleTLSListener() (net.Listener, error) {
	s.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := s.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := s.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeComponents releases everything New created. Pending bookkeeping is
// drained before the store closes.
func (s *Server) closeComponents() []error {
	var errs []error
	if s.stopAPI != nil {
		s.stopAPI()
	}
	if s.engine != nil {
		s.engine.Close()
	}
	if s.keys != nil {
		s.keys.Close()
	}
	if s.redisCursor != nil {
		errs = appendCloseError(errs, "redis close", s.redisCursor.Close())
	}
	if s.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", s.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", s.store.Close())
	if s.traceShutdown != nil {
		errs = appendCloseError(errs, "tracing shutdown", s.traceShutdown(context.Background()))
	}
	return errs
}

// Shutdown stops the HTTP server and releases resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down leadrouter")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))
	errs = append(errs, s.closeComponents()...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
