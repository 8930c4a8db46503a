// ABOUTME: Server wires the store, CA, access resolver, issuer and revocation ledger together
// ABOUTME: and runs the HTTP API, the gRPC health service and background loops until shutdown

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
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/tunnelward/internal/access"
	"github.com/2389/tunnelward/internal/api"
	"github.com/2389/tunnelward/internal/auth"
	"github.com/2389/tunnelward/internal/ca"
	"github.com/2389/tunnelward/internal/config"
	"github.com/2389/tunnelward/internal/heartbeat"
	"github.com/2389/tunnelward/internal/identity"
	"github.com/2389/tunnelward/internal/issuer"
	"github.com/2389/tunnelward/internal/metrics"
	"github.com/2389/tunnelward/internal/propagate"
	"github.com/2389/tunnelward/internal/revocation"
	"github.com/2389/tunnelward/internal/store"
)

// HealthService is the service name reported on the gRPC health endpoint.
const HealthService = "tunnelward"

const (
	tailscaleGRPCPort = ":50051"
	healthEvery       = 10 * time.Second
	startupTimeout    = 30 * time.Second
)

// Server is the tunnelward process.
type Server struct {
	config *config.Config
	logger *slog.Logger

	store      *store.SQLiteStore
	metrics    *metrics.Metrics
	ca         *ca.Manager
	heartbeats *heartbeat.Tracker
	ledger     *revocation.Ledger
	dispatcher *propagate.Dispatcher
	agentAuth  *auth.SSHVerifier
	redis      *redis.Client

	httpServer  *http.Server
	grpcServer  *grpc.Server
	health      *health.Server
	tsnetServer *tsnet.Server

	closeOnce sync.Once
	closeErr  error
	now       func() time.Time
}

// initStore opens the database. TUNNELWARD_DB_PATH overrides the configured path.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("TUNNELWARD_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	profiles := make([]store.CryptoProfile, 0, len(cfg.VPN.AllowedCryptoProfiles))
	for _, p := range cfg.VPN.AllowedCryptoProfiles {
		profiles = append(profiles, store.CryptoProfile(p))
	}
	s.SetAllowedCryptoProfiles(profiles)
	return s, nil
}

// newGRPCServer creates the gRPC server that carries the health service.
func newGRPCServer() (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(server, hs)
	return server, hs
}

// redisPrefix namespaces one kind of key under the configured prefix.
func redisPrefix(base, kind string) string {
	if base == "" {
		return ""
	}
	return base + kind + ":"
}

// New builds every component from cfg. The active CA is created on first
// start. Call Run to serve, or Shutdown to release resources without serving.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}
	srv := &Server{
		config: cfg,
		logger: logger.With("component", "server"),
		store:  s,
		now:    time.Now,
	}
	if err := srv.build(ctx); err != nil {
		_ = srv.Close()
		return nil, err
	}
	return srv, nil
}

func (s *Server) build(ctx context.Context) error {
	cfg := s.config

	if cfg.Metrics.Enabled {
		s.metrics = metrics.New()
	}

	s.ca = ca.NewManager(s.store, ca.Options{
		CommonName:   cfg.CA.CommonName,
		Organization: cfg.CA.Organization,
		Validity:     cfg.CA.Validity,
		Passphrase:   cfg.CA.Passphrase,
	}, s.metrics)
	if err := s.ca.EnsureActive(ctx, store.ActorSystem); err != nil {
		return fmt.Errorf("loading certificate authority: %w", err)
	}

	identities := identity.NewService(s.store, identity.Options{
		AdminEmails: cfg.Identity.AdminEmails,
		AdminGroups: cfg.Identity.AdminGroups,
	})

	s.heartbeats = heartbeat.NewTracker(s.store, heartbeat.Options{
		OfflineAfter: cfg.Heartbeat.OfflineAfter,
		QueueSize:    cfg.Heartbeat.QueueSize,
	}, s.metrics)
	if err := s.seedHeartbeats(ctx); err != nil {
		return err
	}
	resolver := access.NewResolver(s.store, s.heartbeats, s.metrics)

	var (
		deny   revocation.DenyList
		replay auth.ReplayCache
	)
	if rc := cfg.Revocation.Redis; rc.Addr != "" {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		if err := s.redis.Ping(ctx).Err(); err != nil {
			s.logger.Warn("redis unreachable, using in-memory fallback until it returns", "addr", rc.Addr, "error", err)
		}
		deny = revocation.NewRedisDenyList(s.redis, redisPrefix(rc.Prefix, "revoked"))
		replay = auth.NewRedisReplayCache(s.redis, redisPrefix(rc.Prefix, "nonce"), auth.SSHAuthMaxAge, auth.SSHNonceCacheSize)
		s.logger.Info("shared revocation state enabled", "redis_addr", rc.Addr)
	}

	var notifier revocation.Notifier
	if pc := cfg.Propagation; pc.Enabled {
		s.dispatcher = propagate.NewDispatcher(s.store, nil, propagate.Options{
			Token:        pc.Token,
			QueueSize:    pc.QueueSize,
			Timeout:      pc.Timeout,
			RetryInitial: pc.RetryInitial,
			RetryMax:     pc.RetryMax,
		}, s.metrics)
		notifier = s.dispatcher
	}

	rv := cfg.Revocation
	s.ledger = revocation.NewLedger(s.store, deny, notifier, revocation.Options{
		RetryInitial: rv.RetryInitial,
		RetryMax:     rv.RetryMax,
		MaxAttempts:  rv.MaxAttempts,
		Concurrency:  rv.Concurrency,
		WarmWindow:   rv.WarmWindow,
	}, s.metrics)
	if err := s.ledger.Warm(ctx); err != nil {
		s.logger.Warn("warming deny list", "error", err)
	}

	iss := issuer.New(s.store, resolver, s.ca, s.ledger, identities, issuer.Options{
		CertValidity: cfg.VPN.CertValidity,
		DownloadTTL:  cfg.VPN.DownloadTTL,
	}, s.metrics)

	s.agentAuth = auth.NewSSHVerifier(replay)

	handler := api.New(api.Deps{
		Store:      s.store,
		Identity:   identities,
		Resolver:   resolver,
		Issuer:     iss,
		Ledger:     s.ledger,
		CA:         s.ca,
		Heartbeats: s.heartbeats,
		Sessions:   auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)),
		AgentAuth:  s.agentAuth,
		Metrics:    s.metrics,
		SessionTTL: cfg.Auth.SessionTTL,
		SSOSecret:  cfg.Auth.SSOSecret,
	}).Handler()

	mux := http.NewServeMux()
	if s.metrics != nil {
		mux.Handle(cfg.Metrics.Path, s.metrics.Handler())
		s.logger.Info("metrics enabled", "path", cfg.Metrics.Path)
	}
	mux.Handle("/", handler)
	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Server.GRPCAddr != "" || cfg.Tailscale.Enabled {
		s.grpcServer, s.health = newGRPCServer()
		s.updateHealth(ctx)
	}
	return nil
}

// seedHeartbeats loads persisted heartbeats so a restart does not report
// every agent offline until it next checks in.
func (s *Server) seedHeartbeats(ctx context.Context) error {
	gateways, err := s.store.ListGateways(ctx)
	if err != nil {
		return fmt.Errorf("seeding heartbeats: %w", err)
	}
	for _, g := range gateways {
		if g.LastHeartbeat != nil {
			s.heartbeats.Seed(store.HeartbeatGateway, g.ID, *g.LastHeartbeat)
		}
	}
	hubs, err := s.store.ListMeshHubs(ctx)
	if err != nil {
		return fmt.Errorf("seeding heartbeats: %w", err)
	}
	for _, h := range hubs {
		if h.LastHeartbeat != nil {
			s.heartbeats.Seed(store.HeartbeatHub, h.ID, *h.LastHeartbeat)
		}
	}
	spokes, err := s.store.ListMeshSpokes(ctx, "")
	if err != nil {
		return fmt.Errorf("seeding heartbeats: %w", err)
	}
	for _, sp := range spokes {
		if sp.LastHeartbeat != nil {
			s.heartbeats.Seed(store.HeartbeatSpoke, sp.ID, *sp.LastHeartbeat)
		}
	}
	return nil
}

// ready reports whether credentials can be issued and verified.
func (s *Server) ready(ctx context.Context) bool {
	return s.store.Ping(ctx) == nil && s.ca.Ready()
}

func (s *Server) updateHealth(ctx context.Context) {
	if s.health == nil {
		return
	}
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s.ready(ctx) {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(HealthService, status)
}

func (s *Server) watchHealth(ctx context.Context) error {
	ticker := time.NewTicker(healthEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.updateHealth(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// sweep removes expired download handles and, when retention is
// configured, VPN configs that expired or were revoked before the cutoff.
func (s *Server) sweep(ctx context.Context) error {
	now := s.now()
	downloads, err := s.store.PurgeExpiredDownloads(ctx, now)
	if err != nil {
		return err
	}
	if downloads > 0 {
		s.logger.Debug("purged expired downloads", "count", downloads)
	}

	after := s.config.Retention.PurgeAfter
	if after <= 0 {
		return nil
	}
	cutoff := now.Add(-after)
	purged, err := s.store.PurgeVPNConfigs(ctx, cutoff)
	if err != nil {
		return err
	}
	if purged == 0 {
		return nil
	}
	s.logger.Info("purged vpn configs", "count", purged, "before", cutoff.Format(time.RFC3339))
	return s.store.AppendAuditLog(ctx, &store.AuditEntry{
		Actor:      store.ActorSystem,
		Action:     store.AuditPurgeCredentials,
		TargetType: "vpn_config",
		Detail: map[string]any{
			"count":  purged,
			"before": cutoff.Format(time.RFC3339),
		},
	})
}

func (s *Server) runSweeper(ctx context.Context) error {
	interval := s.config.Retention.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("retention sweep failed", "error", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Server) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	s.logger.Info("starting tunnelward",
		"http_addr", s.config.Server.HTTPAddr,
		"grpc_addr", s.config.Server.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	if s.grpcServer == nil {
		return nil, httpLn, nil
	}
	grpcLn, err = net.Listen("tcp", s.config.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	return grpcLn, httpLn, nil
}

func (s *Server) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if s.config.Tailscale.Enabled {
		if s.config.Server.GRPCAddr != "" || s.config.Server.HTTPAddr != "" {
			s.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
				"grpc_addr", s.config.Server.GRPCAddr,
				"http_addr", s.config.Server.HTTPAddr,
			)
		}
		return s.setupTailscaleListeners(ctx)
	}
	return s.setupTCPListeners()
}

func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "tunnelward", "tailscale"), nil
}

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

// setupTailscaleListeners joins the tailnet and listens there only, so the
// control plane is never exposed on a public interface.
func (s *Server) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := s.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
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
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	s.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = s.tsnetServer.Listen("tcp", tailscaleGRPCPort)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}
	if !tsCfg.HTTPS {
		httpLn, err = s.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = grpcLn.Close()
			return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return grpcLn, httpLn, nil
	}

	s.logger.Info("enabling HTTPS with tailscale certs on :443")
	ln, err := s.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := s.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return grpcLn, tls.NewListener(ln, &tls.Config{GetCertificate: lc.GetCertificate}), nil
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

// Run serves until ctx is done or a server fails, then shuts down within
// server.shutdown_timeout and releases every resource.
func (s *Server) Run(ctx context.Context) error {
	grpcLn, httpLn, err := s.setupListeners(ctx)
	if err != nil {
		return errors.Join(err, s.Close())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := s.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	if grpcLn != nil {
		g.Go(func() error {
			s.logger.Info("gRPC health service listening", "addr", grpcLn.Addr().String())
			if err := s.grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
		g.Go(func() error { return s.watchHealth(gctx) })
	}
	g.Go(func() error { return s.heartbeats.Run(gctx) })
	if s.dispatcher != nil {
		g.Go(func() error { return s.dispatcher.Run(gctx) })
	}
	g.Go(func() error { return s.runSweeper(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			s.logger.Info("context canceled, initiating shutdown")
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer cancel()
		return s.stopServers(shutdownCtx)
	})

	runErr := g.Wait()
	if runErr != nil {
		s.logger.Error("server error", "error", runErr)
	}
	return errors.Join(runErr, s.Close())
}

func (s *Server) stopServers(ctx context.Context) error {
	if s.health != nil {
		s.health.Shutdown()
	}
	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	if s.grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			s.grpcServer.Stop()
		}
	}
	return errors.Join(errs...)
}

// Close releases the tailnet node, Redis and the store. It is safe to call
// more than once.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.agentAuth != nil {
			s.agentAuth.Close()
		}
		if s.tsnetServer != nil {
			if err := s.tsnetServer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
			}
		}
		if s.redis != nil {
			if err := s.redis.Close(); err != nil {
				errs = append(errs, fmt.Errorf("redis close: %w", err))
			}
		}
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// Shutdown stops serving and releases resources. Use it when Run was never
// called or from outside the Run goroutine.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	return errors.Join(s.stopServers(ctx), s.Close())
}
