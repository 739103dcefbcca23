// ABOUTME: Relay orchestrator: wires fleet, tunnels, calls, and sessions together.
// ABOUTME: Owns the HTTP/WebSocket listener lifecycle, TCP or tailnet, and shutdown.

package relay

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

	"github.com/gorilla/websocket"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/backhaul-dev/backhaul/internal/auth"
	"github.com/backhaul-dev/backhaul/internal/calls"
	"github.com/backhaul-dev/backhaul/internal/config"
	"github.com/backhaul-dev/backhaul/internal/fleet"
	"github.com/backhaul-dev/backhaul/internal/session"
	"github.com/backhaul-dev/backhaul/internal/tunnel"
	"github.com/backhaul-dev/backhaul/internal/wire"
)

// Relay is the publicly reachable rendezvous between kernels behind NAT and
// the agents that call into them.
type Relay struct {
	cfg         *config.Config
	logger      *slog.Logger
	registry    *fleet.Registry
	tunnels     *tunnel.Manager
	correlator  *calls.Correlator
	router      *session.Router
	verifier    auth.TokenVerifier
	httpServer  *http.Server
	tsnetServer *tsnet.Server

	// Hijacked agent connections survive http.Server.Shutdown; track them so
	// shutdown can close them explicitly.
	mu         sync.Mutex
	agentConns map[*websocket.Conn]struct{}
}

// openFleetStore creates the snapshot store selected by config.
func openFleetStore(cfg *config.Config, logger *slog.Logger) (fleet.Store, error) {
	switch cfg.Fleet.Driver {
	case "sqlite":
		return fleet.NewSQLiteStore(cfg.Fleet.Path, logger)
	default:
		return fleet.NewFileStore(cfg.Fleet.Path)
	}
}

// agentVerifier returns the JWT verifier, or an accept-all verifier with a
// loud warning when no secret is configured.
func agentVerifier(cfg *config.Config, logger *slog.Logger) auth.TokenVerifier {
	if cfg.Auth.JWTSecret != "" {
		return auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	}
	logger.Warn("agent auth disabled - no jwt_secret configured")
	return auth.PermitAll{}
}

// New wires a relay from configuration. Every component is an owned
// instance; nothing is process-global.
func New(cfg *config.Config, logger *slog.Logger) (*Relay, error) {
	cfg.ApplyDefaults()

	store, err := openFleetStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening fleet store: %w", err)
	}

	registry, err := fleet.NewRegistry(store, logger)
	if err != nil {
		return nil, fmt.Errorf("loading fleet registry: %w", err)
	}

	machineAuth, err := auth.NewMachineCredentials(cfg.Auth.MachineTokens, cfg.Auth.FleetToken)
	if err != nil {
		return nil, fmt.Errorf("hashing machine tokens: %w", err)
	}
	if machineAuth.Open() {
		logger.Warn("machine auth disabled - no machine tokens or fleet token configured")
	}

	correlator := calls.New(calls.Config{
		SweepInterval: cfg.Calls.SweepInterval,
		Retention:     cfg.Calls.Retention,
		QueueLimit:    cfg.Calls.QueueLimit,
	}, logger)

	tunnels := tunnel.NewManager(tunnel.Config{
		HeartbeatInterval: cfg.Tunnels.HeartbeatInterval,
		HeartbeatMisses:   cfg.Tunnels.HeartbeatMisses,
	}, machineAuth, registry, correlator, logger)

	verifier := agentVerifier(cfg, logger)

	router := session.NewRouter(session.Config{
		DefaultCallTimeout: cfg.Calls.DefaultTimeout,
		MaxCallTimeout:     cfg.Calls.MaxTimeout,
		MaxPollResults:     cfg.Calls.MaxPollResults,
	}, verifier, tunnels, correlator, logger)

	rl := &Relay{
		cfg:        cfg,
		logger:     logger.With("component", "relay"),
		registry:   registry,
		tunnels:    tunnels,
		correlator: correlator,
		router:     router,
		verifier:   verifier,
		agentConns: make(map[*websocket.Conn]struct{}),
	}

	rl.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           rl.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return rl, nil
}

// Run serves until ctx is canceled or the listener fails, then shuts down
// gracefully. Returns nil on a clean shutdown.
func (r *Relay) Run(ctx context.Context) error {
	ln, err := r.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		r.logger.Info("relay listening", "addr", ln.Addr().String())
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		r.logger.Info("context canceled, initiating shutdown")
	case serveErr = <-errCh:
		r.logger.Error("server error", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := r.Shutdown(shutdownCtx)

	if serveErr != nil {
		return serveErr
	}
	return shutdownErr
}

// setupListener creates the TCP or tailnet listener per config.
func (r *Relay) setupListener(ctx context.Context) (net.Listener, error) {
	if r.cfg.Tailscale.Enabled {
		if r.cfg.Server.HTTPAddr != "" {
			r.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", r.cfg.Server.HTTPAddr)
		}
		return r.setupTailscaleListener(ctx)
	}
	return net.Listen("tcp", r.cfg.Server.HTTPAddr)
}

// resolveTailscaleStateDir returns the state directory, using a default
// under the user's home if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "backhaul", "tailscale"), nil
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

// setupTailscaleListener brings up a tsnet node and listens on it: plain
// :80, HTTPS :443 with tailnet certs, or funnel for public exposure.
func (r *Relay) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := r.cfg.Tailscale

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

	r.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	r.logger.Info("starting tailscale node",
		"hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := r.tsnetServer.Up(ctx)
	if err != nil {
		_ = r.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	r.logTailscaleStatus(tsCfg.Hostname, status)

	switch {
	case tsCfg.Funnel:
		r.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := r.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = r.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return r.setupTailscaleTLSListener()
	default:
		ln, err := r.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = r.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale port: %w", err)
		}
		return ln, nil
	}
}

// setupTailscaleTLSListener wraps a tailnet listener with auto-provisioned
// certificates.
func (r *Relay) setupTailscaleTLSListener() (net.Listener, error) {
	r.logger.Info("enabling HTTPS with tailscale certs on :443")
	ln, err := r.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = r.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := r.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = r.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

func (r *Relay) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		r.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	r.logger.Info("tailscale node ready",
		"hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// Shutdown stops the listener, tears down every tunnel (which fails their
// pending calls with route-lost and wakes sync waiters), closes lingering
// agent connections, and releases stores.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.logger.Info("shutting down relay")

	var errs []error
	errs = appendCloseError(errs, "http shutdown", r.httpServer.Shutdown(ctx))

	r.tunnels.Stop()

	r.mu.Lock()
	for conn := range r.agentConns {
		_ = conn.Close()
	}
	r.agentConns = make(map[*websocket.Conn]struct{})
	r.mu.Unlock()

	r.correlator.Close()

	if r.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", r.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "registry close", r.registry.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// trackAgentConn registers a hijacked agent connection for shutdown.
func (r *Relay) trackAgentConn(conn *websocket.Conn) {
	r.mu.Lock()
	r.agentConns[conn] = struct{}{}
	r.mu.Unlock()
}

func (r *Relay) untrackAgentConn(conn *websocket.Conn) {
	r.mu.Lock()
	delete(r.agentConns, conn)
	r.mu.Unlock()
}

// handleHealth returns 200 OK if the relay is alive.
func (r *Relay) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady reports readiness once the fleet snapshot is loaded, with
// current counts for operators.
func (r *Relay) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.registry == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("fleet registry not loaded"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d machines, %d tunnels, %d sessions)",
		r.registry.Count(), r.tunnels.Count(), r.router.Count())
}

// errorCode maps component sentinels to wire error codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, auth.ErrBadCredential),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrMissingClaim):
		return wire.CodeAuth
	case errors.Is(err, tunnel.ErrNoRoute):
		return wire.CodeNoRoute
	case errors.Is(err, calls.ErrTimeout):
		return wire.CodeTimeout
	case errors.Is(err, calls.ErrRouteLost):
		return wire.CodeRouteLost
	case errors.Is(err, session.ErrUnsupportedOperation):
		return wire.CodeUnsupportedOperation
	case errors.Is(err, session.ErrInvalidArgs):
		return wire.CodeBadRequest
	default:
		return wire.CodeInternal
	}
}
