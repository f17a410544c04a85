// Package agent runs the tunnel agent: the control session with the relay,
// the UDP tunnel channel and the local origin relays that serve tunneled
// clients.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/tunnel-agent/internal/config"
	"github.com/postalsys/tunnel-agent/internal/control"
	"github.com/postalsys/tunnel-agent/internal/forward"
	"github.com/postalsys/tunnel-agent/internal/health"
	"github.com/postalsys/tunnel-agent/internal/logging"
	"github.com/postalsys/tunnel-agent/internal/metrics"
	"github.com/postalsys/tunnel-agent/internal/protocol"
	"github.com/postalsys/tunnel-agent/internal/recovery"
	"github.com/postalsys/tunnel-agent/internal/udp"
	"github.com/postalsys/tunnel-agent/internal/udptunnel"
)

// Connector opens an authenticated control session.
type Connector interface {
	Connect(ctx context.Context) (control.Session, error)
}

// ClientHandler serves TCP clients announced by the relay.
type ClientHandler interface {
	// HandleClient must not block on the client's lifetime.
	HandleClient(ctx context.Context, client *protocol.NewClient) error
	ConnectionCount() int
	Stop()
}

// Deps are the collaborators of an Agent. Connector, Tunnel, Clients and
// Packets are required.
type Deps struct {
	Connector Connector
	Tunnel    *udptunnel.Tunnel
	Clients   ClientHandler
	Packets   udp.PacketHandler

	Version string
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Agent owns the control loop and the inbound datagram loop. Both share one
// udptunnel.Tunnel and communicate only through it.
type Agent struct {
	cfg          *config.Config
	connector    Connector
	tunnel       *udptunnel.Tunnel
	clients      ClientHandler
	packets      udp.PacketHandler
	healthServer *health.Server

	version string
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu        sync.RWMutex
	session   control.Session
	startedAt time.Time

	reconnects atomic.Int64
	running    atomic.Bool
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// New builds an agent and all of its components from cfg. Failures are
// returned as *BootstrapError.
func New(cfg *config.Config, version string) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, bootstrapErr("config", err)
	}

	logger := logging.NewLogger(cfg.Agent.LogLevel, cfg.Agent.LogFormat)
	m := metrics.Default()

	tun, err := udptunnel.New(udptunnel.Config{
		DisableIPv6: cfg.Tunnel.DisableIPv6,
		Logger:      logger,
		Metrics:     m,
	})
	if err != nil {
		return nil, bootstrapErr("bind udp sockets", err)
	}

	var packets udp.PacketHandler = &udp.EchoHandler{Sender: tun}
	if cfg.Origin.UDPAddress != "" {
		h, err := udp.NewHandler(udp.Config{
			OriginAddr:      cfg.Origin.UDPAddress,
			MaxFlows:        cfg.Origin.MaxUDPFlows,
			IdleTimeout:     cfg.Origin.UDPIdleTimeout,
			MaxDatagramSize: int(cfg.Tunnel.BufferSize),
			Logger:          logger,
			Metrics:         m,
		}, tun)
		if err != nil {
			tun.Close()
			return nil, bootstrapErr("udp origin", err)
		}
		packets = h
	}

	relay := forward.NewRelay(forward.Config{
		OriginAddr:     cfg.Origin.TCPAddress,
		ConnectTimeout: cfg.Origin.ConnectTimeout,
		RateLimit:      int64(cfg.Origin.TCPRateLimit),
		MaxConnections: cfg.Origin.MaxTCPClients,
		Logger:         logger,
		Metrics:        m,
	})

	connector := &control.Connector{
		Dial: control.DialConfig{
			URL:                cfg.Control.URL,
			Timeout:            cfg.Control.DialTimeout,
			InsecureSkipVerify: cfg.Control.InsecureSkipVerify,
			Version:            version,
			Logger:             logger,
			Metrics:            m,
		},
		Secret: cfg.Control.Secret,
	}

	a := NewWithDeps(cfg, Deps{
		Connector: connector,
		Tunnel:    tun,
		Clients:   relay,
		Packets:   packets,
		Version:   version,
		Logger:    logger,
		Metrics:   m,
	})

	if cfg.Health.Enabled {
		a.healthServer = health.NewServer(health.ServerConfig{
			Address:      cfg.Health.Address,
			ReadTimeout:  cfg.Health.ReadTimeout,
			WriteTimeout: cfg.Health.WriteTimeout,
		}, a)
	}

	return a, nil
}

// NewWithDeps builds an agent around caller-supplied components. The health
// server is not started; use New for a fully wired process.
func NewWithDeps(cfg *config.Config, deps Deps) *Agent {
	m := deps.Metrics
	if m == nil {
		m = metrics.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &Agent{
		cfg:       cfg,
		connector: deps.Connector,
		tunnel:    deps.Tunnel,
		clients:   deps.Clients,
		packets:   deps.Packets,
		version:   deps.Version,
		logger:    logging.Component(deps.Logger, "agent"),
		metrics:   m,
		now:       now,
	}
}

// Run authenticates with the relay and serves until ctx is cancelled. It
// returns a *BootstrapError if the agent cannot start and nil after a clean
// shutdown. Session loss after startup is handled internally by redialing.
func (a *Agent) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return fmt.Errorf("agent already running")
	}

	a.mu.Lock()
	a.startedAt = a.now()
	a.mu.Unlock()

	a.logger.Info("starting agent",
		"name", a.cfg.Agent.Name,
		"version", a.version,
		logging.KeyAddress, a.cfg.Control.URL,
		logging.KeyLocalAddr, a.tunnel.LocalAddr().String())

	sess, err := a.connector.Connect(ctx)
	if err != nil {
		a.shutdown()
		if ctx.Err() != nil {
			return nil
		}
		return bootstrapErr("authenticate", err)
	}
	a.setSession(sess)
	a.logger.Info("control session established",
		"expire_at", millisString(sess.ExpireAt()))

	if a.healthServer != nil {
		if err := a.healthServer.Start(); err != nil {
			sess.Close()
			a.shutdown()
			return bootstrapErr("start health server", err)
		}
		a.logger.Info("HTTP server started",
			logging.KeyAddress, a.healthServer.Address())
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	recovery.Go(&a.wg, a.logger, "agent.inbound", func() {
		a.inboundLoop(runCtx)
	})

	a.controlLoop(runCtx, sess)

	cancel()
	a.shutdown()
	return nil
}

// shutdown stops every component. Safe to call more than once.
func (a *Agent) shutdown() {
	a.stopOnce.Do(func() {
		a.logger.Info("stopping agent")
		a.running.Store(false)

		if sess := a.setSession(nil); sess != nil {
			sess.Close()
		}

		// Closing the sockets unblocks the inbound loop.
		a.tunnel.Close()
		a.wg.Wait()

		if err := a.packets.Close(); err != nil {
			a.logger.Warn("udp handler close failed", logging.KeyError, err)
		}
		a.clients.Stop()

		if a.healthServer != nil {
			a.healthServer.Stop()
		}

		a.logger.Info("agent stopped")
	})
}

// setSession installs sess as the current session and returns the previous one.
func (a *Agent) setSession(sess control.Session) control.Session {
	a.mu.Lock()
	defer a.mu.Unlock()

	prev := a.session
	a.session = sess
	return prev
}

func (a *Agent) currentSession() control.Session {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.session
}

// IsRunning returns true between Run and shutdown.
func (a *Agent) IsRunning() bool {
	return a.running.Load()
}

// IsReady reports whether a control session is up and the UDP channel was
// confirmed within the resend window.
func (a *Agent) IsReady() bool {
	if a.currentSession() == nil {
		return false
	}
	return a.tunnel.State() == udptunnel.StateConfirmed && !a.tunnel.RequiresResend()
}

// Stats returns a snapshot of the agent state.
func (a *Agent) Stats() health.Stats {
	a.mu.RLock()
	sess := a.session
	startedAt := a.startedAt
	a.mu.RUnlock()

	st := health.Stats{
		Name:          a.cfg.Agent.Name,
		Version:       a.version,
		StartedAt:     startedAt,
		Reconnects:    int(a.reconnects.Load()),
		TunnelState:   a.tunnel.State().String(),
		LastConfirm:   a.tunnel.LastConfirm(),
		LastTokenSend: a.tunnel.LastSend(),
		TCPClients:    a.clients.ConnectionCount(),
	}

	if sess != nil {
		st.ControlConnected = true
		if exp := sess.ExpireAt(); exp > 0 {
			st.SessionExpireAt = time.UnixMilli(exp)
		}
	}
	if d, ok := a.tunnel.Details(); ok {
		st.TunnelAddr = d.TunnelAddr.String()
	}
	if c, ok := a.packets.(interface{ ActiveCount() int }); ok {
		st.UDPFlows = c.ActiveCount()
	}

	return st
}

// HealthServerAddress returns the bound health server address, or "" when
// the server is disabled or not started.
func (a *Agent) HealthServerAddress() string {
	if a.healthServer == nil || a.healthServer.Address() == nil {
		return ""
	}
	return a.healthServer.Address().String()
}

func millisString(ms int64) string {
	if ms <= 0 {
		return "unknown"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
