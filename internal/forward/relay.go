// Package forward relays TCP clients announced by the relay to a local origin.
//
// For every NEW_CLIENT event the agent opens a TCP connection to the claim
// address, presents the claim token and waits for the relay's acknowledgement.
// The claimed connection then carries the remote client's byte stream, which
// is either echoed back or copied to and from the configured origin.
package forward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/postalsys/tunnel-agent/internal/logging"
	"github.com/postalsys/tunnel-agent/internal/metrics"
	"github.com/postalsys/tunnel-agent/internal/protocol"
	"github.com/postalsys/tunnel-agent/internal/recovery"
)

// ClaimAckSize is the length of the relay's claim acknowledgement.
const ClaimAckSize = 8

// Byte directions for metrics.
const (
	DirectionInbound  = "inbound"  // remote client to origin
	DirectionOutbound = "outbound" // origin to remote client
)

var (
	// ErrStopped is returned by HandleClient after Stop.
	ErrStopped = errors.New("relay stopped")

	// ErrConnectionLimit is returned when MaxConnections clients are active.
	ErrConnectionLimit = errors.New("connection limit exceeded")
)

// Config contains TCP relay configuration.
type Config struct {
	// OriginAddr is the local TCP service clients are forwarded to. Empty
	// means echo mode: client bytes are written straight back.
	OriginAddr string

	// ConnectTimeout bounds the claim dial, the claim handshake and the
	// origin dial.
	ConnectTimeout time.Duration

	// RateLimit caps each direction of each client, in bytes per second.
	// Zero means unlimited.
	RateLimit int64

	// MaxConnections limits concurrent clients. Zero means unlimited.
	MaxConnections int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 10 * time.Second,
		MaxConnections: 1000,
	}
}

// Connection is one claimed client.
type Connection struct {
	ID        uint64
	TunnelID  uint64
	Peer      string
	StartedAt time.Time

	cancel    context.CancelFunc
	mu        sync.Mutex
	claim     net.Conn
	origin    net.Conn
	closed    atomic.Bool
	closeOnce sync.Once
}

// Close closes both legs of the connection.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.cancel != nil {
			c.cancel()
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.claim != nil {
			err = c.claim.Close()
		}
		if c.origin != nil {
			if oerr := c.origin.Close(); oerr != nil && err == nil {
				err = oerr
			}
		}
	})
	return err
}

// IsClosed returns true if the connection is closed.
func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}

// setLeg records a dialed leg. It reports false, and closes conn, if the
// connection was closed in the meantime.
func (c *Connection) setLeg(leg *net.Conn, conn net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		conn.Close()
		return false
	}
	*leg = conn
	return true
}

// Relay claims and relays TCP clients.
type Relay struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu          sync.Mutex
	connections map[uint64]*Connection
	nextID      uint64
	wg          sync.WaitGroup

	stopped  atomic.Bool
	stopOnce sync.Once
}

// NewRelay creates a TCP relay.
func NewRelay(cfg Config) *Relay {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConfig().ConnectTimeout
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}

	return &Relay{
		cfg:         cfg,
		logger:      logging.Component(cfg.Logger, "forward"),
		metrics:     m,
		connections: make(map[uint64]*Connection),
	}
}

// HandleClient claims the announced client in the background and returns
// immediately. It only fails when the relay is stopped or full.
func (r *Relay) HandleClient(ctx context.Context, client *protocol.NewClient) error {
	// Copy the token: the caller's event may be reused.
	token := append([]byte(nil), client.ClaimToken...)
	claimAddr := client.ClaimAddr.String()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped.Load() {
		return ErrStopped
	}
	if r.cfg.MaxConnections > 0 && len(r.connections) >= r.cfg.MaxConnections {
		return ErrConnectionLimit
	}

	connCtx, cancel := context.WithCancel(ctx)
	r.nextID++
	conn := &Connection{
		ID:        r.nextID,
		TunnelID:  client.TunnelID,
		Peer:      client.PeerAddr.String(),
		StartedAt: time.Now(),
		cancel:    cancel,
	}
	r.connections[conn.ID] = conn
	r.metrics.RecordTCPClientOpen()

	// Spawned under r.mu so Stop never races the WaitGroup.
	recovery.Go(&r.wg, r.logger, "forward.client", func() {
		defer r.closeConnection(conn)
		r.serve(connCtx, conn, claimAddr, token)
	})
	return nil
}

func (r *Relay) serve(ctx context.Context, conn *Connection, claimAddr string, token []byte) {
	logger := r.logger.With(
		logging.KeyTunnelID, conn.TunnelID,
		logging.KeyRemoteAddr, conn.Peer)

	claim, err := r.claim(ctx, claimAddr, token)
	if err != nil {
		logger.Warn("claim failed", logging.KeyAddress, claimAddr, logging.KeyError, err)
		return
	}
	if !conn.setLeg(&conn.claim, claim) {
		return
	}

	if r.cfg.OriginAddr == "" {
		logger.Debug("client claimed, echoing")
		n := r.echo(ctx, claim)
		logger.Debug("client closed", "echoed", humanize.Bytes(uint64(n)))
		return
	}

	dialer := &net.Dialer{Timeout: r.cfg.ConnectTimeout}
	origin, err := dialer.DialContext(ctx, "tcp", r.cfg.OriginAddr)
	if err != nil {
		logger.Warn("origin dial failed", logging.KeyAddress, r.cfg.OriginAddr, logging.KeyError, err)
		return
	}
	if !conn.setLeg(&conn.origin, origin) {
		return
	}

	logger.Debug("client claimed", logging.KeyAddress, r.cfg.OriginAddr)
	in, out := r.pipe(ctx, claim, origin)
	logger.Debug("client closed",
		"inbound", humanize.Bytes(uint64(in)),
		"outbound", humanize.Bytes(uint64(out)),
		logging.KeyDuration, time.Since(conn.StartedAt).Round(time.Millisecond).String())
}

// claim dials the claim address, writes the token and waits for the
// acknowledgement.
func (r *Relay) claim(ctx context.Context, addr string, token []byte) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: r.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial claim address: %w", err)
	}

	conn.SetDeadline(time.Now().Add(r.cfg.ConnectTimeout))

	if _, err := conn.Write(token); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write claim token: %w", err)
	}

	var ack [ClaimAckSize]byte
	if _, err := io.ReadFull(conn, ack[:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read claim ack: %w", err)
	}

	conn.SetDeadline(time.Time{})
	return conn, nil
}

// echo writes everything the client sends back to it.
func (r *Relay) echo(ctx context.Context, client net.Conn) int64 {
	n, _ := io.Copy(client, newRateLimitedReader(ctx, client, r.cfg.RateLimit))
	r.metrics.RecordTCPBytes(DirectionInbound, n)
	r.metrics.RecordTCPBytes(DirectionOutbound, n)
	closeWrite(client)
	return n
}

// pipe copies data bidirectionally between the client and the origin.
// Supports half-close for graceful shutdown.
func (r *Relay) pipe(ctx context.Context, client, origin net.Conn) (in, out int64) {
	var wg sync.WaitGroup
	wg.Add(2)

	// Client -> Origin
	go func() {
		defer wg.Done()
		in, _ = io.Copy(origin, newRateLimitedReader(ctx, client, r.cfg.RateLimit))
		r.metrics.RecordTCPBytes(DirectionInbound, in)
		closeWrite(origin)
	}()

	// Origin -> Client
	go func() {
		defer wg.Done()
		out, _ = io.Copy(client, newRateLimitedReader(ctx, origin, r.cfg.RateLimit))
		r.metrics.RecordTCPBytes(DirectionOutbound, out)
		closeWrite(client)
	}()

	wg.Wait()
	return in, out
}

// halfCloser is implemented by connections that support half-close.
type halfCloser interface {
	CloseWrite() error
}

func closeWrite(c net.Conn) {
	if hc, ok := c.(halfCloser); ok {
		hc.CloseWrite()
	}
}

func (r *Relay) closeConnection(conn *Connection) {
	conn.Close()

	r.mu.Lock()
	_, ok := r.connections[conn.ID]
	delete(r.connections, conn.ID)
	r.mu.Unlock()

	if ok {
		r.metrics.RecordTCPClientClose()
	}
}

// Stop closes every active connection and waits for their goroutines.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.stopped.Store(true)
		conns := make([]*Connection, 0, len(r.connections))
		for _, c := range r.connections {
			conns = append(conns, c)
		}
		r.mu.Unlock()

		for _, c := range conns {
			c.Close()
		}
	})
	r.wg.Wait()
}

// ConnectionCount returns the number of active connections.
func (r *Relay) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connections)
}
