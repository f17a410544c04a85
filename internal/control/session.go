// Package control implements the agent's control session with the relay.
//
// The session carries authentication, ping, keep-alive and UDP channel setup
// requests from the agent, and a feed of responses and new-client
// notifications from the relay. Frames travel as binary websocket messages,
// one frame per message.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/tunnel-agent/internal/logging"
	"github.com/postalsys/tunnel-agent/internal/metrics"
	"github.com/postalsys/tunnel-agent/internal/protocol"
)

var (
	// ErrUnauthorized is returned when the relay rejects the agent secret.
	ErrUnauthorized = errors.New("relay rejected agent credentials")

	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("control session closed")
)

// Session is the agent's view of an authenticated control session.
type Session interface {
	// RecvFeed blocks until the relay sends the next feed event.
	RecvFeed(ctx context.Context) (Feed, error)

	SendPing(ctx context.Context, id uint64, nowMillis int64) error
	SendKeepAlive(ctx context.Context, id uint64) error
	SendSetupUDPChannel(ctx context.Context, id uint64) error

	// ExpireAt returns the session expiry in Unix milliseconds, or 0 if the
	// relay has not reported one.
	ExpireAt() int64

	Close() error
}

// Feed is one event received from the relay: *NewClient or *Response.
type Feed interface {
	feed()
}

// NewClient asks the agent to claim a TCP connection from a remote client.
type NewClient struct {
	protocol.NewClient
}

// Response answers an agent request. Content is the decoded payload, for
// example *protocol.Pong, *protocol.UDPChannelDetails or
// protocol.RequestQueued.
type Response struct {
	RequestID uint64
	Type      uint8
	Content   any
}

func (*NewClient) feed() {}
func (*Response) feed()  {}

// Conn is a transport connection to the relay that has not yet
// authenticated.
type Conn struct {
	nc      net.Conn
	version string
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func newConn(nc net.Conn, cfg DialConfig) *Conn {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}
	return &Conn{
		nc:      nc,
		version: cfg.Version,
		logger:  logging.Component(cfg.Logger, "control"),
		metrics: m,
	}
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.nc.Close()
}

// Authenticate sends the agent secret and waits for the relay's verdict. On
// success the connection becomes a WSSession and must no longer be used
// directly. On any failure the connection is closed.
func (c *Conn) Authenticate(ctx context.Context, secret string) (*WSSession, error) {
	s := &WSSession{
		nc:      c.nc,
		reader:  protocol.NewFrameReader(c.nc),
		writer:  protocol.NewFrameWriter(c.nc),
		logger:  c.logger,
		metrics: c.metrics,
		closed:  make(chan struct{}),
	}

	auth := &protocol.AgentAuth{Secret: secret, Version: c.version}
	if err := s.write(ctx, protocol.FrameAgentAuth, 0, auth.Encode()); err != nil {
		s.Close()
		return nil, fmt.Errorf("send auth: %w", err)
	}

	for {
		f, err := s.read(ctx)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("await auth result: %w", err)
		}

		switch f.Type {
		case protocol.FrameAgentRegistered:
			reg, err := protocol.DecodeAgentRegistered(f.Payload)
			if err != nil {
				s.Close()
				return nil, err
			}
			s.sessionID = reg.SessionID
			s.expireAt.Store(int64(reg.ExpireAt))
			s.logger.Info("control session registered",
				"session_id", reg.SessionID,
				"expire_at", time.UnixMilli(int64(reg.ExpireAt)).Format(time.RFC3339))
			return s, nil

		case protocol.FrameUnauthorized:
			s.Close()
			return nil, ErrUnauthorized

		default:
			s.logger.Debug("ignoring frame before registration",
				"type", protocol.FrameTypeName(f.Type))
		}
	}
}

// WSSession is an authenticated control session over a websocket.
type WSSession struct {
	nc     net.Conn
	reader *protocol.FrameReader

	writeMu sync.Mutex
	writer  *protocol.FrameWriter

	sessionID uint64
	expireAt  atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// SessionID returns the identifier the relay assigned at registration.
func (s *WSSession) SessionID() uint64 {
	return s.sessionID
}

// ExpireAt returns the last session expiry reported by the relay.
func (s *WSSession) ExpireAt() int64 {
	return s.expireAt.Load()
}

// RecvFeed reads frames until one forms a feed event. Frames with unknown
// types or malformed payloads are logged and skipped. It is not safe to call
// RecvFeed from more than one goroutine.
func (s *WSSession) RecvFeed(ctx context.Context) (Feed, error) {
	for {
		f, err := s.read(ctx)
		if err != nil {
			return nil, err
		}

		content, err := protocol.DecodePayload(f)
		if err != nil {
			s.logger.Warn("dropping control frame",
				"type", protocol.FrameTypeName(f.Type),
				logging.KeyRequestID, f.RequestID,
				logging.KeyError, err)
			continue
		}

		s.metrics.RecordFeedEvent(protocol.FrameTypeName(f.Type))

		switch msg := content.(type) {
		case *protocol.NewClient:
			return &NewClient{NewClient: *msg}, nil
		case *protocol.AgentRegistered:
			s.storeExpiry(msg.ExpireAt)
		case *protocol.Pong:
			s.storeExpiry(msg.SessionExpireAt)
		}

		return &Response{RequestID: f.RequestID, Type: f.Type, Content: content}, nil
	}
}

// SendPing sends a PING carrying the agent clock.
func (s *WSSession) SendPing(ctx context.Context, id uint64, nowMillis int64) error {
	ping := &protocol.Ping{Now: uint64(nowMillis)}
	return s.write(ctx, protocol.FramePing, id, ping.Encode())
}

// SendKeepAlive asks the relay to extend the session.
func (s *WSSession) SendKeepAlive(ctx context.Context, id uint64) error {
	return s.write(ctx, protocol.FrameKeepAlive, id, nil)
}

// SendSetupUDPChannel asks the relay for UDP channel details.
func (s *WSSession) SendSetupUDPChannel(ctx context.Context, id uint64) error {
	return s.write(ctx, protocol.FrameSetupUDPChannel, id, nil)
}

// Close closes the session. Pending reads and writes fail.
func (s *WSSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.nc.Close()
	})
	return err
}

func (s *WSSession) storeExpiry(expireAt uint64) {
	if expireAt != 0 {
		s.expireAt.Store(int64(expireAt))
	}
}

func (s *WSSession) read(ctx context.Context) (*protocol.Frame, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}

	deadline, _ := ctx.Deadline()
	if err := s.nc.SetReadDeadline(deadline); err != nil {
		return nil, s.mapErr(ctx, err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = s.nc.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	f, err := s.reader.Read()
	if err != nil {
		return nil, s.mapErr(ctx, err)
	}
	return f, nil
}

func (s *WSSession) write(ctx context.Context, frameType uint8, id uint64, payload []byte) error {
	if s.isClosed() {
		return ErrSessionClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := s.nc.SetWriteDeadline(deadline); err != nil {
		return s.mapErr(ctx, err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = s.nc.SetWriteDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := s.writer.WriteFrame(frameType, id, payload); err != nil {
		return s.mapErr(ctx, err)
	}
	return nil
}

func (s *WSSession) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// mapErr turns transport errors caused by ctx or Close into the matching
// sentinel.
func (s *WSSession) mapErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if s.isClosed() || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("%w: %w", ErrSessionClosed, err)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return context.DeadlineExceeded
	}
	return err
}
