// Package udptunnel implements the agent side of the relay's UDP data channel.
//
// The channel is negotiated over the control session, which hands the agent a
// tunnel endpoint and a bearer token. The agent sends the token to the
// endpoint and the relay echoes it back to confirm the channel. After that,
// every datagram carries a flow tail (see package flow) naming the remote
// client it belongs to.
//
// A Tunnel is shared by the inbound datagram loop and the control loop. The
// channel details sit behind a RWMutex. The confirm/send timestamps are
// independent atomics so the retry predicates never wait on the data path.
// Each installed channel carries its own confirmed flag, so new details start
// unconfirmed while the timestamps stay non-decreasing.
package udptunnel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/tunnel-agent/internal/flow"
	"github.com/postalsys/tunnel-agent/internal/logging"
	"github.com/postalsys/tunnel-agent/internal/metrics"
)

const (
	// ResendInterval is how long a confirmation stays fresh.
	ResendInterval = 10 * time.Second

	// AuthRetryInterval is how long an unconfirmed token send may go
	// unanswered before it should be retransmitted.
	AuthRetryInterval = 5 * time.Second
)

var (
	// ErrNotConnected is returned when no channel details are installed.
	ErrNotConnected = errors.New("udp tunnel not connected")

	// ErrUnsupported is returned when the tunnel endpoint is IPv6 and no IPv6
	// socket could be bound.
	ErrUnsupported = errors.New("IPv6 not supported")

	// ErrInvalidData is returned for inbound datagrams that are not tunnel
	// traffic. It is wrapped by ErrForeignSource and ErrBadFlowTail.
	ErrInvalidData = errors.New("invalid tunnel datagram")

	// ErrForeignSource is returned when a datagram did not come from the
	// installed tunnel endpoint.
	ErrForeignSource = fmt.Errorf("%w: got data from other source", ErrInvalidData)

	// ErrBadFlowTail is returned when a data datagram carries no valid flow tail.
	ErrBadFlowTail = fmt.Errorf("%w: failed to extract flow tail", ErrInvalidData)

	// ErrStaleToken is returned for an echo of a token that was replaced
	// while the datagram was in flight.
	ErrStaleToken = fmt.Errorf("%w: echo of a replaced token", ErrInvalidData)

	// ErrWriteZero is returned when a non-token datagram is shorter than the
	// smallest flow tail.
	ErrWriteZero = errors.New("datagram too short for a flow tail")

	// ErrInvalidDetails is returned by SetChannelDetails for an unusable
	// endpoint or an empty token.
	ErrInvalidDetails = errors.New("invalid udp channel details")
)

// aLongTimeAgo is a read deadline that unblocks a pending read immediately.
var aLongTimeAgo = time.Unix(1, 0)

// ChannelDetails is what the relay hands out for one UDP channel.
type ChannelDetails struct {
	TunnelAddr netip.AddrPort
	Token      []byte
}

// Equal reports whether d and o name the same endpoint and token.
func (d ChannelDetails) Equal(o ChannelDetails) bool {
	return d.TunnelAddr == o.TunnelAddr && bytes.Equal(d.Token, o.Token)
}

// channel is one installation of channel details.
type channel struct {
	ChannelDetails

	// confirmed is set by the first echo of this channel's token.
	confirmed atomic.Bool
}

// EventKind distinguishes the results of ReceiveFrom.
type EventKind uint8

const (
	// EventPacket is a data datagram from a remote client.
	EventPacket EventKind = iota
	// EventConfirmed is the relay echoing the token back.
	EventConfirmed
)

// String returns a human-readable name for the kind.
func (k EventKind) String() string {
	switch k {
	case EventPacket:
		return "PACKET"
	case EventConfirmed:
		return "CONFIRMED"
	default:
		return "UNKNOWN"
	}
}

// Event is one successfully classified inbound datagram.
type Event struct {
	Kind EventKind

	// Bytes is the payload length in the receive buffer, excluding the flow
	// tail. Only set for EventPacket.
	Bytes int

	// Flow identifies the remote client. Only set for EventPacket.
	Flow flow.Flow
}

// State is the handshake state of the channel.
type State int

const (
	StateUnconfigured State = iota
	StateAwaitingConfirm
	StateConfirmed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "UNCONFIGURED"
	case StateAwaitingConfirm:
		return "AWAITING_CONFIRM"
	case StateConfirmed:
		return "CONFIRMED"
	default:
		return "UNKNOWN"
	}
}

// Config configures a Tunnel.
type Config struct {
	// DisableIPv6 skips binding the IPv6 socket.
	DisableIPv6 bool

	// Now overrides the wall clock. Tests only.
	Now func() time.Time

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Tunnel is the agent end of the UDP channel. All methods are safe for
// concurrent use.
type Tunnel struct {
	sockets socketPair

	mu      sync.RWMutex
	details *channel

	// Unix milliseconds. Written only by the confirm and token-send paths.
	lastConfirm atomic.Int64
	lastSend    atomic.Int64

	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New binds the socket pair and returns an unconfigured tunnel.
func New(cfg Config) (*Tunnel, error) {
	sockets, err := bindSocketPair(cfg.DisableIPv6)
	if err != nil {
		return nil, err
	}
	return newTunnel(cfg, sockets), nil
}

// NewWithConns returns a tunnel over caller-supplied sockets. udp6 may be nil.
func NewWithConns(cfg Config, udp4, udp6 PacketConn) *Tunnel {
	return newTunnel(cfg, socketPair{udp4: udp4, udp6: udp6})
}

func newTunnel(cfg Config, sockets socketPair) *Tunnel {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}

	t := &Tunnel{
		sockets: sockets,
		now:     now,
		logger:  logging.Component(cfg.Logger, "udptunnel"),
		metrics: m,
	}

	t.logger.Debug("udp sockets bound",
		"udp4", sockets.udp4.LocalAddr().String(),
		"ipv6", sockets.udp6 != nil)

	return t
}

// Close closes both sockets. Pending reads fail.
func (t *Tunnel) Close() error {
	return t.sockets.close()
}

// HasIPv6 reports whether an IPv6 socket is bound.
func (t *Tunnel) HasIPv6() bool {
	return t.sockets.udp6 != nil
}

// LocalAddr returns the address of the IPv4 socket.
func (t *Tunnel) LocalAddr() net.Addr {
	return t.sockets.udp4.LocalAddr()
}

// IsSetup reports whether channel details are installed.
func (t *Tunnel) IsSetup() bool {
	return t.current() != nil
}

func (t *Tunnel) current() *channel {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.details
}

// Details returns a copy of the installed channel details.
func (t *Tunnel) Details() (ChannelDetails, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.details == nil {
		return ChannelDetails{}, false
	}
	return ChannelDetails{
		TunnelAddr: t.details.TunnelAddr,
		Token:      bytes.Clone(t.details.Token),
	}, true
}

// RequiresResend reports whether the last confirmation is older than
// ResendInterval. A channel whose current token was never confirmed always
// requires a resend.
func (t *Tunnel) RequiresResend() bool {
	ch := t.current()
	if ch == nil || !ch.confirmed.Load() {
		return true
	}
	return t.nowMillis()-t.lastConfirm.Load() > ResendInterval.Milliseconds()
}

// RequiresAuth reports whether the most recent token send is still
// unconfirmed and older than AuthRetryInterval. Confirmations of earlier
// details do not count.
func (t *Tunnel) RequiresAuth() bool {
	ch := t.current()
	if ch == nil {
		return false
	}

	lastSend := t.lastSend.Load()
	if ch.confirmed.Load() && t.lastConfirm.Load() >= lastSend {
		return false
	}
	return t.nowMillis()-lastSend > AuthRetryInterval.Milliseconds()
}

// State returns the handshake state derived from the installed details and
// the confirm/send timestamps.
func (t *Tunnel) State() State {
	ch := t.current()
	if ch == nil {
		return StateUnconfigured
	}
	if !ch.confirmed.Load() || t.lastConfirm.Load() < t.lastSend.Load() {
		return StateAwaitingConfirm
	}
	return StateConfirmed
}

// LastConfirm returns the time of the last token echo, or the zero time.
func (t *Tunnel) LastConfirm() time.Time {
	return millisToTime(t.lastConfirm.Load())
}

// LastSend returns the time of the last token transmission, or the zero time.
func (t *Tunnel) LastSend() time.Time {
	return millisToTime(t.lastSend.Load())
}

// SetChannelDetails installs details and sends the token to the new endpoint.
// Installing details equal to the current ones is a no-op and sends nothing.
// New details start unconfirmed even if the token send fails. This is the
// only way to start a handshake.
func (t *Tunnel) SetChannelDetails(details ChannelDetails) error {
	if !details.TunnelAddr.IsValid() || details.TunnelAddr.Port() == 0 {
		return fmt.Errorf("%w: endpoint %s", ErrInvalidDetails, details.TunnelAddr)
	}
	if len(details.Token) == 0 {
		return fmt.Errorf("%w: empty token", ErrInvalidDetails)
	}

	installed := ChannelDetails{
		TunnelAddr: unmap(details.TunnelAddr),
		Token:      bytes.Clone(details.Token),
	}

	t.mu.Lock()
	if t.details != nil && t.details.Equal(installed) {
		t.mu.Unlock()
		return nil
	}
	t.details = &channel{ChannelDetails: installed}
	t.mu.Unlock()

	t.logger.Info("udp channel details installed",
		logging.KeyRemoteAddr, installed.TunnelAddr.String())

	return t.sendToken(installed)
}

// ResendToken retransmits the installed token. It returns false without
// sending anything when no details are installed.
func (t *Tunnel) ResendToken() (bool, error) {
	details, ok := t.Details()
	if !ok {
		return false, nil
	}
	if err := t.sendToken(details); err != nil {
		return false, err
	}
	return true, nil
}

func (t *Tunnel) sendToken(details ChannelDetails) error {
	conn, err := t.sockets.forAddr(details.TunnelAddr)
	if err != nil {
		return err
	}
	if _, err := conn.WriteToUDPAddrPort(details.Token, details.TunnelAddr); err != nil {
		return fmt.Errorf("send token: %w", err)
	}

	storeMax(&t.lastSend, t.nowMillis())
	t.metrics.RecordTokenSent()
	t.logger.Debug("token sent", logging.KeyRemoteAddr, details.TunnelAddr.String())
	return nil
}

// Send appends the flow tail to payload and transmits the datagram to the
// tunnel endpoint. The bytes after len(payload) in its backing array may be
// overwritten. It returns the number of bytes written, tail included.
func (t *Tunnel) Send(payload []byte, f flow.Flow) (int, error) {
	conn, ch, err := t.active()
	if err != nil {
		return 0, err
	}
	tunnelAddr := ch.TunnelAddr

	payloadLen := len(payload)
	datagram := f.AppendTo(payload)

	n, err := conn.WriteToUDPAddrPort(datagram, tunnelAddr)
	if err != nil {
		return n, err
	}

	t.metrics.RecordDatagramSent(payloadLen)
	return n, nil
}

// ReceiveFrom blocks until one datagram arrives on the active socket, or ctx
// is done. The datagram is classified as a token echo (EventConfirmed) or a
// data datagram (EventPacket, whose payload is buf[:Event.Bytes]).
//
// Datagrams are checked against the details installed when the read returns.
// Datagrams from any address other than the tunnel endpoint fail with
// ErrForeignSource and echoes of a token replaced during the read fail with
// ErrStaleToken. Neither touches the channel timestamps.
func (t *Tunnel) ReceiveFrom(ctx context.Context, buf []byte) (Event, error) {
	conn, ch, err := t.active()
	if err != nil {
		return Event{}, err
	}

	n, remote, err := readContext(ctx, conn, buf)
	if err != nil {
		return Event{}, err
	}
	remote = unmap(remote)
	datagram := buf[:n]

	t.mu.RLock()
	cur := t.details
	if cur != ch && remote == ch.TunnelAddr && bytes.Equal(datagram, ch.Token) {
		t.mu.RUnlock()
		t.metrics.RecordRejected(metrics.RejectStale)
		return Event{}, ErrStaleToken
	}
	if remote != cur.TunnelAddr {
		t.mu.RUnlock()
		t.metrics.RecordRejected(metrics.RejectForeignSource)
		return Event{}, fmt.Errorf("%w: %s", ErrForeignSource, remote)
	}
	if bytes.Equal(datagram, cur.Token) {
		// Under the read lock, so a concurrent install cannot slip between
		// the token check and the confirmation.
		storeMax(&t.lastConfirm, t.nowMillis())
		cur.confirmed.Store(true)
		t.mu.RUnlock()
		t.metrics.RecordConfirmation()
		return Event{Kind: EventConfirmed}, nil
	}
	t.mu.RUnlock()

	if n < flow.MinLen {
		t.metrics.RecordRejected(metrics.RejectShort)
		return Event{}, fmt.Errorf("%w: %d bytes", ErrWriteZero, n)
	}

	f, err := flow.FromTail(datagram)
	if err != nil {
		t.metrics.RecordRejected(metrics.RejectBadTail)
		return Event{}, fmt.Errorf("%w: %w", ErrBadFlowTail, err)
	}

	payloadLen := n - f.Len()
	t.metrics.RecordDatagramReceived(payloadLen)
	return Event{Kind: EventPacket, Bytes: payloadLen, Flow: f}, nil
}

// readContext reads one datagram, bounded by ctx. The ctx deadline becomes the
// socket deadline and cancellation unblocks the read. The cancel hook has
// finished by the time readContext returns, so it cannot cut short a later
// read on the same socket.
func readContext(ctx context.Context, conn PacketConn, buf []byte) (int, netip.AddrPort, error) {
	deadline, _ := ctx.Deadline()
	if err := conn.SetReadDeadline(deadline); err != nil {
		return 0, netip.AddrPort{}, err
	}

	hookDone := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(hookDone)
		_ = conn.SetReadDeadline(aLongTimeAgo)
	})
	defer func() {
		if !stop() {
			<-hookDone
		}
	}()

	n, remote, err := conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, netip.AddrPort{}, ctxErr
		}
		if !deadline.IsZero() && errors.Is(err, os.ErrDeadlineExceeded) {
			return 0, netip.AddrPort{}, context.DeadlineExceeded
		}
		return 0, netip.AddrPort{}, err
	}
	return n, remote, nil
}

// active returns the installed channel and the socket matching its endpoint.
func (t *Tunnel) active() (PacketConn, *channel, error) {
	ch := t.current()
	if ch == nil {
		return nil, nil, ErrNotConnected
	}

	conn, err := t.sockets.forAddr(ch.TunnelAddr)
	if err != nil {
		return nil, nil, err
	}
	return conn, ch, nil
}

func (t *Tunnel) nowMillis() int64 {
	return t.now().UnixMilli()
}

// storeMax stores v unless the counter already holds a later time, keeping
// the timestamps non-decreasing when the wall clock steps backwards.
func storeMax(counter *atomic.Int64, v int64) {
	for {
		cur := counter.Load()
		if v <= cur || counter.CompareAndSwap(cur, v) {
			return
		}
	}
}

func unmap(addr netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
}

func millisToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
