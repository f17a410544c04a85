package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/postalsys/tunnel-agent/internal/flow"
	"github.com/postalsys/tunnel-agent/internal/logging"
	"github.com/postalsys/tunnel-agent/internal/metrics"
	"github.com/postalsys/tunnel-agent/internal/recovery"
)

var (
	// ErrFlowLimit is returned when MaxFlows associations are open.
	ErrFlowLimit = errors.New("udp flow limit reached")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("udp handler closed")
)

// Sender transmits a payload back through the tunnel tagged with f. Send may
// write past len(payload) within its capacity to append the flow tail.
type Sender interface {
	Send(payload []byte, f flow.Flow) (int, error)
}

// PacketHandler consumes data datagrams received from the tunnel. The payload
// is only valid for the duration of the call.
type PacketHandler interface {
	HandlePacket(payload []byte, f flow.Flow) error
	Close() error
}

// EchoHandler answers every datagram with its own payload on the flipped
// flow. It is used when no UDP origin is configured.
type EchoHandler struct {
	Sender Sender
}

// HandlePacket implements PacketHandler.
func (e *EchoHandler) HandlePacket(payload []byte, f flow.Flow) error {
	_, err := e.Sender.Send(payload, f.Flip())
	return err
}

// Close implements PacketHandler.
func (e *EchoHandler) Close() error { return nil }

// Handler relays tunnel flows to a UDP origin.
type Handler struct {
	mu           sync.RWMutex
	associations map[flow.Flow]*Association
	closed       bool

	config  Config
	origin  *net.UDPAddr
	sender  Sender
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// Cleanup
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHandler resolves the origin address and starts the idle cleanup loop.
func NewHandler(cfg Config, sender Sender) (*Handler, error) {
	if cfg.MaxDatagramSize <= 0 {
		cfg.MaxDatagramSize = DefaultConfig().MaxDatagramSize
	}

	origin, err := net.ResolveUDPAddr("udp", cfg.OriginAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve udp origin %q: %w", cfg.OriginAddr, err)
	}

	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	h := &Handler{
		associations: make(map[flow.Flow]*Association),
		config:       cfg,
		origin:       origin,
		sender:       sender,
		logger:       logging.Component(cfg.Logger, "udp"),
		metrics:      m,
		now:          time.Now,
		ctx:          ctx,
		cancel:       cancel,
	}

	if cfg.IdleTimeout > 0 {
		recovery.Go(&h.wg, h.logger, "udp.cleanup", h.cleanupLoop)
	}

	return h, nil
}

// HandlePacket writes payload to the origin on behalf of flow f, opening an
// association on first use.
func (h *Handler) HandlePacket(payload []byte, f flow.Flow) error {
	assoc, err := h.association(f)
	if err != nil {
		return err
	}

	conn := assoc.Conn()
	if conn == nil {
		return fmt.Errorf("association closed")
	}

	assoc.UpdateActivity()

	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("send to origin: %w", err)
	}
	return nil
}

// association returns the open association for f, creating it if needed.
func (h *Handler) association(f flow.Flow) (*Association, error) {
	h.mu.RLock()
	assoc := h.associations[f]
	h.mu.RUnlock()

	if assoc != nil && !assoc.IsClosed() {
		return assoc, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}
	if assoc = h.associations[f]; assoc != nil && !assoc.IsClosed() {
		return assoc, nil
	}
	if h.config.MaxFlows > 0 && len(h.associations) >= h.config.MaxFlows {
		return nil, ErrFlowLimit
	}

	conn, err := net.DialUDP("udp", nil, h.origin)
	if err != nil {
		return nil, fmt.Errorf("create origin socket: %w", err)
	}

	assoc = newAssociation(f, conn, h.now)
	h.associations[f] = assoc
	h.metrics.SetUDPFlows(len(h.associations))

	recovery.Go(&h.wg, h.logger, "udp.read", func() { h.readLoop(assoc) })

	h.logger.Debug("udp association opened",
		logging.KeyFlow, f.String(),
		logging.KeyLocalAddr, conn.LocalAddr().String())

	return assoc, nil
}

// ActiveCount returns the number of open associations.
func (h *Handler) ActiveCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.associations)
}

// GetAssociation returns the association for f, or nil.
func (h *Handler) GetAssociation(f flow.Flow) *Association {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.associations[f]
}

// Close shuts down the handler and all associations.
func (h *Handler) Close() error {
	h.cancel()

	h.mu.Lock()
	h.closed = true
	for _, assoc := range h.associations {
		assoc.Close()
	}
	h.associations = make(map[flow.Flow]*Association)
	h.mu.Unlock()

	h.metrics.SetUDPFlows(0)

	h.wg.Wait()
	return nil
}

// removeAssociation removes an association and cleans up resources.
func (h *Handler) removeAssociation(assoc *Association) {
	h.mu.Lock()
	if h.associations[assoc.Flow] == assoc {
		delete(h.associations, assoc.Flow)
		h.metrics.SetUDPFlows(len(h.associations))
	}
	h.mu.Unlock()

	assoc.Close()
}

// readLoop sends origin replies back through the tunnel.
func (h *Handler) readLoop(assoc *Association) {
	defer h.removeAssociation(assoc)

	reply := assoc.ReplyFlow()
	// Spare capacity for the flow tail Send appends.
	buf := make([]byte, h.config.MaxDatagramSize+flow.V6Len)

	for {
		select {
		case <-assoc.Context().Done():
			return
		case <-h.ctx.Done():
			return
		default:
		}

		conn := assoc.Conn()
		if conn == nil {
			return
		}

		// Set read deadline for responsiveness to cancellation
		conn.SetReadDeadline(time.Now().Add(1 * time.Second))

		n, err := conn.Read(buf[:h.config.MaxDatagramSize])
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if assoc.IsClosed() {
				return
			}
			// ICMP port unreachable surfaces here while the origin is down.
			h.logger.Debug("origin read failed", logging.KeyFlow, assoc.Flow.String(), logging.KeyError, err)
			continue
		}

		assoc.UpdateActivity()

		if _, err := h.sender.Send(buf[:n], reply); err != nil {
			h.logger.Warn("tunnel send failed", logging.KeyFlow, reply.String(), logging.KeyError, err)
		}
	}
}

// cleanupLoop periodically removes expired associations.
func (h *Handler) cleanupLoop() {
	ticker := time.NewTicker(h.config.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.cleanupExpired()
		}
	}
}

// cleanupExpired removes associations that have exceeded the idle timeout.
func (h *Handler) cleanupExpired() {
	h.mu.RLock()
	var expired []*Association
	for _, assoc := range h.associations {
		if assoc.IsExpired(h.config.IdleTimeout) {
			expired = append(expired, assoc)
		}
	}
	h.mu.RUnlock()

	for _, assoc := range expired {
		h.logger.Debug("udp association expired", logging.KeyFlow, assoc.Flow.String())
		h.removeAssociation(assoc)
	}
}
