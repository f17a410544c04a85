package udp

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/postalsys/tunnel-agent/internal/flow"
)

// AssociationState represents the state of a UDP association.
type AssociationState int

const (
	// StateOpen means the association is relaying datagrams.
	StateOpen AssociationState = iota
	// StateClosed means the association has been terminated.
	StateClosed
)

// String returns a human-readable name for the state.
func (s AssociationState) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Association is the origin side of one tunnel flow.
type Association struct {
	mu sync.RWMutex

	// Flow is the descriptor of inbound datagrams, as received.
	Flow flow.Flow

	State        AssociationState
	CreatedAt    time.Time
	LastActivity time.Time

	conn   *net.UDPConn
	ctx    context.Context
	cancel context.CancelFunc
	now    func() time.Time
}

// NewAssociation creates an open association for f over conn.
func NewAssociation(f flow.Flow, conn *net.UDPConn) *Association {
	return newAssociation(f, conn, time.Now)
}

func newAssociation(f flow.Flow, conn *net.UDPConn, now func() time.Time) *Association {
	ctx, cancel := context.WithCancel(context.Background())
	t := now()

	return &Association{
		Flow:         f,
		State:        StateOpen,
		CreatedAt:    t,
		LastActivity: t,
		conn:         conn,
		ctx:          ctx,
		cancel:       cancel,
		now:          now,
	}
}

// ReplyFlow is the descriptor origin replies are tagged with.
func (a *Association) ReplyFlow() flow.Flow {
	return a.Flow.Flip()
}

// UpdateActivity updates the last activity timestamp.
func (a *Association) UpdateActivity() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.LastActivity = a.now()
}

// IsExpired checks if the association has been idle longer than the timeout.
func (a *Association) IsExpired(timeout time.Duration) bool {
	if timeout == 0 {
		return false
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.now().Sub(a.LastActivity) > timeout
}

// IsClosed returns true if the association has been closed.
func (a *Association) IsClosed() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.State == StateClosed
}

// GetState returns the current state.
func (a *Association) GetState() AssociationState {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.State
}

// Context is cancelled when the association closes.
func (a *Association) Context() context.Context {
	return a.ctx
}

// Conn returns the origin socket, or nil once closed.
func (a *Association) Conn() *net.UDPConn {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.conn
}

// Close terminates the association and releases its socket.
func (a *Association) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.State == StateClosed {
		return nil
	}

	a.State = StateClosed
	a.cancel()

	if a.conn != nil {
		err := a.conn.Close()
		a.conn = nil
		return err
	}
	return nil
}
