package udptunnel

import (
	"net"
	"net/netip"
	"os"
	"sync"
	"time"
)

type datagram struct {
	data []byte
	addr netip.AddrPort
}

// memConn is an in-memory PacketConn. Datagrams written to it are recorded;
// datagrams pushed with deliver are returned by reads. Read deadlines behave
// like a real socket's.
type memConn struct {
	local netip.AddrPort
	inbox chan datagram

	// onRead, if set, is called each time a read starts.
	onRead func()

	mu       sync.Mutex
	sent     []datagram
	deadline time.Time
	wake     chan struct{}
	closed   bool
	done     chan struct{}
}

func newMemConn(local string) *memConn {
	return &memConn{
		local: netip.MustParseAddrPort(local),
		inbox: make(chan datagram, 64),
		wake:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (c *memConn) deliver(from string, data []byte) {
	c.inbox <- datagram{data: append([]byte(nil), data...), addr: netip.MustParseAddrPort(from)}
}

func (c *memConn) written() []datagram {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]datagram(nil), c.sent...)
}

func (c *memConn) ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error) {
	if c.onRead != nil {
		c.onRead()
	}
	for {
		c.mu.Lock()
		deadline, wake := c.deadline, c.wake
		c.mu.Unlock()

		var timeout <-chan time.Time
		var timer *time.Timer
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d <= 0 {
				return 0, netip.AddrPort{}, os.ErrDeadlineExceeded
			}
			timer = time.NewTimer(d)
			timeout = timer.C
		}

		select {
		case dg := <-c.inbox:
			if timer != nil {
				timer.Stop()
			}
			return copy(b, dg.data), dg.addr, nil
		case <-timeout:
			return 0, netip.AddrPort{}, os.ErrDeadlineExceeded
		case <-wake:
			if timer != nil {
				timer.Stop()
			}
		case <-c.done:
			if timer != nil {
				timer.Stop()
			}
			return 0, netip.AddrPort{}, net.ErrClosed
		}
	}
}

func (c *memConn) WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	c.sent = append(c.sent, datagram{data: append([]byte(nil), b...), addr: addr})
	return len(b), nil
}

func (c *memConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = t
	close(c.wake)
	c.wake = make(chan struct{})
	return nil
}

func (c *memConn) LocalAddr() net.Addr {
	return net.UDPAddrFromAddrPort(c.local)
}

func (c *memConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

// fakeClock is a settable wall clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
