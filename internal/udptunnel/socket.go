package udptunnel

import (
	"fmt"
	"net"
	"net/netip"
	"time"
)

// PacketConn is the subset of *net.UDPConn the tunnel needs.
type PacketConn interface {
	ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error)
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
	SetReadDeadline(t time.Time) error
	LocalAddr() net.Addr
	Close() error
}

// socketPair holds the always-present IPv4 socket and the optional IPv6 one.
// Neither field is reassigned after construction.
type socketPair struct {
	udp4 PacketConn
	udp6 PacketConn
}

// bindSocketPair binds the IPv4 socket on an ephemeral port and tries to bind
// the IPv6 socket. Failure to bind IPv6 is not an error: the pair simply
// carries no IPv6 socket.
func bindSocketPair(disableIPv6 bool) (socketPair, error) {
	udp4, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return socketPair{}, fmt.Errorf("bind udp4: %w", err)
	}

	pair := socketPair{udp4: udp4}
	if disableIPv6 {
		return pair, nil
	}

	if udp6, err := net.ListenUDP("udp6", &net.UDPAddr{IP: net.IPv6unspecified}); err == nil {
		pair.udp6 = udp6
	}
	return pair, nil
}

// forAddr returns the socket matching the address family of addr.
func (p socketPair) forAddr(addr netip.AddrPort) (PacketConn, error) {
	if addr.Addr().Is4() {
		return p.udp4, nil
	}
	if p.udp6 == nil {
		return nil, ErrUnsupported
	}
	return p.udp6, nil
}

func (p socketPair) close() error {
	var err error
	if p.udp6 != nil {
		err = p.udp6.Close()
	}
	if err4 := p.udp4.Close(); err4 != nil {
		err = err4
	}
	return err
}
