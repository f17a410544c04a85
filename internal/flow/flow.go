// Package flow encodes the per-client flow descriptor that tags every data
// datagram carried over the UDP tunnel channel.
//
// A descriptor is appended to the payload as a fixed-length tail:
//
//	IPv4 (20 bytes): src_ip(4) dst_ip(4) src_port(2) dst_port(2) footer(8)
//	IPv6 (48 bytes): src_ip(16) dst_ip(16) src_port(2) dst_port(2) flow_label(4) footer(8)
//
// All integers are big-endian. The trailing 8-byte footer identifies the
// variant, so a receiver can tell the two encodings apart from the end of the
// datagram alone.
package flow

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// Tail lengths.
const (
	V4Len = 20
	V6Len = 48

	// MinLen is the length of the shortest tail variant.
	MinLen = V4Len

	footerLen = 8
)

// Footer identifiers.
const (
	FooterV4       uint64 = 0x4448474f48414344
	FooterV4Legacy uint64 = 0x5cb867cf788173b2
	FooterV6       uint64 = 0x6668676f68616366
)

var (
	// ErrTailTooShort is returned when a buffer cannot hold the tail variant
	// its footer announces.
	ErrTailTooShort = errors.New("flow tail too short")

	// ErrUnknownFooter is returned when the last 8 bytes are not a known footer.
	ErrUnknownFooter = errors.New("unknown flow footer")
)

// Flow identifies one remote-client conversation multiplexed over the tunnel.
// Src is the side that produced the datagram, Dst the side it is addressed to.
// Flow is comparable and can be used as a map key.
//
// Build flows with V4 or V6. Only flows that report Valid decode back to an
// equal value; the zero Flow is not valid.
type Flow struct {
	Src netip.AddrPort
	Dst netip.AddrPort

	// Label is the IPv6 flow label. Always zero for IPv4 flows.
	Label uint32
}

// V4 builds an IPv4 flow. Both endpoints are unmapped to plain IPv4.
func V4(src, dst netip.AddrPort) Flow {
	return Flow{
		Src: netip.AddrPortFrom(src.Addr().Unmap(), src.Port()),
		Dst: netip.AddrPortFrom(dst.Addr().Unmap(), dst.Port()),
	}
}

// V6 builds an IPv6 flow with the given flow label. IPv4 endpoints are
// stored in their IPv4-mapped form and zones are dropped, matching what the
// tail can carry.
func V6(src, dst netip.AddrPort, label uint32) Flow {
	return Flow{Src: as16(src), Dst: as16(dst), Label: label}
}

func as16(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom16(ap.Addr().As16()), ap.Port())
}

// Valid reports whether f encodes without loss: both endpoints are set and
// share one encoding, and IPv4 flows carry no label.
func (f Flow) Valid() bool {
	src, dst := f.Src.Addr(), f.Dst.Addr()
	if !src.IsValid() || !dst.IsValid() {
		return false
	}
	if src.Is4() {
		return dst.Is4() && f.Label == 0
	}
	return dst.Is6() && src.Zone() == "" && dst.Zone() == ""
}

// IsV6 reports whether the flow uses the IPv6 tail encoding.
func (f Flow) IsV6() bool {
	return f.Src.Addr().Is6()
}

// Len returns the length of the encoded tail.
func (f Flow) Len() int {
	if f.IsV6() {
		return V6Len
	}
	return V4Len
}

// Flip returns the descriptor for the reply direction.
func (f Flow) Flip() Flow {
	return Flow{Src: f.Dst, Dst: f.Src, Label: f.Label}
}

// String returns a debug representation of the flow.
func (f Flow) String() string {
	if f.IsV6() {
		return fmt.Sprintf("%s->%s/%d", f.Src, f.Dst, f.Label)
	}
	return fmt.Sprintf("%s->%s", f.Src, f.Dst)
}

// AppendTo appends the encoded tail to b and returns the extended slice. An
// invalid flow is encoded best effort; check Valid first.
func (f Flow) AppendTo(b []byte) []byte {
	start := len(b)
	b = append(b, make([]byte, f.Len())...)
	f.put(b[start:])
	return b
}

// Encode returns the encoded tail.
func (f Flow) Encode() []byte {
	return f.AppendTo(nil)
}

func (f Flow) put(buf []byte) {
	if f.IsV6() {
		src := f.Src.Addr().As16()
		dst := f.Dst.Addr().As16()
		copy(buf[0:16], src[:])
		copy(buf[16:32], dst[:])
		binary.BigEndian.PutUint16(buf[32:34], f.Src.Port())
		binary.BigEndian.PutUint16(buf[34:36], f.Dst.Port())
		binary.BigEndian.PutUint32(buf[36:40], f.Label)
		binary.BigEndian.PutUint64(buf[40:48], FooterV6)
		return
	}

	src := as4(f.Src.Addr())
	dst := as4(f.Dst.Addr())
	copy(buf[0:4], src[:])
	copy(buf[4:8], dst[:])
	binary.BigEndian.PutUint16(buf[8:10], f.Src.Port())
	binary.BigEndian.PutUint16(buf[10:12], f.Dst.Port())
	binary.BigEndian.PutUint64(buf[12:20], FooterV4)
}

// as4 returns the IPv4 bytes of a, or zeros when a has no IPv4 form.
func as4(a netip.Addr) [4]byte {
	if a = a.Unmap(); a.Is4() {
		return a.As4()
	}
	return [4]byte{}
}

// FromTail decodes the flow descriptor at the end of datagram.
// The payload preceding the tail is datagram[:len(datagram)-f.Len()].
func FromTail(datagram []byte) (Flow, error) {
	n := len(datagram)
	if n < footerLen {
		return Flow{}, ErrTailTooShort
	}

	switch footer := binary.BigEndian.Uint64(datagram[n-footerLen:]); footer {
	case FooterV4, FooterV4Legacy:
		if n < V4Len {
			return Flow{}, fmt.Errorf("%w: %d bytes for IPv4 tail", ErrTailTooShort, n)
		}
		tail := datagram[n-V4Len:]
		src := netip.AddrFrom4([4]byte(tail[0:4]))
		dst := netip.AddrFrom4([4]byte(tail[4:8]))
		return Flow{
			Src: netip.AddrPortFrom(src, binary.BigEndian.Uint16(tail[8:10])),
			Dst: netip.AddrPortFrom(dst, binary.BigEndian.Uint16(tail[10:12])),
		}, nil

	case FooterV6:
		if n < V6Len {
			return Flow{}, fmt.Errorf("%w: %d bytes for IPv6 tail", ErrTailTooShort, n)
		}
		tail := datagram[n-V6Len:]
		src := netip.AddrFrom16([16]byte(tail[0:16]))
		dst := netip.AddrFrom16([16]byte(tail[16:32]))
		return Flow{
			Src:   netip.AddrPortFrom(src, binary.BigEndian.Uint16(tail[32:34])),
			Dst:   netip.AddrPortFrom(dst, binary.BigEndian.Uint16(tail[34:36])),
			Label: binary.BigEndian.Uint32(tail[36:40]),
		}, nil

	default:
		return Flow{}, fmt.Errorf("%w: 0x%016x", ErrUnknownFooter, footer)
	}
}
