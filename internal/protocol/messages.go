package protocol

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// ============================================================================
// Payload structures
// ============================================================================

// AgentAuth is the payload for AGENT_AUTH frames.
type AgentAuth struct {
	Secret  string
	Version string
}

// Encode serializes AgentAuth to bytes.
func (a *AgentAuth) Encode() []byte {
	buf := make([]byte, 0, 4+len(a.Secret)+len(a.Version))
	buf = appendBytes16(buf, []byte(a.Secret))
	buf = appendBytes16(buf, []byte(a.Version))
	return buf
}

// DecodeAgentAuth deserializes AgentAuth from bytes.
func DecodeAgentAuth(buf []byte) (*AgentAuth, error) {
	secret, offset, err := readBytes16(buf, 0, "AgentAuth secret")
	if err != nil {
		return nil, err
	}
	version, _, err := readBytes16(buf, offset, "AgentAuth version")
	if err != nil {
		return nil, err
	}
	return &AgentAuth{Secret: string(secret), Version: string(version)}, nil
}

// AgentRegistered is the payload for AGENT_REGISTERED frames.
type AgentRegistered struct {
	SessionID uint64
	ExpireAt  uint64 // Unix milliseconds
}

// Encode serializes AgentRegistered to bytes.
func (a *AgentRegistered) Encode() []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], a.SessionID)
	binary.BigEndian.PutUint64(buf[8:16], a.ExpireAt)
	return buf
}

// DecodeAgentRegistered deserializes AgentRegistered from bytes.
func DecodeAgentRegistered(buf []byte) (*AgentRegistered, error) {
	if len(buf) < 16 {
		return nil, fmt.Errorf("%w: AgentRegistered too short", ErrInvalidFrame)
	}
	return &AgentRegistered{
		SessionID: binary.BigEndian.Uint64(buf[0:8]),
		ExpireAt:  binary.BigEndian.Uint64(buf[8:16]),
	}, nil
}

// Ping is the payload for PING frames.
type Ping struct {
	Now uint64 // Unix milliseconds on the agent
}

// Encode serializes Ping to bytes.
func (p *Ping) Encode() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, p.Now)
	return buf
}

// DecodePing deserializes Ping from bytes.
func DecodePing(buf []byte) (*Ping, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("%w: Ping too short", ErrInvalidFrame)
	}
	return &Ping{Now: binary.BigEndian.Uint64(buf)}, nil
}

// Pong is the payload for PONG frames.
type Pong struct {
	RequestNow      uint64
	ServerNow       uint64
	SessionExpireAt uint64 // zero when the relay does not report it
}

// Encode serializes Pong to bytes.
func (p *Pong) Encode() []byte {
	buf := make([]byte, 24)
	binary.BigEndian.PutUint64(buf[0:8], p.RequestNow)
	binary.BigEndian.PutUint64(buf[8:16], p.ServerNow)
	binary.BigEndian.PutUint64(buf[16:24], p.SessionExpireAt)
	return buf
}

// DecodePong deserializes Pong from bytes.
func DecodePong(buf []byte) (*Pong, error) {
	if len(buf) < 24 {
		return nil, fmt.Errorf("%w: Pong too short", ErrInvalidFrame)
	}
	return &Pong{
		RequestNow:      binary.BigEndian.Uint64(buf[0:8]),
		ServerNow:       binary.BigEndian.Uint64(buf[8:16]),
		SessionExpireAt: binary.BigEndian.Uint64(buf[16:24]),
	}, nil
}

// UDPChannelDetails is the payload for UDP_CHANNEL_DETAILS frames.
type UDPChannelDetails struct {
	TunnelAddr netip.AddrPort
	Token      []byte
}

// Encode serializes UDPChannelDetails to bytes.
func (u *UDPChannelDetails) Encode() []byte {
	buf := make([]byte, 0, 19+2+len(u.Token))
	buf = AppendAddr(buf, u.TunnelAddr)
	buf = appendBytes16(buf, u.Token)
	return buf
}

// DecodeUDPChannelDetails deserializes UDPChannelDetails from bytes.
func DecodeUDPChannelDetails(buf []byte) (*UDPChannelDetails, error) {
	addr, offset, err := ReadAddr(buf, 0)
	if err != nil {
		return nil, err
	}
	token, _, err := readBytes16(buf, offset, "UDPChannelDetails token")
	if err != nil {
		return nil, err
	}
	return &UDPChannelDetails{TunnelAddr: addr, Token: token}, nil
}

// NewClient is the payload for NEW_CLIENT frames.
type NewClient struct {
	TunnelID    uint64
	ConnectAddr netip.AddrPort // public address the client connected to
	PeerAddr    netip.AddrPort // the remote client
	ClaimAddr   netip.AddrPort // where the agent claims the connection
	ClaimToken  []byte
}

// Encode serializes NewClient to bytes.
func (n *NewClient) Encode() []byte {
	buf := make([]byte, 8, 8+3*19+2+len(n.ClaimToken))
	binary.BigEndian.PutUint64(buf, n.TunnelID)
	buf = AppendAddr(buf, n.ConnectAddr)
	buf = AppendAddr(buf, n.PeerAddr)
	buf = AppendAddr(buf, n.ClaimAddr)
	buf = appendBytes16(buf, n.ClaimToken)
	return buf
}

// DecodeNewClient deserializes NewClient from bytes.
func DecodeNewClient(buf []byte) (*NewClient, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("%w: NewClient too short", ErrInvalidFrame)
	}

	n := &NewClient{TunnelID: binary.BigEndian.Uint64(buf)}
	offset := 8

	var err error
	for _, dst := range []*netip.AddrPort{&n.ConnectAddr, &n.PeerAddr, &n.ClaimAddr} {
		if *dst, offset, err = ReadAddr(buf, offset); err != nil {
			return nil, err
		}
	}

	if n.ClaimToken, _, err = readBytes16(buf, offset, "NewClient claim token"); err != nil {
		return nil, err
	}
	return n, nil
}

// ============================================================================
// Field helpers
// ============================================================================

// AppendAddr appends the wire form of addr: type, IP bytes, big-endian port.
// IPv4-mapped IPv6 addresses are written as IPv4.
func AppendAddr(buf []byte, addr netip.AddrPort) []byte {
	ip := addr.Addr().Unmap()
	if ip.Is4() {
		a := ip.As4()
		buf = append(buf, AddrTypeIPv4)
		buf = append(buf, a[:]...)
	} else {
		a := ip.As16()
		buf = append(buf, AddrTypeIPv6)
		buf = append(buf, a[:]...)
	}
	return binary.BigEndian.AppendUint16(buf, addr.Port())
}

// ReadAddr decodes an address starting at offset and returns it with the
// offset of the next field.
func ReadAddr(buf []byte, offset int) (netip.AddrPort, int, error) {
	if offset >= len(buf) {
		return netip.AddrPort{}, 0, fmt.Errorf("%w: address truncated", ErrInvalidFrame)
	}

	var ipLen int
	switch buf[offset] {
	case AddrTypeIPv4:
		ipLen = 4
	case AddrTypeIPv6:
		ipLen = 16
	default:
		return netip.AddrPort{}, 0, fmt.Errorf("%w: address type 0x%02x", ErrInvalidFrame, buf[offset])
	}
	offset++

	if offset+ipLen+2 > len(buf) {
		return netip.AddrPort{}, 0, fmt.Errorf("%w: address truncated", ErrInvalidFrame)
	}

	ip, _ := netip.AddrFromSlice(buf[offset : offset+ipLen])
	offset += ipLen
	port := binary.BigEndian.Uint16(buf[offset:])
	offset += 2

	return netip.AddrPortFrom(ip, port), offset, nil
}

func appendBytes16(buf, b []byte) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(b)))
	return append(buf, b...)
}

func readBytes16(buf []byte, offset int, what string) ([]byte, int, error) {
	if offset+2 > len(buf) {
		return nil, 0, fmt.Errorf("%w: %s length truncated", ErrInvalidFrame, what)
	}
	n := int(binary.BigEndian.Uint16(buf[offset:]))
	offset += 2
	if n > MaxTokenSize {
		return nil, 0, fmt.Errorf("%w: %s length %d", ErrInvalidFrame, what, n)
	}
	if offset+n > len(buf) {
		return nil, 0, fmt.Errorf("%w: %s truncated", ErrInvalidFrame, what)
	}
	out := make([]byte, n)
	copy(out, buf[offset:offset+n])
	return out, offset + n, nil
}

// Unauthorized is the empty payload of UNAUTHORIZED frames.
type Unauthorized struct{}

// RequestQueued is the empty payload of REQUEST_QUEUED frames.
type RequestQueued struct{}

// KeepAlive is the empty payload of KEEP_ALIVE frames.
type KeepAlive struct{}

// SetupUDPChannel is the empty payload of SETUP_UDP_CHANNEL frames.
type SetupUDPChannel struct{}

// DecodePayload decodes the payload of f into the message type matching its
// frame type. The result is one of the pointer types in this file, or a zero
// value of an empty-payload type.
func DecodePayload(f *Frame) (any, error) {
	switch f.Type {
	case FrameAgentAuth:
		return DecodeAgentAuth(f.Payload)
	case FrameAgentRegistered:
		return DecodeAgentRegistered(f.Payload)
	case FrameUnauthorized:
		return Unauthorized{}, nil
	case FramePing:
		return DecodePing(f.Payload)
	case FramePong:
		return DecodePong(f.Payload)
	case FrameKeepAlive:
		return KeepAlive{}, nil
	case FrameSetupUDPChannel:
		return SetupUDPChannel{}, nil
	case FrameUDPChannelDetails:
		return DecodeUDPChannelDetails(f.Payload)
	case FrameRequestQueued:
		return RequestQueued{}, nil
	case FrameNewClient:
		return DecodeNewClient(f.Payload)
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownFrameType, f.Type)
	}
}
