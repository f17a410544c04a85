// Package protocol defines the wire protocol spoken between the agent and the
// relay's control endpoint.
package protocol

// Frame type constants
const (
	// Session frames
	FrameAgentAuth       uint8 = 0x01 // Agent credential and version
	FrameAgentRegistered uint8 = 0x02 // Session accepted
	FrameUnauthorized    uint8 = 0x03 // Credential rejected

	// Request/response frames
	FramePing              uint8 = 0x10 // Liveness probe with agent clock
	FramePong              uint8 = 0x11 // Probe answer with relay clock and session expiry
	FrameKeepAlive         uint8 = 0x12 // Extend the session
	FrameSetupUDPChannel   uint8 = 0x13 // Ask for UDP channel details
	FrameUDPChannelDetails uint8 = 0x14 // Tunnel endpoint and token
	FrameRequestQueued     uint8 = 0x15 // Relay will answer later

	// Feed frames
	FrameNewClient uint8 = 0x20 // A remote TCP client is waiting to be claimed
)

// Address type constants
const (
	AddrTypeIPv4 uint8 = 0x01 // 4 bytes
	AddrTypeIPv6 uint8 = 0x04 // 16 bytes
)

// Protocol constants
const (
	// ProtocolVersion is the current protocol version
	ProtocolVersion uint16 = 1

	// HeaderSize is the size of a frame header in bytes
	HeaderSize = 14

	// MaxPayloadSize is the maximum frame payload size (16 KB)
	MaxPayloadSize = 16384

	// MaxFrameSize is the maximum total frame size
	MaxFrameSize = HeaderSize + MaxPayloadSize

	// MaxTokenSize bounds secrets and tokens carried in payloads.
	MaxTokenSize = 4096
)

// FrameTypeName returns a human-readable name for a frame type.
func FrameTypeName(t uint8) string {
	switch t {
	case FrameAgentAuth:
		return "AGENT_AUTH"
	case FrameAgentRegistered:
		return "AGENT_REGISTERED"
	case FrameUnauthorized:
		return "UNAUTHORIZED"
	case FramePing:
		return "PING"
	case FramePong:
		return "PONG"
	case FrameKeepAlive:
		return "KEEP_ALIVE"
	case FrameSetupUDPChannel:
		return "SETUP_UDP_CHANNEL"
	case FrameUDPChannelDetails:
		return "UDP_CHANNEL_DETAILS"
	case FrameRequestQueued:
		return "REQUEST_QUEUED"
	case FrameNewClient:
		return "NEW_CLIENT"
	default:
		return "UNKNOWN"
	}
}

// IsKnownFrame returns true if t is a frame type this package can decode.
func IsKnownFrame(t uint8) bool {
	return FrameTypeName(t) != "UNKNOWN"
}

// IsFeedFrame returns true if the frame is unsolicited relay traffic rather
// than the answer to an agent request.
func IsFeedFrame(t uint8) bool {
	return t == FrameNewClient
}
