// Package udp relays data datagrams received over the UDP tunnel to a local
// origin service.
//
// Each remote client conversation is identified by its flow descriptor. The
// first datagram of a flow opens an association: a connected UDP socket from
// the agent to the origin. Datagrams for that flow are written to the socket,
// and whatever the origin answers is sent back through the tunnel tagged with
// the flipped flow.
//
// # Lifecycle
//
//  1. A data datagram arrives on the tunnel with flow F
//  2. The handler looks up the association for F, opening one if needed
//  3. The payload is written to the origin from the association's socket
//  4. A per-association read loop returns origin replies tagged with F.Flip()
//  5. The association is closed after IdleTimeout without traffic
//
// When no origin is configured the agent uses EchoHandler instead, which
// answers every datagram with its own payload.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
package udp
