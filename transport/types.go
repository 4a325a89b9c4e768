// Package transport implements the UDP packet layer used by the CQKD DHT.
//
// The transport moves opaque packets between nodes: a one-byte type tag
// followed by a payload that must fit in a single UDP frame. Higher layers
// (the DHT RPC protocol) register handlers per packet type and correlate
// requests with responses themselves.
package transport

import "net"

// MaxFrameSize is the largest packet the transport will send or accept.
// Values larger than this cannot survive a single Kademlia UDP frame.
const MaxFrameSize = 8 * 1024

// PacketHandler processes a received packet from the given source address.
type PacketHandler func(packet *Packet, addr net.Addr) error

// Transport moves packets between nodes.
type Transport interface {
	// Send transmits a packet to the specified network address.
	Send(packet *Packet, addr net.Addr) error

	// Close shuts down the transport and releases all resources.
	Close() error

	// LocalAddr returns the local address the transport is listening on.
	LocalAddr() net.Addr

	// RegisterHandler registers the handler for a packet type. Packets of a
	// type with no handler are dropped.
	RegisterHandler(packetType PacketType, handler PacketHandler)
}
