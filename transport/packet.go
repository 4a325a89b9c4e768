package transport

import (
	"errors"
	"fmt"
)

// PacketType identifies the type of a CQKD protocol packet.
type PacketType byte

const (
	// DHT packet types for distributed hash table operations
	PacketPingRequest   PacketType = iota + 1 // liveness probe
	PacketPingResponse                        // liveness reply
	PacketFindNode                            // request for the k closest contacts to a target
	PacketFoundNodes                          // contact list reply
	PacketStore                               // store a key/value pair on the receiver
	PacketStoreResponse                       // store acknowledgment
	PacketFindValue                           // request a stored value by key
	PacketValueFound                          // value (or closest-contacts) reply

	// Noise channel packet types (starting at 100, framing kept apart from
	// the plaintext DHT range)
	PacketNoiseHandshakeInit PacketType = 100
	PacketNoiseHandshakeResp PacketType = 101
	PacketNoiseMessage       PacketType = 102
)

// Packet is the unit of communication between CQKD nodes.
type Packet struct {
	PacketType PacketType
	Data       []byte
}

var (
	// ErrPacketTooLarge indicates the serialized packet exceeds one UDP frame.
	ErrPacketTooLarge = errors.New("packet exceeds maximum frame size")
	// ErrEmptyPacket indicates a zero-length datagram was received.
	ErrEmptyPacket = errors.New("empty packet")
)

// Serialize converts the packet to wire format: type byte followed by data.
func (p *Packet) Serialize() ([]byte, error) {
	if len(p.Data)+1 > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, len(p.Data)+1)
	}
	buf := make([]byte, 1+len(p.Data))
	buf[0] = byte(p.PacketType)
	copy(buf[1:], p.Data)
	return buf, nil
}

// ParsePacket decodes a received datagram into a Packet.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPacket
	}
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, len(data))
	}
	packet := &Packet{
		PacketType: PacketType(data[0]),
		Data:       make([]byte, len(data)-1),
	}
	copy(packet.Data, data[1:])
	return packet, nil
}
