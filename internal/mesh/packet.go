package mesh

import (
	"encoding/binary"
	"fmt"
	"strconv"
)

// Stream framing constants.
//
// Packets travel over the serial or TCP link inside a length-delimited
// envelope:
//
//	+-------+-------+----------+------------------+
//	| 0x94  | 0xC3  | len (BE) | packet bytes ... |
//	+-------+-------+----------+------------------+
//
// The two magic bytes let the reader resynchronise after line noise on
// a serial link; len counts the packet bytes only.
const (
	// Magic1 is the first stream sync byte.
	Magic1 = 0x94

	// Magic2 is the second stream sync byte.
	Magic2 = 0xC3

	// MaxPacketSize is the largest packet the stream reader accepts.
	// Anything bigger means framing was lost.
	MaxPacketSize = 512

	// packetHeaderLen is the fixed header size:
	// from(4) + to(4) + id(4) + flags(1) + port(1).
	packetHeaderLen = 14
)

// Packet flag bits.
const (
	// FlagWantAck requests a delivery acknowledgement from the mesh.
	FlagWantAck uint8 = 0x01
)

// Port numbers identify the application payload carried by a packet.
const (
	// PortText carries a UTF-8 text message.
	PortText uint8 = 1

	// PortPosition carries a position report.
	PortPosition uint8 = 3

	// PortNodeInfo carries node identity broadcasts.
	PortNodeInfo uint8 = 4

	// PortRouting carries delivery acknowledgements. The packet id echoes
	// the id of the message being acknowledged and the payload is a
	// single error-reason byte (ReasonNone for a positive ack).
	PortRouting uint8 = 5

	// PortAdmin carries administrative requests and replies. A reply
	// echoes the request's packet id; its payload is a section tag byte
	// followed by a JSON document of section fields.
	PortAdmin uint8 = 6

	// PortTelemetry carries device metrics.
	PortTelemetry uint8 = 67
)

// Broadcast is the destination address that reaches every node.
const Broadcast uint32 = 0xFFFFFFFF

// Routing error reasons carried in a PortRouting payload.
const (
	// ReasonNone means the message was delivered (positive ack).
	ReasonNone uint8 = 0

	// ReasonNoRoute means no path to the destination was found.
	ReasonNoRoute uint8 = 1

	// ReasonGotNak means the destination explicitly rejected the message.
	ReasonGotNak uint8 = 2

	// ReasonTimeout means a relay gave up waiting for the next hop.
	ReasonTimeout uint8 = 3

	// ReasonMaxRetransmit means the radio exhausted its retransmissions.
	ReasonMaxRetransmit uint8 = 5
)

// ReasonString returns a human-readable name for a routing error reason.
func ReasonString(reason uint8) string {
	switch reason {
	case ReasonNone:
		return "none"
	case ReasonNoRoute:
		return "no route"
	case ReasonGotNak:
		return "rejected by destination"
	case ReasonTimeout:
		return "relay timeout"
	case ReasonMaxRetransmit:
		return "max retransmissions"
	default:
		return fmt.Sprintf("unknown (%d)", reason)
	}
}

// Packet is one unit of mesh traffic.
//
// Wire layout (big-endian):
//
//	+---------+---------+---------+----------+---------+-------------+
//	| from(4) | to(4)   | id(4)   | flags(1) | port(1) | payload ... |
//	+---------+---------+---------+----------+---------+-------------+
//
// The id field doubles as the correlation id: a reply (routing ack or
// admin response) carries the id of the request it answers.
type Packet struct {
	// From is the sender node id.
	From uint32

	// To is the destination node id (Broadcast for all nodes).
	To uint32

	// ID identifies the packet. On replies it echoes the request id.
	ID uint32

	// Flags holds packet option bits (FlagWantAck).
	Flags uint8

	// Port identifies the payload type.
	Port uint8

	// Payload is the application payload.
	Payload []byte
}

// ParsePacket decodes a packet from its wire representation.
//
// Parameters:
//   - data: packet bytes as extracted from the stream envelope
//
// Returns:
//   - Packet: decoded packet (payload aliases data, copy if retained)
//   - error: ErrMalformedFrame if the data is too short or oversized
func ParsePacket(data []byte) (Packet, error) {
	if len(data) < packetHeaderLen {
		return Packet{}, fmt.Errorf("%w: %d bytes, need at least %d",
			ErrMalformedFrame, len(data), packetHeaderLen)
	}
	if len(data) > MaxPacketSize {
		return Packet{}, fmt.Errorf("%w: %d bytes exceeds maximum %d",
			ErrMalformedFrame, len(data), MaxPacketSize)
	}

	return Packet{
		From:    binary.BigEndian.Uint32(data[0:4]),
		To:      binary.BigEndian.Uint32(data[4:8]),
		ID:      binary.BigEndian.Uint32(data[8:12]),
		Flags:   data[12],
		Port:    data[13],
		Payload: data[packetHeaderLen:],
	}, nil
}

// Encode serialises the packet to its wire representation,
// without the stream envelope.
func (p Packet) Encode() []byte {
	buf := make([]byte, packetHeaderLen+len(p.Payload))
	binary.BigEndian.PutUint32(buf[0:4], p.From)
	binary.BigEndian.PutUint32(buf[4:8], p.To)
	binary.BigEndian.PutUint32(buf[8:12], p.ID)
	buf[12] = p.Flags
	buf[13] = p.Port
	copy(buf[packetHeaderLen:], p.Payload)
	return buf
}

// EncodeStream wraps the packet in the stream envelope (magic + length)
// ready to write to the transport.
func (p Packet) EncodeStream() []byte {
	body := p.Encode()
	buf := make([]byte, 4+len(body))
	buf[0] = Magic1
	buf[1] = Magic2
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(body)))
	copy(buf[4:], body)
	return buf
}

// WantAck reports whether the packet requests a delivery acknowledgement.
func (p Packet) WantAck() bool {
	return p.Flags&FlagWantAck != 0
}

// FormatNodeID renders a node id in its canonical display form,
// e.g. 0x43588858 -> "!43588858".
func FormatNodeID(id uint32) string {
	return fmt.Sprintf("!%08x", id)
}

// ParseNodeID parses a canonical "!xxxxxxxx" node id string.
func ParseNodeID(s string) (uint32, error) {
	if len(s) != 9 || s[0] != '!' {
		return 0, fmt.Errorf("invalid node id %q (want !xxxxxxxx)", s)
	}
	id, err := strconv.ParseUint(s[1:], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid node id %q: %w", s, err)
	}
	return uint32(id), nil
}
