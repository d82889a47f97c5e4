package mesh

import "fmt"

// FrameKind classifies a decoded frame for the correlation layer.
type FrameKind int

const (
	// KindOther is any traffic the correlation layer ignores
	// (text, position broadcasts, telemetry and so on).
	KindOther FrameKind = iota

	// KindAckNak is a delivery acknowledgement on the routing port.
	KindAckNak

	// KindAdminResponse is a reply to an administrative request.
	KindAdminResponse
)

// String returns the frame kind name.
func (k FrameKind) String() string {
	switch k {
	case KindAckNak:
		return "ack_nak"
	case KindAdminResponse:
		return "admin_response"
	default:
		return "other"
	}
}

// Frame is the minimal record the correlation layer needs from one
// decoded packet. It is constructed per inbound packet, consumed
// immediately, and never retained.
type Frame struct {
	// Kind classifies the frame.
	Kind FrameKind

	// From is the sender node id.
	From uint32

	// RequestID is the correlation id echoed from the original request,
	// or 0 when the frame is not a reply.
	RequestID uint32

	// Payload is the raw application payload.
	Payload []byte
}

// DecodeFrame decodes raw packet bytes into a Frame.
//
// Routing-port packets classify as KindAckNak and admin-port packets
// with a payload as KindAdminResponse; both carry the request id in the
// packet id field. Everything else is KindOther with RequestID 0.
//
// Returns ErrMalformedFrame if the packet cannot be decoded; the caller
// must treat this as skip-and-continue, never as a stream failure.
func DecodeFrame(raw []byte) (Frame, error) {
	pkt, err := ParsePacket(raw)
	if err != nil {
		return Frame{}, err
	}

	switch pkt.Port {
	case PortRouting:
		if len(pkt.Payload) < 1 {
			return Frame{}, fmt.Errorf("%w: routing payload empty", ErrMalformedFrame)
		}
		return Frame{
			Kind:      KindAckNak,
			From:      pkt.From,
			RequestID: pkt.ID,
			Payload:   pkt.Payload,
		}, nil
	case PortAdmin:
		// Admin requests and replies share the port; only frames with a
		// payload can be replies worth correlating.
		if len(pkt.Payload) < 1 {
			return Frame{}, fmt.Errorf("%w: admin payload empty", ErrMalformedFrame)
		}
		return Frame{
			Kind:      KindAdminResponse,
			From:      pkt.From,
			RequestID: pkt.ID,
			Payload:   pkt.Payload,
		}, nil
	default:
		return Frame{
			Kind:    KindOther,
			From:    pkt.From,
			Payload: pkt.Payload,
		}, nil
	}
}
