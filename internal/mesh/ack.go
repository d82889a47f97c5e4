package mesh

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SendVerified sends an application message with an acknowledgement
// request and waits for the mesh's routing reply.
//
// The reply's single-byte reason decides the outcome: ReasonNone is a
// confirmed delivery, anything else is an explicit failure. No reply
// within the timeout yields ErrDeliveryUnconfirmed; the message is
// never silently assumed delivered.
//
// Parameters:
//   - ctx: Context for send cancellation
//   - corr: Correlator bound to the same transport as tx
//   - tx: Transport to send on
//   - to: Destination node id
//   - port: Application port (e.g. PortText)
//   - payload: Application payload
//   - timeout: How long to wait for the acknowledgement
//
// Returns:
//   - error: nil on confirmed delivery; ErrDeliveryFailed with the
//     reported reason, ErrDeliveryUnconfirmed on timeout, or
//     ErrTransportClosed
func SendVerified(ctx context.Context, corr *Correlator, tx Sender, to uint32, port uint8, payload []byte, timeout time.Duration) error {
	// Allocate the id up front so the registration is in place before
	// the packet leaves; a fast single-hop ack can beat any
	// register-after-send ordering.
	id := tx.NextID()

	handle, err := corr.Track(id, KindAckNak)
	if err != nil {
		return fmt.Errorf("tracking ack for packet %d: %w", id, err)
	}

	if _, err := tx.Send(ctx, Packet{
		To:      to,
		ID:      id,
		Flags:   FlagWantAck,
		Port:    port,
		Payload: payload,
	}); err != nil {
		corr.Untrack(handle)
		return fmt.Errorf("sending packet %d: %w", id, err)
	}

	env, err := corr.AwaitResponse(handle, timeout)
	if err != nil {
		if errors.Is(err, ErrResponseTimeout) {
			return fmt.Errorf("%w: no ack for packet %d within %s",
				ErrDeliveryUnconfirmed, id, timeout)
		}
		return fmt.Errorf("awaiting ack for packet %d: %w", id, err)
	}

	reason := env.Payload[0]
	if reason != ReasonNone {
		return fmt.Errorf("%w: packet %d: %s", ErrDeliveryFailed, id, ReasonString(reason))
	}
	return nil
}

// SendText sends a text message with delivery verification.
func SendText(ctx context.Context, corr *Correlator, tx Sender, to uint32, text string, timeout time.Duration) error {
	return SendVerified(ctx, corr, tx, to, PortText, []byte(text), timeout)
}
