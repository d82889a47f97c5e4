// Package mesh provides the transport, frame decoding, and
// request-correlation layer for talking to mesh-radio nodes.
//
// # Why interception
//
// The node firmware's dispatch path delivers ordinary traffic (text,
// positions, telemetry) to packet handlers, but routing
// acknowledgements and admin replies are consumed before handlers see
// them. The only reliable place to observe those frames is the raw
// inbound byte stream. The Interceptor therefore wraps the transport's
// packet handler slot: it decodes every inbound packet, hands replies
// whose correlation id is tracked to the pending-request Registry, and
// always forwards the untouched original bytes to the handler that was
// installed before it. Normal operation is preserved byte-for-byte.
//
// # Correlation
//
// A reply echoes its request's packet id. Callers allocate an id with
// NextID, register it with the Correlator before transmitting, send,
// and block on AwaitResponse with a timeout. A pending request resolves
// exactly once: fulfilled by an arriving frame, timed out, cancelled,
// or failed when the transport session ends.
//
// # Drivers
//
// SendVerified and RetrieveConfig sit on top of the correlator.
// SendVerified reports an explicit nak as ErrDeliveryFailed and an
// absent ack as ErrDeliveryUnconfirmed. RetrieveConfig requests config
// sections one at a time with per-section timeouts; a failed section is
// recorded and the rest still run, surfacing partial results through
// *PartialRetrievalError instead of aborting.
package mesh
