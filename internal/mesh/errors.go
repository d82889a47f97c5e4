package mesh

import "errors"

// Sentinel errors for mesh transport and correlation operations.
var (
	// ErrMalformedFrame indicates a packet could not be decoded.
	// Decode failures are local to the frame that caused them and never
	// fatal to the stream.
	ErrMalformedFrame = errors.New("mesh: malformed frame")

	// ErrDuplicateRequest indicates a correlation id was registered while
	// a pending request for the same id is still unresolved. This is a
	// caller error: ids must not be reused before resolution.
	ErrDuplicateRequest = errors.New("mesh: correlation id already pending")

	// ErrResponseTimeout indicates no matching frame arrived within the
	// wait deadline. Under mesh latency and packet loss this is a normal
	// outcome, not an exceptional one.
	ErrResponseTimeout = errors.New("mesh: response timeout")

	// ErrTransportClosed indicates the transport session ended while a
	// request was pending. All outstanding waits resolve with this error.
	ErrTransportClosed = errors.New("mesh: transport closed")

	// ErrNotConnected indicates the client is not connected.
	ErrNotConnected = errors.New("mesh: not connected")

	// ErrSendFailed indicates a packet could not be written to the transport.
	ErrSendFailed = errors.New("mesh: send failed")

	// ErrProtocolDesync indicates the stream framing was lost and the
	// connection must be torn down.
	ErrProtocolDesync = errors.New("mesh: protocol desync")

	// ErrDeliveryFailed indicates the mesh returned an explicit negative
	// acknowledgement for a sent message.
	ErrDeliveryFailed = errors.New("mesh: delivery failed")

	// ErrDeliveryUnconfirmed indicates no acknowledgement was observed
	// within the wait deadline. The message may or may not have arrived.
	ErrDeliveryUnconfirmed = errors.New("mesh: delivery unconfirmed")
)
