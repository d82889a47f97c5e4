package mesh

import "time"

// Correlator matches replies to outstanding requests by correlation id.
//
// It owns a pending-request registry and an interceptor installed on
// the transport's packet path, and watches the transport session so
// every outstanding wait resolves when the session ends.
//
// Usage:
//
//	corr := NewCorrelator(client, logger)
//	id := client.NextID()
//	handle, err := corr.Track(id, KindAckNak)
//	if err != nil { ... }
//	if _, err := client.Send(ctx, pkt); err != nil {
//	    corr.Untrack(handle)
//	    return err
//	}
//	env, err := corr.AwaitResponse(handle, 15*time.Second)
type Correlator struct {
	registry *Registry
}

// CorrelatorTransport is what the correlator needs from a transport:
// a wrappable handler slot and session-end notification.
type CorrelatorTransport interface {
	HandlerSlot
	Done() <-chan struct{}
}

// NewCorrelator creates a correlator bound to one transport session and
// installs its interceptor on the packet path. Logger may be nil.
//
// Create the correlator before installing any other packet handler you
// want ahead of it; the interceptor preserves whatever handler is
// current at creation time.
func NewCorrelator(transport CorrelatorTransport, logger InterceptorLogger) *Correlator {
	registry := NewRegistry()
	NewInterceptor(registry, logger).Install(transport)

	// Resolve all outstanding waits when the session ends.
	go func() {
		<-transport.Done()
		registry.FailAll()
	}()

	return &Correlator{registry: registry}
}

// Track registers interest in replies carrying the given correlation
// id. Must be called before the request is transmitted, so a fast reply
// cannot beat the registration.
//
// Returns:
//   - Handle: handle for AwaitResponse/Untrack
//   - error: ErrDuplicateRequest or ErrTransportClosed
func (c *Correlator) Track(id uint32, kind FrameKind) (Handle, error) {
	return c.registry.Register(id, kind)
}

// AwaitResponse blocks until the tracked reply arrives, the timeout
// elapses, or the transport closes.
//
// Returns:
//   - Envelope: the reply on success
//   - error: ErrResponseTimeout or ErrTransportClosed
func (c *Correlator) AwaitResponse(h Handle, timeout time.Duration) (Envelope, error) {
	return c.registry.Wait(h, timeout)
}

// Untrack abandons interest in a tracked id, e.g. when the send itself
// failed. Idempotent.
func (c *Correlator) Untrack(h Handle) {
	c.registry.Cancel(h)
}

// Pending returns the number of unresolved tracked requests.
func (c *Correlator) Pending() int {
	return c.registry.PendingCount()
}
