package mesh

import (
	"sync"
	"time"
)

// Envelope is the value delivered to a waiting caller when a frame
// matching its correlation id arrives.
type Envelope struct {
	// RequestID is the correlation id the frame answered.
	RequestID uint32

	// From is the sender node id.
	From uint32

	// ReceivedAt is when the frame was decoded off the stream.
	ReceivedAt time.Time

	// Kind is the frame classification (KindAckNak or KindAdminResponse).
	Kind FrameKind

	// Payload is a copy of the frame payload, safe to retain.
	Payload []byte
}

// pendingRequest is one registered, not-yet-resolved expectation of a
// reply. The registry owns it from registration until it is fulfilled,
// timed out, or cancelled; waiters hold only a Handle.
type pendingRequest struct {
	id        uint32
	kind      FrameKind
	createdAt time.Time

	// slot receives the envelope exactly once. Capacity one so the
	// ingress goroutine never blocks on delivery.
	slot chan Envelope

	// failed is closed when the transport session ends while the
	// request is still pending.
	failed chan struct{}
}

// Handle identifies a pending request to Wait and Cancel.
type Handle struct {
	req *pendingRequest
}

// ID returns the correlation id this handle waits on.
func (h Handle) ID() uint32 {
	return h.req.id
}

// Registry tracks pending requests by correlation id.
//
// It is the single shared mutable resource between the ingress
// goroutine (Deliver) and any number of caller goroutines
// (Register/Wait/Cancel). All state transitions are serialised by one
// mutex; Deliver is O(1) and never blocks.
//
// A pending entry reaches exactly one terminal state: fulfilled by
// Deliver, timed out by Wait, cancelled by Cancel, or failed by
// FailAll. Whichever happens first removes the entry, so the others
// observe a no-op.
type Registry struct {
	mu      sync.Mutex
	pending map[uint32]*pendingRequest
	closed  bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		pending: make(map[uint32]*pendingRequest),
	}
}

// Register creates a pending entry for the given correlation id.
// It must be called before the request is transmitted, so a fast reply
// cannot arrive while nobody is listening.
//
// Returns:
//   - Handle: handle for Wait/Cancel
//   - error: ErrDuplicateRequest if the id is already pending,
//     ErrTransportClosed if FailAll has been called
func (r *Registry) Register(id uint32, kind FrameKind) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return Handle{}, ErrTransportClosed
	}
	if _, exists := r.pending[id]; exists {
		return Handle{}, ErrDuplicateRequest
	}

	req := &pendingRequest{
		id:        id,
		kind:      kind,
		createdAt: time.Now(),
		slot:      make(chan Envelope, 1),
		failed:    make(chan struct{}),
	}
	r.pending[id] = req
	return Handle{req: req}, nil
}

// Deliver routes an envelope to the pending entry for its correlation
// id. Called only from the ingress goroutine.
//
// Returns false without side effects when no matching entry exists or
// the expected kind differs: the frame is either irrelevant or arrived
// after timeout/cancel already reclaimed the entry.
func (r *Registry) Deliver(env Envelope) bool {
	r.mu.Lock()
	req, ok := r.pending[env.RequestID]
	if !ok || req.kind != env.Kind {
		r.mu.Unlock()
		return false
	}
	delete(r.pending, env.RequestID)
	// The entry is removed before the lock drops, so this is the only
	// send the slot will ever see; capacity one makes it non-blocking.
	// Filling under the lock guarantees a racing Wait that finds the
	// entry gone will also find the slot full.
	req.slot <- env
	r.mu.Unlock()
	return true
}

// Wait blocks until the entry is fulfilled, the timeout elapses, or the
// transport closes.
//
// Returns:
//   - Envelope: the delivered response on fulfilment
//   - error: ErrResponseTimeout or ErrTransportClosed otherwise
func (r *Registry) Wait(h Handle, timeout time.Duration) (Envelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env := <-h.req.slot:
		return env, nil
	case <-h.req.failed:
		return Envelope{}, ErrTransportClosed
	case <-timer.C:
	}

	// Timer fired, but Deliver may have won the race just before we
	// reclaim the entry. Removing it under the lock decides the winner.
	r.mu.Lock()
	if _, still := r.pending[h.req.id]; still {
		delete(r.pending, h.req.id)
		r.mu.Unlock()
		return Envelope{}, ErrResponseTimeout
	}
	r.mu.Unlock()

	// Entry already removed: either Deliver filled the slot or the
	// transport failed the request.
	select {
	case env := <-h.req.slot:
		return env, nil
	case <-h.req.failed:
		return Envelope{}, ErrTransportClosed
	default:
		// Cancelled by another goroutine holding the same handle.
		return Envelope{}, ErrResponseTimeout
	}
}

// Cancel removes a still-pending entry. Idempotent: cancelling an
// already-resolved or unknown entry is a no-op.
func (r *Registry) Cancel(h Handle) {
	r.mu.Lock()
	delete(r.pending, h.req.id)
	r.mu.Unlock()
}

// FailAll resolves every pending entry with ErrTransportClosed and
// rejects future registrations. Called when the transport session ends
// so no waiter is left blocked forever.
func (r *Registry) FailAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for id, req := range r.pending {
		close(req.failed)
		delete(r.pending, id)
	}
}

// PendingCount returns the number of unresolved entries.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
