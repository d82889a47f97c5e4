package mesh

import (
	"context"
	"sync"
)

// fakeTransport implements HandlerSlot, Sender, and Done() for driver
// tests. Inbound frames are injected by encoding a packet and calling
// the installed handler, mirroring what the ingress loop does.
type fakeTransport struct {
	mu      sync.Mutex
	handler func([]byte)
	done    chan struct{}
	next    uint32
	sent    []Packet

	// onSend, if set, runs after each Send and can inject a reply.
	onSend func(pkt Packet)

	// sendErr, if set, is returned by Send.
	sendErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{done: make(chan struct{})}
}

func (f *fakeTransport) OnPacket() func(raw []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler
}

func (f *fakeTransport) SetOnPacket(handler func(raw []byte)) {
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
}

func (f *fakeTransport) Done() <-chan struct{} {
	return f.done
}

func (f *fakeTransport) NextID() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return f.next
}

func (f *fakeTransport) Send(_ context.Context, pkt Packet) (uint32, error) {
	f.mu.Lock()
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return 0, err
	}
	if pkt.ID == 0 {
		f.next++
		pkt.ID = f.next
	}
	f.sent = append(f.sent, pkt)
	hook := f.onSend
	f.mu.Unlock()

	if hook != nil {
		hook(pkt)
	}
	return pkt.ID, nil
}

func (f *fakeTransport) sentPackets() []Packet {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Packet, len(f.sent))
	copy(out, f.sent)
	return out
}

// inject feeds a packet through the installed handler as if it arrived
// off the wire.
func (f *fakeTransport) inject(pkt Packet) {
	if h := f.OnPacket(); h != nil {
		h(pkt.Encode())
	}
}

// closeTransport simulates the session ending.
func (f *fakeTransport) closeTransport() {
	close(f.done)
}
