package mesh

import (
	"fmt"
	"sync"
	"time"
)

// HandlerSlot is the transport surface the interceptor wraps: a mutable
// "current packet handler" that receives the raw bytes of every inbound
// packet.
type HandlerSlot interface {
	// OnPacket returns the currently installed handler (nil if none).
	OnPacket() func(raw []byte)

	// SetOnPacket replaces the currently installed handler.
	SetOnPacket(handler func(raw []byte))
}

// InterceptorLogger is the logging surface the interceptor needs.
type InterceptorLogger interface {
	Debug(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
}

// Interceptor taps the transport's inbound packet path ahead of the
// normal handler. For every packet it decodes the frame and, when the
// correlation id is tracked, hands an envelope to the registry; it then
// always forwards the untouched original bytes to the handler that was
// installed before it.
//
// The host dispatch layer refuses to deliver routing acks and admin
// replies to ordinary subscribers, so this is the only place they can
// be observed. The pass-through is the central correctness property:
// installing the interceptor must never change what the pre-existing
// handler sees.
type Interceptor struct {
	registry *Registry
	logger   InterceptorLogger

	install sync.Once
}

// NewInterceptor creates an interceptor that delivers captured frames
// to the given registry. Logger may be nil.
func NewInterceptor(registry *Registry, logger InterceptorLogger) *Interceptor {
	return &Interceptor{
		registry: registry,
		logger:   logger,
	}
}

// Install wraps the slot's current handler. The previous handler is
// captured once, at install time, and never re-read, so repeated
// installs cannot build a chain that double-delivers: every call after
// the first is a no-op, from any goroutine.
func (i *Interceptor) Install(slot HandlerSlot) {
	i.install.Do(func() {
		prev := slot.OnPacket()
		slot.SetOnPacket(func(raw []byte) {
			i.capture(raw)
			if prev != nil {
				prev(raw)
			}
		})
	})
}

// capture decodes one packet and delivers it to the registry if its
// correlation id is tracked. Every failure mode is absorbed here; the
// original handler runs regardless.
func (i *Interceptor) capture(raw []byte) {
	defer func() {
		if r := recover(); r != nil && i.logger != nil {
			i.logger.Warn("frame capture panic", "panic", fmt.Sprintf("%v", r))
		}
	}()

	frame, err := DecodeFrame(raw)
	if err != nil {
		if i.logger != nil {
			i.logger.Debug("skipping undecodable frame", "error", err)
		}
		return
	}
	if frame.Kind == KindOther || frame.RequestID == 0 {
		return
	}

	// Payload aliases the read buffer; copy before it leaves the
	// dispatch cycle.
	payload := make([]byte, len(frame.Payload))
	copy(payload, frame.Payload)

	delivered := i.registry.Deliver(Envelope{
		RequestID:  frame.RequestID,
		From:       frame.From,
		ReceivedAt: time.Now(),
		Kind:       frame.Kind,
		Payload:    payload,
	})
	if delivered && i.logger != nil {
		i.logger.Debug("captured correlated frame",
			"request_id", frame.RequestID,
			"kind", frame.Kind.String(),
			"from", FormatNodeID(frame.From))
	}
}
