package mesh

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Default timeouts for node communication.
const (
	// defaultConnectTimeout is the maximum time to wait for initial connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultReadTimeout is the timeout for individual read operations.
	defaultReadTimeout = 30 * time.Second

	// defaultWriteTimeout is the timeout for write operations.
	defaultWriteTimeout = 5 * time.Second
)

// Config holds transport connection configuration.
type Config struct {
	// URL is the node connection URL.
	// Supported formats:
	//   - "serial:///dev/ttyUSB0" (local serial port)
	//   - "tcp://192.168.1.50:4403" (network-attached node)
	URL string

	// ConnectTimeout is the maximum time to wait for connection.
	// Default: 10 seconds.
	ConnectTimeout time.Duration

	// ReadTimeout is the timeout for read operations on network links.
	// Default: 30 seconds.
	ReadTimeout time.Duration
}

// Stats holds operational statistics.
type Stats struct {
	PacketsTx    uint64
	PacketsRx    uint64
	ErrorsTotal  uint64
	LastActivity time.Time
	Connected    bool
}

// Logger is the logging surface the transport needs.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Sender is the send surface request drivers depend on.
// Satisfied by *Client; test doubles implement it directly.
type Sender interface {
	// NextID allocates a fresh nonzero packet id. Callers register the
	// id with the correlator before handing it to Send.
	NextID() uint32

	// Send transmits a packet and returns its id.
	Send(ctx context.Context, pkt Packet) (uint32, error)
}

// Ensure Client implements the surfaces its collaborators depend on.
var (
	_ Sender      = (*Client)(nil)
	_ HandlerSlot = (*Client)(nil)
)

// Client is a connection to a single mesh node over serial or TCP.
//
// One dedicated goroutine (the ingress loop) reads the stream, extracts
// packets from the length-delimited envelope, and invokes the current
// packet handler inline, so handlers observe packets in arrival order.
// Handlers must therefore never block.
//
// There is no automatic reconnection: a session that loses its link is
// over, Done() is closed, and the caller decides whether to dial again.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Client struct {
	cfg  Config
	conn io.ReadWriteCloser

	// Connection state
	connMu    sync.RWMutex
	connected bool

	// Mutable packet handler slot (wrapped by the interceptor)
	onPacket  func(raw []byte)
	handlerMu sync.RWMutex

	// Packet id allocation
	nextID atomic.Uint32

	// Shutdown coordination (closeOnce prevents double-close panics)
	done *closeOnce
	wg   sync.WaitGroup

	logger Logger

	// Statistics (atomic for performance)
	packetsTx    atomic.Uint64
	packetsRx    atomic.Uint64
	errorsTotal  atomic.Uint64
	lastActivity atomic.Int64 // Unix timestamp
}

// Connect opens a session to a node.
//
// The connection URL determines the link:
//   - "serial:///dev/ttyUSB0" → local serial port
//   - "tcp://192.168.1.50:4403" → network-attached node
//
// After connecting it starts the ingress goroutine that reads and
// dispatches inbound packets.
//
// Parameters:
//   - ctx: Context for cancellation (used for initial connection)
//   - cfg: Connection configuration
//   - logger: Structured logger (may be nil)
//
// Returns:
//   - *Client: Connected client ready for use
//   - error: If the connection cannot be established
func Connect(ctx context.Context, cfg Config, logger Logger) (*Client, error) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}

	scheme, target, err := parseConnectionURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotConnected, err)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	var conn io.ReadWriteCloser
	switch scheme {
	case "serial":
		// The port is expected to be configured (baud, raw mode) by the
		// OS or a udev rule; the device file is used as-is.
		f, err := os.OpenFile(target, os.O_RDWR, 0)
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %w", ErrNotConnected, target, err)
		}
		conn = f
	case "tcp":
		var dialer net.Dialer
		c, err := dialer.DialContext(connectCtx, "tcp", target)
		if err != nil {
			return nil, fmt.Errorf("%w: dial %s: %w", ErrNotConnected, target, err)
		}
		conn = c
	}

	client := &Client{
		cfg:    cfg,
		conn:   conn,
		done:   newCloseOnce(),
		logger: logger,
	}
	client.connected = true
	client.lastActivity.Store(time.Now().Unix())
	// Seed from the clock so ids differ across sessions; replies to a
	// previous session's requests then never match a fresh registration.
	client.nextID.Store(uint32(time.Now().UnixNano()))

	client.wg.Add(1)
	go client.ingressLoop()

	return client, nil
}

// parseConnectionURL parses a node connection URL into scheme and target.
func parseConnectionURL(connURL string) (scheme, target string, err error) {
	u, err := url.Parse(connURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "serial":
		if u.Path == "" {
			return "", "", errors.New("serial URL missing device path")
		}
		return "serial", u.Path, nil
	case "tcp":
		host := u.Host
		if host == "" {
			return "", "", errors.New("tcp URL missing host")
		}
		if u.Port() == "" {
			host = net.JoinHostPort(host, "4403")
		}
		return "tcp", host, nil
	default:
		return "", "", fmt.Errorf("unsupported scheme %q (use serial or tcp)", u.Scheme)
	}
}

// ingressLoop reads packets off the stream and dispatches them to the
// current handler, in arrival order, until the session ends.
func (c *Client) ingressLoop() {
	defer c.wg.Done()
	defer c.endSession()

	buf := make([]byte, MaxPacketSize)

	for {
		select {
		case <-c.done.Done():
			return
		default:
		}

		raw, err := c.readPacket(buf)
		if err != nil {
			if c.isClosed() {
				return
			}
			if isTemporaryReadError(err) {
				continue
			}
			c.errorsTotal.Add(1)
			c.logError("stream read failed, ending session", err)
			return
		}

		c.packetsRx.Add(1)
		c.lastActivity.Store(time.Now().Unix())

		c.handlerMu.RLock()
		handler := c.onPacket
		c.handlerMu.RUnlock()

		if handler != nil {
			c.dispatch(handler, raw)
		}
	}
}

// dispatch invokes the handler with panic recovery so a misbehaving
// subscriber cannot kill the ingress loop.
func (c *Client) dispatch(handler func([]byte), raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.errorsTotal.Add(1)
			c.logError("packet handler panic", fmt.Errorf("%v", r))
		}
	}()
	handler(raw)
}

// readPacket reads one stream envelope and returns the packet bytes.
// It scans byte-by-byte for the two magic bytes so the reader recovers
// from serial line noise instead of desyncing permanently.
func (c *Client) readPacket(buf []byte) ([]byte, error) {
	c.setReadDeadline()

	// Hunt for Magic1 then Magic2.
	one := buf[:1]
	for {
		if _, err := io.ReadFull(c.conn, one); err != nil {
			return nil, fmt.Errorf("read sync: %w", err)
		}
		if one[0] != Magic1 {
			continue
		}
		if _, err := io.ReadFull(c.conn, one); err != nil {
			return nil, fmt.Errorf("read sync: %w", err)
		}
		if one[0] == Magic2 {
			break
		}
	}

	if _, err := io.ReadFull(c.conn, buf[:2]); err != nil {
		return nil, fmt.Errorf("read length: %w", err)
	}
	length := int(binary.BigEndian.Uint16(buf[:2]))
	if length == 0 || length > MaxPacketSize {
		// Bogus length after a valid magic: almost certainly noise that
		// happened to contain the sync bytes. Resync on the next packet.
		c.errorsTotal.Add(1)
		c.logError("implausible packet length, resyncing",
			fmt.Errorf("length %d", length))
		return nil, errResync
	}

	if _, err := io.ReadFull(c.conn, buf[:length]); err != nil {
		return nil, fmt.Errorf("read packet: %w", err)
	}
	return buf[:length], nil
}

// errResync signals a recoverable framing hiccup.
var errResync = errors.New("mesh: resync")

// isTemporaryReadError reports whether the ingress loop should keep
// reading after this error.
func isTemporaryReadError(err error) bool {
	if errors.Is(err, errResync) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// setReadDeadline applies the read timeout on links that support it.
// Serial device files have no deadline support; reads block until data
// arrives or the file is closed.
func (c *Client) setReadDeadline() {
	if nc, ok := c.conn.(net.Conn); ok {
		_ = nc.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)) //nolint:errcheck // Best effort
	}
}

// endSession marks the session over and unblocks everything waiting on it.
func (c *Client) endSession() {
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()
	c.done.Close()
}

// isClosed returns true if the client has been closed.
func (c *Client) isClosed() bool {
	select {
	case <-c.done.Done():
		return true
	default:
		return false
	}
}

// Close ends the session.
//
// It signals the ingress loop to stop and closes the underlying
// connection. Safe to call multiple times.
func (c *Client) Close() error {
	c.done.Close()

	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	// Closing the connection unblocks any pending read.
	if c.conn != nil {
		c.conn.Close() //nolint:errcheck // Best effort
	}

	c.wg.Wait()
	c.logInfo("session closed")
	return nil
}

// Done returns a channel closed when the session ends, whether by
// Close or by losing the link.
func (c *Client) Done() <-chan struct{} {
	return c.done.Done()
}

// NextID allocates a fresh nonzero packet id.
func (c *Client) NextID() uint32 {
	for {
		id := c.nextID.Add(1)
		if id != 0 {
			return id
		}
	}
}

// Send transmits a packet. If pkt.ID is zero a fresh id is allocated;
// callers that need to register the id with the correlator before
// transmission allocate it with NextID first.
//
// Returns:
//   - uint32: the id of the transmitted packet
//   - error: ErrNotConnected or ErrSendFailed
func (c *Client) Send(ctx context.Context, pkt Packet) (uint32, error) {
	if !c.IsConnected() {
		return 0, ErrNotConnected
	}
	// A packet larger than MaxPacketSize passes the wire but is dropped
	// by the receiver's length check, so reject it before transmission.
	if len(pkt.Payload) > MaxPacketSize-packetHeaderLen {
		return 0, fmt.Errorf("%w: payload %d bytes exceeds %d",
			ErrSendFailed, len(pkt.Payload), MaxPacketSize-packetHeaderLen)
	}
	if pkt.ID == 0 {
		pkt.ID = c.NextID()
	}

	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%w: %w", ErrSendFailed, ctx.Err())
	default:
	}

	msg := pkt.EncodeStream()

	c.connMu.RLock()
	conn := c.conn
	connected := c.connected
	c.connMu.RUnlock()
	if !connected || conn == nil {
		return 0, ErrNotConnected
	}

	if nc, ok := conn.(net.Conn); ok {
		deadline := time.Now().Add(defaultWriteTimeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		_ = nc.SetWriteDeadline(deadline) //nolint:errcheck // Best effort
	}

	if _, err := conn.Write(msg); err != nil {
		c.errorsTotal.Add(1)
		return 0, fmt.Errorf("%w: write: %w", ErrSendFailed, err)
	}

	c.packetsTx.Add(1)
	c.lastActivity.Store(time.Now().Unix())
	return pkt.ID, nil
}

// OnPacket returns the currently installed packet handler.
func (c *Client) OnPacket() func(raw []byte) {
	c.handlerMu.RLock()
	defer c.handlerMu.RUnlock()
	return c.onPacket
}

// SetOnPacket replaces the current packet handler.
//
// The handler is invoked inline on the ingress goroutine for every
// inbound packet, in arrival order, and must not block. The byte slice
// is only valid for the duration of the call.
func (c *Client) SetOnPacket(handler func(raw []byte)) {
	c.handlerMu.Lock()
	c.onPacket = handler
	c.handlerMu.Unlock()
}

// IsConnected returns true while the session is live.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// Stats returns current operational statistics.
func (c *Client) Stats() Stats {
	return Stats{
		PacketsTx:    c.packetsTx.Load(),
		PacketsRx:    c.packetsRx.Load(),
		ErrorsTotal:  c.errorsTotal.Load(),
		LastActivity: time.Unix(c.lastActivity.Load(), 0),
		Connected:    c.IsConnected(),
	}
}

// logInfo logs an info message if a logger is set.
func (c *Client) logInfo(msg string, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Info(msg, keysAndValues...)
	}
}

// logError logs an error message if a logger is set.
func (c *Client) logError(msg string, err error) {
	if c.logger != nil {
		c.logger.Error(msg, "error", err)
	}
}
